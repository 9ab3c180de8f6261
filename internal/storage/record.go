package storage

import (
	"encoding/binary"
	"errors"
)

// Record envelope format: [version:1][flags:1][expiresAt:8][payload...]
//
// The expiry deadline lives in the envelope, outside the (possibly
// encrypted) payload, so TTL metadata survives restarts and can be indexed
// without touching key material.
const (
	recordVersion    = 1
	recordHeaderSize = 10

	flagEncrypted = 1 << 0
)

// ErrBadRecord indicates a record envelope that cannot be parsed.
var ErrBadRecord = errors.New("storage: bad record envelope")

// Record is one stored entry.
type Record struct {
	// Payload is the serialized value; ciphertext when Encrypted is set.
	Payload []byte

	// ExpiresAt is the absolute expiry deadline in unix milliseconds.
	// Zero means the record never expires.
	ExpiresAt int64

	// Encrypted marks whether Payload went through the namespace cipher.
	Encrypted bool
}

// EncodeRecord serializes a record envelope.
func EncodeRecord(rec Record) []byte {
	out := make([]byte, recordHeaderSize+len(rec.Payload))
	out[0] = recordVersion
	if rec.Encrypted {
		out[1] |= flagEncrypted
	}
	binary.BigEndian.PutUint64(out[2:10], uint64(rec.ExpiresAt))
	copy(out[recordHeaderSize:], rec.Payload)
	return out
}

// DecodeRecord parses a record envelope.
func DecodeRecord(data []byte) (Record, error) {
	if len(data) < recordHeaderSize || data[0] != recordVersion {
		return Record{}, ErrBadRecord
	}

	rec := Record{
		Encrypted: data[1]&flagEncrypted != 0,
		ExpiresAt: int64(binary.BigEndian.Uint64(data[2:10])),
	}
	if payload := data[recordHeaderSize:]; len(payload) > 0 {
		rec.Payload = append([]byte(nil), payload...)
	}
	return rec, nil
}
