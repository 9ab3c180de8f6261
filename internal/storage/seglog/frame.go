// Package seglog provides the append-only segment log backing eager
// namespaces.
//
// A namespace directory holds a sequence of segment files ordered by ULID.
// Each segment starts with magic bytes and ends, once finalized, with a
// SHA-256 trailer over its contents. Records are length-prefixed frames
// with a per-frame CRC32, so a torn tail from a crash is detected and
// skipped on replay.
package seglog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Op is the type of operation recorded in a frame.
type Op uint8

const (
	OpUnspecified Op = iota
	OpSet
	OpDelete
	OpClear
)

// Frame errors.
var (
	ErrCorruptedFrame = errors.New("seglog: corrupted frame")
	ErrChecksumFrame  = errors.New("seglog: frame checksum mismatch")
	ErrInvalidOp      = errors.New("seglog: invalid op")
)

// MaxKeyLen bounds key sizes to what the frame header can describe.
const MaxKeyLen = 1<<16 - 1

// Frame is one durable operation in the log.
//
// Value holds the serialized record envelope for OpSet and is empty for
// OpDelete and OpClear. Key is empty for OpClear.
type Frame struct {
	Op    Op
	Key   string
	Value []byte
}

// encodeFrame serializes a frame.
//
// Layout: [length:4][crc:4][op:1][keyLen:2][key][value]
// length counts everything after itself; crc covers op..value.
func encodeFrame(f Frame) ([]byte, error) {
	switch f.Op {
	case OpSet, OpDelete, OpClear:
	default:
		return nil, ErrInvalidOp
	}
	if len(f.Key) > MaxKeyLen {
		return nil, fmt.Errorf("seglog: key too long: %d bytes", len(f.Key))
	}

	body := make([]byte, 0, 3+len(f.Key)+len(f.Value))
	body = append(body, byte(f.Op))
	var klen [2]byte
	binary.BigEndian.PutUint16(klen[:], uint16(len(f.Key)))
	body = append(body, klen[:]...)
	body = append(body, f.Key...)
	body = append(body, f.Value...)

	crc := crc32.ChecksumIEEE(body)

	out := make([]byte, 0, 8+len(body))
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(4+len(body)))
	out = append(out, header[:]...)

	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)

	out = append(out, body...)
	return out, nil
}

// decodeFrame parses everything after the length prefix.
func decodeFrame(frame []byte) (*Frame, error) {
	// Frame body: [crc:4][op:1][keyLen:2][key][value]
	if len(frame) < 7 {
		return nil, ErrCorruptedFrame
	}

	wantCRC := binary.BigEndian.Uint32(frame[:4])
	body := frame[4:]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, ErrChecksumFrame
	}

	op := Op(body[0])
	switch op {
	case OpSet, OpDelete, OpClear:
	default:
		return nil, ErrInvalidOp
	}

	keyLen := int(binary.BigEndian.Uint16(body[1:3]))
	if len(body) < 3+keyLen {
		return nil, ErrCorruptedFrame
	}

	out := &Frame{
		Op:  op,
		Key: string(body[3 : 3+keyLen]),
	}
	if value := body[3+keyLen:]; len(value) > 0 {
		out.Value = append([]byte(nil), value...)
	}
	return out, nil
}
