// Package codec provides value serialization for keybox payloads.
//
// The default codec is JSON-based: primitives (strings, integers, floats,
// booleans), string slices, and arbitrary structured records all round-trip
// through a single encoding path.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors.
var (
	// ErrEncode indicates a value could not be serialized.
	ErrEncode = errors.New("codec: encode failed")

	// ErrDecode indicates stored bytes could not be deserialized into the
	// requested type. Distinct from "key not found".
	ErrDecode = errors.New("codec: decode failed")
)

// Codec encodes and decodes values for persistence.
type Codec interface {
	// Marshal serializes v into bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into v (must be a pointer).
	Unmarshal(data []byte, v any) error

	// Name returns the codec identifier used for diagnostics.
	Name() string
}

// JSON is the default JSON-based codec.
type JSON struct{}

// Marshal serializes v into JSON bytes.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

// Unmarshal deserializes JSON bytes into v.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// Name returns the codec identifier.
func (JSON) Name() string { return "json" }

// Decode deserializes data into a value of type T using c.
func Decode[T any](c Codec, data []byte) (T, error) {
	var out T
	if err := c.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
