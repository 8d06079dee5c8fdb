// Package codec turns keys and values into the bytes a page stores.
//
// Keys are compared by their encoded bytes, so a codec used for keys must
// always produce the same bytes for equal values.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevoDB/diskmap/pkg/record"
)

var (
	// ErrDecode is returned when stored bytes cannot be turned back into a value
	ErrDecode = errors.New("failed to decode value")
)

// Codec converts values of type T to and from bytes
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

type stringCodec struct{}

// String stores strings as their UTF-8 bytes
func String() Codec[string] {
	return stringCodec{}
}

func (stringCodec) Marshal(v string) ([]byte, error) {
	return []byte(v), nil
}

func (stringCodec) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}

type bytesCodec struct{}

// Bytes stores byte slices unchanged
func Bytes() Codec[[]byte] {
	return bytesCodec{}
}

func (bytesCodec) Marshal(v []byte) ([]byte, error) {
	return v, nil
}

func (bytesCodec) Unmarshal(data []byte) ([]byte, error) {
	return data, nil
}

type int64Codec struct{}

// Int64 stores integers as 8 big-endian bytes
func Int64() Codec[int64] {
	return int64Codec{}
}

func (int64Codec) Marshal(v int64) ([]byte, error) {
	b := make([]byte, 8)
	record.PutInt64(b, v)
	return b, nil
}

func (int64Codec) Unmarshal(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: int64 needs 8 bytes, got %d", ErrDecode, len(data))
	}
	return record.Int64(data), nil
}

type int32Codec struct{}

// Int32 stores integers as 4 big-endian bytes
func Int32() Codec[int32] {
	return int32Codec{}
}

func (int32Codec) Marshal(v int32) ([]byte, error) {
	b := make([]byte, 4)
	record.PutInt32(b, v)
	return b, nil
}

func (int32Codec) Unmarshal(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: int32 needs 4 bytes, got %d", ErrDecode, len(data))
	}
	return record.Int32(data), nil
}

type jsonCodec[T any] struct{}

// JSON stores values with encoding/json. Map keys are sorted on output, so
// the encoding is stable as long as T has no custom marshaler that is not.
func JSON[T any]() Codec[T] {
	return jsonCodec[T]{}
}

func (jsonCodec[T]) Marshal(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return data, nil
}

func (jsonCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

type gobCodec[T any] struct{}

// Gob stores values with encoding/gob. Every value carries its own type
// description. Gob output for maps is not stable, so use it for values only.
func Gob[T any]() Codec[T] {
	return gobCodec[T]{}
}

func (gobCodec[T]) Marshal(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("failed to marshal gob: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}
