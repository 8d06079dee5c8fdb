package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression algorithm names, as used in the configuration
const (
	CompressionNone   = "none"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

var (
	// ErrUnknownCompression is returned for an algorithm name that is not supported
	ErrUnknownCompression = errors.New("unknown compression algorithm")

	// ErrInvalidCompressedData is returned when stored data cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// Compressor compresses whole values
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCompressor returns the compressor registered under name
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case CompressionNone, "":
		return noCompression{}, nil
	case CompressionZstd:
		return newZstdCompressor()
	case CompressionSnappy:
		return snappyCompressor{}, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

type noCompression struct{}

func (noCompression) Name() string                           { return CompressionNone }
func (noCompression) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noCompression) Decompress(data []byte) ([]byte, error) { return data, nil }

// zstdCompressor uses the stateless EncodeAll and DecodeAll, which are safe
// for concurrent use
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}

	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (z *zstdCompressor) Name() string { return CompressionZstd }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	result, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
	}
	return result, nil
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return CompressionSnappy }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	result, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
	}
	return result, nil
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return CompressionLZ4 }

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress with lz4: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress with lz4: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	result, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
	}
	return result, nil
}

type compressedCodec[T any] struct {
	inner      Codec[T]
	compressor Compressor
}

// Compressed wraps a value codec so the encoded bytes are compressed with
// the named algorithm. It is meant for values; keys stay uncompressed.
func Compressed[T any](inner Codec[T], algorithm string) (Codec[T], error) {
	compressor, err := NewCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	if _, ok := compressor.(noCompression); ok {
		return inner, nil
	}
	return &compressedCodec[T]{inner: inner, compressor: compressor}, nil
}

func (c *compressedCodec[T]) Marshal(v T) ([]byte, error) {
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.compressor.Compress(data)
}

func (c *compressedCodec[T]) Unmarshal(data []byte) (T, error) {
	raw, err := c.compressor.Decompress(data)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.inner.Unmarshal(raw)
}
