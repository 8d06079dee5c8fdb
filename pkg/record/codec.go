package record

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PutInt32 writes v big endian into the first 4 bytes of b
func PutInt32(b []byte, v int32) {
	binary.BigEndian.PutUint32(b, uint32(v))
}

// Int32 reads a big endian int32 from the first 4 bytes of b
func Int32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

// PutInt64 writes v big endian into the first 8 bytes of b
func PutInt64(b []byte, v int64) {
	binary.BigEndian.PutUint64(b, uint64(v))
}

// Int64 reads a big endian int64 from the first 8 bytes of b
func Int64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Encode returns the on-disk frame of r
func Encode(r *Record) []byte {
	return AppendEncode(make([]byte, 0, r.EncodedLen()), r)
}

// AppendEncode appends the on-disk frame of r to dst
func AppendEncode(dst []byte, r *Record) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, r.EncodedLen())...)
	buf := dst[start:]

	// Index section
	PutInt32(buf[0:4], int32(r.Flag))
	buf[4] = 0
	PutInt32(buf[5:9], r.Hash)
	buf[9] = 0
	PutInt64(buf[10:18], r.Location)
	buf[18] = 0

	// Header section
	PutInt32(buf[19:23], int32(len(r.Key)))
	buf[23] = 0
	PutInt32(buf[24:28], int32(len(r.Value)))
	buf[28] = 0

	// Data section
	offset := MetaSize
	copy(buf[offset:], r.Key)
	offset += len(r.Key)
	buf[offset] = 0
	offset++
	copy(buf[offset:], r.Value)
	offset += len(r.Value)
	buf[offset] = 0

	return dst
}

// meta holds the decoded fixed prefix of a frame
type meta struct {
	flag      Flag
	hash      int32
	location  int64
	keySize   int
	valueSize int
}

// dataLen is the size of the data section that follows the prefix
func (m *meta) dataLen() int {
	return m.keySize + 1 + m.valueSize + 1
}

// parseMeta decodes the index and header sections. Pad bytes are skipped, not checked.
func parseMeta(b []byte) (*meta, error) {
	m := &meta{
		flag:     Flag(Int32(b[0:4])),
		hash:     Int32(b[5:9]),
		location: Int64(b[10:18]),
	}

	keySize := Int32(b[19:23])
	valueSize := Int32(b[24:28])
	if keySize < 0 || valueSize < 0 {
		return nil, fmt.Errorf("%w: negative field size (key %d, value %d)", ErrCorruptRecord, keySize, valueSize)
	}
	if keySize > MaxFieldSize || valueSize > MaxFieldSize {
		return nil, fmt.Errorf("%w: key %d bytes, value %d bytes", ErrFieldTooLarge, keySize, valueSize)
	}

	m.keySize = int(keySize)
	m.valueSize = int(valueSize)
	return m, nil
}

// build assembles a record from a parsed prefix and its data section
func (m *meta) build(data []byte) *Record {
	key := make([]byte, m.keySize)
	copy(key, data[:m.keySize])
	valueStart := m.keySize + 1
	value := make([]byte, m.valueSize)
	copy(value, data[valueStart:valueStart+m.valueSize])

	return &Record{
		Flag:     m.flag,
		Hash:     m.hash,
		Location: m.location,
		Key:      key,
		Value:    value,
	}
}

// Decode parses a complete frame from b
func Decode(b []byte) (*Record, error) {
	if len(b) < MetaSize {
		return nil, io.ErrUnexpectedEOF
	}
	m, err := parseMeta(b[:MetaSize])
	if err != nil {
		return nil, err
	}
	data := b[MetaSize:]
	if len(data) < m.dataLen() {
		return nil, io.ErrUnexpectedEOF
	}
	return m.build(data), nil
}

// checkFits fails with io.ErrUnexpectedEOF when the frame described by m does
// not fit in the remaining bytes, before anything is allocated for it
func (m *meta) checkFits(remaining int64) error {
	if need := int64(MetaSize) + int64(m.dataLen()); need > remaining {
		return fmt.Errorf("%w: frame needs %d bytes, %d left", io.ErrUnexpectedEOF, need, remaining)
	}
	return nil
}

// Read decodes the next frame from a sequential stream that holds at most
// remaining more bytes. It returns io.EOF when the stream ends on a frame
// boundary and io.ErrUnexpectedEOF on a partial frame.
func Read(r io.Reader, remaining int64) (*Record, error) {
	prefix := make([]byte, MetaSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	m, err := parseMeta(prefix)
	if err != nil {
		return nil, err
	}
	if err := m.checkFits(remaining); err != nil {
		return nil, err
	}

	data := make([]byte, m.dataLen())
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return m.build(data), nil
}

// ReadAt decodes the frame that begins at offset in a source of size bytes
func ReadAt(r io.ReaderAt, offset, size int64) (*Record, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrCorruptRecord, offset)
	}

	prefix := make([]byte, MetaSize)
	if err := readFullAt(r, prefix, offset); err != nil {
		return nil, err
	}

	m, err := parseMeta(prefix)
	if err != nil {
		return nil, err
	}
	if err := m.checkFits(size - offset); err != nil {
		return nil, err
	}

	data := make([]byte, m.dataLen())
	if err := readFullAt(r, data, offset+MetaSize); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return m.build(data), nil
}

// readFullAt fills buf from offset, mapping short reads onto io.ErrUnexpectedEOF
func readFullAt(r io.ReaderAt, buf []byte, offset int64) error {
	n, err := r.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == io.EOF {
		if n == 0 {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	if err == nil {
		return io.ErrUnexpectedEOF
	}
	return err
}
