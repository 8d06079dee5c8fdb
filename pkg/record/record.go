// Package record implements the on-disk frame of a single stored entry.
//
// A frame is laid out as:
//
//	flag(4) pad(1) hash(4) pad(1) location(8) pad(1)   index section, 19 bytes
//	keySize(4) pad(1) valueSize(4) pad(1)              header section, 10 bytes
//	key pad(1) value pad(1)                            data section
//
// All integers are big endian. Pad bytes are written as zero and skipped on read.
package record

import (
	"bytes"
	"errors"
	"fmt"
)

// Flag marks the state of a record in the log
type Flag int32

const (
	FlagActive  Flag = 1
	FlagDeleted Flag = 2
	FlagEmpty   Flag = 4
)

const (
	// IndexSectionSize is flag + hash + location, each followed by a pad byte
	IndexSectionSize = 4 + 1 + 4 + 1 + 8 + 1

	// HeaderSectionSize is keySize + valueSize, each followed by a pad byte
	HeaderSectionSize = 4 + 1 + 4 + 1

	// MetaSize is the fixed prefix of every frame
	MetaSize = IndexSectionSize + HeaderSectionSize

	// MaxFieldSize bounds key and value lengths on both sides of the codec
	MaxFieldSize = 1 << 30

	// NoLocation is the location of a record that has not been written yet
	NoLocation int64 = -1
)

var (
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrFieldTooLarge marks a key or value over MaxFieldSize. Writers reject
	// such records, so reading one means the file is corrupt.
	ErrFieldTooLarge = fmt.Errorf("%w: field too large", ErrCorruptRecord)
)

// String returns the name of the flag
func (f Flag) String() string {
	switch f {
	case FlagActive:
		return "ACTIVE"
	case FlagDeleted:
		return "DELETED"
	case FlagEmpty:
		return "EMPTY"
	default:
		return fmt.Sprintf("FLAG(%d)", int32(f))
	}
}

// Record is one stored entry
type Record struct {
	Flag     Flag
	Hash     int32
	Location int64
	Key      []byte
	Value    []byte
}

// New creates an active record that has not been placed in a file yet
func New(key, value []byte, hash int32) *Record {
	return &Record{
		Flag:     FlagActive,
		Hash:     hash,
		Location: NoLocation,
		Key:      key,
		Value:    value,
	}
}

// At returns a copy of the record relocated to the given offset
func (r *Record) At(location int64) *Record {
	return &Record{
		Flag:     r.Flag,
		Hash:     r.Hash,
		Location: location,
		Key:      r.Key,
		Value:    r.Value,
	}
}

// IsActive reports whether the record holds the current value of its key
func (r *Record) IsActive() bool {
	return r.Flag == FlagActive
}

// Size is the accounting size of the record: payloads plus the integer fields.
// Pad bytes are not included, so it must not be used to compute file offsets.
func (r *Record) Size() int {
	return len(r.Key) + len(r.Value) + 4*4 + 8
}

// EncodedLen is the exact number of bytes the record occupies on disk
func (r *Record) EncodedLen() int {
	return MetaSize + len(r.Key) + 1 + len(r.Value) + 1
}

// Equal compares every persisted field of two records
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Flag == other.Flag &&
		r.Hash == other.Hash &&
		r.Location == other.Location &&
		bytes.Equal(r.Key, other.Key) &&
		bytes.Equal(r.Value, other.Value)
}

// String returns a short description of the record without its payloads
func (r *Record) String() string {
	return fmt.Sprintf("Record{flag=%s, hash=%d, location=%d, keySize=%d, valueSize=%d}",
		r.Flag, r.Hash, r.Location, len(r.Key), len(r.Value))
}
