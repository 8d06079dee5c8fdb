package record

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"testing"
)

func TestRecordReadWrite(t *testing.T) {
	r1 := &Record{
		Flag:     FlagActive,
		Hash:     -12345,
		Location: 0,
		Key:      []byte("foo"),
		Value:    []byte("bar"),
	}

	data := Encode(r1)
	if len(data) != r1.EncodedLen() {
		t.Fatalf("Expected %d encoded bytes, got %d", r1.EncodedLen(), len(data))
	}

	r2, err := Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Failed to read record: %v", err)
	}
	if !r1.Equal(r2) {
		t.Errorf("Records differ. Expected %s, got %s", r1, r2)
	}
}

func TestRecordLayout(t *testing.T) {
	r := &Record{
		Flag:     FlagDeleted,
		Hash:     0x01020304,
		Location: 0x0A0B0C0D0E0F1011,
		Key:      []byte{0xAA},
		Value:    []byte{0xBB, 0xCC},
	}
	data := Encode(r)

	expected := []byte{
		0, 0, 0, 2, 0, // flag
		1, 2, 3, 4, 0, // hash
		0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, 0x11, 0, // location
		0, 0, 0, 1, 0, // key size
		0, 0, 0, 2, 0, // value size
		0xAA, 0, // key
		0xBB, 0xCC, 0, // value
	}
	if !bytes.Equal(data, expected) {
		t.Fatalf("Unexpected layout:\n got %v\nwant %v", data, expected)
	}
}

func TestRecordPadBytesIgnoredOnRead(t *testing.T) {
	r := &Record{Flag: FlagActive, Hash: 7, Location: 42, Key: []byte("k"), Value: []byte("v")}
	data := Encode(r)

	// Dirty every pad byte
	for _, pos := range []int{4, 9, 18, 23, 28, MetaSize + 1, MetaSize + 3} {
		data[pos] = 0xFF
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if !r.Equal(decoded) {
		t.Errorf("Expected %s, got %s", r, decoded)
	}
}

func TestRecordReadAt(t *testing.T) {
	var buf []byte
	var offsets []int64
	for i := 0; i < 5; i++ {
		offsets = append(offsets, int64(len(buf)))
		r := New([]byte{byte('a' + i)}, bytes.Repeat([]byte{byte(i)}, i*10), int32(i))
		r.Location = offsets[i]
		buf = AppendEncode(buf, r)
	}

	reader := bytes.NewReader(buf)
	for i := len(offsets) - 1; i >= 0; i-- {
		r, err := ReadAt(reader, offsets[i], int64(len(buf)))
		if err != nil {
			t.Fatalf("Failed to read record %d: %v", i, err)
		}
		if r.Location != offsets[i] {
			t.Errorf("Record %d: expected location %d, got %d", i, offsets[i], r.Location)
		}
		if r.Key[0] != byte('a'+i) || len(r.Value) != i*10 {
			t.Errorf("Record %d decoded incorrectly: %s", i, r)
		}
	}

	if _, err := ReadAt(reader, int64(len(buf)), int64(len(buf))); err != io.EOF {
		t.Errorf("Expected io.EOF past the end, got %v", err)
	}
}

func TestRecordSequentialEOF(t *testing.T) {
	r := New([]byte("key"), []byte("value"), 1)
	r.Location = 0
	data := Encode(r)

	reader := bytes.NewReader(data)
	if _, err := Read(reader, int64(len(data))); err != nil {
		t.Fatalf("Failed to read record: %v", err)
	}
	if _, err := Read(reader, 0); err != io.EOF {
		t.Errorf("Expected io.EOF at a frame boundary, got %v", err)
	}

	// Torn frames
	for _, cut := range []int{1, MetaSize - 1, MetaSize, len(data) - 1} {
		_, err := Read(bytes.NewReader(data[:cut]), int64(cut))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("Cut at %d: expected io.ErrUnexpectedEOF, got %v", cut, err)
		}
	}
}

func TestRecordCorruptSizes(t *testing.T) {
	r := New([]byte("key"), []byte("value"), 1)
	data := Encode(r)

	PutInt32(data[19:23], -1)
	if _, err := Decode(data); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord for negative key size, got %v", err)
	}

	data = Encode(r)
	PutInt32(data[24:28], MaxFieldSize+1)
	if _, err := Decode(data); !errors.Is(err, ErrFieldTooLarge) {
		t.Errorf("Expected ErrFieldTooLarge for huge value size, got %v", err)
	}
}

func TestRecordSize(t *testing.T) {
	r := New([]byte("abc"), []byte("defgh"), 0)
	if r.Size() != 3+5+16+8 {
		t.Errorf("Expected accounting size %d, got %d", 3+5+16+8, r.Size())
	}
	if r.EncodedLen() != MetaSize+3+1+5+1 {
		t.Errorf("Expected encoded length %d, got %d", MetaSize+3+1+5+1, r.EncodedLen())
	}
}

func TestRecordEmptyPayloads(t *testing.T) {
	r := New(nil, nil, 99)
	r.Location = 10
	decoded, err := Decode(Encode(r))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(decoded.Key) != 0 || len(decoded.Value) != 0 || decoded.Hash != 99 {
		t.Errorf("Unexpected record: %s", decoded)
	}
}

func TestIntConversions(t *testing.T) {
	b := make([]byte, 8)
	for _, v := range []int32{0, 1, -1, 1 << 30, -(1 << 31)} {
		PutInt32(b, v)
		if got := Int32(b); got != v {
			t.Errorf("Int32 round trip: expected %d, got %d", v, got)
		}
	}
	for _, v := range []int64{0, 1, -1, 1 << 62, -(1 << 63)} {
		PutInt64(b, v)
		if got := Int64(b); got != v {
			t.Errorf("Int64 round trip: expected %d, got %d", v, got)
		}
	}
}

func TestRecordOversizedFrameFailsBeforeAllocating(t *testing.T) {
	// A bare header claiming a 1 GiB key and a 1 GiB value
	header := make([]byte, MetaSize)
	PutInt32(header[0:4], int32(FlagActive))
	PutInt32(header[19:23], MaxFieldSize)
	PutInt32(header[24:28], MaxFieldSize)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	if r, err := Read(bytes.NewReader(header), int64(len(header))); !errors.Is(err, io.ErrUnexpectedEOF) || r != nil {
		t.Fatalf("Expected io.ErrUnexpectedEOF from Read, got %v, %v", r, err)
	}
	if _, err := ReadAt(bytes.NewReader(header), 0, int64(len(header))); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected io.ErrUnexpectedEOF from ReadAt, got %v", err)
	}
	runtime.ReadMemStats(&after)
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 1<<20 {
		t.Errorf("Expected no large allocation, TotalAlloc grew by %d bytes", grown)
	}
}
