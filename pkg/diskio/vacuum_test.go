package diskio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/record"
)

// keepActive keeps active records and remembers where they moved
type keepActive struct {
	moved map[string]int64
}

func (f *keepActive) Accept(r *record.Record) bool {
	return r.IsActive()
}

func (f *keepActive) Update(r *record.Record, newOffset int64) {
	f.moved[string(r.Key)] = newOffset
}

func TestVacuumCompactsAndRelocates(t *testing.T) {
	b, cfg := newTestBlockingIO(t)

	var deleted []*record.Record
	for i := 0; i < 50; i++ {
		r := testRecord(i)
		if _, err := b.Write(r); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
		if i%5 == 0 {
			r.Flag = record.FlagDeleted
			deleted = append(deleted, r)
		}
	}
	if err := b.UpdateBatch(deleted...); err != nil {
		t.Fatalf("Failed to mark deletions: %v", err)
	}
	before := b.Size()

	filter := &keepActive{moved: make(map[string]int64)}
	if err := b.Vacuum(filter); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}

	if len(filter.moved) != 40 {
		t.Fatalf("Expected 40 relocated records, got %d", len(filter.moved))
	}
	if b.Size() >= before {
		t.Errorf("Expected file to shrink from %d bytes, got %d", before, b.Size())
	}

	var expectedSize int64
	for i := 0; i < 50; i++ {
		want := testRecord(i)
		offset, ok := filter.moved[string(want.Key)]
		if i%5 == 0 {
			if ok {
				t.Errorf("Deleted record %q survived vacuum", want.Key)
			}
			continue
		}
		if !ok {
			t.Fatalf("Record %q missing after vacuum", want.Key)
		}
		if offset != expectedSize {
			t.Errorf("Record %q: expected new offset %d, got %d", want.Key, expectedSize, offset)
		}
		expectedSize += int64(want.EncodedLen())

		got, err := b.Read(offset)
		if err != nil {
			t.Fatalf("Failed to read %q at %d: %v", want.Key, offset, err)
		}
		if got.Location != offset {
			t.Errorf("Record %q: stored location %d, expected %d", want.Key, got.Location, offset)
		}
		if !bytes.Equal(got.Value, want.Value) || got.Hash != want.Hash {
			t.Errorf("Record %q: expected %s, got %s", want.Key, want, got)
		}
	}
	if b.Size() != expectedSize {
		t.Errorf("Expected size %d, got %d", expectedSize, b.Size())
	}

	for _, ext := range []string{config.ExtTemp, config.ExtBackup} {
		if _, err := os.Stat(cfg.DataFileName(ext)); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed, stat returned %v", ext, err)
		}
	}

	// The log keeps working after the swap
	offset, err := b.Write(testRecord(100))
	if err != nil {
		t.Fatalf("Failed to write after vacuum: %v", err)
	}
	if offset != expectedSize {
		t.Errorf("Expected append at %d, got %d", expectedSize, offset)
	}
}

func TestVacuumEmptyResult(t *testing.T) {
	b, _ := newTestBlockingIO(t)

	for i := 0; i < 5; i++ {
		r := testRecord(i)
		r.Flag = record.FlagDeleted
		if _, err := b.Write(r); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	if err := b.Vacuum(&keepActive{moved: make(map[string]int64)}); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	if b.Size() != 0 {
		t.Errorf("Expected empty file, got %d bytes", b.Size())
	}

	scanner, err := b.Iterate()
	if err != nil {
		t.Fatalf("Failed to iterate: %v", err)
	}
	defer scanner.Close()
	if _, err := scanner.Next(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestVacuumKeepsOriginalWhenTempFails(t *testing.T) {
	b, cfg := newTestBlockingIO(t)

	for i := 0; i < 10; i++ {
		if _, err := b.Write(testRecord(i)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}
	size := b.Size()

	// A directory in place of the temp file makes it impossible to create
	tmpPath := cfg.DataFileName(config.ExtTemp)
	if err := os.Mkdir(tmpPath, 0755); err != nil {
		t.Fatalf("Failed to create blocking directory: %v", err)
	}
	if err := os.WriteFile(tmpPath+"/keep", []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to populate blocking directory: %v", err)
	}

	filter := &keepActive{moved: make(map[string]int64)}
	err := b.Vacuum(filter)
	if err == nil {
		t.Fatalf("Expected vacuum to fail")
	}
	if errors.Is(err, ErrVacuumRename) {
		t.Errorf("Expected failure before any rename, got %v", err)
	}
	if len(filter.moved) != 0 {
		t.Errorf("Expected no relocations, got %d", len(filter.moved))
	}

	if b.Size() != size {
		t.Errorf("Expected original size %d, got %d", size, b.Size())
	}
	got, err := b.Read(0)
	if err != nil {
		t.Fatalf("Expected original file to stay readable, got %v", err)
	}
	if !bytes.Equal(got.Key, testRecord(0).Key) {
		t.Errorf("Expected first record, got %s", got)
	}
	if _, err := b.Write(testRecord(10)); err != nil {
		t.Errorf("Expected writes to keep working, got %v", err)
	}
}

func TestStaleTempRemovedOnOpen(t *testing.T) {
	cfg := newTestConfig(t, config.IOModeSync)
	tmpPath := cfg.DataFileName(config.ExtTemp)
	if err := os.WriteFile(tmpPath, []byte("half a vacuum"), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	b, err := NewBlockingIO(cfg, log.NewDiscardLogger())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer b.Close()

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("Expected stale temp file to be removed, stat returned %v", err)
	}
}

func TestVacuumClosed(t *testing.T) {
	b, _ := newTestBlockingIO(t)
	b.Close()

	if err := b.Vacuum(&keepActive{moved: make(map[string]int64)}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
