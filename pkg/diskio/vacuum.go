package diskio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/KevoDB/diskmap/pkg/record"
)

// Vacuum copies the records accepted by filter into a temp file and swaps it
// in place of the log:
//
//	<n>.dat -> <n>.bak, <n>.tmp -> <n>.dat, remove <n>.bak
//
// Copied records carry their new offset. If the temp file cannot be produced
// the original file is reopened untouched. A failed rename returns
// ErrVacuumRename and is not rolled back.
func (b *BlockingIO) Vacuum(filter RecordFilter) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() || b.writer == nil {
		return ErrClosed
	}

	start := time.Now()
	before := b.end.Load()

	if err := b.closeHandles(); err != nil {
		b.logger.Error("Failed to close handles before vacuum: %v", err)
		if rerr := b.openHandles(); rerr != nil {
			b.closed.Store(true)
			return errors.Join(err, rerr)
		}
		return err
	}

	kept, copied, err := b.compactInto(filter, before)
	if err != nil {
		os.Remove(b.tmpPath)
		b.logger.Error("Vacuum aborted, keeping original file: %v", err)
		if rerr := b.openHandles(); rerr != nil {
			b.closed.Store(true)
			return errors.Join(err, rerr)
		}
		return err
	}

	if err := os.Rename(b.path, b.bakPath); err != nil {
		b.logger.Error("Failed to move log aside: %v", err)
		return b.afterFailedRename(fmt.Errorf("%w: %s -> %s: %v", ErrVacuumRename, b.path, b.bakPath, err))
	}
	if err := os.Rename(b.tmpPath, b.path); err != nil {
		b.logger.Error("Failed to install compacted log: %v", err)
		return b.afterFailedRename(fmt.Errorf("%w: %s -> %s: %v", ErrVacuumRename, b.tmpPath, b.path, err))
	}

	if err := b.openHandles(); err != nil {
		b.closed.Store(true)
		return fmt.Errorf("failed to reopen %s after vacuum: %w", b.path, err)
	}
	b.lastFlush = time.Now()

	if err := os.Remove(b.bakPath); err != nil {
		b.logger.Warn("Failed to remove vacuum backup %s: %v", b.bakPath, err)
	}

	b.logger.Info("Vacuumed %d records, %d -> %d bytes in %v", copied, before, kept, time.Since(start))
	return nil
}

// afterFailedRename reopens whatever file now sits at the log path so the
// caller can rebuild its index from it
func (b *BlockingIO) afterFailedRename(err error) error {
	if _, statErr := os.Stat(b.path); statErr != nil {
		b.closed.Store(true)
		return err
	}
	if rerr := b.openHandles(); rerr != nil {
		b.closed.Store(true)
		return errors.Join(err, rerr)
	}
	return err
}

// compactInto writes the accepted records of the first limit bytes of the log
// into the temp file and returns its size and the number of records copied.
// filter.Update is called only once a record has been written.
func (b *BlockingIO) compactInto(filter RecordFilter, limit int64) (int64, int, error) {
	scanner, err := newScanner(b.path, limit)
	if err != nil {
		return 0, 0, err
	}
	defer scanner.Close()

	tmp, err := os.OpenFile(b.tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create %s: %w", b.tmpPath, err)
	}
	writer := bufio.NewWriterSize(tmp, scanBufferSize)

	var size int64
	copied := 0
	for {
		r, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			tmp.Close()
			return 0, 0, fmt.Errorf("failed to scan %s at offset %d: %w", b.path, scanner.Offset(), err)
		}

		if !filter.Accept(r) {
			continue
		}

		moved := r.At(size)
		data := record.Encode(moved)
		if _, err := writer.Write(data); err != nil {
			tmp.Close()
			return 0, 0, fmt.Errorf("failed to write %s: %w", b.tmpPath, err)
		}
		filter.Update(r, size)

		size += int64(len(data))
		copied++
	}

	if err := writer.Flush(); err != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("failed to flush %s: %w", b.tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("failed to sync %s: %w", b.tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, 0, fmt.Errorf("failed to close %s: %w", b.tmpPath, err)
	}

	return size, copied, nil
}
