package diskio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/record"
)

// BlockingIO keeps two handles on the log file: a writer used for appends and
// in-place rewrites, and a reader used for positional reads. Appends go to the
// end cursor, so an update never moves it.
type BlockingIO struct {
	path       string
	tmpPath    string
	bakPath    string
	tornPath   string
	flushEvery time.Duration
	logger     log.Logger

	mu        sync.Mutex // guards writer, lastFlush and the vacuum swap
	writer    *os.File
	lastFlush time.Time
	end       atomic.Int64

	readerMu sync.RWMutex // readers share the handle, a reopen replaces it
	reader   *os.File

	closed atomic.Bool
}

// Ensure BlockingIO implements DiskIO
var _ DiskIO = (*BlockingIO)(nil)

// NewBlockingIO opens or creates the log file of cfg.Shard
func NewBlockingIO(cfg *config.Config, logger log.Logger) (*BlockingIO, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	b := &BlockingIO{
		path:       cfg.DataFileName(config.ExtData),
		tmpPath:    cfg.DataFileName(config.ExtTemp),
		bakPath:    cfg.DataFileName(config.ExtBackup),
		tornPath:   cfg.DataFileName(config.ExtTorn),
		flushEvery: cfg.FlushEvery(),
		lastFlush:  time.Now(),
	}
	b.logger = logger.WithFields(map[string]interface{}{
		"component": "diskio",
		"file":      b.path,
	})

	// A leftover temp file belongs to a vacuum that never finished
	if err := os.Remove(b.tmpPath); err == nil {
		b.logger.Warn("Removed stale vacuum file %s", b.tmpPath)
	}

	if err := b.openHandles(); err != nil {
		return nil, err
	}
	return b, nil
}

// openHandles opens the writer and reader and positions the end cursor
func (b *BlockingIO) openHandles() error {
	writer, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", b.path, err)
	}

	stat, err := writer.Stat()
	if err != nil {
		writer.Close()
		return fmt.Errorf("failed to stat %s: %w", b.path, err)
	}

	reader, err := os.Open(b.path)
	if err != nil {
		writer.Close()
		return fmt.Errorf("failed to open %s for reading: %w", b.path, err)
	}

	b.writer = writer
	b.end.Store(stat.Size())

	b.readerMu.Lock()
	b.reader = reader
	b.readerMu.Unlock()
	return nil
}

// closeHandles syncs the writer and releases both handles
func (b *BlockingIO) closeHandles() error {
	var errs []error
	if b.writer != nil {
		if err := b.writer.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync %s: %w", b.path, err))
		}
		if err := b.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close writer of %s: %w", b.path, err))
		}
		b.writer = nil
	}

	b.readerMu.Lock()
	if b.reader != nil {
		if err := b.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader of %s: %w", b.path, err))
		}
		b.reader = nil
	}
	b.readerMu.Unlock()

	return errors.Join(errs...)
}

// Write appends r at the end of the file
func (b *BlockingIO) Write(r *record.Record) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() || b.writer == nil {
		return 0, ErrClosed
	}
	if len(r.Key) > maxFieldSize || len(r.Value) > maxFieldSize {
		return 0, fmt.Errorf("%w: key %d bytes, value %d bytes", record.ErrFieldTooLarge, len(r.Key), len(r.Value))
	}

	offset := b.end.Load()
	r.Location = offset
	data := record.Encode(r)

	if _, err := b.writer.WriteAt(data, offset); err != nil {
		b.logger.Error("Failed to append record at offset %d: %v", offset, err)
		return 0, fmt.Errorf("failed to append record to %s: %w", b.path, err)
	}

	b.end.Add(int64(len(data)))
	return offset, nil
}

// Update rewrites r in place
func (b *BlockingIO) Update(r *record.Record) error {
	return b.UpdateBatch(r)
}

// UpdateBatch rewrites records in place, lowest location first, then flushes
// if the flush interval has elapsed
func (b *BlockingIO) UpdateBatch(records ...*record.Record) error {
	if len(records) == 0 {
		return nil
	}

	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(x, y *record.Record) int {
		switch {
		case x.Location < y.Location:
			return -1
		case x.Location > y.Location:
			return 1
		default:
			return 0
		}
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() || b.writer == nil {
		return ErrClosed
	}

	end := b.end.Load()
	for _, r := range sorted {
		data := record.Encode(r)
		if r.Location < 0 || r.Location+int64(len(data)) > end {
			return fmt.Errorf("%w: %s of %d bytes at %d, file is %d bytes",
				ErrInvalidLocation, r, len(data), r.Location, end)
		}
		if _, err := b.writer.WriteAt(data, r.Location); err != nil {
			b.logger.Error("Failed to rewrite record at offset %d: %v", r.Location, err)
			return fmt.Errorf("failed to rewrite record at %d in %s: %w", r.Location, b.path, err)
		}
	}

	return b.maybeFlush()
}

// maybeFlush syncs the writer when the flush interval has elapsed. Caller holds mu.
func (b *BlockingIO) maybeFlush() error {
	now := time.Now()
	if now.Sub(b.lastFlush) < b.flushEvery {
		return nil
	}
	if err := b.writer.Sync(); err != nil {
		b.logger.Error("Failed to sync: %v", err)
		return fmt.Errorf("failed to sync %s: %w", b.path, err)
	}
	b.lastFlush = now
	return nil
}

// Read decodes the record at offset. A failed read reopens the reader handle
// and is retried once.
func (b *BlockingIO) Read(offset int64) (*record.Record, error) {
	r, err := b.readAt(offset)
	if err == nil || errors.Is(err, ErrClosed) {
		return r, err
	}

	b.logger.Warn("Read at offset %d failed, reopening reader: %v", offset, err)
	if rerr := b.reopenReader(); rerr != nil {
		b.logger.Error("Failed to reopen reader: %v", rerr)
		return nil, fmt.Errorf("failed to read record at %d in %s: %w", offset, b.path, errors.Join(err, rerr))
	}

	r, err = b.readAt(offset)
	if err != nil {
		b.logger.Error("Read at offset %d failed after reopening reader: %v", offset, err)
		return nil, fmt.Errorf("failed to read record at %d in %s: %w", offset, b.path, err)
	}
	return r, nil
}

func (b *BlockingIO) readAt(offset int64) (*record.Record, error) {
	b.readerMu.RLock()
	defer b.readerMu.RUnlock()

	if b.closed.Load() || b.reader == nil {
		return nil, ErrClosed
	}
	return record.ReadAt(b.reader, offset, b.end.Load())
}

// reopenReader replaces the reader handle with a fresh one
func (b *BlockingIO) reopenReader() error {
	b.readerMu.Lock()
	defer b.readerMu.Unlock()

	if b.closed.Load() || b.reader == nil {
		return ErrClosed
	}

	reader, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("failed to open %s for reading: %w", b.path, err)
	}
	b.reader.Close()
	b.reader = reader
	return nil
}

// Iterate opens a scanner over the records present when it is called
func (b *BlockingIO) Iterate() (*Scanner, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return newScanner(b.path, b.end.Load())
}

// Truncate drops everything from size onwards
func (b *BlockingIO) Truncate(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkCut(size); err != nil {
		return err
	}
	return b.truncate(size)
}

// Salvage appends everything from size onwards to the shard's torn file, then
// cuts the log to size. It returns the path of the torn file.
func (b *BlockingIO) Salvage(size int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkCut(size); err != nil {
		return "", err
	}
	end := b.end.Load()
	if size == end {
		return b.tornPath, nil
	}

	out, err := os.OpenFile(b.tornPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", b.tornPath, err)
	}
	if _, err := io.Copy(out, io.NewSectionReader(b.writer, size, end-size)); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy %d bytes to %s: %w", end-size, b.tornPath, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to sync %s: %w", b.tornPath, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", b.tornPath, err)
	}

	if err := b.truncate(size); err != nil {
		return "", err
	}
	return b.tornPath, nil
}

// checkCut validates a new file size. Caller holds mu.
func (b *BlockingIO) checkCut(size int64) error {
	if b.closed.Load() || b.writer == nil {
		return ErrClosed
	}
	if size < 0 || size > b.end.Load() {
		return fmt.Errorf("%w: cannot truncate %d byte file to %d", ErrInvalidLocation, b.end.Load(), size)
	}
	return nil
}

// truncate cuts the writer to size and syncs. Caller holds mu.
func (b *BlockingIO) truncate(size int64) error {
	if err := b.writer.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", b.path, err)
	}
	b.end.Store(size)
	return b.writer.Sync()
}

// Clear empties the file
func (b *BlockingIO) Clear() error {
	if err := b.Truncate(0); err != nil {
		b.logger.Error("Failed to clear: %v", err)
		return err
	}
	b.logger.Debug("Cleared")
	return nil
}

// Size returns the number of bytes in the file
func (b *BlockingIO) Size() int64 {
	return b.end.Load()
}

// Sync flushes written data to stable storage
func (b *BlockingIO) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() || b.writer == nil {
		return ErrClosed
	}
	if err := b.writer.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", b.path, err)
	}
	b.lastFlush = time.Now()
	return nil
}

// Close syncs and releases the file handles. Closing twice is a no-op.
func (b *BlockingIO) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Swap(true) {
		return nil
	}
	return b.closeHandles()
}

// Path returns the path of the log file
func (b *BlockingIO) Path() string {
	return b.path
}
