// Package diskio owns the log file of a single page. It appends records,
// rewrites them in place, serves positional reads and compacts the file.
//
// Two strategies share one contract: BlockingIO serves reads on the calling
// goroutine, NonBlockingIO hands them to a worker that batches them by offset.
// Callers serialize writes, updates, vacuum, clear and close; reads may run
// concurrently with each other.
package diskio

import (
	"errors"
	"fmt"

	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/record"
)

// maxFieldSize is the largest key or value Write accepts
var maxFieldSize = record.MaxFieldSize

var (
	ErrClosed          = errors.New("disk io is closed")
	ErrVacuumRename    = errors.New("vacuum rename failed")
	ErrInvalidLocation = errors.New("record location outside of file")
)

// RecordFilter decides which records survive a vacuum
type RecordFilter interface {
	// Accept reports whether r must be copied into the compacted file
	Accept(r *record.Record) bool

	// Update is called after an accepted record has been copied to newOffset
	Update(r *record.Record, newOffset int64)
}

// DiskIO is the file access contract a page relies on
type DiskIO interface {
	// Write appends r at the end of the file, sets r.Location and returns it
	Write(r *record.Record) (int64, error)

	// Read decodes the record that begins at offset
	Read(offset int64) (*record.Record, error)

	// Update rewrites r in place at r.Location
	Update(r *record.Record) error

	// UpdateBatch rewrites several records, in ascending location order
	UpdateBatch(records ...*record.Record) error

	// Iterate opens a single pass scanner over the records present now
	Iterate() (*Scanner, error)

	// Vacuum rewrites the file keeping only the records the filter accepts
	Vacuum(filter RecordFilter) error

	// Truncate cuts the file to size bytes
	Truncate(size int64) error

	// Salvage copies the bytes from size onwards into the shard's torn file
	// and cuts the log to size. It returns the path of the torn file.
	Salvage(size int64) (string, error)

	// Clear drops every record
	Clear() error

	// Size returns the number of bytes in the file
	Size() int64

	// Sync flushes written data to stable storage
	Sync() error

	// Close syncs and releases the file handles
	Close() error

	// Path returns the path of the log file
	Path() string
}

// Open creates the DiskIO selected by cfg.IOMode for shard cfg.Shard
func Open(cfg *config.Config, logger log.Logger) (DiskIO, error) {
	switch cfg.IOMode {
	case config.IOModeSync:
		return NewBlockingIO(cfg, logger)
	case config.IOModeAsync:
		return NewNonBlockingIO(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown io mode %q", config.ErrInvalidConfig, cfg.IOMode)
	}
}
