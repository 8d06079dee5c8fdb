// Package page implements one shard of the store: a log file, the index that
// maps key hashes to the offsets of live records in it, and the lock that
// serializes writers.
package page

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/diskio"
	"github.com/KevoDB/diskmap/pkg/index"
	"github.com/KevoDB/diskmap/pkg/record"
	"github.com/KevoDB/diskmap/pkg/stats"
)

var (
	ErrPageClosed          = errors.New("page is closed")
	ErrIteratorInvalidated = errors.New("iterator invalidated by vacuum or clear")
)

// Page owns the log file and index of one shard. Loads and iterator reads
// share the lock; saves, removes, vacuum, clear and close hold it exclusively.
type Page struct {
	number int
	io     diskio.DiskIO
	index  *index.Tree
	logger log.Logger
	stats  stats.Collector

	mu         sync.RWMutex
	generation uint64 // bumped whenever offsets are invalidated
	closed     bool
}

// Open opens the log of shard cfg.Shard and replays it into a fresh index
func Open(cfg *config.Config, logger log.Logger, collector stats.Collector) (*Page, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if collector == nil {
		collector = stats.NewAtomicCollector()
	}

	pageLogger := logger.WithField("shard", cfg.Shard)
	dio, err := diskio.Open(cfg, pageLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard %d: %w", cfg.Shard, err)
	}

	p := &Page{
		number: cfg.Shard,
		io:     dio,
		index:  index.New(),
		logger: pageLogger.WithField("component", "page"),
		stats:  collector,
	}

	if err := p.loadData(); err != nil {
		dio.Close()
		return nil, fmt.Errorf("failed to replay shard %d: %w", cfg.Shard, err)
	}
	return p, nil
}

// loadData rebuilds the index from the log. Only a failure to open the log or
// to salvage a torn tail is returned; a record that cannot be decoded ends the
// replay with whatever was indexed before it.
//
// A frame that runs past the end of the file is either a torn append or a
// corrupt length. Either way the bytes from its start onwards are moved to the
// torn file before the log is cut, so nothing is lost for good.
//
// An ACTIVE record whose key is already indexed supersedes the earlier one,
// which is flagged DELETED once the scan is over. That only happens when a
// save was interrupted between its append and its update.
func (p *Page) loadData() error {
	start := p.stats.StartReplay()
	p.index.Reset()

	scanner, err := p.io.Iterate()
	if err != nil {
		return err
	}
	defer scanner.Close()

	var scanned, indexed, skipped, truncated uint64
	var stale []*record.Record

	for {
		r, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			cut := scanner.Offset()
			truncated = uint64(p.io.Size() - cut)
			saved, err := p.io.Salvage(cut)
			if err != nil {
				return fmt.Errorf("failed to salvage torn tail at %d: %w", cut, err)
			}
			p.logger.Error("Moved %d unreadable bytes from offset %d to %s", truncated, cut, saved)
			break
		}
		if err != nil {
			p.logger.Error("Replay stopped at offset %d, later records are not indexed: %v",
				scanner.Offset(), err)
			break
		}

		scanned++
		if !r.IsActive() {
			skipped++
			continue
		}

		old, err := p.find(r.Hash, r.Key)
		if err != nil {
			p.logger.Error("Replay stopped at offset %d: %v", r.Location, err)
			break
		}
		if old != nil {
			p.index.Delete(old.Hash, old.Location)
			old.Flag = record.FlagDeleted
			stale = append(stale, old)
			indexed--
			skipped++
		}

		p.index.Insert(r.Hash, r.Location)
		indexed++
	}

	if len(stale) > 0 {
		p.logger.Warn("Flagging %d superseded records as deleted", len(stale))
		if err := p.io.UpdateBatch(stale...); err != nil {
			return fmt.Errorf("failed to flag superseded records: %w", err)
		}
	}

	p.stats.FinishReplay(start, scanned, indexed, skipped, truncated)
	p.logger.Info("Replayed %d records (%d indexed, %d skipped), %d keys",
		scanned, indexed, skipped, p.index.Len())
	return nil
}

// find returns the record currently stored for key, or nil. Caller holds mu.
func (p *Page) find(hash int32, key []byte) (*record.Record, error) {
	for _, offset := range p.index.Lookup(hash) {
		r, err := p.io.Read(offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read candidate for hash %d: %w", hash, err)
		}
		if bytes.Equal(r.Key, key) {
			return r, nil
		}
	}
	return nil, nil
}

// Load returns the value stored for key
func (p *Page) Load(hash int32, key []byte) ([]byte, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, false, ErrPageClosed
	}

	r, err := p.find(hash, key)
	if err != nil {
		p.logger.Error("Failed to load key: %v", err)
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r.Value, true, nil
}

// Save appends a record for key and retires the record it replaces
func (p *Page) Save(hash int32, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPageClosed
	}

	old, err := p.find(hash, key)
	if err != nil {
		p.logger.Error("Failed to look up key before save: %v", err)
		return err
	}

	r := record.New(key, value, hash)
	if _, err := p.io.Write(r); err != nil {
		return err
	}

	batch := []*record.Record{r}
	if old != nil {
		p.index.Delete(hash, old.Location)
		old.Flag = record.FlagDeleted
		batch = append(batch, old)
	}
	p.index.Insert(hash, r.Location)

	if err := p.io.UpdateBatch(batch...); err != nil {
		p.logger.Error("Failed to update records after save at offset %d: %v", r.Location, err)
		return err
	}
	return nil
}

// Remove deletes key and reports whether it was present
func (p *Page) Remove(hash int32, key []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, ErrPageClosed
	}

	r, err := p.find(hash, key)
	if err != nil {
		p.logger.Error("Failed to look up key before remove: %v", err)
		return false, err
	}
	if r == nil {
		return false, nil
	}

	r.Flag = record.FlagDeleted
	if err := p.io.Update(r); err != nil {
		p.logger.Error("Failed to flag record at offset %d as deleted: %v", r.Location, err)
		return false, err
	}
	p.index.Delete(hash, r.Location)
	return true, nil
}

// Vacuum rewrites the log without the records that are no longer indexed.
// If it fails the index is rebuilt from whichever file is left in place.
func (p *Page) Vacuum() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPageClosed
	}

	before := p.io.Size()
	p.generation++

	err := p.io.Vacuum(&currentRecordFilter{index: p.index})
	if err != nil {
		p.stats.TrackError("vacuum_failed")
		p.logger.Error("Vacuum failed, rebuilding index: %v", err)
		if rerr := p.loadData(); rerr != nil {
			p.index.Reset()
			p.logger.Error("Failed to rebuild index after vacuum: %v", rerr)
			return errors.Join(err, rerr)
		}
		return err
	}

	p.stats.TrackVacuum(before - p.io.Size())
	return nil
}

// currentRecordFilter keeps the records the index points at and moves their
// index entries to the offsets they were copied to. New offsets never exceed
// old ones, so relinking while the scan is running cannot shadow a record the
// scan has not reached yet.
type currentRecordFilter struct {
	index *index.Tree
}

func (f *currentRecordFilter) Accept(r *record.Record) bool {
	return r.IsActive() && f.index.Contains(r.Hash, r.Location)
}

func (f *currentRecordFilter) Update(r *record.Record, newOffset int64) {
	if newOffset == r.Location {
		return
	}
	f.index.Delete(r.Hash, r.Location)
	f.index.Insert(r.Hash, newOffset)
}

// Clear drops every record of the page
func (p *Page) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPageClosed
	}

	p.generation++
	if err := p.io.Clear(); err != nil {
		return err
	}
	p.index.Reset()
	return nil
}

// Size returns the size of the log file in bytes
func (p *Page) Size() int64 {
	return p.io.Size()
}

// KeyCount returns the number of live keys
func (p *Page) KeyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.Len()
}

// Number returns the shard number of the page
func (p *Page) Number() int {
	return p.number
}

// Sync flushes the log to stable storage
func (p *Page) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPageClosed
	}
	return p.io.Sync()
}

// Close releases the log file. Closing twice is a no-op.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.generation++
	return p.io.Close()
}
