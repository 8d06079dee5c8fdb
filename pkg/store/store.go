// Package store spreads keys over a fixed set of pages by hash and runs
// operations that span all of them.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/diskmap/pkg/codec"
	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/page"
	"github.com/KevoDB/diskmap/pkg/stats"
	"github.com/KevoDB/diskmap/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrStoreClosed = errors.New("store is closed")
)

// ShardStat describes one page of the store
type ShardStat struct {
	Shard int   `json:"shard"`
	Keys  int   `json:"keys"`
	Bytes int64 `json:"bytes"`
}

type options struct {
	logger    log.Logger
	stats     stats.Collector
	telemetry telemetry.Telemetry
}

// Option configures a Store
type Option func(*options)

// WithLogger sets the logger used by the store and its pages
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStats sets the collector that receives replay and vacuum statistics
func WithStats(collector stats.Collector) Option {
	return func(o *options) {
		o.stats = collector
	}
}

// WithTelemetry sets the telemetry used for store metrics and vacuum spans
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// Store routes keys of type K to pages and encodes keys and values with the
// codecs it was opened with
type Store[K, V any] struct {
	cfg    *config.Config
	pages  []*page.Page
	keys   codec.Codec[K]
	values codec.Codec[V]

	logger    log.Logger
	stats     stats.Collector
	telemetry telemetry.Telemetry
	metrics   Metrics
	scheduler *vacuumScheduler

	vacuumMu sync.Mutex // one vacuum pass at a time
	closed   atomic.Bool
}

// Open opens every page under cfg.DataDir. The shard count and compression
// are recorded in the directory's manifest on first open and must match it
// afterwards.
func Open[K, V any](cfg *config.Config, keys codec.Codec[K], values codec.Codec[V], opts ...Option) (*Store[K, V], error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if keys == nil || values == nil {
		return nil, errors.New("key and value codecs are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.GetDefaultLogger()
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewNoop()
	}

	stored, err := config.LoadConfigFromManifest(cfg.DataDir)
	switch {
	case err == nil:
		if err := cfg.CheckCompatible(stored); err != nil {
			return nil, err
		}
	case errors.Is(err, config.ErrManifestNotFound):
	default:
		return nil, err
	}
	if err := cfg.SaveManifest(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to save manifest: %w", err)
	}

	s := &Store[K, V]{
		cfg:       cfg,
		keys:      keys,
		values:    values,
		logger:    o.logger.WithField("component", "store"),
		stats:     o.stats,
		telemetry: o.telemetry,
		metrics:   NewMetrics(o.telemetry),
	}

	start := time.Now()
	s.pages = make([]*page.Page, 0, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		p, err := page.Open(cfg.ForShard(i), o.logger, o.stats)
		if err != nil {
			for _, opened := range s.pages {
				opened.Close()
			}
			return nil, err
		}
		s.pages = append(s.pages, p)
	}

	s.logger.Info("Opened %d shards in %s with %d keys (%d bytes) in %v",
		len(s.pages), cfg.DataDir, s.Size(), s.SizeOnDisk(), time.Since(start))

	if every := cfg.VacuumEvery(); every > 0 {
		s.scheduler = newVacuumScheduler(every, s.Vacuum, s.logger)
		s.scheduler.Start()
	}

	return s, nil
}

// route encodes a key and picks its page
func (s *Store[K, V]) route(k K) (int32, []byte, *page.Page, error) {
	key, err := s.keys.Marshal(k)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to encode key: %w", err)
	}
	hash := hashKey(k, key)
	return hash, key, s.pages[ShardFor(hash, len(s.pages))], nil
}

// Save stores v under k and returns v
func (s *Store[K, V]) Save(k K, v V) (V, error) {
	if s.closed.Load() {
		return v, ErrStoreClosed
	}

	start := time.Now()
	hash, key, p, err := s.route(k)
	if err != nil {
		return v, err
	}
	value, err := s.values.Marshal(v)
	if err != nil {
		return v, fmt.Errorf("failed to encode value: %w", err)
	}

	err = p.Save(hash, key, value)
	s.metrics.RecordSave(context.Background(), p.Number(), time.Since(start), int64(len(key)+len(value)), err)
	if err != nil {
		return v, fmt.Errorf("failed to save to shard %d: %w", p.Number(), err)
	}
	return v, nil
}

// Load returns the value stored under k
func (s *Store[K, V]) Load(k K) (V, bool, error) {
	var zero V
	if s.closed.Load() {
		return zero, false, ErrStoreClosed
	}

	start := time.Now()
	hash, key, p, err := s.route(k)
	if err != nil {
		return zero, false, err
	}

	data, found, err := p.Load(hash, key)
	s.metrics.RecordLoad(context.Background(), p.Number(), time.Since(start), found, err)
	if err != nil {
		return zero, false, fmt.Errorf("failed to load from shard %d: %w", p.Number(), err)
	}
	if !found {
		return zero, false, nil
	}

	v, err := s.values.Unmarshal(data)
	if err != nil {
		return zero, false, fmt.Errorf("failed to decode value from shard %d: %w", p.Number(), err)
	}
	return v, true, nil
}

// Contains reports whether k is stored, without decoding its value
func (s *Store[K, V]) Contains(k K) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}

	hash, key, p, err := s.route(k)
	if err != nil {
		return false, err
	}
	_, found, err := p.Load(hash, key)
	if err != nil {
		return false, fmt.Errorf("failed to load from shard %d: %w", p.Number(), err)
	}
	return found, nil
}

// Remove deletes k and reports whether it was stored
func (s *Store[K, V]) Remove(k K) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}

	start := time.Now()
	hash, key, p, err := s.route(k)
	if err != nil {
		return false, err
	}

	removed, err := p.Remove(hash, key)
	s.metrics.RecordRemove(context.Background(), p.Number(), time.Since(start), removed, err)
	if err != nil {
		return false, fmt.Errorf("failed to remove from shard %d: %w", p.Number(), err)
	}
	return removed, nil
}

// Size returns the number of keys across all shards
func (s *Store[K, V]) Size() int {
	total := 0
	for _, p := range s.pages {
		total += p.KeyCount()
	}
	return total
}

// SizeOnDisk returns the size of all log files in bytes
func (s *Store[K, V]) SizeOnDisk() int64 {
	var total int64
	for _, p := range s.pages {
		total += p.Size()
	}
	return total
}

// ShardStats returns the key count and file size of every shard
func (s *Store[K, V]) ShardStats() []ShardStat {
	result := make([]ShardStat, len(s.pages))
	for i, p := range s.pages {
		result[i] = ShardStat{Shard: p.Number(), Keys: p.KeyCount(), Bytes: p.Size()}
	}
	return result
}

// ShardCount returns the number of shards
func (s *Store[K, V]) ShardCount() int {
	return len(s.pages)
}

// Clear drops every key of every shard. All shards are attempted.
func (s *Store[K, V]) Clear() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	start := time.Now()
	var errs []error
	for _, p := range s.pages {
		if err := p.Clear(); err != nil {
			s.logger.Error("Failed to clear shard %d: %v", p.Number(), err)
			errs = append(errs, fmt.Errorf("shard %d: %w", p.Number(), err))
		}
	}
	err := errors.Join(errs...)
	s.metrics.RecordClear(context.Background(), time.Since(start), err)
	return err
}

// Vacuum compacts the shards one after another. It stops at the first shard
// that fails and checks ctx between shards.
func (s *Store[K, V]) Vacuum(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	s.vacuumMu.Lock()
	defer s.vacuumMu.Unlock()

	ctx, span := s.telemetry.StartSpan(ctx, "diskmap.store.vacuum",
		attribute.Int("shards", len(s.pages)),
	)
	defer span.End()

	total := time.Now()
	var reclaimed int64
	for _, p := range s.pages {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return err
		}

		n, err := s.vacuumShard(ctx, p)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to vacuum shard %d: %w", p.Number(), err)
		}
		reclaimed += n
	}

	s.logger.Info("Vacuumed %d shards in %v, reclaimed %d bytes", len(s.pages), time.Since(total), reclaimed)
	return nil
}

func (s *Store[K, V]) vacuumShard(ctx context.Context, p *page.Page) (int64, error) {
	_, span := s.telemetry.StartSpan(ctx, "diskmap.page.vacuum",
		attribute.Int(telemetry.AttrShard, p.Number()),
	)
	defer span.End()

	start := time.Now()
	before := p.Size()
	err := p.Vacuum()
	after := p.Size()
	duration := time.Since(start)

	s.metrics.RecordVacuum(ctx, p.Number(), duration, before-after, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	s.logger.Debug("Vacuumed shard %d: %d -> %d bytes in %v", p.Number(), before, after, duration)
	return before - after, nil
}

// Range calls fn for every stored pair, shard by shard, until fn returns
// false. Pairs saved while Range runs may or may not be visited.
func (s *Store[K, V]) Range(fn func(k K, v V) bool) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	for _, p := range s.pages {
		it := p.Iterator()
		for it.Next() {
			k, err := s.keys.Unmarshal(it.Key())
			if err != nil {
				return fmt.Errorf("failed to decode key from shard %d: %w", p.Number(), err)
			}
			v, err := s.values.Unmarshal(it.Value())
			if err != nil {
				return fmt.Errorf("failed to decode value from shard %d: %w", p.Number(), err)
			}
			if !fn(k, v) {
				return nil
			}
		}
		if err := it.Err(); err != nil {
			return fmt.Errorf("failed to iterate shard %d: %w", p.Number(), err)
		}
	}
	return nil
}

// Sync flushes every shard to stable storage
func (s *Store[K, V]) Sync() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	var errs []error
	for _, p := range s.pages {
		if err := p.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", p.Number(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops background vacuum and closes every shard. Closing twice is a no-op.
func (s *Store[K, V]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	// Wait for a vacuum started before Close to finish
	s.vacuumMu.Lock()
	defer s.vacuumMu.Unlock()

	var errs []error
	for _, p := range s.pages {
		if err := p.Close(); err != nil {
			s.logger.Error("Failed to close shard %d: %v", p.Number(), err)
			errs = append(errs, fmt.Errorf("shard %d: %w", p.Number(), err))
		}
	}
	s.logger.Info("Closed %d shards", len(s.pages))
	return errors.Join(errs...)
}
