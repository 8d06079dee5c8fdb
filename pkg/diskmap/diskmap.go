// Package diskmap provides a map whose contents live on disk. Keys and values
// are encoded with codecs and spread over the shards of a store; only the
// index of each shard is held in memory.
package diskmap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KevoDB/diskmap/pkg/codec"
	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/stats"
	"github.com/KevoDB/diskmap/pkg/store"
	"github.com/KevoDB/diskmap/pkg/telemetry"
)

var (
	ErrMapClosed = errors.New("map is closed")
)

type options struct {
	logger    log.Logger
	telemetry telemetry.Telemetry
}

// Option configures a Map
type Option func(*options)

// WithLogger sets the logger. Without it a logger at the configured level is
// created.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry sets the telemetry used for store metrics and vacuum spans
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// Map is a disk-backed map from K to V
type Map[K comparable, V any] struct {
	cfg    *config.Config
	store  *store.Store[K, V]
	stats  stats.Collector
	logger log.Logger
	closed atomic.Bool
}

// New opens a map in dataDir with the default configuration and any
// DISKMAP_* environment overrides
func New[K comparable, V any](dataDir string, keys codec.Codec[K], values codec.Codec[V], opts ...Option) (*Map[K, V], error) {
	cfg, err := config.Load(dataDir, "")
	if err != nil {
		return nil, err
	}
	return Open(cfg, keys, values, opts...)
}

// Open opens a map with the given configuration. Values are compressed with
// cfg.Compression.
func Open[K comparable, V any](cfg *config.Config, keys codec.Codec[K], values codec.Codec[V], opts ...Option) (*Map[K, V], error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		o.logger = log.NewStandardLogger(log.WithLevel(level))
	}

	if values != nil {
		compressed, err := codec.Compressed(values, cfg.Compression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		values = compressed
	}

	collector := stats.NewAtomicCollector()
	s, err := store.Open(cfg, keys, values,
		store.WithLogger(o.logger),
		store.WithStats(collector),
		store.WithTelemetry(o.telemetry),
	)
	if err != nil {
		return nil, err
	}

	return &Map[K, V]{
		cfg:    cfg,
		store:  s,
		stats:  collector,
		logger: o.logger.WithField("component", "diskmap"),
	}, nil
}

// Get returns the value stored under k
func (m *Map[K, V]) Get(k K) (V, bool, error) {
	var zero V
	if m.closed.Load() {
		return zero, false, ErrMapClosed
	}

	m.stats.TrackOperation(stats.OpGet)
	start := time.Now()

	v, found, err := m.store.Load(k)

	m.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		m.stats.TrackError("get_error")
	}
	return v, found, err
}

// Put stores v under k and returns v
func (m *Map[K, V]) Put(k K, v V) (V, error) {
	if m.closed.Load() {
		return v, ErrMapClosed
	}

	m.stats.TrackOperation(stats.OpPut)
	start := time.Now()

	v, err := m.store.Save(k, v)

	m.stats.TrackOperationWithLatency(stats.OpPut, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		m.stats.TrackError("put_error")
	}
	return v, err
}

// PutAll stores every pair of entries, stopping at the first failure
func (m *Map[K, V]) PutAll(entries map[K]V) error {
	for k, v := range entries {
		if _, err := m.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes k and returns the value it had
func (m *Map[K, V]) Remove(k K) (V, bool, error) {
	var zero V
	if m.closed.Load() {
		return zero, false, ErrMapClosed
	}

	m.stats.TrackOperation(stats.OpDelete)
	start := time.Now()

	v, found, err := m.store.Load(k)
	if err == nil && found {
		found, err = m.store.Remove(k)
	}

	m.stats.TrackOperationWithLatency(stats.OpDelete, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		m.stats.TrackError("delete_error")
		return zero, false, err
	}
	if !found {
		return zero, false, nil
	}
	return v, true, nil
}

// ContainsKey reports whether k is stored
func (m *Map[K, V]) ContainsKey(k K) (bool, error) {
	if m.closed.Load() {
		return false, ErrMapClosed
	}

	m.stats.TrackOperation(stats.OpContains)
	start := time.Now()

	found, err := m.store.Contains(k)

	m.stats.TrackOperationWithLatency(stats.OpContains, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		m.stats.TrackError("contains_error")
	}
	return found, err
}

// Clear removes every key
func (m *Map[K, V]) Clear() error {
	if m.closed.Load() {
		return ErrMapClosed
	}

	m.stats.TrackOperation(stats.OpClear)
	if err := m.store.Clear(); err != nil {
		m.stats.TrackError("clear_error")
		return err
	}
	return nil
}

// Len returns the number of keys
func (m *Map[K, V]) Len() int {
	return m.store.Size()
}

// IsEmpty reports whether the map holds no keys
func (m *Map[K, V]) IsEmpty() bool {
	return m.Len() == 0
}

// SizeOnDisk returns the total size of the log files in bytes. Removed and
// replaced entries keep their space until GC runs.
func (m *Map[K, V]) SizeOnDisk() int64 {
	return m.store.SizeOnDisk()
}

// GC vacuums every shard, giving back the space of removed and replaced entries
func (m *Map[K, V]) GC(ctx context.Context) error {
	if m.closed.Load() {
		return ErrMapClosed
	}

	m.stats.TrackOperation(stats.OpVacuum)
	start := time.Now()

	err := m.store.Vacuum(ctx)

	m.stats.TrackOperationWithLatency(stats.OpVacuum, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		m.stats.TrackError("vacuum_error")
	}
	return err
}

// Range calls fn for every pair until it returns false
func (m *Map[K, V]) Range(fn func(k K, v V) bool) error {
	if m.closed.Load() {
		return ErrMapClosed
	}

	m.stats.TrackOperation(stats.OpScan)
	start := time.Now()

	err := m.store.Range(fn)

	m.stats.TrackOperationWithLatency(stats.OpScan, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		m.stats.TrackError("scan_error")
	}
	return err
}

// Sync flushes every shard to stable storage
func (m *Map[K, V]) Sync() error {
	if m.closed.Load() {
		return ErrMapClosed
	}
	return m.store.Sync()
}

// GetStats returns operation counters together with the current size of
// every shard
func (m *Map[K, V]) GetStats() map[string]interface{} {
	result := m.stats.GetStats()
	result["keys"] = m.store.Size()
	result["size_on_disk"] = m.store.SizeOnDisk()
	result["shards"] = m.store.ShardStats()
	return result
}

// Close releases every file handle. Closing twice is a no-op.
func (m *Map[K, V]) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.logger.Debug("Closing map in %s", m.cfg.DataDir)
	return m.store.Close()
}
