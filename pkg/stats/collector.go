package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpPut      OperationType = "put"
	OpGet      OperationType = "get"
	OpDelete   OperationType = "delete"
	OpContains OperationType = "contains"
	OpClear    OperationType = "clear"
	OpVacuum   OperationType = "vacuum"
	OpScan     OperationType = "scan"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	counts     registry[OperationType, atomic.Uint64]
	latencies  registry[OperationType, LatencyTracker]
	errors     registry[string, atomic.Uint64]
	lastOpTime registry[OperationType, atomic.Int64]

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	vacuumCount    atomic.Uint64
	bytesReclaimed atomic.Int64

	replay ReplayStats
}

// ReplayStats accumulates what page replays found in the log files
type ReplayStats struct {
	Pages          atomic.Uint64
	Scanned        atomic.Uint64
	Indexed        atomic.Uint64
	Skipped        atomic.Uint64
	TruncatedBytes atomic.Uint64
	Duration       atomic.Int64 // nanoseconds, summed over pages
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, 0 until the first sample
}

// registry lazily creates one value per key. Values are never removed, so a
// pointer handed out stays valid for the life of the collector.
type registry[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]*V
}

func (r *registry[K, V]) get(key K) *V {
	r.mu.RLock()
	v, ok := r.m[key]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = r.m[key]; !ok {
		if r.m == nil {
			r.m = make(map[K]*V)
		}
		v = new(V)
		r.m[key] = v
	}
	return v
}

func (r *registry[K, V]) each(fn func(K, *V)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.m {
		fn(k, v)
	}
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.counts.get(op).Add(1)
	c.lastOpTime.get(op).Store(time.Now().UnixNano())
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.latencies.get(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errors.get(errorType).Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackVacuum records a completed vacuum. A negative value means the file grew.
func (c *AtomicCollector) TrackVacuum(reclaimed int64) {
	c.vacuumCount.Add(1)
	c.bytesReclaimed.Add(reclaimed)
}

// StartReplay begins timing a page replay
func (c *AtomicCollector) StartReplay() time.Time {
	return time.Now()
}

// FinishReplay adds the outcome of one page replay to the totals
func (c *AtomicCollector) FinishReplay(startTime time.Time, scanned, indexed, skipped, truncatedBytes uint64) {
	c.replay.Pages.Add(1)
	c.replay.Scanned.Add(scanned)
	c.replay.Indexed.Add(indexed)
	c.replay.Skipped.Add(skipped)
	c.replay.TruncatedBytes.Add(truncatedBytes)
	c.replay.Duration.Add(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.counts.each(func(op OperationType, counter *atomic.Uint64) {
		stats[string(op)+"_ops"] = counter.Load()
	})

	c.lastOpTime.each(func(op OperationType, ts *atomic.Int64) {
		stats["last_"+string(op)+"_time"] = ts.Load()
	})

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["vacuum_count"] = c.vacuumCount.Load()
	stats["vacuum_bytes_reclaimed"] = c.bytesReclaimed.Load()

	errorStats := make(map[string]uint64)
	c.errors.each(func(errType string, counter *atomic.Uint64) {
		errorStats[errType] = counter.Load()
	})
	stats["errors"] = errorStats

	replayStats := map[string]interface{}{
		"pages":           c.replay.Pages.Load(),
		"records_scanned": c.replay.Scanned.Load(),
		"records_indexed": c.replay.Indexed.Load(),
		"records_skipped": c.replay.Skipped.Load(),
		"truncated_bytes": c.replay.TruncatedBytes.Load(),
	}
	if d := c.replay.Duration.Load(); d > 0 {
		replayStats["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["replay"] = replayStats

	c.latencies.each(func(op OperationType, tracker *LatencyTracker) {
		count := tracker.count.Load()
		if count == 0 {
			return
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	})

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	allStats := c.GetStats()
	filtered := make(map[string]interface{})

	for key, value := range allStats {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}

	return filtered
}
