package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/diskmap/pkg/codec"
	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/page"
	"github.com/KevoDB/diskmap/pkg/stats"
	"github.com/KevoDB/diskmap/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func newTestConfig(dir string) *config.Config {
	cfg := config.NewDefaultConfig(dir)
	cfg.ReadPollInterval = 5
	return cfg
}

func openStringStore(t *testing.T, cfg *config.Config, opts ...Option) *Store[string, string] {
	t.Helper()
	opts = append([]Option{WithLogger(log.NewDiscardLogger())}, opts...)
	s, err := Open(cfg, codec.String(), codec.String(), opts...)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return s
}

func TestStoreScenario(t *testing.T) {
	for _, mode := range []config.IOMode{config.IOModeSync, config.IOModeAsync} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := newTestConfig(t.TempDir())
			cfg.IOMode = mode
			s := openStringStore(t, cfg)

			const n = 10000
			for i := 0; i < n; i++ {
				if _, err := s.Save(fmt.Sprintf("Key%d", i), fmt.Sprintf("Value%d", i)); err != nil {
					t.Fatalf("Failed to save key %d: %v", i, err)
				}
			}
			if s.Size() != n {
				t.Fatalf("Expected %d keys, got %d", n, s.Size())
			}

			before := s.SizeOnDisk()
			for i := 0; i < n; i += 5 {
				removed, err := s.Remove(fmt.Sprintf("Key%d", i))
				if err != nil || !removed {
					t.Fatalf("Failed to remove key %d: %v, %v", i, removed, err)
				}
			}
			if s.SizeOnDisk() != before {
				t.Fatalf("Expected size on disk %d after removes, got %d", before, s.SizeOnDisk())
			}

			if err := s.Vacuum(context.Background()); err != nil {
				t.Fatalf("Vacuum failed: %v", err)
			}
			if s.SizeOnDisk() >= before {
				t.Fatalf("Expected size on disk below %d after vacuum, got %d", before, s.SizeOnDisk())
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Failed to close: %v", err)
			}

			s = openStringStore(t, cfg)
			defer s.Close()

			if s.Size() != n-n/5 {
				t.Errorf("Expected %d keys after reopen, got %d", n-n/5, s.Size())
			}
			for i := 0; i < n; i++ {
				v, ok, err := s.Load(fmt.Sprintf("Key%d", i))
				if err != nil {
					t.Fatalf("Failed to load key %d: %v", i, err)
				}
				if i%5 == 0 {
					if ok {
						t.Errorf("Key %d: expected removed, got %q", i, v)
					}
					continue
				}
				if !ok || v != fmt.Sprintf("Value%d", i) {
					t.Errorf("Key %d: expected Value%d, got %q (found=%v)", i, i, v, ok)
				}
			}

			// Every shard got a share of the keys
			for _, st := range s.ShardStats() {
				if st.Keys == 0 || st.Bytes == 0 {
					t.Errorf("Shard %d is empty: %+v", st.Shard, st)
				}
			}
		})
	}
}

func TestStoreOverwrite(t *testing.T) {
	s := openStringStore(t, newTestConfig(t.TempDir()))
	defer s.Close()

	for _, v := range []string{"v1", "v2", "v3"} {
		got, err := s.Save("k", v)
		if err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
		if got != v {
			t.Errorf("Expected Save to return %q, got %q", v, got)
		}
	}

	v, ok, err := s.Load("k")
	if err != nil || !ok || v != "v3" {
		t.Fatalf("Expected v3, got %q, %v, %v", v, ok, err)
	}
	if s.Size() != 1 {
		t.Errorf("Expected 1 key, got %d", s.Size())
	}

	found, err := s.Contains("k")
	if err != nil || !found {
		t.Errorf("Expected Contains to find the key, got %v, %v", found, err)
	}
	found, err = s.Contains("missing")
	if err != nil || found {
		t.Errorf("Expected Contains to miss, got %v, %v", found, err)
	}
}

// fixedHashKey forces every key onto the same hash
type fixedHashKey struct {
	Name string
}

func (fixedHashKey) HashCode() int32 {
	return 1234567
}

func TestStoreHashCollisions(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	s, err := Open(cfg, codec.JSON[fixedHashKey](), codec.String(), WithLogger(log.NewDiscardLogger()))
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	a, b, c := fixedHashKey{"a"}, fixedHashKey{"b"}, fixedHashKey{"c"}
	if _, err := s.Save(a, "A"); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	if _, err := s.Save(b, "B"); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	check := func(s *Store[fixedHashKey, string]) {
		t.Helper()
		if v, ok, err := s.Load(a); err != nil || !ok || v != "A" {
			t.Errorf("Expected A, got %q, %v, %v", v, ok, err)
		}
		if v, ok, err := s.Load(b); err != nil || !ok || v != "B" {
			t.Errorf("Expected B, got %q, %v, %v", v, ok, err)
		}
		if _, ok, err := s.Load(c); err != nil || ok {
			t.Errorf("Expected c to be absent, got %v, %v", ok, err)
		}
	}
	check(s)

	// Both keys live in the same shard
	nonEmpty := 0
	for _, st := range s.ShardStats() {
		if st.Keys > 0 {
			nonEmpty++
			if st.Keys != 2 {
				t.Errorf("Expected both keys in shard %d, got %d", st.Shard, st.Keys)
			}
		}
	}
	if nonEmpty != 1 {
		t.Errorf("Expected one populated shard, got %d", nonEmpty)
	}

	s.Close()
	s, err = Open(cfg, codec.JSON[fixedHashKey](), codec.String(), WithLogger(log.NewDiscardLogger()))
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer s.Close()
	check(s)
}

func TestStoreManifest(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestConfig(dir)
	s := openStringStore(t, cfg)
	if _, err := s.Save("k", "v"); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	s.Close()

	stored, err := config.LoadConfigFromManifest(dir)
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	if stored.ShardCount != config.DefaultShardCount {
		t.Errorf("Expected %d shards in manifest, got %d", config.DefaultShardCount, stored.ShardCount)
	}

	other := newTestConfig(dir)
	other.ShardCount = 7
	if _, err := Open(other, codec.String(), codec.String(), WithLogger(log.NewDiscardLogger())); !errors.Is(err, config.ErrShardCountMismatch) {
		t.Errorf("Expected ErrShardCountMismatch, got %v", err)
	}

	other = newTestConfig(dir)
	other.Compression = "zstd"
	if _, err := Open(other, codec.String(), codec.String(), WithLogger(log.NewDiscardLogger())); !errors.Is(err, config.ErrCompressionMismatch) {
		t.Errorf("Expected ErrCompressionMismatch, got %v", err)
	}

	// I/O settings may change between opens
	other = newTestConfig(dir)
	other.IOMode = config.IOModeSync
	s = openStringStore(t, other)
	defer s.Close()
	if v, ok, err := s.Load("k"); err != nil || !ok || v != "v" {
		t.Errorf("Expected v, got %q, %v, %v", v, ok, err)
	}
}

func TestStoreInvalidConfig(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	cfg.ShardCount = 0
	if _, err := Open(cfg, codec.String(), codec.String()); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestStoreRange(t *testing.T) {
	s := openStringStore(t, newTestConfig(t.TempDir()))
	defer s.Close()

	want := make(map[string]string)
	for i := 0; i < 300; i++ {
		k, v := fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)
		want[k] = v
		if _, err := s.Save(k, v); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
	}
	for i := 0; i < 300; i += 4 {
		k := fmt.Sprintf("k%d", i)
		delete(want, k)
		s.Remove(k)
	}

	seen := make(map[string]string)
	err := s.Range(func(k, v string) bool {
		if _, dup := seen[k]; dup {
			t.Errorf("Key %q visited twice", k)
		}
		seen[k] = v
		return true
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(seen) != len(want) {
		t.Fatalf("Expected %d pairs, got %d", len(want), len(seen))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("Key %q: expected %q, got %q", k, v, seen[k])
		}
	}

	count := 0
	if err := s.Range(func(k, v string) bool {
		count++
		return count < 10
	}); err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if count != 10 {
		t.Errorf("Expected Range to stop after 10 pairs, got %d", count)
	}
}

func TestStoreRangeInvalidatedByVacuum(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	cfg.ShardCount = 1
	s := openStringStore(t, cfg)
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Save(fmt.Sprintf("k%d", i), "v")
	}

	err := s.Range(func(k, v string) bool {
		if err := s.Vacuum(context.Background()); err != nil {
			t.Fatalf("Vacuum failed: %v", err)
		}
		return true
	})
	if !errors.Is(err, page.ErrIteratorInvalidated) {
		t.Errorf("Expected ErrIteratorInvalidated, got %v", err)
	}
}

func TestStoreClearAndClose(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	s := openStringStore(t, cfg)

	for i := 0; i < 100; i++ {
		s.Save(fmt.Sprintf("k%d", i), "v")
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	if s.Size() != 0 || s.SizeOnDisk() != 0 {
		t.Errorf("Expected empty store, got %d keys and %d bytes", s.Size(), s.SizeOnDisk())
	}
	if err := s.Sync(); err != nil {
		t.Errorf("Failed to sync: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected second close to be a no-op, got %v", err)
	}

	if _, err := s.Save("k", "v"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Save: expected ErrStoreClosed, got %v", err)
	}
	if _, _, err := s.Load("k"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Load: expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.Remove("k"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Remove: expected ErrStoreClosed, got %v", err)
	}
	if err := s.Vacuum(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Vacuum: expected ErrStoreClosed, got %v", err)
	}
	if err := s.Range(func(string, string) bool { return true }); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Range: expected ErrStoreClosed, got %v", err)
	}
}

func TestStoreConcurrentWithVacuum(t *testing.T) {
	s := openStringStore(t, newTestConfig(t.TempDir()))
	defer s.Close()

	const workers = 10
	const perWorker = 300

	stop := make(chan struct{})
	vacuumDone := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				vacuumDone <- nil
				return
			case <-time.After(5 * time.Millisecond):
			}
			if err := s.Vacuum(context.Background()); err != nil {
				vacuumDone <- err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := fmt.Sprintf("w%d-k%d", w, i)
				if _, err := s.Save(k, "first"); err != nil {
					errs <- err
					return
				}
				if _, err := s.Save(k, k); err != nil {
					errs <- err
					return
				}
				v, ok, err := s.Load(k)
				if err != nil || !ok || v != k {
					errs <- fmt.Errorf("key %s: got %q, %v, %v", k, v, ok, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	if err := <-vacuumDone; err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if s.Size() != workers*perWorker {
		t.Errorf("Expected %d keys, got %d", workers*perWorker, s.Size())
	}
}

func TestStoreVacuumHonoursContext(t *testing.T) {
	s := openStringStore(t, newTestConfig(t.TempDir()))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Vacuum(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestStoreVacuumStats(t *testing.T) {
	collector := stats.NewAtomicCollector()
	cfg := newTestConfig(t.TempDir())
	cfg.ShardCount = 3
	s := openStringStore(t, cfg, WithStats(collector))
	defer s.Close()

	for i := 0; i < 100; i++ {
		s.Save(fmt.Sprintf("k%d", i), "v")
		s.Save(fmt.Sprintf("k%d", i), "w")
	}
	before := s.SizeOnDisk()
	if err := s.Vacuum(context.Background()); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}

	st := collector.GetStats()
	if st["vacuum_count"].(uint64) != 3 {
		t.Errorf("Expected one vacuum per shard, got %v", st["vacuum_count"])
	}
	if st["vacuum_bytes_reclaimed"].(int64) != before-s.SizeOnDisk() {
		t.Errorf("Expected %d reclaimed bytes, got %v", before-s.SizeOnDisk(), st["vacuum_bytes_reclaimed"])
	}
	if st["replay"].(map[string]interface{})["pages"].(uint64) != 3 {
		t.Errorf("Expected 3 page replays, got %v", st["replay"])
	}
}

// recordingTelemetry remembers the names of everything recorded
type recordingTelemetry struct {
	telemetry.NoopTelemetry

	mu    sync.Mutex
	names map[string]int
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{names: make(map[string]int)}
}

func (r *recordingTelemetry) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name]++
}

func (r *recordingTelemetry) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[name]
}

func (r *recordingTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.add(name)
}

func (r *recordingTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.add(name)
}

func (r *recordingTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	r.add(name)
	return r.NoopTelemetry.StartSpan(ctx, name, attrs...)
}

func TestStoreMetrics(t *testing.T) {
	tel := newRecordingTelemetry()
	cfg := newTestConfig(t.TempDir())
	cfg.ShardCount = 2
	s := openStringStore(t, cfg, WithTelemetry(tel))
	defer s.Close()

	s.Save("a", "1")
	s.Save("b", "2")
	s.Load("a")
	s.Remove("a")
	if err := s.Vacuum(context.Background()); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	s.Clear()

	expected := map[string]int{
		"diskmap.store.put.duration":           2,
		"diskmap.store.put.bytes":              2,
		"diskmap.store.get.duration":           1,
		"diskmap.store.get.hits":               1,
		"diskmap.store.delete.duration":        1,
		"diskmap.store.delete.removed":         1,
		"diskmap.store.operations.total":       6,
		"diskmap.store.vacuum":                 1,
		"diskmap.page.vacuum":                  2,
		"diskmap.store.vacuum.duration":        2,
		"diskmap.store.vacuum.reclaimed_bytes": 2,
		"diskmap.store.clear.duration":         1,
	}
	for name, want := range expected {
		if got := tel.count(name); got != want {
			t.Errorf("%s: expected %d records, got %d", name, want, got)
		}
	}
}

func TestShardFor(t *testing.T) {
	tests := []struct {
		hash int32
		n    int
		want int
	}{
		{0, 13, 0},
		{14, 13, 1},
		{-14, 13, 1},
		{math.MaxInt32, 13, int(math.MaxInt32 % 13)},
		{math.MinInt32, 13, int(-(int64(math.MinInt32) % 13))},
		{-1, 1, 0},
	}
	for _, tc := range tests {
		if got := ShardFor(tc.hash, tc.n); got != tc.want {
			t.Errorf("ShardFor(%d, %d): expected %d, got %d", tc.hash, tc.n, tc.want, got)
		}
	}
}

func TestHashBytes(t *testing.T) {
	if HashBytes([]byte("diskmap")) != HashBytes([]byte("diskmap")) {
		t.Errorf("Expected hash to be deterministic")
	}
	if HashBytes([]byte("a")) == HashBytes([]byte("b")) {
		t.Errorf("Expected different inputs to hash differently")
	}
	if hashKey(fixedHashKey{"x"}, []byte("whatever")) != 1234567 {
		t.Errorf("Expected Hashable keys to use their own hash")
	}
	if hashKey("plain", []byte("plain")) != HashBytes([]byte("plain")) {
		t.Errorf("Expected other keys to hash their encoding")
	}
}

func TestVacuumScheduler(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	sched := newVacuumScheduler(5*time.Millisecond, func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}, log.NewDiscardLogger())

	sched.Start()
	sched.Start()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected at least 3 runs, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}

	sched.Stop()
	sched.Stop()

	mu.Lock()
	stopped := runs
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != stopped {
		t.Errorf("Expected no runs after Stop, got %d more", runs-stopped)
	}
}

func TestStoreBackgroundVacuum(t *testing.T) {
	collector := stats.NewAtomicCollector()
	cfg := newTestConfig(t.TempDir())
	cfg.ShardCount = 2
	cfg.VacuumInterval = 1
	s := openStringStore(t, cfg, WithStats(collector))

	s.Save("k", "v1")
	s.Save("k", "v2")

	deadline := time.Now().Add(5 * time.Second)
	for collector.GetStats()["vacuum_count"].(uint64) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected the background vacuum to run")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
}
