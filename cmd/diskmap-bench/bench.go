package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/diskmap/pkg/diskmap"
)

// benchOptions controls the size and length of every benchmark
type benchOptions struct {
	Duration   time.Duration
	NumKeys    int
	ValueSize  int
	Sequential bool
	Workers    int
}

type runner struct {
	m     *diskmap.Map[string, []byte]
	opts  benchOptions
	rng   *rand.Rand
	value []byte
}

func newRunner(m *diskmap.Map[string, []byte], opts benchOptions) *runner {
	value := make([]byte, opts.ValueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &runner{
		m:     m,
		opts:  opts,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		value: value,
	}
}

// keyMode returns a string describing the key generation mode
func (r *runner) keyMode() string {
	if r.opts.Sequential {
		return "Sequential"
	}
	return "Random"
}

func (r *runner) key(i int) string {
	if r.opts.Sequential {
		return fmt.Sprintf("key-%010d", i)
	}
	return fmt.Sprintf("key-%010d", r.rng.Intn(r.opts.NumKeys))
}

func (r *runner) result(name string, ops int, elapsed time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		BenchmarkType: name,
		NumKeys:       r.opts.NumKeys,
		ValueSize:     r.opts.ValueSize,
		Mode:          r.keyMode(),
		Operations:    ops,
		Duration:      elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
	if elapsed > 0 {
		res.Throughput = float64(ops) / elapsed.Seconds()
	}
	if res.Throughput > 0 {
		res.Latency = 1000000.0 / res.Throughput // µs/op
	}
	return res
}

// preload makes sure every key in [0, NumKeys) is stored
func (r *runner) preload() error {
	if r.m.Len() >= r.opts.NumKeys {
		return nil
	}
	fmt.Printf("Preloading %d keys...\n", r.opts.NumKeys)
	for i := 0; i < r.opts.NumKeys; i++ {
		if _, err := r.m.Put(fmt.Sprintf("key-%010d", i), r.value); err != nil {
			return err
		}
	}
	return nil
}

// runWrite benchmarks Put until the deadline
func (r *runner) runWrite() BenchmarkResult {
	fmt.Println("Running Write Benchmark...")

	var ops, consecutiveErrors int
	const maxConsecutiveErrors = 10

	start := time.Now()
	deadline := start.Add(r.opts.Duration)
	for time.Now().Before(deadline) {
		if _, err := r.m.Put(r.key(ops), r.value); err != nil {
			fmt.Fprintf(os.Stderr, "Write error (key #%d): %v\n", ops, err)
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				fmt.Fprintf(os.Stderr, "Too many consecutive errors, stopping benchmark\n")
				break
			}
			continue
		}
		consecutiveErrors = 0
		ops++
	}

	return r.result("Write", ops, time.Since(start))
}

// runRead benchmarks Get over a preloaded key set
func (r *runner) runRead() BenchmarkResult {
	fmt.Println("Running Read Benchmark...")
	if err := r.preload(); err != nil {
		fmt.Fprintf(os.Stderr, "Preload failed: %v\n", err)
		return r.result("Read", 0, 0)
	}

	var ops, hits int
	start := time.Now()
	deadline := start.Add(r.opts.Duration)
	for time.Now().Before(deadline) {
		_, found, err := r.m.Get(r.key(ops % r.opts.NumKeys))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			break
		}
		if found {
			hits++
		}
		ops++
	}

	res := r.result("Read", ops, time.Since(start))
	if ops > 0 {
		res.HitRate = float64(hits) / float64(ops) * 100
	}
	return res
}

// runScan benchmarks full passes over the map
func (r *runner) runScan() BenchmarkResult {
	fmt.Println("Running Scan Benchmark...")
	if err := r.preload(); err != nil {
		fmt.Fprintf(os.Stderr, "Preload failed: %v\n", err)
		return r.result("Scan", 0, 0)
	}

	var passes, entries int
	start := time.Now()
	deadline := start.Add(r.opts.Duration)
	for time.Now().Before(deadline) {
		err := r.m.Range(func(k string, v []byte) bool {
			entries++
			return true
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scan error: %v\n", err)
			break
		}
		passes++
	}

	elapsed := time.Since(start)
	res := r.result("Scan", passes, elapsed)
	if elapsed > 0 {
		res.EntriesPerSec = float64(entries) / elapsed.Seconds()
	}
	return res
}

// runMixed benchmarks 75% reads and 25% writes from one goroutine
func (r *runner) runMixed() BenchmarkResult {
	fmt.Println("Running Mixed Benchmark (75% reads, 25% writes)...")
	if err := r.preload(); err != nil {
		fmt.Fprintf(os.Stderr, "Preload failed: %v\n", err)
		return r.result("Mixed", 0, 0)
	}

	var ops, reads, writes int
	start := time.Now()
	deadline := start.Add(r.opts.Duration)
	for time.Now().Before(deadline) {
		key := fmt.Sprintf("key-%010d", r.rng.Intn(r.opts.NumKeys))
		var err error
		if r.rng.Intn(4) == 0 {
			_, err = r.m.Put(key, r.value)
			writes++
		} else {
			_, _, err = r.m.Get(key)
			reads++
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Mixed error: %v\n", err)
			break
		}
		ops++
	}

	res := r.result("Mixed", ops, time.Since(start))
	if ops > 0 {
		res.ReadRatio = float64(reads) / float64(ops) * 100
		res.WriteRatio = float64(writes) / float64(ops) * 100
	}
	return res
}

// runConcurrent benchmarks the mixed workload from several goroutines
func (r *runner) runConcurrent() BenchmarkResult {
	fmt.Printf("Running Concurrent Benchmark (%d workers)...\n", r.opts.Workers)
	if err := r.preload(); err != nil {
		fmt.Fprintf(os.Stderr, "Preload failed: %v\n", err)
		return r.result("Concurrent", 0, 0)
	}

	var ops, reads, writes atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	deadline := start.Add(r.opts.Duration)
	for w := 0; w < r.opts.Workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for time.Now().Before(deadline) {
				key := fmt.Sprintf("key-%010d", rng.Intn(r.opts.NumKeys))
				var err error
				if rng.Intn(4) == 0 {
					_, err = r.m.Put(key, r.value)
					writes.Add(1)
				} else {
					_, _, err = r.m.Get(key)
					reads.Add(1)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Concurrent error: %v\n", err)
					return
				}
				ops.Add(1)
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()

	res := r.result("Concurrent", int(ops.Load()), time.Since(start))
	if n := ops.Load(); n > 0 {
		res.ReadRatio = float64(reads.Load()) / float64(n) * 100
		res.WriteRatio = float64(writes.Load()) / float64(n) * 100
	}
	return res
}

// runVacuum overwrites half the keys, removes a quarter and times one GC pass
func (r *runner) runVacuum() BenchmarkResult {
	fmt.Println("Running Vacuum Benchmark...")
	if err := r.preload(); err != nil {
		fmt.Fprintf(os.Stderr, "Preload failed: %v\n", err)
		return r.result("Vacuum", 0, 0)
	}

	for i := 0; i < r.opts.NumKeys; i++ {
		key := fmt.Sprintf("key-%010d", i)
		var err error
		switch i % 4 {
		case 0:
			_, _, err = r.m.Remove(key)
		case 1, 2:
			_, err = r.m.Put(key, r.value)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Vacuum setup error: %v\n", err)
			return r.result("Vacuum", 0, 0)
		}
	}

	before := r.m.SizeOnDisk()
	start := time.Now()
	if err := r.m.GC(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Vacuum error: %v\n", err)
		return r.result("Vacuum", 0, time.Since(start))
	}
	elapsed := time.Since(start)

	res := r.result("Vacuum", 1, elapsed)
	res.BytesReclaimed = before - r.m.SizeOnDisk()
	return res
}

// String renders a result the way the benchmark prints it
func (res BenchmarkResult) String() string {
	out := fmt.Sprintf("\n%s Benchmark Results:", res.BenchmarkType)
	out += fmt.Sprintf("\n  Key Mode: %s", res.Mode)
	out += fmt.Sprintf("\n  Operations: %d", res.Operations)
	out += fmt.Sprintf("\n  Time: %.2f seconds", res.Duration)
	switch res.BenchmarkType {
	case "Scan":
		out += fmt.Sprintf("\n  Entries/sec: %.2f", res.EntriesPerSec)
	case "Vacuum":
		out += fmt.Sprintf("\n  Bytes Reclaimed: %d", res.BytesReclaimed)
		return out
	case "Read":
		out += fmt.Sprintf("\n  Hit Rate: %.2f%%", res.HitRate)
	case "Mixed", "Concurrent":
		out += fmt.Sprintf("\n  Reads: %.1f%%, Writes: %.1f%%", res.ReadRatio, res.WriteRatio)
	}
	out += fmt.Sprintf("\n  Throughput: %.2f ops/sec", res.Throughput)
	out += fmt.Sprintf("\n  Latency: %.3f µs/op", res.Latency)
	return out
}
