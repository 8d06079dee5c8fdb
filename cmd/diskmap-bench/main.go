package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/diskmap/pkg/codec"
	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/diskmap"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, read, scan, mixed, concurrent, vacuum, tune, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration to run the benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of values in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	sequential    = flag.Bool("sequential", false, "Use sequential keys instead of random")
	workers       = flag.Int("workers", runtime.GOMAXPROCS(0), "Goroutines for the concurrent benchmark")
	shards        = flag.Int("shards", config.DefaultShardCount, "Number of shards")
	ioMode        = flag.String("io-mode", string(config.IOModeAsync), "Disk I/O mode: sync or async")
	compression   = flag.String("compression", codec.CompressionNone, "Value compression: none, zstd, snappy or lz4")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "File to write results to (in addition to stdout)")
	csvFile       = flag.String("csv", "", "CSV file to append results to")
)

func main() {
	flag.Parse()

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	// Remove any existing benchmark data before starting
	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create benchmark directory: %v\n", err)
		os.Exit(1)
	}

	opts := benchOptions{
		Duration:   *duration,
		NumKeys:    *numKeys,
		ValueSize:  *valueSize,
		Sequential: *sequential,
		Workers:    *workers,
	}

	if strings.EqualFold(*benchmarkType, "tune") {
		fmt.Println("Running configuration tuning benchmarks...")
		if err := RunFullTuningBenchmark(filepath.Join(*dataDir, "tuning"), opts); err != nil {
			fmt.Fprintf(os.Stderr, "Tuning failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.NewDefaultConfig(filepath.Join(*dataDir, "map"))
	cfg.ShardCount = *shards
	cfg.IOMode = config.IOMode(strings.ToLower(*ioMode))
	cfg.Compression = strings.ToLower(*compression)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	m, err := diskmap.Open(cfg, codec.String(), codec.Bytes(), diskmap.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open map: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	r := newRunner(m, opts)

	var results []BenchmarkResult
	for _, typ := range strings.Split(*benchmarkType, ",") {
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "write":
			results = append(results, r.runWrite())
		case "read":
			results = append(results, r.runRead())
		case "scan":
			results = append(results, r.runScan())
		case "mixed":
			results = append(results, r.runMixed())
		case "concurrent":
			results = append(results, r.runConcurrent())
		case "vacuum":
			results = append(results, r.runVacuum())
		case "all":
			results = append(results,
				r.runWrite(),
				r.runRead(),
				r.runScan(),
				r.runMixed(),
				r.runConcurrent(),
				r.runVacuum(),
			)
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	// Prepare result output
	lines := []string{
		fmt.Sprintf("Benchmark Report (%s)", time.Now().Format(time.RFC3339)),
		fmt.Sprintf("Keys: %d, Value Size: %d bytes, Duration: %s, Mode: %s, Shards: %d, IO: %s, Compression: %s",
			*numKeys, *valueSize, *duration, r.keyMode(), cfg.ShardCount, cfg.IOMode, cfg.Compression),
	}
	for _, res := range results {
		lines = append(lines, res.String())
	}

	for _, line := range lines {
		fmt.Println(line)
	}
	fmt.Println()
	PrintResultTable(os.Stdout, results)

	if *resultsFile != "" {
		if err := os.WriteFile(*resultsFile, []byte(strings.Join(lines, "\n")), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *csvFile != "" {
		if err := SaveResultCSV(results, *csvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write CSV results: %v\n", err)
		}
	}

	// Write memory profile if requested
	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC() // Run GC before taking memory profile
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}
