package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevoDB/diskmap/pkg/codec"
	"github.com/KevoDB/diskmap/pkg/common/log"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/diskmap"
)

// TuningResults stores the results of various configuration tuning runs
type TuningResults struct {
	Timestamp  time.Time                    `json:"timestamp"`
	Parameters []string                     `json:"parameters"`
	Results    map[string][]TuningBenchmark `json:"results"`
}

// TuningBenchmark stores the result of a single configuration test
type TuningBenchmark struct {
	ConfigName   string                 `json:"config_name"`
	ConfigValue  interface{}            `json:"config_value"`
	WriteResults BenchmarkResult        `json:"write_results"`
	ReadResults  BenchmarkResult        `json:"read_results"`
	MixedResults BenchmarkResult        `json:"mixed_results"`
	VacuumResult BenchmarkResult        `json:"vacuum_result"`
	MapStats     map[string]interface{} `json:"map_stats"`
}

// ConfigOption is one configuration knob and the values to try for it
type ConfigOption struct {
	Name   string
	Values []interface{}
	Apply  func(cfg *config.Config, value interface{})
}

func tuningOptions() []ConfigOption {
	return []ConfigOption{
		{
			Name:   "ShardCount",
			Values: []interface{}{1, 4, 13, 32},
			Apply:  func(cfg *config.Config, v interface{}) { cfg.ShardCount = v.(int) },
		},
		{
			Name:   "IOMode",
			Values: []interface{}{config.IOModeSync, config.IOModeAsync},
			Apply:  func(cfg *config.Config, v interface{}) { cfg.IOMode = v.(config.IOMode) },
		},
		{
			Name:   "Compression",
			Values: []interface{}{codec.CompressionNone, codec.CompressionSnappy, codec.CompressionZstd, codec.CompressionLZ4},
			Apply:  func(cfg *config.Config, v interface{}) { cfg.Compression = v.(string) },
		},
		{
			Name:   "FlushInterval",
			Values: []interface{}{int64(0), int64(1000), int64(10000)},
			Apply:  func(cfg *config.Config, v interface{}) { cfg.FlushInterval = v.(int64) },
		},
	}
}

// RunConfigTuning runs the benchmarks once per value of every configuration option
func RunConfigTuning(baseDir string, opts benchOptions) (*TuningResults, error) {
	fmt.Println("Starting configuration tuning...")

	tuningDir := filepath.Join(baseDir, fmt.Sprintf("tuning-%d", time.Now().Unix()))
	if err := os.MkdirAll(tuningDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tuning directory: %w", err)
	}

	results := &TuningResults{
		Timestamp: time.Now(),
		Parameters: []string{fmt.Sprintf("Keys: %d, ValueSize: %d bytes, Duration: %s",
			opts.NumKeys, opts.ValueSize, opts.Duration)},
		Results: make(map[string][]TuningBenchmark),
	}

	for _, option := range tuningOptions() {
		fmt.Printf("Testing %s variations...\n", option.Name)
		optionResults := make([]TuningBenchmark, 0, len(option.Values))

		for _, value := range option.Values {
			fmt.Printf("  Testing %s=%v\n", option.Name, value)
			benchmark, err := runBenchmarkWithConfig(tuningDir, option, value, opts)
			if err != nil {
				fmt.Printf("Error testing %s=%v: %v\n", option.Name, value, err)
				continue
			}
			optionResults = append(optionResults, *benchmark)
		}

		results.Results[option.Name] = optionResults
	}

	resultPath := filepath.Join(tuningDir, "tuning_results.json")
	resultData, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultPath, resultData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write results: %w", err)
	}

	if err := generateRecommendations(results, filepath.Join(tuningDir, "recommendations.md")); err != nil {
		return nil, err
	}

	fmt.Printf("Tuning complete. Results saved to %s\n", resultPath)
	return results, nil
}

// runBenchmarkWithConfig opens a fresh map with one option changed and runs the suite on it
func runBenchmarkWithConfig(baseDir string, option ConfigOption, value interface{}, opts benchOptions) (*TuningBenchmark, error) {
	configDir := filepath.Join(baseDir, fmt.Sprintf("%s_%v", option.Name, value))
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := config.NewDefaultConfig(configDir)
	option.Apply(cfg, value)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := diskmap.Open(cfg, codec.String(), codec.Bytes(), diskmap.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open map: %w", err)
	}
	defer m.Close()

	r := newRunner(m, opts)
	benchmark := &TuningBenchmark{
		ConfigName:   option.Name,
		ConfigValue:  value,
		WriteResults: r.runWrite(),
		ReadResults:  r.runRead(),
		MixedResults: r.runMixed(),
		VacuumResult: r.runVacuum(),
		MapStats:     m.GetStats(),
	}
	return benchmark, nil
}

// generateRecommendations writes a markdown summary of the best value per option
func generateRecommendations(results *TuningResults, outputPath string) error {
	var sb strings.Builder

	sb.WriteString("# Configuration Recommendations for diskmap\n\n")
	sb.WriteString("Based on benchmark results from " + results.Timestamp.Format(time.RFC3339) + "\n\n")

	sb.WriteString("## Benchmark Parameters\n\n")
	for _, param := range results.Parameters {
		sb.WriteString("- " + param + "\n")
	}

	sb.WriteString("\n## Recommended Configurations\n\n")

	for _, option := range tuningOptions() {
		benchmarks := results.Results[option.Name]
		if len(benchmarks) == 0 {
			continue
		}
		sb.WriteString("### " + option.Name + "\n\n")

		bestWrite, bestRead, bestOverall := bestOf(benchmarks)

		sb.WriteString("#### Recommendations\n\n")
		sb.WriteString(fmt.Sprintf("- **Write-optimized**: %v\n", benchmarks[bestWrite].ConfigValue))
		sb.WriteString(fmt.Sprintf("- **Read-optimized**: %v\n", benchmarks[bestRead].ConfigValue))
		sb.WriteString(fmt.Sprintf("- **Balanced workload**: %v\n", benchmarks[bestOverall].ConfigValue))
		sb.WriteString("\n")

		sb.WriteString("#### Benchmark Results\n\n")
		sb.WriteString("| Value | Write Throughput | Read Throughput | Mixed Throughput | Vacuum Time |\n")
		sb.WriteString("|-------|------------------|-----------------|------------------|-------------|\n")
		for _, b := range benchmarks {
			sb.WriteString(fmt.Sprintf("| %v | %.2f ops/sec | %.2f ops/sec | %.2f ops/sec | %.3f s |\n",
				b.ConfigValue,
				b.WriteResults.Throughput,
				b.ReadResults.Throughput,
				b.MixedResults.Throughput,
				b.VacuumResult.Duration))
		}
		sb.WriteString("\n")
	}

	return os.WriteFile(outputPath, []byte(sb.String()), 0644)
}

// bestOf returns the indexes of the best write, read and weighted overall results
func bestOf(benchmarks []TuningBenchmark) (bestWrite, bestRead, bestOverall int) {
	score := func(b TuningBenchmark) float64 {
		return 0.3*b.WriteResults.Throughput + 0.3*b.ReadResults.Throughput + 0.4*b.MixedResults.Throughput
	}
	for i := range benchmarks {
		if benchmarks[i].WriteResults.Throughput > benchmarks[bestWrite].WriteResults.Throughput {
			bestWrite = i
		}
		if benchmarks[i].ReadResults.Throughput > benchmarks[bestRead].ReadResults.Throughput {
			bestRead = i
		}
		if score(benchmarks[i]) > score(benchmarks[bestOverall]) {
			bestOverall = i
		}
	}
	return bestWrite, bestRead, bestOverall
}

// RunFullTuningBenchmark tunes under baseDir and prints the best value per option
func RunFullTuningBenchmark(baseDir string, opts benchOptions) error {
	results, err := RunConfigTuning(baseDir, opts)
	if err != nil {
		return fmt.Errorf("tuning failed: %w", err)
	}

	fmt.Println("\nBest Configuration Summary:")
	for _, option := range tuningOptions() {
		benchmarks := results.Results[option.Name]
		if len(benchmarks) == 0 {
			continue
		}
		bestWrite, bestRead, bestOverall := bestOf(benchmarks)

		fmt.Printf("\nParameter: %s\n", option.Name)
		fmt.Printf("  Best for writes:  %v (%.2f ops/sec)\n",
			benchmarks[bestWrite].ConfigValue, benchmarks[bestWrite].WriteResults.Throughput)
		fmt.Printf("  Best for reads:   %v (%.2f ops/sec)\n",
			benchmarks[bestRead].ConfigValue, benchmarks[bestRead].ReadResults.Throughput)
		fmt.Printf("  Best overall:     %v\n", benchmarks[bestOverall].ConfigValue)
	}

	return nil
}
