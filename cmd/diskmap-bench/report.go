package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType  string
	NumKeys        int
	ValueSize      int
	Mode           string
	Operations     int
	Duration       float64
	Throughput     float64
	Latency        float64
	HitRate        float64 // For read benchmarks
	EntriesPerSec  float64 // For scan benchmarks
	ReadRatio      float64 // For mixed benchmarks
	WriteRatio     float64 // For mixed benchmarks
	BytesReclaimed int64   // For vacuum benchmarks
	Timestamp      time.Time
}

var csvHeader = []string{
	"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "Mode",
	"Operations", "Duration", "Throughput", "Latency", "HitRate",
	"EntriesPerSec", "ReadRatio", "WriteRatio", "BytesReclaimed",
}

// SaveResultCSV appends benchmark results to a CSV file, writing the header
// when the file is new
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	_, statErr := os.Stat(filename)
	isNew := os.IsNotExist(statErr)

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if isNew {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			r.Mode,
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.HitRate),
			fmt.Sprintf("%.2f", r.EntriesPerSec),
			fmt.Sprintf("%.1f", r.ReadRatio),
			fmt.Sprintf("%.1f", r.WriteRatio),
			strconv.FormatInt(r.BytesReclaimed, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// LoadResultCSV loads benchmark results from a CSV file
func LoadResultCSV(filename string) ([]BenchmarkResult, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}

	// Skip header
	if len(records) <= 1 {
		return []BenchmarkResult{}, nil
	}
	records = records[1:]

	results := make([]BenchmarkResult, 0, len(records))
	for _, record := range records {
		if len(record) < len(csvHeader) {
			continue
		}

		timestamp, _ := time.Parse(time.RFC3339, record[0])
		numKeys, _ := strconv.Atoi(record[2])
		valueSize, _ := strconv.Atoi(record[3])
		operations, _ := strconv.Atoi(record[5])
		duration, _ := strconv.ParseFloat(record[6], 64)
		throughput, _ := strconv.ParseFloat(record[7], 64)
		latency, _ := strconv.ParseFloat(record[8], 64)
		hitRate, _ := strconv.ParseFloat(record[9], 64)
		entriesPerSec, _ := strconv.ParseFloat(record[10], 64)
		readRatio, _ := strconv.ParseFloat(record[11], 64)
		writeRatio, _ := strconv.ParseFloat(record[12], 64)
		reclaimed, _ := strconv.ParseInt(record[13], 10, 64)

		results = append(results, BenchmarkResult{
			Timestamp:      timestamp,
			BenchmarkType:  record[1],
			NumKeys:        numKeys,
			ValueSize:      valueSize,
			Mode:           record[4],
			Operations:     operations,
			Duration:       duration,
			Throughput:     throughput,
			Latency:        latency,
			HitRate:        hitRate,
			EntriesPerSec:  entriesPerSec,
			ReadRatio:      readRatio,
			WriteRatio:     writeRatio,
			BytesReclaimed: reclaimed,
		})
	}

	return results, nil
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(w io.Writer, results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results to display")
		return
	}

	fmt.Fprintln(w, "+-----------------+--------+---------+------------+----------+--------------+")
	fmt.Fprintln(w, "| Benchmark Type  | Keys   | ValSize | Throughput | Latency  | Detail       |")
	fmt.Fprintln(w, "+-----------------+--------+---------+------------+----------+--------------+")

	for _, r := range results {
		detail := "-"
		switch r.BenchmarkType {
		case "Read":
			detail = fmt.Sprintf("%.2f%% hits", r.HitRate)
		case "Mixed", "Concurrent":
			detail = fmt.Sprintf("R:%.0f/W:%.0f", r.ReadRatio, r.WriteRatio)
		case "Scan":
			detail = fmt.Sprintf("%.0f e/s", r.EntriesPerSec)
		case "Vacuum":
			detail = fmt.Sprintf("%d B", r.BytesReclaimed)
		}

		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Fprintf(w, "| %-15s | %6d | %7d | %10.2f | %6.2f%s | %12s |\n",
			r.BenchmarkType,
			r.NumKeys,
			r.ValueSize,
			r.Throughput,
			latency, latencyUnit,
			detail)
	}
	fmt.Fprintln(w, "+-----------------+--------+---------+------------+----------+--------------+")
}
