package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/chzyer/readline"

	"github.com/KevoDB/diskmap/pkg/codec"
	"github.com/KevoDB/diskmap/pkg/config"
	"github.com/KevoDB/diskmap/pkg/diskmap"
	"github.com/KevoDB/diskmap/pkg/store"
	"github.com/KevoDB/diskmap/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".gc"),
	readline.PcItem(".sync"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
	readline.PcItem("CONTAINS"),
	readline.PcItem("COUNT"),
	readline.PcItem("CLEAR"),
	readline.PcItem("SCAN",
		readline.PcItem("SUFFIX"),
	),
)

const helpText = `
diskmap - A disk-backed hash map with a small memory footprint.

Usage:
  diskmap [options] [database_path]  - Start with an optional database path

Commands:
  .help                   - Show this help message
  .open PATH              - Open a map at PATH
  .close                  - Close the current map
  .exit                   - Exit the program
  .stats                  - Show map statistics
  .gc                     - Vacuum every shard, reclaiming removed entries
  .sync                   - Flush every shard to disk

  PUT key value           - Store a key-value pair
  GET key                 - Retrieve a value by key
  DELETE key              - Delete a key-value pair, printing the old value
  CONTAINS key            - Check whether a key is stored
  COUNT                   - Show the number of keys and bytes on disk
  CLEAR                   - Remove every key

  SCAN                    - Scan all key-value pairs
  SCAN prefix             - Scan key-value pairs with given prefix
  SCAN SUFFIX suffix      - Scan key-value pairs with given suffix
                          - Results are sorted by key
`

// Options holds the settings applied to every map the shell opens
type Options struct {
	ConfigFile     string
	ShardCount     int
	IOMode         string
	Compression    string
	LogLevel       string
	VacuumInterval int64
	Telemetry      bool
}

type shell struct {
	opts Options
	out  io.Writer
	err  io.Writer

	mu   sync.Mutex
	m    *diskmap.Map[string, string]
	tel  telemetry.Telemetry
	path string
}

func newShell(opts Options, out, errOut io.Writer) *shell {
	return &shell{opts: opts, out: out, err: errOut}
}

// loadConfig builds the configuration for dataDir: defaults, then the YAML
// file, then the environment, then command line flags
func (s *shell) loadConfig(dataDir string) (*config.Config, error) {
	cfg, err := config.Load(dataDir, s.opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	cfg.Update(func(c *config.Config) {
		if s.opts.ShardCount > 0 {
			c.ShardCount = s.opts.ShardCount
		}
		if s.opts.IOMode != "" {
			c.IOMode = config.IOMode(strings.ToLower(s.opts.IOMode))
		}
		if s.opts.Compression != "" {
			c.Compression = strings.ToLower(s.opts.Compression)
		}
		if s.opts.LogLevel != "" {
			c.LogLevel = s.opts.LogLevel
		}
		if s.opts.VacuumInterval > 0 {
			c.VacuumInterval = s.opts.VacuumInterval
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *shell) open(dataDir string) error {
	if s.m != nil {
		s.close()
	}

	cfg, err := s.loadConfig(dataDir)
	if err != nil {
		return err
	}

	opts := []diskmap.Option{}
	if s.opts.Telemetry {
		telCfg := telemetry.DefaultConfig()
		telCfg.LoadFromEnv()
		telCfg.Enabled = true
		telCfg.Output = s.err

		tel, err := telemetry.New(telCfg)
		if err != nil {
			return err
		}
		s.tel = tel
		opts = append(opts, diskmap.WithTelemetry(tel))
	}

	m, err := diskmap.Open(cfg, codec.String(), codec.String(), opts...)
	if err != nil {
		s.shutdownTelemetry()
		return err
	}

	s.m = m
	s.path = dataDir
	return nil
}

// shutdown closes the open map; it is safe to call while a command runs
func (s *shell) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

func (s *shell) close() error {
	if s.m == nil {
		return nil
	}
	err := s.m.Close()
	s.shutdownTelemetry()
	s.m = nil
	s.path = ""
	return err
}

func (s *shell) shutdownTelemetry() {
	if s.tel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(s.err, "Error shutting down telemetry: %s\n", err)
	}
	s.tel = nil
}

func (s *shell) prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		return fmt.Sprintf("diskmap:%s> ", s.path)
	}
	return "diskmap> "
}

// execute runs one command line and reports whether the shell should keep going
func (s *shell) execute(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToUpper(parts[0])

	// Special dot commands
	if strings.HasPrefix(cmd, ".") {
		return s.executeDot(strings.ToLower(cmd), parts)
	}

	if s.m == nil {
		fmt.Fprintln(s.out, "Error: No database open")
		return true
	}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			fmt.Fprintln(s.out, "Error: PUT requires key and value arguments")
			return true
		}
		if _, err := s.m.Put(parts[1], strings.Join(parts[2:], " ")); err != nil {
			fmt.Fprintf(s.err, "Error putting value: %s\n", err)
			return true
		}
		fmt.Fprintln(s.out, "Value stored")

	case "GET":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: GET requires a key argument")
			return true
		}
		val, found, err := s.m.Get(parts[1])
		switch {
		case err != nil:
			fmt.Fprintf(s.err, "Error getting value: %s\n", err)
		case !found:
			fmt.Fprintln(s.out, "Key not found")
		default:
			fmt.Fprintln(s.out, val)
		}

	case "DELETE":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: DELETE requires a key argument")
			return true
		}
		prev, found, err := s.m.Remove(parts[1])
		switch {
		case err != nil:
			fmt.Fprintf(s.err, "Error deleting key: %s\n", err)
		case !found:
			fmt.Fprintln(s.out, "Key not found")
		default:
			fmt.Fprintf(s.out, "Key deleted (was: %s)\n", prev)
		}

	case "CONTAINS":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: CONTAINS requires a key argument")
			return true
		}
		found, err := s.m.ContainsKey(parts[1])
		if err != nil {
			fmt.Fprintf(s.err, "Error checking key: %s\n", err)
			return true
		}
		fmt.Fprintln(s.out, found)

	case "COUNT":
		fmt.Fprintf(s.out, "%d keys, %d bytes on disk\n", s.m.Len(), s.m.SizeOnDisk())

	case "CLEAR":
		if err := s.m.Clear(); err != nil {
			fmt.Fprintf(s.err, "Error clearing map: %s\n", err)
			return true
		}
		fmt.Fprintln(s.out, "Map cleared")

	case "SCAN":
		s.scan(parts)

	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", cmd)
	}
	return true
}

func (s *shell) executeDot(cmd string, parts []string) bool {
	switch cmd {
	case ".help":
		fmt.Fprint(s.out, helpText)

	case ".open":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: Missing path argument")
			return true
		}
		if err := s.open(parts[1]); err != nil {
			fmt.Fprintf(s.err, "Error opening database: %s\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Database opened at %s\n", parts[1])

	case ".close":
		if s.m == nil {
			fmt.Fprintln(s.out, "No database open")
			return true
		}
		path := s.path
		if err := s.close(); err != nil {
			fmt.Fprintf(s.err, "Error closing database: %s\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Database %s closed\n", path)

	case ".exit":
		if err := s.close(); err != nil {
			fmt.Fprintf(s.err, "Error closing database: %s\n", err)
		}
		fmt.Fprintln(s.out, "Goodbye!")
		return false

	case ".stats":
		if s.m == nil {
			fmt.Fprintln(s.out, "No database open")
			return true
		}
		s.printStats(s.m.GetStats())

	case ".gc":
		if s.m == nil {
			fmt.Fprintln(s.out, "No database open")
			return true
		}
		before := s.m.SizeOnDisk()
		startTime := time.Now()
		if err := s.m.GC(context.Background()); err != nil {
			fmt.Fprintf(s.err, "Error vacuuming: %s\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Vacuum reclaimed %d bytes (%.2f ms)\n",
			before-s.m.SizeOnDisk(), float64(time.Since(startTime).Microseconds())/1000.0)

	case ".sync":
		if s.m == nil {
			fmt.Fprintln(s.out, "No database open")
			return true
		}
		if err := s.m.Sync(); err != nil {
			fmt.Fprintf(s.err, "Error syncing: %s\n", err)
			return true
		}
		fmt.Fprintln(s.out, "Shards flushed to disk")

	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", cmd)
	}
	return true
}

type entry struct {
	key   string
	value string
}

func (s *shell) scan(parts []string) {
	var match func(string) bool
	switch {
	case len(parts) == 1:
		match = func(string) bool { return true }
	case len(parts) == 3 && strings.ToUpper(parts[1]) == "SUFFIX":
		suffix := parts[2]
		match = func(k string) bool { return strings.HasSuffix(k, suffix) }
	case len(parts) == 2:
		prefix := parts[1]
		match = func(k string) bool { return strings.HasPrefix(k, prefix) }
	default:
		fmt.Fprintln(s.out, "Error: Invalid SCAN syntax. See .help for usage")
		return
	}

	var entries []entry
	err := s.m.Range(func(k, v string) bool {
		if match(k) {
			entries = append(entries, entry{key: k, value: v})
		}
		return true
	})
	if err != nil {
		if errors.Is(err, diskmap.ErrMapClosed) {
			fmt.Fprintln(s.out, "No database open")
			return
		}
		fmt.Fprintf(s.err, "Error scanning: %s\n", err)
		return
	}

	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.key, b.key) })
	for _, e := range entries {
		fmt.Fprintf(s.out, "%s: %s\n", e.key, e.value)
	}
	fmt.Fprintf(s.out, "%d entries found\n", len(entries))
}

// getUint64 safely reads a numeric stat
func getUint64(m map[string]interface{}, key string) uint64 {
	switch v := m[key].(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	default:
		return 0
	}
}

func (s *shell) printStats(stats map[string]interface{}) {
	// Operations section
	fmt.Fprintln(s.out, "📊 Operations:")
	fmt.Fprintf(s.out, "  • Puts: %d\n", getUint64(stats, "put_ops"))
	fmt.Fprintf(s.out, "  • Gets: %d\n", getUint64(stats, "get_ops"))
	fmt.Fprintf(s.out, "  • Deletes: %d\n", getUint64(stats, "delete_ops"))
	fmt.Fprintf(s.out, "  • Contains: %d\n", getUint64(stats, "contains_ops"))
	fmt.Fprintf(s.out, "  • Scans: %d\n", getUint64(stats, "scan_ops"))

	// Last Operation Times
	fmt.Fprintln(s.out, "\n⏱️ Last Operation Times:")
	for _, op := range []string{"put", "get", "delete"} {
		label := toTitle(op)
		if ts, ok := stats["last_"+op+"_time"].(int64); ok && ts > 0 {
			fmt.Fprintf(s.out, "  • Last %s: %s\n", label, time.Unix(0, ts).Format(time.RFC3339))
		} else {
			fmt.Fprintf(s.out, "  • Last %s: Never\n", label)
		}
	}

	if latency, ok := stats["put_latency"].(map[string]interface{}); ok {
		fmt.Fprintln(s.out, "\n⚡ Latency:")
		if avgNs, ok := latency["avg_ns"].(uint64); ok {
			fmt.Fprintf(s.out, "  • Put avg: %.2f ms\n", float64(avgNs)/1000000.0)
		}
		if getLatency, ok := stats["get_latency"].(map[string]interface{}); ok {
			if avgNs, ok := getLatency["avg_ns"].(uint64); ok {
				fmt.Fprintf(s.out, "  • Get avg: %.2f ms\n", float64(avgNs)/1000000.0)
			}
		}
	}

	// Storage
	fmt.Fprintln(s.out, "\n💾 Storage:")
	fmt.Fprintf(s.out, "  • Keys: %d\n", getUint64(stats, "keys"))
	fmt.Fprintf(s.out, "  • Size on Disk: %d bytes\n", getUint64(stats, "size_on_disk"))
	if shards, ok := stats["shards"].([]store.ShardStat); ok {
		for _, shard := range shards {
			fmt.Fprintf(s.out, "    - Shard %d: %d keys, %d bytes\n", shard.Shard, shard.Keys, shard.Bytes)
		}
	}

	// Vacuum
	fmt.Fprintln(s.out, "\n🧹 Vacuum:")
	fmt.Fprintf(s.out, "  • Shard Vacuums: %d\n", getUint64(stats, "vacuum_count"))
	fmt.Fprintf(s.out, "  • Bytes Reclaimed: %d\n", getUint64(stats, "vacuum_bytes_reclaimed"))

	if replay, ok := stats["replay"].(map[string]interface{}); ok {
		fmt.Fprintln(s.out, "\n🔄 Replay:")
		fmt.Fprintf(s.out, "  • Pages: %d\n", getUint64(replay, "pages"))
		fmt.Fprintf(s.out, "  • Records Indexed: %d\n", getUint64(replay, "records_indexed"))
		fmt.Fprintf(s.out, "  • Records Skipped: %d\n", getUint64(replay, "records_skipped"))
		fmt.Fprintf(s.out, "  • Truncated Bytes: %d\n", getUint64(replay, "truncated_bytes"))
		if ms, ok := replay["duration_ms"].(int64); ok {
			fmt.Fprintf(s.out, "  • Replay Duration: %d ms\n", ms)
		}
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		fmt.Fprintln(s.out, "\n⚠️ Errors:")
		names := make([]string, 0, len(errs))
		for name := range errs {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(s.out, "  • %s: %d\n", toTitle(strings.ReplaceAll(name, "_", " ")), errs[name])
		}
	}
}

// toTitle converts the first character of each word to title case
func toTitle(s string) string {
	prev := ' '
	return strings.Map(
		func(r rune) rune {
			if unicode.IsSpace(prev) || unicode.IsPunct(prev) {
				prev = r
				return unicode.ToTitle(r)
			}
			prev = r
			return r
		},
		s)
}
