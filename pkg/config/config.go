package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1

	DefaultShardCount       = 13
	DefaultFlushInterval    = 1000 // ms
	DefaultReadPollInterval = 1000 // ms

	// File extensions of a shard's log, its vacuum intermediates and the
	// bytes replay could not read
	ExtData   = ".dat"
	ExtTemp   = ".tmp"
	ExtBackup = ".bak"
	ExtTorn   = ".torn"
)

var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrManifestNotFound    = errors.New("manifest not found")
	ErrInvalidManifest     = errors.New("invalid manifest")
	ErrShardCountMismatch  = errors.New("shard count does not match manifest")
	ErrCompressionMismatch = errors.New("compression does not match manifest")
	ErrUnsupportedCompress = errors.New("unsupported compression")
)

// IOMode selects the disk I/O strategy used by every page
type IOMode string

const (
	// IOModeSync serves each read on the calling goroutine
	IOModeSync IOMode = "sync"
	// IOModeAsync hands reads to a per-page worker that batches them by offset
	IOModeAsync IOMode = "async"
)

type Config struct {
	Version int `json:"version" yaml:"version"`

	// Storage layout
	DataDir    string `json:"data_dir" yaml:"data_dir"`
	ShardCount int    `json:"shard_count" yaml:"shard_count"`

	// Shard is the page a copy was made for; it is not persisted
	Shard int `json:"-" yaml:"-"`

	// Disk I/O
	FlushInterval    int64  `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	IOMode           IOMode `json:"io_mode" yaml:"io_mode"`
	ReadPollInterval int64  `json:"read_poll_interval_ms" yaml:"read_poll_interval_ms"`

	// Maintenance
	VacuumInterval int64 `json:"vacuum_interval_s" yaml:"vacuum_interval_s"` // 0 disables background vacuum

	// Value encoding and logging
	Compression string `json:"compression" yaml:"compression"`
	LogLevel    string `json:"log_level" yaml:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		DataDir:    dataDir,
		ShardCount: DefaultShardCount,

		FlushInterval:    DefaultFlushInterval,
		IOMode:           IOModeAsync,
		ReadPollInterval: DefaultReadPollInterval,

		VacuumInterval: 0,

		Compression: "none",
		LogLevel:    "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory not specified", ErrInvalidConfig)
	}

	if c.ShardCount <= 0 {
		return fmt.Errorf("%w: shard count must be positive", ErrInvalidConfig)
	}

	if c.Shard < 0 || c.Shard >= c.ShardCount {
		return fmt.Errorf("%w: shard %d out of range [0, %d)", ErrInvalidConfig, c.Shard, c.ShardCount)
	}

	if c.FlushInterval < 0 {
		return fmt.Errorf("%w: flush interval must not be negative", ErrInvalidConfig)
	}

	if c.IOMode != IOModeSync && c.IOMode != IOModeAsync {
		return fmt.Errorf("%w: unknown io mode %q", ErrInvalidConfig, c.IOMode)
	}

	if c.IOMode == IOModeAsync && c.ReadPollInterval <= 0 {
		return fmt.Errorf("%w: read poll interval must be positive in async mode", ErrInvalidConfig)
	}

	if c.VacuumInterval < 0 {
		return fmt.Errorf("%w: vacuum interval must not be negative", ErrInvalidConfig)
	}

	switch c.Compression {
	case "", "none", "zstd", "snappy", "lz4":
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrUnsupportedCompress, c.Compression)
	}

	return nil
}

// ForShard returns an independent copy of the configuration bound to shard n
func (c *Config) ForShard(n int) *Config {
	cp := c.Clone()
	cp.Shard = n
	return cp
}

// Clone returns an independent copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:          c.Version,
		DataDir:          c.DataDir,
		ShardCount:       c.ShardCount,
		Shard:            c.Shard,
		FlushInterval:    c.FlushInterval,
		IOMode:           c.IOMode,
		ReadPollInterval: c.ReadPollInterval,
		VacuumInterval:   c.VacuumInterval,
		Compression:      c.Compression,
		LogLevel:         c.LogLevel,
	}
}

// DataFileName returns the path of this shard's file with the given extension
func (c *Config) DataFileName(ext string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.DataDir, strconv.Itoa(c.Shard)+ext)
}

// FlushEvery returns the minimum time between two fsyncs of a page
func (c *Config) FlushEvery() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.FlushInterval) * time.Millisecond
}

// ReadPollEvery returns how long the async read worker waits for work before polling its stop flag
func (c *Config) ReadPollEvery() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.ReadPollInterval) * time.Millisecond
}

// VacuumEvery returns the background vacuum period, zero when disabled
func (c *Config) VacuumEvery() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.VacuumInterval) * time.Second
}

// CheckCompatible verifies that a configuration can open data written under stored.
// Routing depends on the shard count and stored values on the compression, so
// neither may change for a directory.
func (c *Config) CheckCompatible(stored *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if stored.ShardCount != c.ShardCount {
		return fmt.Errorf("%w: manifest has %d shards, configuration has %d",
			ErrShardCountMismatch, stored.ShardCount, c.ShardCount)
	}
	if compressionName(stored.Compression) != compressionName(c.Compression) {
		return fmt.Errorf("%w: manifest has %q, configuration has %q",
			ErrCompressionMismatch, stored.Compression, c.Compression)
	}
	return nil
}

func compressionName(name string) string {
	if name == "" {
		return "none"
	}
	return name
}

// LoadConfigFromManifest loads the configuration stored in a data directory
func LoadConfigFromManifest(dataDir string) (*Config, error) {
	manifestPath := filepath.Join(dataDir, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	cfg.DataDir = dataDir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	return &cfg, nil
}

// SaveManifest saves the configuration to the manifest file
func (c *Config) SaveManifest(dataDir string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dataDir, DefaultManifestFileName)
	tempPath := manifestPath + ExtTemp

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// LoadFromFile overlays the values of a YAML file onto the configuration
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// LoadFromEnv overrides values from DISKMAP_* environment variables.
// Unparseable numbers are ignored.
func (c *Config) LoadFromEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if val := os.Getenv("DISKMAP_DATA_DIR"); val != "" {
		c.DataDir = val
	}

	if val := os.Getenv("DISKMAP_SHARD_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.ShardCount = n
		}
	}

	if val := os.Getenv("DISKMAP_FLUSH_INTERVAL_MS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.FlushInterval = n
		}
	}

	if val := os.Getenv("DISKMAP_IO_MODE"); val != "" {
		c.IOMode = IOMode(strings.ToLower(strings.TrimSpace(val)))
	}

	if val := os.Getenv("DISKMAP_READ_POLL_INTERVAL_MS"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.ReadPollInterval = n
		}
	}

	if val := os.Getenv("DISKMAP_VACUUM_INTERVAL_S"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.VacuumInterval = n
		}
	}

	if val := os.Getenv("DISKMAP_COMPRESSION"); val != "" {
		c.Compression = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("DISKMAP_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
}

// Load builds a configuration from defaults, an optional YAML file and the environment
func Load(dataDir, path string) (*Config, error) {
	cfg := NewDefaultConfig(dataDir)

	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
