package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VolumeConfig holds local volume configurations.
type VolumeConfig struct {
	Dir         string `yaml:"dir"`
	PageSize    uint32 `yaml:"page_size"`
	SyncMode    string `yaml:"sync_mode"`   // "always" or "disabled"
	Compression string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
}

// CheckpointConfig holds local checkpoint scheduling configurations.
type CheckpointConfig struct {
	Interval string `yaml:"interval"`
	// Guarded wires the checkpointer through the capture barrier. Turning
	// it off reproduces the unguarded configuration that can discard
	// uncaptured frames; it exists for fault-injection testing only.
	Guarded bool `yaml:"guarded"`
}

// PushConfig holds push scheduling and transport configurations.
type PushConfig struct {
	StoreAddress     string `yaml:"store_address"`
	Interval         string `yaml:"interval"`
	DialTimeout      string `yaml:"dial_timeout"`
	MaxChunkBytes    int    `yaml:"max_chunk_bytes"`
	RetryMaxAttempts int    `yaml:"retry_max_attempts"`
}

// StoreServerConfig holds the embedded volume store server configurations.
type StoreServerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	DataDir       string `yaml:"data_dir"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	PProfEnabled  bool   `yaml:"pprof_enabled"`
}

// Config is the top-level configuration struct.
type Config struct {
	Volume      VolumeConfig      `yaml:"volume"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Push        PushConfig        `yaml:"push"`
	StoreServer StoreServerConfig `yaml:"store_server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Debug       DebugConfig       `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Volume: VolumeConfig{
			Dir:         "./data/volume",
			PageSize:    4096,
			SyncMode:    "always",
			Compression: "snappy",
		},
		Checkpoint: CheckpointConfig{
			Interval: "60s",
			Guarded:  true,
		},
		Push: PushConfig{
			StoreAddress:     "localhost:50070",
			Interval:         "10s",
			DialTimeout:      "10s",
			MaxChunkBytes:    1024 * 1024, // 1 MiB
			RetryMaxAttempts: 5,
		},
		StoreServer: StoreServerConfig{
			Enabled:       false,
			ListenAddress: ":50070",
			DataDir:       "./data/store",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusvolume.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:       false,
			ListenAddress: "0.0.0.0:6060",
			PProfEnabled:  true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	// Read all data from the reader
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
