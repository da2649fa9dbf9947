package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config represents <root>/config.toml. Every field can be overridden by the
// EVENTLOG_* variable named in its env tag.
type Config struct {
	DefaultInstance string           `toml:"default_instance" env:"EVENTLOG_INSTANCE"`
	LogLevel        string           `toml:"log_level" env:"EVENTLOG_LOG_LEVEL"`
	Store           StoreConfig      `toml:"store"`
	Bus             BusConfig        `toml:"bus"`
	Replay          ReplayConfig     `toml:"replay"`
	Projection      ProjectionConfig `toml:"projection"`
	Telemetry       TelemetryConfig  `toml:"telemetry"`
}

// StoreConfig tunes event store reads.
type StoreConfig struct {
	SearchDefaultLimit int `toml:"search_default_limit" env:"EVENTLOG_SEARCH_DEFAULT_LIMIT"`
	SearchMaxLimit     int `toml:"search_max_limit" env:"EVENTLOG_SEARCH_MAX_LIMIT"`
	StreamBatchSize    int `toml:"stream_batch_size" env:"EVENTLOG_STREAM_BATCH_SIZE"`
}

// BusConfig sets the handler retry policy.
type BusConfig struct {
	RetryAttempts  int           `toml:"retry_attempts" env:"EVENTLOG_BUS_RETRY_ATTEMPTS"`
	RetryBaseDelay time.Duration `toml:"retry_base_delay" env:"EVENTLOG_BUS_RETRY_BASE_DELAY"`
}

// ReplayConfig tunes projections and reports.
type ReplayConfig struct {
	BatchSize int `toml:"batch_size" env:"EVENTLOG_REPLAY_BATCH_SIZE"`
	PageSize  int `toml:"page_size" env:"EVENTLOG_REPLAY_PAGE_SIZE"`
}

// ProjectionConfig tunes the materialized view runner.
type ProjectionConfig struct {
	Interval  time.Duration `toml:"interval" env:"EVENTLOG_PROJECTION_INTERVAL"`
	BatchSize int           `toml:"batch_size" env:"EVENTLOG_PROJECTION_BATCH_SIZE"`
}

// TelemetryConfig enables trace export. Tracing is off unless Enabled is set
// and Endpoint is not empty.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled" env:"EVENTLOG_OTEL_ENABLED"`
	Endpoint    string `toml:"endpoint" env:"EVENTLOG_OTEL_ENDPOINT"`
	ServiceName string `toml:"service_name" env:"EVENTLOG_OTEL_SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultInstance: "main",
		LogLevel:        "info",
		Store: StoreConfig{
			SearchDefaultLimit: 50,
			SearchMaxLimit:     1000,
			StreamBatchSize:    100,
		},
		Bus: BusConfig{
			RetryAttempts:  3,
			RetryBaseDelay: 100 * time.Millisecond,
		},
		Replay: ReplayConfig{
			BatchSize: 1000,
			PageSize:  1000,
		},
		Projection: ProjectionConfig{
			Interval:  500 * time.Millisecond,
			BatchSize: 100,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "eventlogd",
		},
	}
}

// Load reads config from the given path on top of the defaults, then applies
// environment overrides. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		err = ApplyEnv(cfg)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the EVENTLOG_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
