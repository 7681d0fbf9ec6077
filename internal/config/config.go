// Package config provides configuration types, defaults, and
// persistence for cascade.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/tracing"
	"github.com/zjrosen/cascade/internal/workflow"
)

// Config holds all configuration options for cascade.
type Config struct {
	// ListenAddr is the coordinator API listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

// DatabaseConfig holds sqlite persistence settings. When disabled the
// coordinator runs purely in memory.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RedisConfig holds the optional cache tier settings.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// HeartbeatConfig holds worker liveness settings on the coordinator
// side.
type HeartbeatConfig struct {
	// CheckInterval is how often stale workers are looked for.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// Timeout is how long a worker may go silent before eviction.
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkerConfig holds worker node settings.
type WorkerConfig struct {
	// ID identifies this worker. Empty generates one.
	ID string `mapstructure:"id"`

	// CoordinatorURL is the websocket base URL of the coordinator.
	CoordinatorURL string `mapstructure:"coordinator_url"`

	// Capabilities lists the job types this worker executes. Empty
	// means all types.
	Capabilities []string `mapstructure:"capabilities"`

	// HeartbeatInterval is how often the worker pings the coordinator.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		ListenAddr: "localhost:8080",
		Database: DatabaseConfig{
			Enabled: true,
			Path:    filepath.Join(".cascade", "cascade.db"),
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Heartbeat: HeartbeatConfig{
			CheckInterval: 30 * time.Second,
			Timeout:       60 * time.Second,
		},
		Worker: WorkerConfig{
			CoordinatorURL:    "ws://localhost:8080",
			HeartbeatInterval: 30 * time.Second,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Validate checks the configuration for errors. Empty values fall back
// to defaults and are always valid.
func Validate(cfg Config) error {
	for _, c := range cfg.Worker.Capabilities {
		if !workflow.JobType(c).IsValid() {
			return fmt.Errorf("worker.capabilities: unknown job type %q", c)
		}
	}

	switch cfg.Tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", cfg.Tracing.SampleRate)
	}

	if cfg.Heartbeat.CheckInterval < 0 || cfg.Heartbeat.Timeout < 0 {
		return fmt.Errorf("heartbeat intervals must be non-negative")
	}
	return nil
}

// DefaultTracesFilePath returns the default path for trace file
// export, or empty string if the home dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cascade", "traces", "traces.jsonl")
}

// DefaultConfigTemplate returns the default config as a YAML string
// with comments.
func DefaultConfigTemplate() string {
	return `# Cascade Configuration

# Coordinator API listen address
listen_addr: localhost:8080

# Durable state (sqlite). Disable to run purely in memory.
database:
  enabled: true
  path: .cascade/cascade.db

# Optional read-through cache tier
redis:
  enabled: false
  addr: localhost:6379

# Worker liveness monitoring (coordinator side)
heartbeat:
  check_interval: 30s  # How often stale workers are looked for
  timeout: 60s         # Silence before a worker is evicted

# Worker node settings (used by 'cascade worker')
worker:
  # id: worker-1                       # Empty generates worker-<hex>
  coordinator_url: ws://localhost:8080
  # capabilities: [validation, processing, integration, cleanup]
  heartbeat_interval: 30s

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp
#   file_path: ~/.config/cascade/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0
`
}

// WriteDefaultConfig creates a config file at the given path with
// default settings and comments. Creates the parent directory if it
// doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
