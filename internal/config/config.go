// Package config loads campaignsync settings from a YAML file overlaid with
// CAMPAIGNSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/campaignsync/internal/syncerr"
)

// Config is the full runtime configuration.
type Config struct {
	// Database is the SQLite file holding offline queues.
	Database string `yaml:"database" env:"CAMPAIGNSYNC_DATABASE"`
	// RemoteURL is the websocket endpoint of the remote store.
	RemoteURL string `yaml:"remote_url" env:"CAMPAIGNSYNC_REMOTE_URL"`
	// Listen is the address `serve` binds.
	Listen string `yaml:"listen" env:"CAMPAIGNSYNC_LISTEN"`

	UserID      string   `yaml:"user_id" env:"CAMPAIGNSYNC_USER_ID"`
	CampaignID  string   `yaml:"campaign_id" env:"CAMPAIGNSYNC_CAMPAIGN_ID"`
	Collections []string `yaml:"collections" env:"CAMPAIGNSYNC_COLLECTIONS" envSeparator:","`

	Connection Connection `yaml:"connection"`
	Sync       Sync       `yaml:"sync"`
	Queue      Queue      `yaml:"queue"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Connection configures the connection monitor.
type Connection struct {
	Debounce      time.Duration `yaml:"debounce" env:"CAMPAIGNSYNC_DEBOUNCE"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"CAMPAIGNSYNC_PROBE_INTERVAL"`
}

// Sync configures the realtime coordinator.
type Sync struct {
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"CAMPAIGNSYNC_SWEEP_INTERVAL"`
	MetricsInterval time.Duration `yaml:"metrics_interval" env:"CAMPAIGNSYNC_METRICS_INTERVAL"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout" env:"CAMPAIGNSYNC_CONFIRM_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CAMPAIGNSYNC_WRITE_TIMEOUT"`
}

// Queue configures offline replay.
type Queue struct {
	Concurrency int           `yaml:"concurrency" env:"CAMPAIGNSYNC_DRAIN_CONCURRENCY"`
	MaxAttempts int           `yaml:"max_attempts" env:"CAMPAIGNSYNC_MAX_ATTEMPTS"`
	BackoffMin  time.Duration `yaml:"backoff_min" env:"CAMPAIGNSYNC_BACKOFF_MIN"`
	BackoffMax  time.Duration `yaml:"backoff_max" env:"CAMPAIGNSYNC_BACKOFF_MAX"`
}

// Telemetry configures OTLP trace export.
type Telemetry struct {
	Endpoint string `yaml:"endpoint" env:"CAMPAIGNSYNC_OTEL_ENDPOINT"`
	Disabled bool   `yaml:"disabled" env:"CAMPAIGNSYNC_OTEL_DISABLED"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:    "campaignsync.db",
		RemoteURL:   "ws://127.0.0.1:8740/sync",
		Listen:      "127.0.0.1:8740",
		Collections: []string{"npcs", "quests", "locations", "sessions"},
		Connection: Connection{
			Debounce:      300 * time.Millisecond,
			ProbeInterval: 5 * time.Second,
		},
		Sync: Sync{
			SweepInterval:   time.Second,
			MetricsInterval: 30 * time.Second,
			ConfirmTimeout:  30 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Queue: Queue{
			Concurrency: 4,
			MaxAttempts: 5,
			BackoffMin:  500 * time.Millisecond,
			BackoffMax:  8 * time.Second,
		},
	}
}

// Load reads path (optional), applies environment overrides, and validates
// the result. Unknown YAML keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. It does not require the context fields,
// which only `connect` needs.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, syncerr.Validation(format, args...))
		}
	}

	check(c.Database != "", "database path is required")
	check(c.Connection.Debounce >= 0, "connection.debounce must not be negative")
	check(c.Connection.ProbeInterval > 0, "connection.probe_interval must be positive")
	check(c.Sync.SweepInterval > 0, "sync.sweep_interval must be positive")
	check(c.Sync.MetricsInterval > 0, "sync.metrics_interval must be positive")
	check(c.Sync.ConfirmTimeout >= 0, "sync.confirm_timeout must not be negative")
	check(c.Sync.WriteTimeout > 0, "sync.write_timeout must be positive")
	check(c.Queue.Concurrency >= 1, "queue.concurrency must be at least 1")
	check(c.Queue.MaxAttempts >= 1, "queue.max_attempts must be at least 1")
	check(c.Queue.BackoffMin > 0, "queue.backoff_min must be positive")
	check(c.Queue.BackoffMax >= c.Queue.BackoffMin, "queue.backoff_max must be at least queue.backoff_min")
	for i, name := range c.Collections {
		check(name != "", "collections[%d] is empty", i)
	}

	return errors.Join(errs...)
}

// RequireContext reports whether a sync context is configured.
func (c Config) RequireContext() error {
	if c.UserID == "" || c.CampaignID == "" {
		return syncerr.Validation("user_id and campaign_id are required")
	}
	return nil
}
