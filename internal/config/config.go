// Package config holds the ambient, environment-variable-driven operational
// knobs layered on top of the positional/flag CLI surface described in
// SPEC_FULL.md §6. It follows the teacher's env+dotenv pattern: parse,
// validate, log.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds operational settings not already covered by the per-process
// positional arguments (self socket, neighbours) or the flags
// (-b, -r, -c, -s) from SPEC_FULL.md §6.
type Config struct {
	// Metrics / operability
	MetricsAddr string `env:"SECKO_METRICS_ADDR" envDefault:"127.0.0.1:9100"`

	// Worker pools (§5)
	ClientWorkers    int `env:"SECKO_CLIENT_WORKERS" envDefault:"8"`
	ClientQueueSize  int `env:"SECKO_CLIENT_QUEUE_SIZE" envDefault:"256"`
	DigestWorkers    int `env:"SECKO_DIGEST_WORKERS" envDefault:"8"`
	DigestQueueSize  int `env:"SECKO_DIGEST_QUEUE_SIZE" envDefault:"256"`
	UpdateWorkers    int `env:"SECKO_UPDATE_WORKERS" envDefault:"8"`
	UpdateQueueSize  int `env:"SECKO_UPDATE_QUEUE_SIZE" envDefault:"256"`
	CommitQueueSize  int `env:"SECKO_COMMIT_QUEUE_SIZE" envDefault:"4096"`

	// Anti-entropy tuning (§4.4)
	GossipKeyCap int `env:"SECKO_GOSSIP_KEY_CAP" envDefault:"250"`

	// Snapshot tuning (§4.6)
	SnapshotInterval time.Duration `env:"SECKO_SNAPSHOT_INTERVAL" envDefault:"5s"`

	// Admission control (SPEC_FULL.md §2 item 11)
	ConnRateIPBurst     int     `env:"SECKO_CONN_IP_BURST" envDefault:"20"`
	ConnRateIPPerSecond float64 `env:"SECKO_CONN_IP_RATE" envDefault:"5.0"`
	ConnRateGlobalBurst int     `env:"SECKO_CONN_GLOBAL_BURST" envDefault:"500"`
	ConnRateGlobalPerSec float64 `env:"SECKO_CONN_GLOBAL_RATE" envDefault:"100.0"`

	// Resource monitor (SPEC_FULL.md §2 item 10)
	SysMonitorInterval time.Duration `env:"SECKO_SYSMON_INTERVAL" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"SECKO_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SECKO_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: environment variables > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks Config for internally-inconsistent or out-of-range values.
func (c *Config) Validate() error {
	if c.ClientWorkers < 1 {
		return fmt.Errorf("SECKO_CLIENT_WORKERS must be > 0, got %d", c.ClientWorkers)
	}
	if c.DigestWorkers < 1 {
		return fmt.Errorf("SECKO_DIGEST_WORKERS must be > 0, got %d", c.DigestWorkers)
	}
	if c.UpdateWorkers < 1 {
		return fmt.Errorf("SECKO_UPDATE_WORKERS must be > 0, got %d", c.UpdateWorkers)
	}
	if c.GossipKeyCap < 1 {
		return fmt.Errorf("SECKO_GOSSIP_KEY_CAP must be > 0, got %d", c.GossipKeyCap)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("SECKO_SNAPSHOT_INTERVAL must be > 0, got %s", c.SnapshotInterval)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SECKO_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SECKO_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	return nil
}

// Log emits the loaded configuration as structured fields.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("metrics_addr", c.MetricsAddr).
		Int("client_workers", c.ClientWorkers).
		Int("digest_workers", c.DigestWorkers).
		Int("update_workers", c.UpdateWorkers).
		Int("gossip_key_cap", c.GossipKeyCap).
		Dur("snapshot_interval", c.SnapshotInterval).
		Dur("sysmon_interval", c.SysMonitorInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
