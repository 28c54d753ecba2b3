// Package config provides centralized configuration management.
// Coordinator settings come from CREW_* environment variables; the
// worker-side contract variables are read through WorkerEnv.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all coordinator configuration.
type Config struct {
	// RunsDir is where run directories are created (CREW_RUNS_DIR).
	// Relative paths are resolved against the working directory.
	RunsDir string `env:"CREW_RUNS_DIR" envDefault:".crew/runs"`

	// Home is the crew home directory for the run archive (CREW_HOME).
	// Empty means ~/.crew.
	Home string `env:"CREW_HOME"`

	// PollInterval is the scheduler polling cadence (CREW_POLL_INTERVAL).
	PollInterval time.Duration `env:"CREW_POLL_INTERVAL" envDefault:"2s"`

	// StaleAfter is how long a worker may go without a status update
	// before a stalled warning is raised (CREW_STALE_AFTER).
	StaleAfter time.Duration `env:"CREW_STALE_AFTER" envDefault:"2m"`

	// WorkerTimeout is the default per-worker deadline, used when a
	// roster role does not set its own (CREW_WORKER_TIMEOUT).
	WorkerTimeout time.Duration `env:"CREW_WORKER_TIMEOUT" envDefault:"30m"`

	// TermGrace is how long a terminated worker gets between SIGTERM
	// and SIGKILL (CREW_TERM_GRACE).
	TermGrace time.Duration `env:"CREW_TERM_GRACE" envDefault:"5s"`

	// MetricsAddr enables the Prometheus endpoint when set, e.g.
	// ":9190" (CREW_METRICS_ADDR). Empty disables it.
	MetricsAddr string `env:"CREW_METRICS_ADDR"`

	// LogLevel is debug, info, warn or error (CREW_LOG_LEVEL).
	LogLevel string `env:"CREW_LOG_LEVEL" envDefault:"info"`

	// LogFormat is console or json (CREW_LOG_FORMAT).
	LogFormat string `env:"CREW_LOG_FORMAT" envDefault:"console"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Home = filepath.Join(home, ".crew")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.RunsDir == "" {
		return fmt.Errorf("runs directory is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker timeout must be positive, got %s", c.WorkerTimeout)
	}
	if c.StaleAfter < c.PollInterval {
		return fmt.Errorf("stale-after %s is shorter than the poll interval %s", c.StaleAfter, c.PollInterval)
	}
	if c.TermGrace < 0 {
		return fmt.Errorf("termination grace must not be negative, got %s", c.TermGrace)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (must be console or json)", c.LogFormat)
	}
	return nil
}

// RunDir returns the directory for a single run.
func (c *Config) RunDir(runID string) string {
	return filepath.Join(c.RunsDir, runID)
}

// ArchivePath returns the SQLite run archive location (~/.crew/crew.db).
func (c *Config) ArchivePath() string {
	return filepath.Join(c.Home, "crew.db")
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Worker contract environment variables. The coordinator sets these on
// every launched worker process.
const (
	EnvRunID    = "CREW_RUN_ID"
	EnvWorkerID = "CREW_WORKER_ID"
	EnvRunRoot  = "CREW_RUN_ROOT"
	EnvFeature  = "CREW_FEATURE"
)

// WorkerContract is the environment a launched worker sees.
type WorkerContract struct {
	// RunID is the orchestration run identifier (CREW_RUN_ID).
	RunID string

	// WorkerID identifies this worker within the run (CREW_WORKER_ID).
	WorkerID string

	// RunRoot is the run directory holding .status/ (CREW_RUN_ROOT).
	RunRoot string

	// Feature is the feature description the run was started with
	// (CREW_FEATURE).
	Feature string
}

// WorkerEnv reads the worker contract from the current environment.
func WorkerEnv() WorkerContract {
	return WorkerContract{
		RunID:    os.Getenv(EnvRunID),
		WorkerID: os.Getenv(EnvWorkerID),
		RunRoot:  os.Getenv(EnvRunRoot),
		Feature:  os.Getenv(EnvFeature),
	}
}

// IsWorker returns true when running under a coordinator-launched worker.
func IsWorker() bool {
	return os.Getenv(EnvWorkerID) != ""
}
