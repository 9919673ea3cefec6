// Package config provides configuration loading for the coordinator.
package config

import (
	"fmt"
	"time"
)

// Config is the full coordinator configuration.
type Config struct {
	Scheduler   SchedulerConfig   `koanf:"scheduler" yaml:"scheduler"`
	Resources   ResourcesConfig   `koanf:"resources" yaml:"resources"`
	Messaging   MessagingConfig   `koanf:"messaging" yaml:"messaging"`
	Stealing    StealingConfig    `koanf:"stealing" yaml:"stealing"`
	Breakers    BreakersConfig    `koanf:"breakers" yaml:"breakers"`
	Deadlock    DeadlockConfig    `koanf:"deadlock" yaml:"deadlock"`
	Maintenance MaintenanceConfig `koanf:"maintenance" yaml:"maintenance"`
	Logging     LoggingConfig     `koanf:"logging" yaml:"logging"`
	Store       StoreConfig       `koanf:"store" yaml:"store"`
}

// SchedulerConfig tunes task retry and agent selection.
type SchedulerConfig struct {
	MaxRetries      int           `koanf:"max_retries" yaml:"max_retries"`
	RetryDelay      time.Duration `koanf:"retry_delay" yaml:"retry_delay"`
	DefaultStrategy string        `koanf:"default_strategy" yaml:"default_strategy"`
}

// ResourcesConfig tunes the resource lock manager.
type ResourcesConfig struct {
	AcquireTimeout time.Duration `koanf:"acquire_timeout" yaml:"acquire_timeout"`
}

// MessagingConfig tunes agent message delivery.
type MessagingConfig struct {
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// StealingConfig tunes the work-stealing cycle.
type StealingConfig struct {
	Interval  time.Duration `koanf:"interval" yaml:"interval"`
	Threshold float64       `koanf:"threshold" yaml:"threshold"`
	MaxBatch  int           `koanf:"max_batch" yaml:"max_batch"`
}

// BreakersConfig tunes the per-task-type circuit breakers.
type BreakersConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `koanf:"timeout" yaml:"timeout"`
	HalfOpenLimit    int           `koanf:"half_open_limit" yaml:"half_open_limit"`
}

// DeadlockConfig tunes periodic deadlock detection.
type DeadlockConfig struct {
	Enabled  bool          `koanf:"enabled" yaml:"enabled"`
	Interval time.Duration `koanf:"interval" yaml:"interval"`
}

// MaintenanceConfig tunes the periodic cleanup pass.
type MaintenanceConfig struct {
	Interval  time.Duration `koanf:"interval" yaml:"interval"`
	Retention time.Duration `koanf:"retention" yaml:"retention"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // json or console
}

// StoreConfig enables the sqlite history store.
type StoreConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Path    string `koanf:"path" yaml:"path"` // empty means in-memory
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxRetries:      3,
			RetryDelay:      500 * time.Millisecond,
			DefaultStrategy: "capability",
		},
		Resources: ResourcesConfig{
			AcquireTimeout: 30 * time.Second,
		},
		Messaging: MessagingConfig{
			Timeout: 30 * time.Second,
		},
		Stealing: StealingConfig{
			Interval:  5 * time.Second,
			Threshold: 1.5,
			MaxBatch:  3,
		},
		Breakers: BreakersConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			HalfOpenLimit:    3,
		},
		Deadlock: DeadlockConfig{
			Enabled:  true,
			Interval: 2 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Interval:  time.Minute,
			Retention: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Enabled: false,
		},
	}
}

// applyDefaults fills zero values with defaults after unmarshalling.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Scheduler.MaxRetries <= 0 {
		cfg.Scheduler.MaxRetries = d.Scheduler.MaxRetries
	}
	if cfg.Scheduler.RetryDelay <= 0 {
		cfg.Scheduler.RetryDelay = d.Scheduler.RetryDelay
	}
	if cfg.Scheduler.DefaultStrategy == "" {
		cfg.Scheduler.DefaultStrategy = d.Scheduler.DefaultStrategy
	}
	if cfg.Resources.AcquireTimeout <= 0 {
		cfg.Resources.AcquireTimeout = d.Resources.AcquireTimeout
	}
	if cfg.Messaging.Timeout <= 0 {
		cfg.Messaging.Timeout = d.Messaging.Timeout
	}
	if cfg.Stealing.Interval <= 0 {
		cfg.Stealing.Interval = d.Stealing.Interval
	}
	if cfg.Stealing.Threshold <= 1 {
		cfg.Stealing.Threshold = d.Stealing.Threshold
	}
	if cfg.Stealing.MaxBatch <= 0 {
		cfg.Stealing.MaxBatch = d.Stealing.MaxBatch
	}
	if cfg.Breakers.FailureThreshold <= 0 {
		cfg.Breakers.FailureThreshold = d.Breakers.FailureThreshold
	}
	if cfg.Breakers.SuccessThreshold <= 0 {
		cfg.Breakers.SuccessThreshold = d.Breakers.SuccessThreshold
	}
	if cfg.Breakers.Timeout <= 0 {
		cfg.Breakers.Timeout = d.Breakers.Timeout
	}
	if cfg.Breakers.HalfOpenLimit <= 0 {
		cfg.Breakers.HalfOpenLimit = d.Breakers.HalfOpenLimit
	}
	if cfg.Deadlock.Interval <= 0 {
		cfg.Deadlock.Interval = d.Deadlock.Interval
	}
	if cfg.Maintenance.Interval <= 0 {
		cfg.Maintenance.Interval = d.Maintenance.Interval
	}
	if cfg.Maintenance.Retention <= 0 {
		cfg.Maintenance.Retention = d.Maintenance.Retention
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
}

// Validate rejects values the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	if c.Stealing.Threshold <= 1 {
		return fmt.Errorf("stealing threshold must be > 1, got %v", c.Stealing.Threshold)
	}
	if c.Scheduler.MaxRetries < 1 {
		return fmt.Errorf("scheduler max_retries must be >= 1, got %d", c.Scheduler.MaxRetries)
	}
	return nil
}
