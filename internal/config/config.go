// Package config loads dealersync settings from a YAML or TOML file and the
// environment.
//
// Environment variables take precedence over the file. Keys map to variables
// with the DEALERSYNC_ prefix and dots replaced by underscores, e.g.
// remote.api_key is DEALERSYNC_REMOTE_API_KEY.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ezcar24/dealersync/internal/assets"
	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/remote"
)

// Config holds all configuration for dealersync.
type Config struct {
	DealerID  string          `mapstructure:"dealer_id"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig locates the local SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig holds backend connection settings.
type RemoteConfig struct {
	URL                  string        `mapstructure:"url"`
	APIKey               string        `mapstructure:"api_key"`
	AccessToken          string        `mapstructure:"access_token"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
}

// QueueConfig is the offline queue retry policy.
type QueueConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PushBatchSize int           `mapstructure:"push_batch_size"`
	SuccessLinger time.Duration `mapstructure:"success_linger"`
	FailureLinger time.Duration `mapstructure:"failure_linger"`
}

// AssetsConfig controls vehicle photo caching.
type AssetsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Bucket      string `mapstructure:"bucket"`
	CacheDir    string `mapstructure:"cache_dir"`
	Concurrency int    `mapstructure:"concurrency"`
}

// DaemonConfig controls background sync.
type DaemonConfig struct {
	OutboxDir        string        `mapstructure:"outbox_dir"`
	PullInterval     time.Duration `mapstructure:"pull_interval"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
}

// DashboardConfig controls the websocket dashboard served by the daemon.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	policy := queue.DefaultRetryPolicy()
	return &Config{
		Database: DatabaseConfig{Path: ".dealersync/dealersync.db"},
		Remote: RemoteConfig{
			Timeout:              30 * time.Second,
			MaxRetries:           3,
			RetryInitialInterval: 200 * time.Millisecond,
			RetryMaxInterval:     5 * time.Second,
		},
		Queue: QueueConfig{
			InitialInterval: policy.InitialInterval,
			MaxInterval:     policy.MaxInterval,
			Multiplier:      policy.Multiplier,
			Jitter:          policy.Jitter,
			MaxAttempts:     policy.MaxAttempts,
		},
		Sync: SyncConfig{
			PushBatchSize: 500,
			SuccessLinger: 2 * time.Second,
			FailureLinger: 3 * time.Second,
		},
		Assets: AssetsConfig{
			Enabled:     true,
			Bucket:      assets.DefaultBucket,
			CacheDir:    ".dealersync/images",
			Concurrency: 4,
		},
		Daemon: DaemonConfig{
			OutboxDir:        ".dealersync/outbox",
			PullInterval:     5 * time.Minute,
			DebounceInterval: 250 * time.Millisecond,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks the settings that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.url %q is not an absolute URL", c.Remote.URL))
		}
	}
	if c.Remote.MaxRetries < 0 {
		errs = append(errs, errors.New("remote.max_retries must not be negative"))
	}
	if c.Queue.Multiplier != 0 && c.Queue.Multiplier < 1 {
		errs = append(errs, errors.New("queue.multiplier must be at least 1"))
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter >= 1 {
		errs = append(errs, errors.New("queue.jitter must be in [0, 1)"))
	}
	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, errors.New("queue.max_attempts must not be negative"))
	}
	if c.Sync.PushBatchSize <= 0 {
		errs = append(errs, errors.New("sync.push_batch_size must be positive"))
	}
	if c.Assets.Enabled && c.Assets.CacheDir == "" {
		errs = append(errs, errors.New("assets.cache_dir is required when assets are enabled"))
	}
	if c.Daemon.PullInterval <= 0 {
		errs = append(errs, errors.New("daemon.pull_interval must be positive"))
	}
	switch c.Logging.Format {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be auto, json or console", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// RequireRemote reports an error when the backend is not configured. Local
// commands such as queue inspection work without it.
func (c *Config) RequireRemote() error {
	if c.DealerID == "" {
		return errors.New("dealer_id is not set (DEALERSYNC_DEALER_ID)")
	}
	if c.Remote.URL == "" || c.Remote.APIKey == "" {
		return errors.New("remote.url and remote.api_key are required (DEALERSYNC_REMOTE_URL, DEALERSYNC_REMOTE_API_KEY)")
	}
	return nil
}

// RemoteClientConfig converts the remote settings for remote.NewHTTPClient.
func (c *Config) RemoteClientConfig() remote.Config {
	return remote.Config{
		URL:                  c.Remote.URL,
		APIKey:               c.Remote.APIKey,
		AccessToken:          c.Remote.AccessToken,
		Timeout:              c.Remote.Timeout,
		MaxRetries:           c.Remote.MaxRetries,
		RetryInitialInterval: c.Remote.RetryInitialInterval,
		RetryMaxInterval:     c.Remote.RetryMaxInterval,
	}
}

// RetryPolicy converts the queue settings.
func (c *Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		InitialInterval: c.Queue.InitialInterval,
		MaxInterval:     c.Queue.MaxInterval,
		Multiplier:      c.Queue.Multiplier,
		Jitter:          c.Queue.Jitter,
		MaxAttempts:     c.Queue.MaxAttempts,
	}
}
