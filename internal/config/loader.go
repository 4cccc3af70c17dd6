package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEALERSYNC"

// FileName is the config file looked up when no path is given, without
// extension.
const FileName = "dealersync"

// Load reads configuration from configPath, or from dealersync.{yaml,toml}
// in the working directory or ~/.config/dealersync when configPath is empty.
// A missing file is only an error when configPath names it.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v, "", DefaultConfig().values())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "dealersync"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, prefix string, values map[string]any) {
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			setDefaults(v, prefix+key+".", nested)
			continue
		}
		v.SetDefault(prefix+key, value)
	}
}

// values returns c as the nested map written to config files. Durations are
// written in their string form so they read back through viper.
func (c *Config) values() map[string]any {
	return map[string]any{
		"dealer_id": c.DealerID,
		"database": map[string]any{
			"path": c.Database.Path,
		},
		"remote": map[string]any{
			"url":                    c.Remote.URL,
			"api_key":                c.Remote.APIKey,
			"access_token":           c.Remote.AccessToken,
			"timeout":                c.Remote.Timeout.String(),
			"max_retries":            c.Remote.MaxRetries,
			"retry_initial_interval": c.Remote.RetryInitialInterval.String(),
			"retry_max_interval":     c.Remote.RetryMaxInterval.String(),
		},
		"queue": map[string]any{
			"initial_interval": c.Queue.InitialInterval.String(),
			"max_interval":     c.Queue.MaxInterval.String(),
			"multiplier":       c.Queue.Multiplier,
			"jitter":           c.Queue.Jitter,
			"max_attempts":     c.Queue.MaxAttempts,
		},
		"sync": map[string]any{
			"push_batch_size": c.Sync.PushBatchSize,
			"success_linger":  c.Sync.SuccessLinger.String(),
			"failure_linger":  c.Sync.FailureLinger.String(),
		},
		"assets": map[string]any{
			"enabled":     c.Assets.Enabled,
			"bucket":      c.Assets.Bucket,
			"cache_dir":   c.Assets.CacheDir,
			"concurrency": c.Assets.Concurrency,
		},
		"daemon": map[string]any{
			"outbox_dir":        c.Daemon.OutboxDir,
			"pull_interval":     c.Daemon.PullInterval.String(),
			"debounce_interval": c.Daemon.DebounceInterval.String(),
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"addr":    c.Dashboard.Addr,
		},
		"logging": map[string]any{
			"level":        c.Logging.Level,
			"format":       c.Logging.Format,
			"file":         c.Logging.File,
			"max_size_mb":  c.Logging.MaxSizeMB,
			"max_backups":  c.Logging.MaxBackups,
			"max_age_days": c.Logging.MaxAgeDays,
		},
	}
}

// Marshal encodes c as YAML or TOML, chosen by the extension of path.
func (c *Config) Marshal(path string) ([]byte, error) {
	values := c.values()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(values); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(values); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported config extension %q (use .yaml, .yml or .toml)", ext)
	}
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	data, err := DefaultConfig().Marshal(path)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
