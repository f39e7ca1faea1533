// Package config defines the resilience layer configuration: the ordered
// cache pattern table, the cache importance map, the build version, and
// timing tunables. Files load via viper; Default covers the journaling
// app's deployment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// PatternConfig declares cache behavior for one URL pattern. Order in the
// Patterns list is significant: the first matching pattern wins.
type PatternConfig struct {
	Path        string        `mapstructure:"path"`
	TTL         time.Duration `mapstructure:"ttl"`
	Methods     []string      `mapstructure:"methods"`
	Invalidates []string      `mapstructure:"invalidates"`
}

// ImportanceConfig maps a cache name prefix to an eviction priority.
// Rules are evaluated in order; unmapped caches default to low.
type ImportanceConfig struct {
	Prefix string `mapstructure:"prefix"`
	Level  string `mapstructure:"level"`
}

// BackoffConfig holds sync retry timing.
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter time.Duration `mapstructure:"jitter"`
}

// QuotaConfig holds the storage monitoring thresholds and schedule.
type QuotaConfig struct {
	WarnThreshold     float64 `mapstructure:"warn_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
	MonitorSchedule   string  `mapstructure:"monitor_schedule"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config is the full resilience layer configuration.
type Config struct {
	// Version is the build/release version embedded in cache names.
	Version string `mapstructure:"version"`

	Patterns   []PatternConfig    `mapstructure:"patterns"`
	Importance []ImportanceConfig `mapstructure:"importance"`
	Backoff    BackoffConfig      `mapstructure:"backoff"`
	Quota      QuotaConfig        `mapstructure:"quota"`
	Logging    LoggingConfig      `mapstructure:"logging"`

	// FetchTimeout bounds every network call used for refresh or retry.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// MaxRetries is the retry budget for queued mutating requests.
	MaxRetries int `mapstructure:"max_retries"`
}

// Default returns the configuration shipped with the journaling app.
func Default() *Config {
	return &Config{
		Version: "v1",
		Patterns: []PatternConfig{
			{
				Path:        "/api/diaries",
				TTL:         5 * time.Minute,
				Methods:     []string{"GET"},
				Invalidates: []string{"/api/diaries/messages", "/api/actions/[action]"},
			},
			{
				Path:    "/api/diaries/[date]",
				TTL:     10 * time.Minute,
				Methods: []string{"GET"},
			},
			{
				Path:    "/api/diaries/messages",
				TTL:     2 * time.Minute,
				Methods: []string{"GET"},
			},
			{
				Path:    "/api/user/profile",
				TTL:     30 * time.Minute,
				Methods: []string{"GET"},
			},
		},
		Importance: []ImportanceConfig{
			{Prefix: "terase-pages", Level: "critical"},
			{Prefix: "terase-api", Level: "high"},
			{Prefix: "terase-audio", Level: "high"},
			{Prefix: "terase-static", Level: "medium"},
		},
		Backoff: BackoffConfig{
			Base:   1 * time.Second,
			Max:    60 * time.Second,
			Jitter: 1 * time.Second,
		},
		Quota: QuotaConfig{
			WarnThreshold:     0.8,
			CriticalThreshold: 0.9,
			MonitorSchedule:   "@every 5m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		FetchTimeout: 8 * time.Second,
		MaxRetries:   3,
	}
}

// Load reads a config file into a Config, starting from defaults so a
// partial file only overrides what it names.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.New("version cannot be empty")
	}

	for i, p := range c.Patterns {
		if p.Path == "" {
			return fmt.Errorf("patterns[%d]: path cannot be empty", i)
		}
		if p.TTL <= 0 {
			return fmt.Errorf("patterns[%d] (%s): ttl must be positive", i, p.Path)
		}
		if len(p.Methods) == 0 {
			return fmt.Errorf("patterns[%d] (%s): methods cannot be empty", i, p.Path)
		}
	}

	for i, imp := range c.Importance {
		if imp.Prefix == "" {
			return fmt.Errorf("importance[%d]: prefix cannot be empty", i)
		}
		switch imp.Level {
		case "critical", "high", "medium", "low":
		default:
			return fmt.Errorf("importance[%d] (%s): unknown level %q", i, imp.Prefix, imp.Level)
		}
	}

	if c.Backoff.Base <= 0 {
		return errors.New("backoff base must be positive")
	}
	if c.Backoff.Max < c.Backoff.Base {
		return errors.New("backoff max must be >= base")
	}

	if c.Quota.WarnThreshold <= 0 || c.Quota.WarnThreshold >= 1 {
		return errors.New("quota warn_threshold must be within (0, 1)")
	}
	if c.Quota.CriticalThreshold <= c.Quota.WarnThreshold || c.Quota.CriticalThreshold > 1 {
		return errors.New("quota critical_threshold must be within (warn_threshold, 1]")
	}

	if c.FetchTimeout <= 0 {
		return errors.New("fetch_timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return errors.New("max_retries must be positive")
	}
	return nil
}

// CacheName builds a versioned cache name like "terase-api-v1".
func (c *Config) CacheName(kind string) string {
	return "terase-" + kind + "-" + c.Version
}
