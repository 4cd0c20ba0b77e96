// Package config provides configuration management for rollchain.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when a value is unset.
const (
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 50
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 28
	defaultSourceTimeout     = "30s"
	defaultStoragePath       = "rollchain.db"
	defaultCacheTTL          = "5m"
	defaultMaxFallbackStarts = 3
	defaultHistoricalSources = 3
	defaultHistorySources    = 12
	defaultHistoryTimeout    = "10s"
	defaultInterval          = "15m"
	defaultWorkers           = 4
	defaultRunTimeout        = "5m"
	defaultInitialBackoff    = "1s"
	defaultMaxBackoff        = "5m"
	defaultMaxAttempts       = 3
	defaultPort              = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Detection   DetectionConfig   `yaml:"detection"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Retry       RetryConfig       `yaml:"retry"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines logging settings.
type EnvironmentConfig struct {
	LogLevel      string `yaml:"log_level"` // debug | info | warn | error
	LogFile       string `yaml:"log_file"`  // optional rotating file, in addition to stdout
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// SourceConfig defines where raw orders come from.
type SourceConfig struct {
	Provider          string  `yaml:"provider"` // file | http
	Path              string  `yaml:"path"`     // directory of <user>.json exports
	BaseURL           string  `yaml:"base_url"`
	APIToken          string  `yaml:"api_token"`
	Timeout           string  `yaml:"timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 disables limiting
	Burst             int     `yaml:"burst"`
}

// StorageConfig defines the SQLite database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig defines how long fetched orders are reused.
type CacheConfig struct {
	TTL string `yaml:"ttl"`
}

// DetectionConfig tunes chain detection.
type DetectionConfig struct {
	FormSourceTags    []string `yaml:"form_source_tags"`
	MaxFallbackStarts int      `yaml:"max_fallback_starts"`
	HistoricalSources int      `yaml:"historical_sources"`
	HistorySources    int      `yaml:"history_sources"`
	HistoryTimeout    string   `yaml:"history_timeout"`
	MaxIterations     int      `yaml:"max_iterations"`
}

// SchedulerConfig defines periodic runs.
type SchedulerConfig struct {
	Interval   string   `yaml:"interval"`
	Workers    int      `yaml:"workers"`
	RunTimeout string   `yaml:"run_timeout"`
	Users      []string `yaml:"users"`
}

// RetryConfig defines backoff for failed fetches and runs.
type RetryConfig struct {
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	MaxAttempts    int    `yaml:"max_attempts"`
}

// ServerConfig defines the HTTP control surface.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns a normalized configuration reading exports from dir.
func Default(dir string) *Config {
	c := &Config{Source: SourceConfig{Provider: "file", Path: dir}}
	c.normalize()
	return c
}

// normalize sets default values for unset fields
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = defaultLogLevel
	}
	c.Environment.LogLevel = strings.ToLower(c.Environment.LogLevel)
	if c.Environment.LogMaxSizeMB == 0 {
		c.Environment.LogMaxSizeMB = defaultLogMaxSizeMB
	}
	if c.Environment.LogMaxBackups == 0 {
		c.Environment.LogMaxBackups = defaultLogMaxBackups
	}
	if c.Environment.LogMaxAgeDays == 0 {
		c.Environment.LogMaxAgeDays = defaultLogMaxAgeDays
	}

	if c.Source.Provider == "" {
		c.Source.Provider = "file"
	}
	c.Source.Provider = strings.ToLower(c.Source.Provider)
	if c.Source.Timeout == "" {
		c.Source.Timeout = defaultSourceTimeout
	}
	if c.Source.Burst == 0 {
		c.Source.Burst = 1
	}

	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = defaultCacheTTL
	}

	if c.Detection.MaxFallbackStarts == 0 {
		c.Detection.MaxFallbackStarts = defaultMaxFallbackStarts
	}
	if c.Detection.HistoricalSources == 0 {
		c.Detection.HistoricalSources = defaultHistoricalSources
	}
	if c.Detection.HistorySources == 0 {
		c.Detection.HistorySources = max(defaultHistorySources, c.Detection.HistoricalSources)
	}
	if c.Detection.HistoryTimeout == "" {
		c.Detection.HistoryTimeout = defaultHistoryTimeout
	}

	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = defaultInterval
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = defaultWorkers
	}
	if c.Scheduler.RunTimeout == "" {
		c.Scheduler.RunTimeout = defaultRunTimeout
	}

	if c.Retry.InitialBackoff == "" {
		c.Retry.InitialBackoff = defaultInitialBackoff
	}
	if c.Retry.MaxBackoff == "" {
		c.Retry.MaxBackoff = defaultMaxBackoff
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}

	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogMaxSizeMB < 0 || c.Environment.LogMaxBackups < 0 || c.Environment.LogMaxAgeDays < 0 {
		return fmt.Errorf("environment log rotation limits must be >= 0")
	}

	switch c.Source.Provider {
	case "file":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for the file provider")
		}
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url is required for the http provider")
		}
	default:
		return fmt.Errorf("source.provider must be 'file' or 'http'")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source.requests_per_second must be >= 0")
	}
	if c.Source.Burst < 1 {
		return fmt.Errorf("source.burst must be >= 1")
	}

	if c.Detection.MaxFallbackStarts < 0 {
		return fmt.Errorf("detection.max_fallback_starts must be >= 0")
	}
	if c.Detection.HistoricalSources < 0 {
		return fmt.Errorf("detection.historical_sources must be >= 0")
	}
	if c.Detection.HistorySources < c.Detection.HistoricalSources {
		return fmt.Errorf("detection.history_sources (%d) must be >= detection.historical_sources (%d)",
			c.Detection.HistorySources, c.Detection.HistoricalSources)
	}
	if c.Detection.MaxIterations < 0 {
		return fmt.Errorf("detection.max_iterations must be >= 0")
	}

	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	seen := make(map[string]struct{}, len(c.Scheduler.Users))
	for _, u := range c.Scheduler.Users {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("scheduler.users must not contain empty ids")
		}
		if _, dup := seen[u]; dup {
			return fmt.Errorf("scheduler.users lists %q twice", u)
		}
		seen[u] = struct{}{}
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	durations := []struct {
		name  string
		value string
	}{
		{"source.timeout", c.Source.Timeout},
		{"cache.ttl", c.Cache.TTL},
		{"detection.history_timeout", c.Detection.HistoryTimeout},
		{"scheduler.interval", c.Scheduler.Interval},
		{"scheduler.run_timeout", c.Scheduler.RunTimeout},
		{"retry.initial_backoff", c.Retry.InitialBackoff},
		{"retry.max_backoff", c.Retry.MaxBackoff},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", d.name)
		}
	}
	if c.RetryMaxBackoff() < c.RetryInitialBackoff() {
		return fmt.Errorf("retry.max_backoff (%s) must be >= retry.initial_backoff (%s)",
			c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	if c.Interval() <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}

	return nil
}

func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SourceTimeout returns the per-request timeout of the http source.
func (c *Config) SourceTimeout() time.Duration { return duration(c.Source.Timeout, 30*time.Second) }

// CacheTTL returns how long fetched orders stay cached.
func (c *Config) CacheTTL() time.Duration { return duration(c.Cache.TTL, 5*time.Minute) }

// HistoryTimeout returns the bound on one historical lookup.
func (c *Config) HistoryTimeout() time.Duration {
	return duration(c.Detection.HistoryTimeout, 10*time.Second)
}

// Interval returns the scheduler period.
func (c *Config) Interval() time.Duration { return duration(c.Scheduler.Interval, 15*time.Minute) }

// RunTimeout returns the per-run deadline.
func (c *Config) RunTimeout() time.Duration { return duration(c.Scheduler.RunTimeout, 5*time.Minute) }

func (c *Config) RetryInitialBackoff() time.Duration {
	return duration(c.Retry.InitialBackoff, time.Second)
}

func (c *Config) RetryMaxBackoff() time.Duration { return duration(c.Retry.MaxBackoff, 5*time.Minute) }
