// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Headless HeadlessConfig `mapstructure:"headless"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects the persistence backend for jobs, cache entries, and
// sessions.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ScrapeConfig sets the default scrape options callers can override per
// request.
type ScrapeConfig struct {
	Format          string `mapstructure:"format"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	RetryCount      int    `mapstructure:"retry_count"`
	RetryDelayMs    int    `mapstructure:"retry_delay_ms"`
	UserAgent       string `mapstructure:"user_agent"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	BatchCeiling    int64  `mapstructure:"batch_ceiling"`
}

// CrawlConfig sets the default crawl rules.
type CrawlConfig struct {
	MaxDepth           int  `mapstructure:"max_depth"`
	MaxPages           int  `mapstructure:"max_pages"`
	MaxDurationSeconds int  `mapstructure:"max_duration_seconds"`
	DelayMs            int  `mapstructure:"delay_ms"`
	ConcurrentRequests int  `mapstructure:"concurrent_requests"`
	AllowSubdomains    bool `mapstructure:"allow_subdomains"`
}

// JobsConfig governs the worker pool.
type JobsConfig struct {
	Workers        int    `mapstructure:"workers"`
	IdlePollMs     int    `mapstructure:"idle_poll_ms"`
	RetentionHours int    `mapstructure:"retention_hours"`
	Topic          string `mapstructure:"topic"`
}

// SessionsConfig governs the session registry.
type SessionsConfig struct {
	IdleTimeoutMinutes   int `mapstructure:"idle_timeout_minutes"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// HeadlessConfig configures the browser-backed fetch client.
type HeadlessConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxParallel    int  `mapstructure:"max_parallel"`
	NavTimeoutSec  int  `mapstructure:"nav_timeout_seconds"`
	ViewportWidth  int  `mapstructure:"viewport_width"`
	ViewportHeight int  `mapstructure:"viewport_height"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects where crawl dumps are archived.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
}

// Load builds a Config from disk/environment. Environment variables use the
// TRAWLER_ prefix with underscores for section separators.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("scrape.format", "markdown")
	v.SetDefault("scrape.timeout_seconds", 30)
	v.SetDefault("scrape.retry_count", 3)
	v.SetDefault("scrape.retry_delay_ms", 1000)
	v.SetDefault("scrape.user_agent", "Trawler/1.0")
	v.SetDefault("scrape.cache_ttl_seconds", 3600)
	v.SetDefault("scrape.batch_ceiling", 10)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_pages", 100)
	v.SetDefault("crawl.max_duration_seconds", 3600)
	v.SetDefault("crawl.delay_ms", 1000)
	v.SetDefault("crawl.concurrent_requests", 5)
	v.SetDefault("crawl.allow_subdomains", true)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.idle_poll_ms", 1000)
	v.SetDefault("jobs.retention_hours", 24)
	v.SetDefault("jobs.topic", "trawler.jobs")
	v.SetDefault("sessions.idle_timeout_minutes", 30)
	v.SetDefault("sessions.sweep_interval_minutes", 5)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.viewport_width", 1920)
	v.SetDefault("headless.viewport_height", 1080)
	v.SetDefault("archive.backend", "memory")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres, got %q", c.Store.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	switch c.Archive.Backend {
	case "", "memory":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend must be memory or gcs, got %q", c.Archive.Backend)
	}
	return nil
}

// ScrapeDefaults converts the scrape section into domain defaults.
func (c Config) ScrapeDefaults() trawler.ScrapeOptions {
	opts := trawler.DefaultScrapeOptions()
	if c.Scrape.Format != "" {
		opts.Format = c.Scrape.Format
	}
	if c.Scrape.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(c.Scrape.TimeoutSeconds) * time.Second
	}
	if c.Scrape.RetryCount > 0 {
		opts.RetryCount = c.Scrape.RetryCount
	}
	if c.Scrape.RetryDelayMs > 0 {
		opts.RetryDelay = time.Duration(c.Scrape.RetryDelayMs) * time.Millisecond
	}
	if c.Scrape.UserAgent != "" {
		opts.UserAgent = c.Scrape.UserAgent
	}
	if c.Scrape.CacheTTLSeconds > 0 {
		opts.CacheTTL = time.Duration(c.Scrape.CacheTTLSeconds) * time.Second
	}
	opts.Headless = c.Headless.Enabled
	return opts
}

// CrawlDefaults converts the crawl section into domain defaults.
func (c Config) CrawlDefaults() trawler.CrawlRules {
	rules := trawler.DefaultCrawlRules()
	if c.Crawl.MaxDepth > 0 {
		rules.MaxDepth = c.Crawl.MaxDepth
	}
	if c.Crawl.MaxPages > 0 {
		rules.MaxPages = c.Crawl.MaxPages
	}
	if c.Crawl.MaxDurationSeconds > 0 {
		rules.MaxDuration = time.Duration(c.Crawl.MaxDurationSeconds) * time.Second
	}
	if c.Crawl.DelayMs > 0 {
		rules.Delay = time.Duration(c.Crawl.DelayMs) * time.Millisecond
	}
	if c.Crawl.ConcurrentRequests > 0 {
		rules.ConcurrentRequests = c.Crawl.ConcurrentRequests
	}
	rules.AllowSubdomains = c.Crawl.AllowSubdomains
	return rules
}

// JobRetention is the terminal-job retention window.
func (c Config) JobRetention() time.Duration {
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}
