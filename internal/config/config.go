// Package config loads and validates the collector's configuration from the
// environment. A .env file, when present, is loaded by the entrypoint via
// godotenv before this package reads anything.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tapelab/go-feed-collector/internal/models"
)

// Config is the complete application configuration.
type Config struct {
	Storage   StorageConfig
	Feed      FeedConfig
	Collector CollectorConfig
	Server    ServerConfig
	Logging   LoggingConfig
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Type is "postgres", "duckdb", or "memory".
	Type string

	// DatabaseURL is the Postgres connection string (postgres) or the
	// database file path (duckdb, ":memory:" allowed).
	DatabaseURL string
}

// FeedConfig configures the upstream market-data API client.
type FeedConfig struct {
	BaseURL           string
	Token             string
	MaxAttempts       int
	BackoffBase       time.Duration
	RequestsPerSecond int
}

// CollectorConfig configures run windows and schedules.
type CollectorConfig struct {
	// Lookback bounds the first incremental window when no watermark
	// exists.
	Lookback time.Duration

	// PageSize is the per-page record limit requested upstream.
	PageSize int

	// MaxPages caps pages per run.
	MaxPages int

	// RunTimeout bounds a single run.
	RunTimeout time.Duration

	// Intervals is the poll interval per entity type.
	Intervals map[models.EntityType]time.Duration
}

// ServerConfig configures the operator HTTP surface.
type ServerConfig struct {
	Addr string
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	FilePath string // when set, logs rotate to this file as well as stderr
	MaxSize  int    // MB per log file
	Backups  int
	MaxAge   int // days
}

// Load reads configuration from the environment, applying defaults for
// anything unset, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "postgres"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Feed: FeedConfig{
			BaseURL:           getEnv("FEED_BASE_URL", ""),
			Token:             getEnv("FEED_TOKEN", ""),
			MaxAttempts:       getInt("FEED_MAX_ATTEMPTS", 3),
			BackoffBase:       getDuration("FEED_BACKOFF_BASE", 500*time.Millisecond),
			RequestsPerSecond: getInt("FEED_REQUESTS_PER_SECOND", 5),
		},
		Collector: CollectorConfig{
			Lookback:   getDuration("COLLECTOR_LOOKBACK", 15*time.Minute),
			PageSize:   getInt("COLLECTOR_PAGE_SIZE", 500),
			MaxPages:   getInt("COLLECTOR_MAX_PAGES", 50),
			RunTimeout: getDuration("COLLECTOR_RUN_TIMEOUT", 10*time.Minute),
			Intervals: map[models.EntityType]time.Duration{
				models.EntityDarkpoolTrades: getDuration("DARKPOOL_POLL_INTERVAL", 1*time.Minute),
				models.EntityNewsHeadlines:  getDuration("NEWS_POLL_INTERVAL", 2*time.Minute),
			},
		},
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			FilePath: getEnv("LOG_FILE_PATH", ""),
			MaxSize:  getInt("LOG_MAX_SIZE", 100),
			Backups:  getInt("LOG_MAX_BACKUPS", 3),
			MaxAge:   getInt("LOG_MAX_AGE", 28),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the collector cannot run
// with. Validation failures here are operator errors, not transient ones.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "postgres", "duckdb":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for storage type %q", c.Storage.Type)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage type %q (want postgres, duckdb, or memory)", c.Storage.Type)
	}

	if c.Feed.BaseURL == "" {
		return fmt.Errorf("FEED_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Feed.BaseURL, "http://") && !strings.HasPrefix(c.Feed.BaseURL, "https://") {
		return fmt.Errorf("FEED_BASE_URL must be an http(s) URL, got %q", c.Feed.BaseURL)
	}

	if c.Collector.Lookback <= 0 {
		return fmt.Errorf("collector lookback must be positive, got %s", c.Collector.Lookback)
	}
	if c.Collector.PageSize <= 0 {
		return fmt.Errorf("collector page size must be positive, got %d", c.Collector.PageSize)
	}
	if c.Collector.MaxPages <= 0 {
		return fmt.Errorf("collector max pages must be positive, got %d", c.Collector.MaxPages)
	}
	for entity, interval := range c.Collector.Intervals {
		if interval <= 0 {
			return fmt.Errorf("poll interval for %s must be positive, got %s", entity, interval)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}
