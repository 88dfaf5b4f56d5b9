package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DB_DSN"`

	Timezone         string `env:"APP_TIMEZONE" envDefault:"America/Lima"`
	ConfigWindowDays int    `env:"CONFIG_WINDOW_DAYS" envDefault:"2"`
	MaxBatchSize     int    `env:"MAX_BATCH_SIZE" envDefault:"500"`
	// FeedOverlap also caps how long a sync or override may take to commit.
	FeedOverlap time.Duration `env:"FEED_OVERLAP" envDefault:"30s"`

	// The IP bucket is shared by every door behind a venue NAT.
	RateLimitPerMinute       int  `env:"RATE_LIMIT_PER_MIN" envDefault:"1200"`
	RateLimitBurst           int  `env:"RATE_LIMIT_BURST" envDefault:"300"`
	DeviceRateLimitPerMinute int  `env:"DEVICE_RATE_LIMIT_PER_MIN" envDefault:"240"`
	DeviceRateLimitBurst     int  `env:"DEVICE_RATE_LIMIT_BURST" envDefault:"60"`
	TrustForwardedFor        bool `env:"TRUST_FORWARDED_FOR"`

	DashboardToken string `env:"DASHBOARD_TOKEN"`

	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB" envDefault:"0"`
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"30s"`

	KafkaBrokers         []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic           string        `env:"KAFKA_TOPIC" envDefault:"ticket-validations"`
	RelayIntervalSeconds int           `env:"RELAY_INTERVAL_SECONDS" envDefault:"5"`
	RelayBatchSize       int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	RelaySettle          time.Duration `env:"RELAY_SETTLE" envDefault:"1m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Location is resolved from Timezone by Load.
	Location *time.Location `env:"-"`
}

// Load reads the environment. It fails on values the service cannot run
// with rather than silently falling back.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("APP_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER %q: expected postgres, mysql or sqlite", cfg.StoreDriver)
	}
	if cfg.ConfigWindowDays < 0 {
		cfg.ConfigWindowDays = 0
	}
	if cfg.FeedOverlap < 0 {
		return Config{}, fmt.Errorf("FEED_OVERLAP %s: must not be negative", cfg.FeedOverlap)
	}
	// An outbox id skipped by the relay must have had two overlaps to commit.
	if cfg.RelaySettle < 2*cfg.FeedOverlap {
		return Config{}, fmt.Errorf("RELAY_SETTLE %s: must be at least twice FEED_OVERLAP (%s)", cfg.RelaySettle, cfg.FeedOverlap)
	}
	return cfg, nil
}

func (c Config) ConfigWindow() time.Duration {
	return time.Duration(c.ConfigWindowDays) * 24 * time.Hour
}

func (c Config) RelayInterval() time.Duration {
	if c.RelayIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RelayIntervalSeconds) * time.Second
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
