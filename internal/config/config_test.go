package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	unsetenv(t, "PORT", "STORE_DRIVER", "APP_TIMEZONE", "CONFIG_WINDOW_DAYS", "FEED_OVERLAP", "RELAY_SETTLE")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %s", cfg.StoreDriver)
	}
	if cfg.Location == nil || cfg.Location.String() != "America/Lima" {
		t.Fatalf("expected America/Lima, got %v", cfg.Location)
	}
	if cfg.ConfigWindow() != 48*time.Hour {
		t.Fatalf("expected 2 day window, got %v", cfg.ConfigWindow())
	}
	if cfg.FeedOverlap != 30*time.Second || cfg.RelaySettle != time.Minute {
		t.Fatalf("unexpected overlap %v settle %v", cfg.FeedOverlap, cfg.RelaySettle)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("APP_TIMEZONE", "UTC")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("CATALOG_CACHE_TTL", "1m")
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("expected sqlite, got %s", cfg.StoreDriver)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.CatalogCacheTTL != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", cfg.CatalogCacheTTL)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string][2]string{
		"timezone": {"APP_TIMEZONE", "Mars/Olympus"},
		"driver":   {"STORE_DRIVER", "oracle"},
		"integer":  {"MAX_BATCH_SIZE", "many"},
		"overlap":  {"FEED_OVERLAP", "-5s"},
		"settle":   {"RELAY_SETTLE", "45s"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}
