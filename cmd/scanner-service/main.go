package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"ticketing/scanner-service/internal/cache"
	"ticketing/scanner-service/internal/config"
	"ticketing/scanner-service/internal/httpapi"
	"ticketing/scanner-service/internal/kafka"
	"ticketing/scanner-service/internal/relay"
	"ticketing/scanner-service/internal/store"
	"ticketing/scanner-service/internal/store/postgres"
	"ticketing/scanner-service/internal/store/sqldb"
	"ticketing/scanner-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "scanner-service"

type backend interface {
	store.ScannerStore
	store.OutboxStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("scanner-service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	options := httpapi.Options{
		Location:       cfg.Location,
		ConfigWindow:   cfg.ConfigWindow(),
		MaxBatchSize:   cfg.MaxBatchSize,
		DashboardToken: cfg.DashboardToken,
		FeedOverlap:    cfg.FeedOverlap,
		Logger:         logger,
	}
	if cfg.RedisAddr != "" {
		catalogCache, err := cache.NewCatalogCache(ctx, cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CatalogCacheTTL,
		})
		if err != nil {
			// The catalog is served straight from the store without it.
			logger.Warn("catalog cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer catalogCache.Close()
			options.Cache = catalogCache
		}
	}
	if cfg.DashboardToken == "" {
		logger.Warn("DASHBOARD_TOKEN not set, dashboard routes are closed")
	}

	handler := httpapi.NewHandler(st, options)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		DevicePerMinute:   cfg.DeviceRateLimitPerMinute,
		DeviceBurst:       cfg.DeviceRateLimitBurst,
		TrustForwardedFor: cfg.TrustForwardedFor,
	})
	routes := httpapi.RequestID(httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes())))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(routes, serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("scanner-service listening", "addr", server.Addr, "store", cfg.StoreDriver, "timezone", cfg.Location.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 && cfg.RelayInterval() > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		worker := relay.New(st, publisher, relay.Config{BatchSize: cfg.RelayBatchSize, SettleAfter: cfg.RelaySettle}, logger)
		group.Go(func() error {
			logger.Info("outbox relay started", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
			relay.Start(groupCtx, cfg.RelayInterval(), worker)
			return nil
		})
	}

	return group.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DB_DSN is required")
	}
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.NewStore(pool, postgres.Options{}), pool.Close, nil
	default:
		st, err := sqldb.Open(ctx, sqldb.Dialect(cfg.StoreDriver), cfg.DatabaseURL, sqldb.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("close store", "error", err)
			}
		}, nil
	}
}
