// Package main is the entry point for the ledger risk service.
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

	"ledger-risk/internal/api"
	"ledger-risk/internal/api/dashboard"
	"ledger-risk/internal/api/reports"
	"ledger-risk/internal/cache"
	"ledger-risk/internal/config"
	"ledger-risk/internal/correlation"
	apierrors "ledger-risk/internal/errors"
	"ledger-risk/internal/feed"
	"ledger-risk/internal/kafka"
	"ledger-risk/internal/ledger"
	"ledger-risk/internal/logging"
	"ledger-risk/internal/middleware"
	"ledger-risk/internal/report"
	"ledger-risk/internal/storage"
	"ledger-risk/internal/storage/postgres"
)

// backend is the ledger surface the service needs from a storage driver.
type backend interface {
	ledger.Accessor
	ledger.StatsProvider
	ledger.RecentProvider
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging)

	engineCfg, err := cfg.Engine.Correlation()
	if err != nil {
		logger.Error("invalid engine config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_driver", cfg.Storage.Driver,
		"engine_mode", engineCfg.Mode,
		"threshold", engineCfg.Window.Threshold.String(),
		"feed_enabled", cfg.Feed.Enabled,
		"cache_enabled", cfg.Cache.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
	)

	if cfg.Auth.Enabled {
		keys := make([]string, len(cfg.Auth.APIKeys))
		for i, k := range cfg.Auth.APIKeys {
			keys[i] = logging.MaskAPIKey(k)
		}
		logger.Info("api key auth enabled", "header", cfg.Auth.APIKeyHeader, "keys", keys)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		store      backend
		pinger     api.Pinger
		persister  feed.Persister
		quarantine feed.Quarantine
		chClient   *storage.ClickHouseClient
		writer     *storage.LedgerWriter
		pgLedger   *postgres.Ledger
	)

	switch cfg.Storage.Driver {
	case config.DriverClickHouse:
		logger.Info("initializing ClickHouse ledger",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		if cfg.Storage.AutoMigrate {
			if err := chClient.EnsureDatabase(ctx); err != nil {
				logger.Error("failed to ensure database", "error", err)
				os.Exit(1)
			}
			applied, err := storage.NewMigrator(chClient).Run(ctx)
			if err != nil {
				logger.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations complete", "applied", applied)
			storage.ApplyRetention(ctx, chClient, cfg.Storage.Retention)
		}
		chLedger := storage.NewLedger(chClient)
		store, pinger = chLedger, chLedger
		writer = storage.NewLedgerWriter(chClient, cfg.Storage.Writer)
		persister = writer
		quarantine = storage.NewQuarantineWriter(chClient)

	case config.DriverPostgres:
		logger.Info("initializing PostgreSQL ledger",
			"host", cfg.Storage.Postgres.Host,
			"database", cfg.Storage.Postgres.Database,
		)
		pgLedger, err = postgres.Open(ctx, cfg.Storage.Postgres)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		if cfg.Storage.AutoMigrate {
			if err := pgLedger.EnsureSchema(ctx); err != nil {
				logger.Error("failed to ensure schema", "error", err)
				os.Exit(1)
			}
		}
		store, pinger = pgLedger, pgLedger
		// The PostgreSQL ledger is owned by the system of record; feed
		// events only reach the index.

	default:
		logger.Warn("using in-memory ledger; data is lost on restart")
		mem := ledger.NewMemoryLedger()
		store = mem
		persister = mem
	}

	// Engine and query façade
	engine := correlation.NewEngine(store, engineCfg)
	engine.Start(ctx)
	service := report.NewService(engine, store, cfg.Report)

	// Response cache
	responses := newResponseCache(ctx, cfg.Cache, logger)

	// Ledger feed
	var consumer *kafka.Consumer
	var feedHandler *feed.Handler
	if cfg.Feed.Enabled {
		consumer, feedHandler = startFeed(ctx, cfg, engine, persister, quarantine, logger)
	}

	// HTTP
	sanitizer := apierrors.NewSanitizer(cfg.Server.Production)
	router := api.NewRouter()
	health := api.NewHealth(pinger, engine, logger)
	if consumer != nil {
		health.AddCheck("feed", func(ctx context.Context) error {
			if st := consumer.HealthCheck(ctx); !st.Healthy {
				return fmt.Errorf("kafka: %s", st.Error)
			}
			return nil
		})
	}
	health.RegisterRoutes(router)
	reports.NewHandler(service, logger,
		reports.WithCache(responses),
		reports.WithSanitizer(sanitizer),
		reports.WithMaxBody(cfg.Server.MaxBodyBytes),
	).RegisterRoutes(router)
	dashboard.NewAPI(store, engineCfg.Window.Threshold, responses, sanitizer, logger).RegisterRoutes(router)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, logger)
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.Handler(router, api.Options{
			Auth:            cfg.Auth,
			CORS:            cfg.CORS,
			SecurityHeaders: cfg.SecurityHeaders,
			RateLimiter:     limiter,
			Logger:          logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting risk server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if limiter != nil {
		limiter.Stop()
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("feed consumer stop error", "error", err)
		}
		applied, quarantined := feedHandler.Counts()
		m := consumer.GetMetrics()
		logger.Info("feed metrics",
			"applied", applied,
			"quarantined", quarantined,
			"consumed", m.MessagesConsumed,
			"errors", m.Errors,
			"last_offset", m.LastOffset,
		)
	}

	cancel()
	engine.Stop()

	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("ledger writer close error", "error", err)
		}
		m := writer.Metrics()
		logger.Info("storage metrics", "written", m.Written, "failed", m.Failed, "batches", m.Batches)
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}
	if pgLedger != nil {
		pgLedger.Close()
	}
	if responses != nil {
		if err := responses.Close(); err != nil {
			logger.Error("cache close error", "error", err)
		}
	}

	logger.Info("shutdown complete", "engine", engine.Stats())
}

// newResponseCache connects to Redis, falling back to a process-local store
// when Redis is unreachable. It returns nil when caching is disabled.
func newResponseCache(ctx context.Context, cfg cache.Config, logger *slog.Logger) *cache.Responses {
	if !cfg.Enabled {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout+time.Second)
	defer cancel()

	redisStore, err := cache.NewRedisStore(dialCtx, cfg)
	if err != nil {
		logger.Warn("redis unavailable, using in-process cache", "addr", cfg.Addr, "error", err)
		return cache.NewResponses(cache.NewMemoryStore(), cfg, logger)
	}
	logger.Info("redis cache connected", "addr", cfg.Addr, "db", cfg.DB)
	return cache.NewResponses(redisStore, cfg, logger)
}

// startFeed subscribes the engine to the Kafka ledger topic. Failures are
// fatal since a maintained index without its feed silently goes stale.
func startFeed(
	ctx context.Context,
	cfg *config.Config,
	engine *correlation.Engine,
	persister feed.Persister,
	quarantine feed.Quarantine,
	logger *slog.Logger,
) (*kafka.Consumer, *feed.Handler) {
	if err := kafka.EnsureTopic(ctx, cfg.Feed.Kafka, logger); err != nil {
		logger.Warn("could not ensure feed topic", "topic", cfg.Feed.Kafka.Topic, "error", err)
	}

	var opts []feed.HandlerOption
	if cfg.Feed.Persist && persister != nil {
		opts = append(opts, feed.WithPersister(persister))
	}
	if cfg.Feed.Quarantine && quarantine != nil {
		opts = append(opts, feed.WithQuarantine(quarantine))
	}
	handler := feed.NewHandler(engine, feed.NewValidator(cfg.Feed.MaxFuture), logger, opts...)

	consumer, err := kafka.NewConsumer(cfg.Feed.Kafka, handler.Handle, logger)
	if err != nil {
		logger.Error("failed to create feed consumer", "error", err)
		os.Exit(1)
	}
	if err := consumer.StartAsync(); err != nil {
		logger.Error("failed to start feed consumer", "error", err)
		os.Exit(1)
	}
	return consumer, handler
}
