// Package main generates a synthetic ledger and loads it into ClickHouse,
// PostgreSQL or the Kafka ledger feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/config"
	"ledger-risk/internal/feed"
	"ledger-risk/internal/kafka"
	"ledger-risk/internal/logging"
	"ledger-risk/internal/seed"
	"ledger-risk/internal/storage"
	"ledger-risk/internal/storage/postgres"
)

const publishBatch = 500

func main() {
	defaults := seed.DefaultConfig()
	var (
		target    string
		threshold string
		maxLarge  string
		span      time.Duration
		cfg       = defaults
	)

	flag.StringVar(&target, "target", "", "Destination: clickhouse, postgres or kafka (default storage.driver)")
	flag.IntVar(&cfg.Accounts, "accounts", defaults.Accounts, "Number of accounts")
	flag.IntVar(&cfg.Logins, "logins", defaults.Logins, "Number of logins")
	flag.IntVar(&cfg.Transactions, "transactions", defaults.Transactions, "Number of random transfers")
	flag.IntVar(&cfg.Chains, "chains", 25, "Number of planted pass-through chains")
	flag.Float64Var(&cfg.LargeRatio, "large-ratio", defaults.LargeRatio, "Share of large transfers")
	flag.StringVar(&threshold, "threshold", defaults.Threshold.String(), "Large transfer threshold")
	flag.StringVar(&maxLarge, "max-large", defaults.MaxLarge.String(), "Largest generated amount")
	flag.DurationVar(&span, "span", defaults.Span, "How far back generated activity reaches")
	flag.Uint64Var(&cfg.Seed, "seed", defaults.Seed, "Random seed")
	flag.Parse()
	cfg.Span = span

	appCfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(appCfg.Logging)

	if cfg.Threshold, err = decimal.NewFromString(threshold); err != nil {
		logger.Error("invalid threshold", "value", threshold)
		os.Exit(2)
	}
	if cfg.MaxLarge, err = decimal.NewFromString(maxLarge); err != nil {
		logger.Error("invalid max-large", "value", maxLarge)
		os.Exit(2)
	}
	if target == "" {
		target = appCfg.Storage.Driver
	}

	now := time.Now().UTC()
	ds, err := seed.Generate(cfg, now)
	if err != nil {
		logger.Error("failed to generate ledger", "error", err)
		os.Exit(2)
	}
	logger.Info("ledger generated",
		"accounts", len(ds.Accounts),
		"logins", len(ds.Logins),
		"transactions", len(ds.Transactions),
		"chains", cfg.Chains,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	switch target {
	case config.DriverClickHouse:
		err = loadClickHouse(ctx, appCfg, ds, logger)
	case config.DriverPostgres:
		err = loadPostgres(ctx, appCfg, ds)
	case "kafka":
		err = publish(ctx, appCfg, ds, now, logger)
	default:
		err = fmt.Errorf("unsupported target %q", target)
	}
	if err != nil {
		logger.Error("seed failed", "target", target, "error", err)
		os.Exit(1)
	}
	logger.Info("seed complete", "target", target, "elapsed", time.Since(start).String())
}

func loadClickHouse(ctx context.Context, cfg *config.Config, ds *seed.Dataset, logger *slog.Logger) error {
	client, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.EnsureDatabase(ctx); err != nil {
		return err
	}
	applied, err := storage.NewMigrator(client).Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", "applied", applied)

	writer := storage.NewLedgerWriter(client, cfg.Storage.Writer)
	if err := ds.WriteTo(writer); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	m := writer.Metrics()
	logger.Info("ledger writer flushed", "written", m.Written, "failed", m.Failed, "batches", m.Batches)
	if m.Failed > 0 {
		return fmt.Errorf("%d rows failed to write", m.Failed)
	}
	return nil
}

func loadPostgres(ctx context.Context, cfg *config.Config, ds *seed.Dataset) error {
	l, err := postgres.Open(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.EnsureSchema(ctx); err != nil {
		return err
	}
	return l.Import(ctx, ds.Accounts, ds.Transactions, ds.Logins)
}

func publish(ctx context.Context, cfg *config.Config, ds *seed.Dataset, now time.Time, logger *slog.Logger) error {
	if err := kafka.EnsureTopic(ctx, cfg.Feed.Kafka, logger); err != nil {
		logger.Warn("could not ensure feed topic", "topic", cfg.Feed.Kafka.Topic, "error", err)
	}
	producer, err := kafka.NewProducer(cfg.Feed.Kafka, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	pub := feed.NewPublisher(producer)
	envs := ds.Envelopes(now)
	for i := 0; i < len(envs); i += publishBatch {
		if err := pub.Publish(ctx, envs[i:min(i+publishBatch, len(envs))]...); err != nil {
			return fmt.Errorf("publish batch at %d: %w", i, err)
		}
	}
	m := producer.GetMetrics()
	logger.Info("feed published",
		"topic", cfg.Feed.Kafka.Topic,
		"events", len(envs),
		"bytes", m.Bytes,
		"retries", m.Retries,
	)
	return nil
}
