// Command feedcollector runs the market-data ingestion service: periodic
// collection of dark-pool trades and news headlines into the configured
// store, with an HTTP surface for operators.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tapelab/go-feed-collector/internal/config"
	"github.com/tapelab/go-feed-collector/internal/feed"
	"github.com/tapelab/go-feed-collector/internal/logger"
	"github.com/tapelab/go-feed-collector/internal/pipeline"
	"github.com/tapelab/go-feed-collector/internal/scheduler"
	"github.com/tapelab/go-feed-collector/internal/server"
	"github.com/tapelab/go-feed-collector/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "feedcollector: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	log := logger.New(cfg.Logging)
	log.Info("starting feed collector",
		"storage", cfg.Storage.Type,
		"feed_url", cfg.Feed.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("storage initialization: %w", err)
	}

	client := feed.NewClient(feed.ClientConfig{
		BaseURL:           cfg.Feed.BaseURL,
		Token:             cfg.Feed.Token,
		MaxAttempts:       cfg.Feed.MaxAttempts,
		BackoffBase:       cfg.Feed.BackoffBase,
		RequestsPerSecond: cfg.Feed.RequestsPerSecond,
		Logger:            log,
	})

	runner := pipeline.NewRunner(client, store, pipeline.RunnerConfig{
		Lookback: cfg.Collector.Lookback,
		PageSize: cfg.Collector.PageSize,
		MaxPages: cfg.Collector.MaxPages,
		Logger:   log,
	})

	sched := scheduler.New(runner, scheduler.Config{
		Intervals:  cfg.Collector.Intervals,
		RunTimeout: cfg.Collector.RunTimeout,
		Logger:     log,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	srv := server.New(cfg.Server.Addr, sched, store, client, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	sched.Stop()

	log.Info("feed collector stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.Storage.DatabaseURL, log)
	case "duckdb":
		return storage.NewDuckDBStore(cfg.Storage.DatabaseURL, log)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
