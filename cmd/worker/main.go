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

	"github.com/redis/go-redis/v9"

	"media-publisher/internal/config"
	"media-publisher/internal/lease"
	"media-publisher/internal/logging"
	"media-publisher/internal/media"
	"media-publisher/internal/origin"
	"media-publisher/internal/storage"
	"media-publisher/internal/store"
	"media-publisher/internal/telemetry"
	"media-publisher/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireOrigin()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "publish-worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.New(ctx, store.Options{
		DSN:      cfg.DatabaseURL,
		MaxConns: int32(cfg.DBMaxConns),
		RetryCap: cfg.MaxRetries,
	})
	if err != nil {
		return err
	}
	// Closed only after the runner has drained every in-flight job.
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	objects := storage.NewClient(backend, cfg.CDNBaseURL)

	fetcher := origin.New(origin.Options{
		Endpoint:     cfg.OriginEndpoint,
		Secret:       cfg.OriginSecret,
		SecretHeader: cfg.OriginSecretHeader,
		Timeout:      cfg.OriginTimeout,
		MaxBytes:     cfg.OriginMaxBytes,
	})

	publisher := worker.NewPublisher(media.NewTranscoder(), objects, st)
	processor := worker.NewProcessor(st, fetcher, publisher, logger.With("component", "processor"))

	var lock worker.SweepLock
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		lock = lease.New(rdb, "cleanup-sweep", time.Hour)
	}
	sweeper := worker.NewSweeper(st, objects, worker.SweeperOptions{
		Retention: cfg.CleanupRetention,
		BatchSize: cfg.CleanupBatchSize,
		Lock:      lock,
		Logger:    logger.With("component", "cleanup"),
	})

	runner := worker.NewRunner(processor, sweeper, worker.RunnerOptions{
		Concurrency:         cfg.Concurrency,
		PollInterval:        cfg.PollInterval,
		CleanupInitialDelay: cfg.CleanupInitialDelay,
		CleanupSchedule:     cfg.CleanupSchedule,
		Logger:              logger,
	})

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	return runner.Run(ctx)
}
