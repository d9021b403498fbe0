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

	api "media-publisher/internal/api"
	"media-publisher/internal/config"
	"media-publisher/internal/logging"
	"media-publisher/internal/media"
	"media-publisher/internal/ratelimit"
	"media-publisher/internal/storage"
	"media-publisher/internal/store"
	"media-publisher/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "media-api")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.New(ctx, store.Options{DSN: cfg.DatabaseURL, MaxConns: int32(cfg.DBMaxConns), RetryCap: cfg.MaxRetries})
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	publisher := worker.NewPublisher(media.NewTranscoder(), storage.NewClient(backend, cfg.CDNBaseURL), st)

	opts := api.Options{MaxUploadBytes: cfg.MaxUploadBytes, Logger: logger}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		opts.Limiter = ratelimit.NewTokenBucket(rdb, "ratelimit:upload:lot:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(st, publisher, opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
