package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"media-publisher/internal/config"
	"media-publisher/internal/lease"
	"media-publisher/internal/logging"
	"media-publisher/internal/storage"
	"media-publisher/internal/store"
	"media-publisher/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediactl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mediactl",
		Short:        "Operator tooling for the media publishing pipeline",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newCleanupCmd(),
		newJobsCmd(),
		newEnsureBucketCmd(),
	)
	return cmd
}

// openStore loads configuration and connects to the ledger.
func openStore(ctx context.Context) (config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	st, err := store.New(ctx, store.Options{DSN: cfg.DatabaseURL, MaxConns: 2, RetryCap: cfg.MaxRetries})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, st, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var (
		batch     int
		retention time.Duration
		noLock    bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one cleanup sweep now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			backend, err := storage.NewBackend(ctx, cfg)
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = cfg.CleanupBatchSize
			}
			if retention <= 0 {
				retention = cfg.CleanupRetention
			}

			var lock worker.SweepLock
			if cfg.RedisAddr != "" && !noLock {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
				defer rdb.Close()
				lock = lease.New(rdb, "cleanup-sweep", time.Hour)
			}

			sweeper := worker.NewSweeper(st, storage.NewClient(backend, cfg.CDNBaseURL), worker.SweeperOptions{
				Retention: retention,
				BatchSize: batch,
				Lock:      lock,
				Logger:    logging.New(cfg.LogLevel, "text"),
			})
			res, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "Maximum rows to consider (defaults to CLEANUP_BATCH_SIZE)")
	cmd.Flags().DurationVar(&retention, "retention", 0, "Detached age before deletion (defaults to CLEANUP_RETENTION)")
	cmd.Flags().BoolVar(&noLock, "no-lock", false, "Skip the cross-process sweep lease")
	return cmd
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and repair publish jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			job, err := st.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}, &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Give a permanently failed job a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RequeueJob(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("job %s is not in a failed state", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s requeued\n", args[0])
			return nil
		},
	})
	return cmd
}

func newEnsureBucketCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-bucket",
		Short: "Create the destination bucket on a MinIO deployment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			backend, err := storage.NewBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			mb, ok := backend.(*storage.MinioBackend)
			if !ok {
				return fmt.Errorf("ensure-bucket requires OBJECT_STORE_DRIVER=%s", config.DriverMinio)
			}
			if err := mb.EnsureBucket(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bucket %s ready\n", cfg.S3Bucket)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
