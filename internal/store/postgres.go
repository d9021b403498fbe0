package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the subset of *pgxpool.Pool the ledger uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is the publish queue and file ledger backed by Postgres.
type Store struct {
	pool DB
	// retryCap bounds retries across all jobs regardless of per-row max_retries.
	retryCap int
}

// Options configures the connection pool.
type Options struct {
	DSN      string
	MaxConns int32
	RetryCap int
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithDB(pool, opts.RetryCap), nil
}

// NewWithDB wraps an existing pool. A retryCap of zero disables the global cap.
func NewWithDB(db DB, retryCap int) *Store {
	if retryCap <= 0 {
		retryCap = math.MaxInt32
	}
	return &Store{pool: db, retryCap: retryCap}
}

// Close releases every pooled connection.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Backoff is the delay before a job that has failed k times becomes eligible again.
func Backoff(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	if k > 20 {
		k = 20
	}
	return time.Duration(1<<uint(k)) * time.Minute
}

func backoffMinutes(k int) int {
	return int(Backoff(k) / time.Minute)
}

// withTx runs fn inside one transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
