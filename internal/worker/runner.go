package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"media-publisher/internal/telemetry"
)

// JobProcessor runs at most one job per call.
type JobProcessor interface {
	ProcessNextJob(ctx context.Context) (bool, error)
}

// CleanupSweeper runs one cleanup sweep per call.
type CleanupSweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Concurrency         int
	PollInterval        time.Duration
	CleanupInitialDelay time.Duration
	// CleanupSchedule is a robfig/cron spec such as "@every 24h".
	CleanupSchedule string
	Logger          *slog.Logger
}

// Runner is the worker main loop: a fixed number of job slots polling the queue
// and a cleanup schedule, with graceful draining on shutdown.
type Runner struct {
	processor JobProcessor
	sweeper   CleanupSweeper
	opts      RunnerOptions
	logger    *slog.Logger

	active       atomic.Int64
	shuttingDown atomic.Bool
	sweepMu      sync.Mutex
}

// NewRunner builds a runner. sweeper may be nil to disable cleanup.
func NewRunner(processor JobProcessor, sweeper CleanupSweeper, opts RunnerOptions) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = "@every 24h"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{processor: processor, sweeper: sweeper, opts: opts, logger: opts.Logger}
}

// ActiveJobs is the number of slots currently inside ProcessNextJob.
func (r *Runner) ActiveJobs() int64 { return r.active.Load() }

// ShuttingDown reports whether Run has stopped taking new work.
func (r *Runner) ShuttingDown() bool { return r.shuttingDown.Load() }

// Run blocks until ctx is cancelled and every in-flight job and sweep has
// finished. Jobs run on a context that is not cancelled with ctx, so shutdown
// never interrupts a job midway.
func (r *Runner) Run(ctx context.Context) error {
	workCtx := context.WithoutCancel(ctx)

	var scheduler *cron.Cron
	if r.sweeper != nil {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(r.opts.CleanupSchedule, func() { r.runSweep(workCtx, "scheduled") }); err != nil {
			return fmt.Errorf("parse cleanup schedule %q: %w", r.opts.CleanupSchedule, err)
		}
	}

	r.logger.Info("worker started", "concurrency", r.opts.Concurrency, "poll_interval", r.opts.PollInterval.String())

	var g errgroup.Group
	for i := 0; i < r.opts.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			r.slotLoop(ctx, workCtx, slot)
			return nil
		})
	}

	if scheduler != nil {
		scheduler.Start()
		g.Go(func() error {
			timer := time.NewTimer(r.opts.CleanupInitialDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				r.runSweep(workCtx, "initial")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			// Stop returns once running cron jobs have returned.
			<-scheduler.Stop().Done()
			return nil
		})
	}

	<-ctx.Done()
	r.shuttingDown.Store(true)
	r.logger.Info("shutdown requested, draining", "active_jobs", r.ActiveJobs())
	_ = g.Wait()
	r.logger.Info("worker drained")
	return nil
}

func (r *Runner) slotLoop(ctx, workCtx context.Context, slot int) {
	log := r.logger.With("slot", slot)
	for ctx.Err() == nil {
		found, err := r.processOne(workCtx)
		if err != nil {
			log.Error("process job", "error", err)
		}
		if found && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.PollInterval):
		}
	}
}

func (r *Runner) processOne(ctx context.Context) (bool, error) {
	r.active.Add(1)
	telemetry.ActiveJobs.Inc()
	defer func() {
		r.active.Add(-1)
		telemetry.ActiveJobs.Dec()
	}()
	return r.processor.ProcessNextJob(ctx)
}

// runSweep runs one sweep unless shutdown has begun. Sweeps never overlap within
// a process.
func (r *Runner) runSweep(ctx context.Context, trigger string) {
	if r.ShuttingDown() {
		return
	}
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	res, err := r.sweeper.Sweep(ctx)
	if err != nil {
		r.logger.Error("cleanup sweep failed", "trigger", trigger, "error", err)
		return
	}
	r.logger.Debug("cleanup sweep done", "trigger", trigger, "groups_deleted", res.GroupsDeleted, "skipped", res.Skipped)
}
