package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-publisher/internal/logging"
)

// blockingProcessor hands out a fixed number of jobs that each block until
// released.
type blockingProcessor struct {
	remaining atomic.Int64
	started   chan struct{}
	release   chan struct{}
	completed atomic.Int64
	ctxErrs   atomic.Int64
}

func (b *blockingProcessor) ProcessNextJob(ctx context.Context) (bool, error) {
	if b.remaining.Add(-1) < 0 {
		return false, nil
	}
	b.started <- struct{}{}
	<-b.release
	if ctx.Err() != nil {
		b.ctxErrs.Add(1)
	}
	b.completed.Add(1)
	return true, nil
}

type countingSweeper struct {
	calls atomic.Int64
}

func (c *countingSweeper) Sweep(context.Context) (SweepResult, error) {
	c.calls.Add(1)
	return SweepResult{}, nil
}

func TestRunnerDrainsInFlightJobsOnShutdown(t *testing.T) {
	proc := &blockingProcessor{started: make(chan struct{}, 2), release: make(chan struct{})}
	proc.remaining.Store(2)
	r := NewRunner(proc, nil, RunnerOptions{Concurrency: 3, PollInterval: 10 * time.Millisecond, Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-proc.started
	<-proc.started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while jobs were still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, r.ShuttingDown())
	assert.GreaterOrEqual(t, r.ActiveJobs(), int64(2))

	close(proc.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after jobs finished")
	}
	assert.Equal(t, int64(2), proc.completed.Load())
	assert.Zero(t, proc.ctxErrs.Load(), "jobs must not observe shutdown cancellation")
	assert.Zero(t, r.ActiveJobs())
}

type countingProcessor struct {
	mu    sync.Mutex
	calls int
	jobs  int
}

func (c *countingProcessor) ProcessNextJob(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.jobs > 0 {
		c.jobs--
		return true, nil
	}
	return false, nil
}

func TestRunnerSleepsWhenQueueEmpty(t *testing.T) {
	proc := &countingProcessor{jobs: 5}
	r := NewRunner(proc, nil, RunnerOptions{Concurrency: 1, PollInterval: time.Hour, Logger: logging.Discard()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	proc.mu.Lock()
	defer proc.mu.Unlock()
	// five jobs back to back, then one empty poll before the long sleep
	assert.Equal(t, 6, proc.calls)
}

func TestRunnerRunsInitialSweep(t *testing.T) {
	sweeper := &countingSweeper{}
	r := NewRunner(&countingProcessor{}, sweeper, RunnerOptions{
		Concurrency:         1,
		PollInterval:        time.Hour,
		CleanupInitialDelay: 10 * time.Millisecond,
		Logger:              logging.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunnerRejectsBadSchedule(t *testing.T) {
	r := NewRunner(&countingProcessor{}, &countingSweeper{}, RunnerOptions{CleanupSchedule: "every tuesday", Logger: logging.Discard()})
	require.Error(t, r.Run(context.Background()))
}
