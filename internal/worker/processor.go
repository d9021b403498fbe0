package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"media-publisher/internal/media"
	"media-publisher/internal/models"
	"media-publisher/internal/origin"
	"media-publisher/internal/store"
	"media-publisher/internal/telemetry"
)

// Ledger is the queue/ledger surface a job processor needs.
type Ledger interface {
	VariantWriter
	ClaimNextJob(ctx context.Context) (models.PublishJob, bool, error)
	GetFileByID(ctx context.Context, id string) (models.AuctionFile, bool, error)
	MarkJobCompleted(ctx context.Context, jobID, fileID string, variantURLs map[string]string) error
	MarkJobFailed(ctx context.Context, jobID, fileID, message string) (store.FailureOutcome, error)
	MarkJobFailedPermanently(ctx context.Context, jobID, fileID, message string) error
}

// Fetcher downloads source bytes from the origin server.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (origin.Source, error)
}

// Processor runs one publish job from claim to recorded outcome.
type Processor struct {
	ledger    Ledger
	fetcher   Fetcher
	publisher *Publisher
	logger    *slog.Logger
}

func NewProcessor(ledger Ledger, fetcher Fetcher, publisher *Publisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{ledger: ledger, fetcher: fetcher, publisher: publisher, logger: logger}
}

// ProcessNextJob claims and runs a single job. found is false when the queue had
// nothing eligible. Every claimed job ends in a recorded state; an error returned
// together with found=true means recording that state failed.
func (p *Processor) ProcessNextJob(ctx context.Context) (found bool, err error) {
	job, found, err := p.ledger.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !found {
		return false, nil
	}
	telemetry.JobsClaimed.Inc()

	log := p.logger.With("job_id", job.ID, "file_id", job.FileID, "attempt", job.RetryCount+1)
	log.Info("job claimed", "priority", job.Priority)
	start := time.Now()

	urls, runErr := p.execute(ctx, job, log)
	if runErr == nil {
		if err := p.ledger.MarkJobCompleted(ctx, job.ID, job.FileID, urls); err != nil {
			runErr = fmt.Errorf("mark completed: %w", err)
		} else {
			telemetry.JobsCompleted.Inc()
			log.Info("job completed", "duration_ms", time.Since(start).Milliseconds(), "variants", len(urls))
			return true, nil
		}
	}
	return true, p.recordFailure(ctx, job, runErr, log)
}

// execute is the single boundary where a job's errors and panics are caught.
func (p *Processor) execute(ctx context.Context, job models.PublishJob, log *slog.Logger) (urls map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	file, found, err := p.ledger.GetFileByID(ctx, job.FileID)
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	if !found {
		return nil, preconditionf("file %s not found", job.FileID)
	}
	if file.SourceKey == nil || strings.TrimSpace(*file.SourceKey) == "" {
		return nil, preconditionf("file %s has no source_key", file.ID)
	}
	log = log.With("asset_group_id", file.AssetGroupID)
	if file.MimeType != nil && *file.MimeType != "" {
		if _, err := media.Classify(*file.MimeType); err != nil {
			return nil, &PreconditionError{Err: err}
		}
	}

	start := time.Now()
	src, err := p.fetcher.Fetch(ctx, *file.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	observe("fetch", start)
	log.Debug("source fetched", "bytes", len(src.Data))

	contentType := src.ContentType
	if file.MimeType != nil && *file.MimeType != "" {
		contentType = *file.MimeType
	}
	return p.publisher.Publish(ctx, PublishInput{
		AssetGroupID: file.AssetGroupID,
		LotID:        file.LotID,
		Data:         src.Data,
		ContentType:  contentType,
	})
}

func (p *Processor) recordFailure(ctx context.Context, job models.PublishJob, cause error, log *slog.Logger) error {
	msg := cause.Error()
	if IsPrecondition(cause) {
		if err := p.ledger.MarkJobFailedPermanently(ctx, job.ID, job.FileID, msg); err != nil {
			log.Error("record permanent failure", "error", err, "cause", msg)
			return fmt.Errorf("record failure of job %s: %w", job.ID, err)
		}
		telemetry.JobsFailed.Inc()
		log.Warn("job failed permanently", "error", msg)
		return nil
	}

	out, err := p.ledger.MarkJobFailed(ctx, job.ID, job.FileID, msg)
	if err != nil {
		log.Error("record failure", "error", err, "cause", msg)
		return fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}
	if out.Terminal {
		telemetry.JobsFailed.Inc()
		log.Error("job failed, retries exhausted", "error", msg, "retry_count", out.RetryCount)
		return nil
	}
	telemetry.JobsRetried.Inc()
	log.Warn("job failed, retry scheduled", "error", msg, "retry_count", out.RetryCount,
		"run_after", out.RunAfter.Format(time.RFC3339))
	return nil
}
