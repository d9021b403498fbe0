package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"media-publisher/internal/models"
)

const jobColumns = `id, file_id, status, priority, retry_count, max_retries, error_message, output,
	run_after, started_at, completed_at, created_at, updated_at`

// FailureOutcome describes where a failed job ended up.
type FailureOutcome struct {
	RetryCount int
	Terminal   bool
	RunAfter   time.Time
}

// ClaimNextJob atomically takes the most urgent eligible job and moves it and its
// file to processing. Rows locked by a concurrent claimer are skipped, so a job is
// handed to at most one caller. The boolean is false when nothing is eligible.
func (s *Store) ClaimNextJob(ctx context.Context) (models.PublishJob, bool, error) {
	var job models.PublishJob
	found := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM publish_jobs
			WHERE status IN ($1, $2)
			  AND retry_count < max_retries
			  AND retry_count < $3
			  AND run_after <= NOW()
			ORDER BY priority DESC, run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, models.JobPending, models.JobFailed, s.retryCap)
		var err error
		job, err = scanJob(row)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		var startedAt time.Time
		if err := tx.QueryRow(ctx, `
			UPDATE publish_jobs
			SET status = $2, started_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING started_at
		`, job.ID, models.JobProcessing).Scan(&startedAt); err != nil {
			return fmt.Errorf("mark job processing: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auction_files SET published_status = $2, updated_at = NOW() WHERE id = $1
		`, job.FileID, models.FileProcessing); err != nil {
			return fmt.Errorf("mark file processing: %w", err)
		}
		job.Status = models.JobProcessing
		job.StartedAt = &startedAt
		found = true
		return nil
	})
	if err != nil {
		return models.PublishJob{}, false, err
	}
	return job, found, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.PublishJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.PublishJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// MarkJobCompleted records success for the job and publishes its source file in
// a single transaction.
func (s *Store) MarkJobCompleted(ctx context.Context, jobID, fileID string, variantURLs map[string]string) error {
	output, err := json.Marshal(variantURLs)
	if err != nil {
		return fmt.Errorf("marshal variant urls: %w", err)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE publish_jobs
			SET status = $2, completed_at = NOW(), error_message = NULL, output = $3, updated_at = NOW()
			WHERE id = $1
		`, jobID, models.JobCompleted, output)
		if err != nil {
			return fmt.Errorf("mark job completed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("mark job %s completed: %w", jobID, ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auction_files SET published_status = $2, updated_at = NOW() WHERE id = $1
		`, fileID, models.FilePublished); err != nil {
			return fmt.Errorf("mark file published: %w", err)
		}
		return nil
	})
}

// MarkJobFailed consumes one retry. While budget remains the job returns to
// pending with run_after pushed out by Backoff(retry_count), measured on the
// database clock; otherwise it becomes permanently failed. A job ended by the
// global retry cap gets max_retries lowered to its retry_count so it stays
// terminal under any later cap. The file's published status mirrors the outcome.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, fileID, message string) (FailureOutcome, error) {
	var out FailureOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			status     string
			retryCount int
			maxRetries int
		)
		err := tx.QueryRow(ctx, `
			SELECT status, retry_count, max_retries
			FROM publish_jobs WHERE id = $1
			FOR UPDATE
		`, jobID).Scan(&status, &retryCount, &maxRetries)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("mark job %s failed: %w", jobID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if status == models.JobCompleted || (status == models.JobFailed && retryCount >= maxRetries) {
			return fmt.Errorf("job %s is already terminal (%s)", jobID, status)
		}

		out.RetryCount = retryCount + 1
		out.Terminal = out.RetryCount >= maxRetries || out.RetryCount >= s.retryCap

		fileStatus := models.FilePending
		if out.Terminal {
			fileStatus = models.FileFailed
			err = tx.QueryRow(ctx, `
				UPDATE publish_jobs
				SET status = $2, retry_count = $3, max_retries = LEAST(max_retries, $3),
				    error_message = $4, updated_at = NOW()
				WHERE id = $1
				RETURNING run_after
			`, jobID, models.JobFailed, out.RetryCount, message).Scan(&out.RunAfter)
		} else {
			err = tx.QueryRow(ctx, `
				UPDATE publish_jobs
				SET status = $2, retry_count = $3, error_message = $4,
				    run_after = GREATEST(run_after, NOW() + make_interval(mins => $5)), updated_at = NOW()
				WHERE id = $1
				RETURNING run_after
			`, jobID, models.JobPending, out.RetryCount, message, backoffMinutes(out.RetryCount)).Scan(&out.RunAfter)
		}
		if err != nil {
			return fmt.Errorf("record job failure: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auction_files SET published_status = $2, updated_at = NOW() WHERE id = $1
		`, fileID, fileStatus); err != nil {
			return fmt.Errorf("record file failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return FailureOutcome{}, err
	}
	return out, nil
}

// MarkJobFailedPermanently fails a job that can never succeed. Its retry budget is
// marked exhausted so the claim query will not select it again.
func (s *Store) MarkJobFailedPermanently(ctx context.Context, jobID, fileID, message string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE publish_jobs
			SET status = $2, retry_count = GREATEST(retry_count, max_retries), error_message = $3, updated_at = NOW()
			WHERE id = $1 AND status <> $4
		`, jobID, models.JobFailed, message, models.JobCompleted)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("fail job %s: %w", jobID, ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auction_files SET published_status = $2, updated_at = NOW() WHERE id = $1
		`, fileID, models.FileFailed); err != nil {
			return fmt.Errorf("fail file: %w", err)
		}
		return nil
	})
}

// RequeueJob gives a permanently failed job a fresh retry budget.
func (s *Store) RequeueJob(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var fileID string
		err := tx.QueryRow(ctx, `
			UPDATE publish_jobs
			SET status = $2, retry_count = 0, error_message = NULL, run_after = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $3
			RETURNING file_id
		`, jobID, models.JobPending, models.JobFailed).Scan(&fileID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("requeue job %s: no failed job: %w", jobID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE auction_files SET published_status = $2, updated_at = NOW() WHERE id = $1
		`, fileID, models.FilePending); err != nil {
			return fmt.Errorf("requeue file: %w", err)
		}
		return nil
	})
}

func scanJob(row pgx.Row) (models.PublishJob, error) {
	var (
		job    models.PublishJob
		output []byte
	)
	err := row.Scan(&job.ID, &job.FileID, &job.Status, &job.Priority, &job.RetryCount, &job.MaxRetries,
		&job.ErrorMessage, &output, &job.RunAfter, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PublishJob{}, ErrNotFound
	}
	if err != nil {
		return models.PublishJob{}, fmt.Errorf("scan job: %w", err)
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &job.Output); err != nil {
			return models.PublishJob{}, fmt.Errorf("unmarshal job output: %w", err)
		}
	}
	return job, nil
}
