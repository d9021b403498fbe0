package models

import (
	"time"
)

// JobStatus enumerates publish job lifecycle states persisted in Postgres.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// PublishJob is one unit of pending publish work for a source file.
type PublishJob struct {
	ID           string            `json:"id"`
	FileID       string            `json:"file_id"`
	Status       string            `json:"status"`
	Priority     int               `json:"priority"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Output       map[string]string `json:"output,omitempty"`
	RunAfter     time.Time         `json:"run_after"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Terminal reports whether the job will never be claimed again.
func (j PublishJob) Terminal() bool {
	return j.Status == JobCompleted || (j.Status == JobFailed && j.RetryCount >= j.MaxRetries)
}
