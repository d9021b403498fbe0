package worker

import (
	"errors"
	"fmt"
)

// PreconditionError marks a job that can never succeed as submitted: its file row
// is gone, it has no source key, or its media type is unsupported. Such jobs skip
// the retry schedule.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Err.Error() }

func (e *PreconditionError) Unwrap() error { return e.Err }

func preconditionf(format string, args ...any) error {
	return &PreconditionError{Err: fmt.Errorf(format, args...)}
}

// IsPrecondition reports whether err carries a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// CleanupError records a storage deletion that failed during a sweep. The
// affected rows stay in the ledger until a later sweep succeeds.
type CleanupError struct {
	AssetGroupID string
	Err          error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup asset group %s: %v", e.AssetGroupID, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
