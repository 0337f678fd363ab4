package reanalysis

import (
	"errors"
	"fmt"

	"github.com/TobiSchelling/ToolPulse/internal/database"
)

var (
	// ErrValidation rejects bad trigger parameters before a job is created.
	ErrValidation = errors.New("validation error")
	// ErrConcurrency means another job is queued or running.
	ErrConcurrency = errors.New("another reanalysis job is already active")
	ErrNotFound    = errors.New("reanalysis job not found")
	// ErrRateLimited is transient storage contention; RetryPolicy absorbs it
	// until retries are exhausted.
	ErrRateLimited       = database.ErrRateLimited
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrLeaseLost means a running job was recovered or claimed by another
	// process; its former owner must stop writing to it.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrData marks a per-document problem. It is recorded on the job and
	// never aborts it.
	ErrData = errors.New("document error")
	// ErrSystem aborts a job: storage unreachable, alias graph broken.
	ErrSystem = errors.New("system error")
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	From database.JobStatus
	To   database.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// DocError is the failure result for a single document.
type DocError struct {
	DocID string
	Err   error
}

func (e *DocError) Error() string {
	return fmt.Sprintf("document %s: %v", e.DocID, e.Err)
}

func (e *DocError) Unwrap() []error { return []error{ErrData, e.Err} }

func systemError(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrSystem, fmt.Errorf(format, args...))
}
