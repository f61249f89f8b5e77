package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store methods.
var (
	ErrJobNotFound       = errors.New("store: job not found")
	ErrAlreadyQueued     = errors.New("store: file is already queued")
	ErrJobActive         = errors.New("store: job is being processed")
	ErrRetriesExhausted  = errors.New("store: retry budget exhausted")
	ErrHistoryNotFound   = errors.New("store: history record not found")
	errUnknownStatusText = errors.New("store: unknown status")
)

// ValidationError reports a rejected enqueue input. It is returned before
// anything is persisted. Several may be joined with errors.Join.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a status change the state machine does not
// allow from the job's current status. It signals a race or a programming
// error and must be logged, never silently dropped.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("store: job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}
