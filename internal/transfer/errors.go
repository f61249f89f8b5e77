package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/tonimelisma/vidbridge/internal/credentials"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/source"
)

// Sentinel errors.
var (
	// ErrCancelled is the cancellation cause a job context carries when the
	// user cancelled the job.
	ErrCancelled = errors.New("transfer: cancelled")

	ErrTooLarge            = errors.New("transfer: file exceeds max_file_size")
	ErrInsufficientSpace   = errors.New("transfer: insufficient staging space")
	ErrFingerprintMismatch = errors.New("transfer: staged content does not match fingerprint")
	ErrSizeMismatch        = errors.New("transfer: source returned more bytes than declared")
	ErrShortRead           = errors.New("transfer: source stream ended early")
	ErrPhaseTimeout        = errors.New("transfer: phase deadline exceeded")
)

// TransientError is a failure that may clear on a later attempt: the job
// is requeued subject to its retry budget.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transfer: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError is a failure that no retry can fix: the job fails terminally.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("transfer: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// httpStatusError is implemented by SDK errors that carry a status code.
type httpStatusError interface {
	HTTPStatusCode() int
}

// retryable reports whether err is worth another in-phase attempt.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, sink.ErrQuotaExceeded):
		return false
	case sink.IsRetryable(err):
		return true
	case source.IsPermanent(err):
		return false
	case errors.Is(err, ErrShortRead), errors.Is(err, ErrFingerprintMismatch),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var se httpStatusError
	if errors.As(err, &se) {
		code := se.HTTPStatusCode()

		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	return false
}

// Classify converts a phase error into the form the worker dispatches on.
// Cancellation and API quota exhaustion pass through (the latter matching
// quota.ErrExceeded); retryable conditions become *TransientError and
// everything else becomes *FatalError.
func Classify(op string, err error) error {
	var (
		te *TransientError
		fe *FatalError
		ae *credentials.AuthError
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCancelled):
		return err
	case errors.As(err, &te), errors.As(err, &fe):
		return err
	case errors.Is(err, sink.ErrQuotaExceeded):
		return fmt.Errorf("transfer: %s: %w: %w", op, quota.ErrExceeded, err)
	case errors.As(err, &ae):
		return &FatalError{Op: op, Err: err}
	case retryable(err):
		return &TransientError{Op: op, Err: err}
	default:
		return &FatalError{Op: op, Err: err}
	}
}
