// Package sink is an HTTP client for the video publishing API: resumable
// chunked uploads, existence checks, retry with exponential backoff, and
// error classification.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for status and reason classification.
// Use errors.Is(err, sink.ErrNotFound) to check.
var (
	ErrBadRequest    = errors.New("sink: bad request")
	ErrUnauthorized  = errors.New("sink: unauthorized")
	ErrForbidden     = errors.New("sink: forbidden")
	ErrNotFound      = errors.New("sink: not found")
	ErrThrottled     = errors.New("sink: throttled")
	ErrQuotaExceeded = errors.New("sink: api quota exceeded")
	ErrServerError   = errors.New("sink: server error")

	// ErrSessionExpired means a resumable session URL is no longer valid and
	// the upload must restart with a new session.
	ErrSessionExpired = errors.New("sink: upload session expired")
)

// Error reasons the API reports in its JSON error body.
const (
	reasonRateLimitExceeded     = "rateLimitExceeded"
	reasonUserRateLimitExceeded = "userRateLimitExceeded"
	reasonQuotaExceeded         = "quotaExceeded"
	reasonDailyLimitExceeded    = "dailyLimitExceeded"
)

// APIError wraps a sentinel error with the HTTP status, the API's reason
// code, and the error message for debugging.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sink: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("sink: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorEnvelope is the JSON error body shape of the publishing API.
type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// newAPIError builds an APIError from a non-2xx response body. Bodies that
// are not JSON are kept verbatim as the message.
func newAPIError(code int, body []byte) *APIError {
	e := &APIError{StatusCode: code, Message: string(body)}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != 0 {
		e.Message = env.Error.Message
		if len(env.Error.Errors) > 0 {
			e.Reason = env.Error.Errors[0].Reason
		}
	}

	e.Err = classify(code, e.Reason)

	return e
}

// classify maps a status code and reason to a sentinel error.
// Returns nil for 2xx success codes.
func classify(code int, reason string) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		switch reason {
		case reasonQuotaExceeded, reasonDailyLimitExceeded:
			return ErrQuotaExceeded
		case reasonRateLimitExceeded, reasonUserRateLimitExceeded:
			return ErrThrottled
		default:
			return ErrForbidden
		}
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether a response should be retried by the client.
func isRetryable(code int, reason string) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		return reason == reasonRateLimitExceeded || reason == reasonUserRateLimitExceeded
	default:
		return false
	}
}

// IsRetryable reports whether err describes a condition that may clear on
// its own: throttling, a server error, or a session that must be recreated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrSessionExpired)
}
