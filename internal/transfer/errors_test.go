package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vidbridge/internal/credentials"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/source"
)

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"server error", &sink.APIError{StatusCode: 500, Err: sink.ErrServerError}, true},
		{"throttled", &sink.APIError{StatusCode: 429, Err: sink.ErrThrottled}, true},
		{"session expired", sink.ErrSessionExpired, true},
		{"bad request", &sink.APIError{StatusCode: 400, Err: sink.ErrBadRequest}, false},
		{"source missing", fmt.Errorf("stat: %w", source.ErrNotFound), false},
		{"source permission", source.ErrPermission, false},
		{"short read", ErrShortRead, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"sdk 503", statusErr(503), true},
		{"sdk 429", statusErr(429), true},
		{"sdk 403", statusErr(403), false},
		{"auth", &credentials.AuthError{OwnerID: "u1", Err: credentials.ErrNoCredentials}, false},
		{"unknown", errors.New("boom"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := Classify("upload", tc.err)
			require.ErrorIs(t, err, tc.err)

			var (
				te *TransientError
				fe *FatalError
			)

			if tc.transient {
				assert.ErrorAs(t, err, &te)
			} else {
				assert.ErrorAs(t, err, &fe)
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Classify("x", nil))
	assert.Same(t, ErrCancelled, Classify("x", ErrCancelled))

	te := &TransientError{Op: "download", Err: ErrShortRead}
	assert.Same(t, te, Classify("upload", te))
}

func TestClassify_QuotaMatchesTracker(t *testing.T) {
	t.Parallel()

	err := Classify("upload", &sink.APIError{StatusCode: 403, Reason: "quotaExceeded", Err: sink.ErrQuotaExceeded})
	require.ErrorIs(t, err, quota.ErrExceeded)
	assert.ErrorIs(t, err, sink.ErrQuotaExceeded)

	var te *TransientError
	assert.NotErrorAs(t, err, &te)
}

func TestRetryable_Cancellation(t *testing.T) {
	t.Parallel()

	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(ErrCancelled))
	assert.True(t, retryable(context.DeadlineExceeded))
}
