package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a TokenSource that returns a fixed token.
type staticToken string

func (t staticToken) Token() (string, error) {
	return string(t), nil
}

type failingToken struct{}

func (failingToken) Token() (string, error) {
	return "", errors.New("token error")
}

// newTestClient points both endpoints at srv with instant retry sleeps.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c := NewClient(Endpoints{API: srv.URL, Upload: srv.URL}, srv.Client(), staticToken("test-token"), slog.Default(), "test-agent")
	c.sleepFunc = noopSleep

	return c
}

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"boom","errors":[{"reason":%q,"message":"boom"}]}}`, code, reason)
}

func TestDo_SetsHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hdr := http.Header{}
	hdr.Set("X-Test", "yes")

	resp, err := newTestClient(t, srv).Do(context.Background(), http.MethodGet, srv.URL+"/x", hdr, nil)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		reason   string
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, "invalidTitle", ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, "authError", ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "forbidden", ErrForbidden},
		{"quota", http.StatusForbidden, "quotaExceeded", ErrQuotaExceeded},
		{"daily limit", http.StatusForbidden, "dailyLimitExceeded", ErrQuotaExceeded},
		{"not found", http.StatusNotFound, "videoNotFound", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				writeAPIError(w, tt.status, tt.reason)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.reason, apiErr.Reason)
			assert.Equal(t, "boom", apiErr.Message)
			assert.Equal(t, int32(1), calls.Load(), "non-retryable errors are not retried")
		})
	}
}

func TestDo_RetriesThrottlingThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body), "body is rewound before each retry")

		switch calls.Add(1) {
		case 1:
			writeAPIError(w, http.StatusForbidden, "userRateLimitExceeded")
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Do(context.Background(), http.MethodPost, srv.URL, nil,
		bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.ErrorIs(t, err, ErrServerError)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_RetryAfterHeader(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	var slept []time.Duration
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []time.Duration{7 * time.Second}, slept)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.sleepFunc = timeSleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, http.MethodGet, srv.URL, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDo_TokenError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Endpoints{API: srv.URL}, nil, failingToken{}, nil, "")
	c.sleepFunc = noopSleep

	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token error")
}

func TestCalcBackoff_Bounds(t *testing.T) {
	t.Parallel()

	c := NewClient(Endpoints{}, nil, staticToken("x"), nil, "")

	for attempt := range 10 {
		d := c.calcBackoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(baseBackoff)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(maxBackoff)*1.25))
	}
}

func TestNewAPIError_NonJSONBody(t *testing.T) {
	t.Parallel()

	e := newAPIError(http.StatusBadGateway, []byte("<html>bad gateway</html>"))
	assert.Equal(t, "<html>bad gateway</html>", e.Message)
	assert.Empty(t, e.Reason)
	assert.ErrorIs(t, e, ErrServerError)
	assert.Contains(t, e.Error(), "HTTP 502")
}

func TestRedact(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://x/upload", redact("https://x/upload?upload_id=secret"))
	assert.Equal(t, "https://x/upload", redact("https://x/upload"))
}
