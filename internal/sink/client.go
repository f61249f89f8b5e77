package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries       = 5
	baseBackoff      = 1 * time.Second
	maxBackoff       = 60 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.25
	defaultUserAgent = "vidbridge/0.1"
)

// Default endpoints of the publishing API.
const (
	DefaultAPIEndpoint    = "https://www.googleapis.com"
	DefaultUploadEndpoint = "https://www.googleapis.com"
)

// TokenSource provides OAuth2 bearer tokens for one owner.
type TokenSource interface {
	Token() (string, error)
}

// Endpoints are the base URLs for metadata and upload calls.
type Endpoints struct {
	API    string
	Upload string
}

// Client talks to the publishing API on behalf of one owner.
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a publishing API client. Empty endpoints fall back to
// the public API.
func NewClient(endpoints Endpoints, httpClient *http.Client, token TokenSource, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	if endpoints.API == "" {
		endpoints.API = DefaultAPIEndpoint
	}

	if endpoints.Upload == "" {
		endpoints.Upload = DefaultUploadEndpoint
	}

	endpoints.API = strings.TrimRight(endpoints.API, "/")
	endpoints.Upload = strings.TrimRight(endpoints.Upload, "/")

	return &Client{
		endpoints:  endpoints,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
	}
}

// Do executes an authenticated request with retry. A non-nil body is
// rewound before each retry. The caller closes the response body on success.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body io.ReadSeeker) (*http.Response, error) {
	var attempt int

	for {
		if attempt > 0 {
			if err := rewindBody(body); err != nil {
				return nil, err
			}
		}

		resp, err := c.doOnce(ctx, method, url, header, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("sink: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("url", redact(url)),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("sink: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("sink: %s %s failed after %d retries: %w", method, redact(url), maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("url", redact(url)),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		apiErr := readAPIError(resp)

		if isRetryable(apiErr.StatusCode, apiErr.Reason) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("url", redact(url)),
				slog.Int("status", apiErr.StatusCode),
				slog.String("reason", apiErr.Reason),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("sink: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("url", redact(url)),
				slog.Int("status", apiErr.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// doOnce executes a single authenticated request.
func (c *Client) doOnce(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	return c.httpClient.Do(req)
}

// readAPIError drains and closes resp and builds the matching APIError.
func readAPIError(resp *http.Response) *APIError {
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	return newAPIError(resp.StatusCode, body)
}

// rewindBody seeks body back to the start before a retry.
func rewindBody(body io.ReadSeeker) error {
	if body == nil {
		return nil
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("sink: rewinding request body: %w", err)
	}

	return nil
}

// retryBackoff honours Retry-After (seconds) when present.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// redact drops the query string, which carries upload session tokens.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}

	return url
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
