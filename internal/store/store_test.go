package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fakeClock is a settable time source shared by stores under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func testOptions() Options {
	return Options{
		MaxRetries:             3,
		RejectQueuedDuplicates: true,
		RetryBackoff:           30 * time.Second,
		MaxRetryBackoff:        10 * time.Minute,
	}
}

// newTestStore opens a Store in a temp directory and registers cleanup.
func newTestStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()

	return openTestStore(t, filepath.Join(t.TempDir(), "jobs.db"), opts, newFakeClock())
}

func openTestStore(t *testing.T, dbPath string, opts Options, clock *fakeClock) (*Store, *fakeClock) {
	t.Helper()

	s, err := Open(context.Background(), dbPath, opts, testLogger(t))
	require.NoError(t, err, "Open(%q)", dbPath)

	s.nowFunc = clock.Now

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})

	return s, clock
}

func sampleSource(name, fingerprint string) SourceRef {
	return SourceRef{
		FileID:      "drive://" + name,
		FileName:    name,
		Size:        100 * 1000 * 1000,
		Fingerprint: fingerprint,
		MimeType:    "video/mp4",
	}
}

func sampleMeta(title string) SinkMeta {
	return SinkMeta{
		Title:       title,
		Description: "uploaded by test",
		Tags:        []string{"test", "video"},
		Privacy:     PrivacyUnlisted,
		CategoryID:  "22",
	}
}

// mustEnqueue enqueues a sample job for owner and fails the test on error.
func mustEnqueue(t *testing.T, s *Store, owner, name, fingerprint string) *Job {
	t.Helper()

	job, err := s.Enqueue(context.Background(), owner, sampleSource(name, fingerprint), sampleMeta(name))
	require.NoError(t, err)

	return job
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	clock := newFakeClock()

	first, _ := openTestStore(t, dbPath, testOptions(), clock)
	mustEnqueue(t, first, "u1", "a.mp4", "abc")

	// A second handle on the same file must see the existing schema and rows.
	second, _ := openTestStore(t, dbPath, testOptions(), clock)

	sum, err := second.StatusSummary(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, int64(1), sum[StatusPending])
}
