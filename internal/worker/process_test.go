package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vidbridge/internal/credentials"
	"github.com/tonimelisma/vidbridge/internal/dedup"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/store"
	"github.com/tonimelisma/vidbridge/internal/transfer"
)

// cancellingSource cancels the job through the store on the first read,
// then blocks like a stalled download until the transfer gives up.
type cancellingSource struct {
	st    *store.Store
	jobID func() string
}

func (s *cancellingSource) Open(ctx context.Context, _ string, _ int64) (io.ReadCloser, error) {
	return io.NopCloser(&cancellingReader{ctx: ctx, src: s}), nil
}

type cancellingReader struct {
	ctx  context.Context
	src  *cancellingSource
	done bool
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true

		if _, err := r.src.st.Cancel(context.Background(), r.src.jobID()); err != nil {
			return 0, err
		}

		// Hand back some bytes so staging has content when the cancel lands.
		n := min(len(p), 512)
		for i := range n {
			p[i] = 'x'
		}

		return n, nil
	}

	<-r.ctx.Done()

	return 0, context.Cause(r.ctx)
}

func TestProcess_UserCancelDuringDownload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	staging := t.TempDir()

	job, err := h.store.Enqueue(context.Background(), testOwner, store.SourceRef{
		FileID:   "drive://cancel-me",
		FileName: "cancel-me.mp4",
		Size:     4096,
		MimeType: "video/mp4",
	}, store.SinkMeta{Title: "cancel me"})
	require.NoError(t, err)

	src := &cancellingSource{st: h.store.Store, jobID: func() string { return job.ID }}
	h.conn.clients = &Clients{Source: src, Sink: h.sink}
	h.worker.deps.Pipeline = transfer.New(transfer.Options{StagingDir: staging}, nil, nil, testLogger(t))

	stats, err := h.worker.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)

	got := h.get(job.ID)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Empty(t, got.SinkID)
	assert.Zero(t, h.sink.created)

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging file left behind")
}

func TestProcess_CancelBeforeOutcomeWrite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := h.enqueue("q.mp4", "")

	// The user cancels after the transfer finished but before the worker
	// records completion; the cancel wins.
	h.pipeline.run = func(ctx context.Context, _ int, _ transfer.Request, _ transfer.Sink, _ transfer.Hooks) (*transfer.Result, error) {
		_, err := h.store.Cancel(context.Background(), job.ID)
		require.NoError(t, err)

		return &transfer.Result{SinkID: "yt999", URL: sink.WatchURL("yt999")}, nil
	}

	claimed, err := h.store.ClaimNextPending(context.Background(), h.worker.ID())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, outcomeCancelled, h.worker.process(context.Background(), claimed))

	got := h.get(job.ID)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Empty(t, got.SinkID)
}

func TestProcess_ClaimLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := h.enqueue("r.mp4", "")
	started := make(chan struct{})

	h.pipeline.run = func(ctx context.Context, _ int, _ transfer.Request, _ transfer.Sink, _ transfer.Hooks) (*transfer.Result, error) {
		close(started)
		<-ctx.Done()

		return nil, context.Cause(ctx)
	}

	claimed, err := h.store.ClaimNextPending(context.Background(), h.worker.ID())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	result := make(chan outcome, 1)

	go func() { result <- h.worker.process(context.Background(), claimed) }()

	<-started

	// Another worker's stale sweep takes the job back.
	require.Eventually(t, func() bool {
		n, err := h.store.ReclaimStale(context.Background(), time.Nanosecond)
		return err == nil && n == 1
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case o := <-result:
		assert.Equal(t, outcomeClaimLost, o)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not notice the lost claim")
	}

	got := h.get(job.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestProcess_SoftThresholdDefers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *harnessOptions) {
		o.quota.DailyBudget = 10000
		o.settings.QuotaThreshold = 0.5
	})
	require.NoError(t, h.quota.RecordUsage(context.Background(), testOwner, quota.OpVideosList, 6000))

	job := h.enqueue("s.mp4", "")

	claimed, err := h.store.ClaimNextPending(context.Background(), h.worker.ID())
	require.NoError(t, err)

	assert.Equal(t, outcomeQuotaDeferred, h.worker.process(context.Background(), claimed))
	assert.Zero(t, h.pipeline.callCount())

	got := h.get(job.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, MsgWaitingForQuota, got.Message)
}

func TestProcess_ResumedUploadIsNotChargedAgain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.enqueue("t.mp4", "")

	h.pipeline.run = func(ctx context.Context, _ int, _ transfer.Request, _ transfer.Sink, hooks transfer.Hooks) (*transfer.Result, error) {
		if err := hooks.BeforeUpload(ctx, true); err != nil {
			return nil, err
		}

		return &transfer.Result{SinkID: "yt1", URL: sink.WatchURL("yt1"), Resumed: true}, nil
	}

	stats, err := h.worker.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, h.usage().Used)
}

func TestProcess_UploadingStatusBeforeUpload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	job := h.enqueue("u.mp4", "")

	var during store.Status

	h.pipeline.run = func(ctx context.Context, call int, req transfer.Request, dst transfer.Sink, hooks transfer.Hooks) (*transfer.Result, error) {
		assert.Equal(t, store.StatusDownloading, h.get(job.ID).Status)

		if err := hooks.BeforeUpload(ctx, false); err != nil {
			return nil, err
		}

		during = h.get(job.ID).Status

		return &transfer.Result{SinkID: "yt2", URL: sink.WatchURL("yt2")}, nil
	}

	_, err := h.worker.ProcessBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUploading, during)
}

func TestDedupError(t *testing.T) {
	t.Parallel()

	dup := &dedup.DuplicateUploadError{SinkID: "yt1"}
	authErr := &credentials.AuthError{OwnerID: "o", Err: credentials.ErrNoCredentials}
	quotaErr := &sink.APIError{StatusCode: 403, Reason: "quotaExceeded", Err: sink.ErrQuotaExceeded}

	tests := []struct {
		name      string
		err       error
		transient bool
		check     func(t *testing.T, err error)
	}{
		{
			name:  "duplicate passes through",
			err:   dup,
			check: func(t *testing.T, err error) { t.Helper(); assert.Same(t, dup, err) },
		},
		{
			name:  "cancel passes through",
			err:   transfer.ErrCancelled,
			check: func(t *testing.T, err error) { t.Helper(); assert.ErrorIs(t, err, transfer.ErrCancelled) },
		},
		{
			name:  "quota stays quota",
			err:   fmt.Errorf("dedup: verifying yt1: %w", quotaErr),
			check: func(t *testing.T, err error) { t.Helper(); assert.ErrorIs(t, err, quota.ErrExceeded) },
		},
		{
			name: "auth error stays fatal",
			err:  fmt.Errorf("dedup: verifying yt1: %w", authErr),
			check: func(t *testing.T, err error) {
				t.Helper()

				var fe *transfer.FatalError
				assert.ErrorAs(t, err, &fe)
			},
		},
		{
			name:      "unknown error becomes transient",
			err:       errors.New("dedup: looking up history: disk I/O error"),
			transient: true,
		},
		{
			name:      "server error is transient",
			err:       &sink.APIError{StatusCode: 500, Err: sink.ErrServerError},
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := dedupError(tt.err)
			require.Error(t, got)

			var te *transfer.TransientError
			assert.Equal(t, tt.transient, errors.As(got, &te), "transient classification of %v", got)

			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}
