package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/store"
)

type fakeQueue struct {
	summary store.Summary
	err     error
}

func (f fakeQueue) StatusSummary(context.Context, string) (store.Summary, error) {
	return f.summary, f.err
}

type fakeQuota struct{ usage *quota.Usage }

func (f fakeQuota) Summary(context.Context, string) (*quota.Usage, error) {
	return f.usage, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetrics_JobLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobClaimed()
	m.JobClaimed()
	assert.InDelta(t, 2, testutil.ToFloat64(m.inFlight), 0)

	m.JobFinished("completed", 3*time.Second, 1000)
	m.JobFinished("requeued", time.Second, 0)

	assert.InDelta(t, 0, testutil.ToFloat64(m.inFlight), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.claims), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobsFinished.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1000, testutil.ToFloat64(m.bytesTransferred), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics

	assert.NotPanics(t, func() {
		m.JobClaimed()
		m.JobFinished("failed", time.Second, 0)
	})
}

func TestRegisterState_Scrape(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterState(reg,
		fakeQueue{summary: store.Summary{store.StatusPending: 3, store.StatusCompleted: 7}},
		fakeQuota{usage: &quota.Usage{Used: 1601, Remaining: 8399}},
		discardLogger(),
	))

	srv := httptest.NewServer(Handler(reg))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `vidbridge_jobs{status="pending"} 3`)
	assert.Contains(t, text, `vidbridge_jobs{status="completed"} 7`)
	assert.Contains(t, text, `vidbridge_jobs{status="failed"} 0`)
	assert.Contains(t, text, "vidbridge_quota_used_units 1601")
	assert.Contains(t, text, "vidbridge_quota_remaining_units 8399")
}

func TestRegisterState_QueueErrorSkipsJobs(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterState(reg, fakeQueue{err: errors.New("db closed")}, nil, discardLogger()))

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		assert.False(t, strings.HasPrefix(f.GetName(), "vidbridge_jobs"), "no queue gauges on error")
	}
}
