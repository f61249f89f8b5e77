package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedWriter blocks each write until the test releases it.
type gatedWriter struct {
	mu      sync.Mutex
	written []float64
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (g *gatedWriter) UpdateProgress(_ context.Context, _ string, pct float64, _ string) error {
	if g.entered != nil {
		g.entered <- struct{}{}
	}

	if g.gate != nil {
		<-g.gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.written = append(g.written, pct)

	return g.err
}

func (g *gatedWriter) values() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]float64(nil), g.written...)
}

func TestProgressReporter_LatestWins(t *testing.T) {
	t.Parallel()

	w := &gatedWriter{gate: make(chan struct{}), entered: make(chan struct{}, 16)}
	r := newProgressReporter(context.Background(), w, "job-1", testLogger(t))

	r.Report(1, "Downloading")
	<-w.entered // the writer holds 1 and is blocked

	// None of these may block; only the last survives.
	for pct := 2.0; pct <= 50; pct++ {
		r.Report(pct, "Downloading")
	}

	close(w.gate)
	r.Close()

	assert.Equal(t, []float64{1, 50}, w.values())
}

func TestProgressReporter_CloseFlushes(t *testing.T) {
	t.Parallel()

	w := &gatedWriter{}
	r := newProgressReporter(context.Background(), w, "job-1", testLogger(t))

	r.Report(25, "Downloading")
	r.Report(100, "Upload complete")
	r.Close()

	got := w.values()
	require.NotEmpty(t, got)
	assert.InDelta(t, 100.0, got[len(got)-1], 0.001)
}

func TestProgressReporter_WriteErrorsAreLogged(t *testing.T) {
	t.Parallel()

	w := &gatedWriter{err: errors.New("database is locked")}
	r := newProgressReporter(context.Background(), w, "job-1", testLogger(t))

	r.Report(10, "Downloading")
	r.Report(20, "Downloading")
	r.Close()

	assert.NotEmpty(t, w.values())
}

func TestProgressReporter_OutlivesCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var seen error

	w := &ctxCheckingWriter{check: func(ctx context.Context) { seen = ctx.Err() }}
	r := newProgressReporter(ctx, w, "job-1", testLogger(t))

	r.Report(50, "Downloading")
	r.Close()

	assert.NoError(t, seen)
}

type ctxCheckingWriter struct {
	check func(ctx context.Context)
}

func (c *ctxCheckingWriter) UpdateProgress(ctx context.Context, _ string, _ float64, _ string) error {
	c.check(ctx)
	return nil
}
