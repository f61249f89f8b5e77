package worker

import (
	"context"
	"log/slog"
	"time"
)

const progressWriteTimeout = 5 * time.Second

// ProgressWriter persists progress for an active job.
type ProgressWriter interface {
	UpdateProgress(ctx context.Context, id string, progress float64, message string) error
}

type progressUpdate struct {
	pct float64
	msg string
}

// progressReporter decouples the transfer from progress persistence. Report
// never blocks: it holds at most one pending update and a newer one
// replaces it. A single goroutine writes updates to the store.
type progressReporter struct {
	w       ProgressWriter
	jobID   string
	logger  *slog.Logger
	ctx     context.Context
	updates chan progressUpdate
	done    chan struct{}
}

func newProgressReporter(ctx context.Context, w ProgressWriter, jobID string, logger *slog.Logger) *progressReporter {
	r := &progressReporter{
		w:       w,
		jobID:   jobID,
		logger:  logger,
		ctx:     context.WithoutCancel(ctx),
		updates: make(chan progressUpdate, 1),
		done:    make(chan struct{}),
	}

	go r.loop()

	return r
}

// Report queues an update, dropping any update not yet written. Only one
// goroutine may call Report.
func (r *progressReporter) Report(pct float64, msg string) {
	u := progressUpdate{pct: pct, msg: msg}

	for {
		select {
		case r.updates <- u:
			return
		default:
		}

		select {
		case <-r.updates:
		default:
		}
	}
}

// Close flushes the last queued update and stops the writer.
func (r *progressReporter) Close() {
	close(r.updates)
	<-r.done
}

func (r *progressReporter) loop() {
	defer close(r.done)

	for u := range r.updates {
		ctx, cancel := context.WithTimeout(r.ctx, progressWriteTimeout)
		err := r.w.UpdateProgress(ctx, r.jobID, u.pct, u.msg)
		cancel()

		if err != nil {
			r.logger.Warn("progress update failed",
				slog.Float64("progress", u.pct),
				slog.String("error", err.Error()),
			)
		}
	}
}
