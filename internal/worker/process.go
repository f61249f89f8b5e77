package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/vidbridge/internal/credentials"
	"github.com/tonimelisma/vidbridge/internal/dedup"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/store"
	"github.com/tonimelisma/vidbridge/internal/transfer"
)

// outcome is how one claimed job left the worker.
type outcome string

const (
	outcomeCompleted     outcome = "completed"
	outcomeDuplicate     outcome = "duplicate"
	outcomeQuotaDeferred outcome = "quota_deferred"
	outcomeRequeued      outcome = "requeued"
	outcomeFailed        outcome = "failed"
	outcomeCancelled     outcome = "cancelled"
	outcomeInterrupted   outcome = "interrupted"
	outcomeClaimLost     outcome = "claim_lost"
	outcomeError         outcome = "error" // the outcome could not be written
)

// errClaimLost cancels a job whose row left the active states without a
// user cancel, e.g. after ReclaimStale handed it to another worker.
var errClaimLost = errors.New("worker: job no longer held by this worker")

// errQuotaGate is returned when the soft threshold blocks a new transfer.
var errQuotaGate = fmt.Errorf("worker: quota threshold reached: %w", quota.ErrExceeded)

// process runs one claimed job to an outcome and writes it.
func (w *Worker) process(ctx context.Context, job *store.Job) (out outcome) {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
	)
	start := time.Now()

	var res *transfer.Result

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", slog.Any("panic", r))
			out = w.fail(ctx, job, fmt.Errorf("worker: panic: %v", r), logger)
		}

		var bytes int64
		if out == outcomeCompleted && res != nil {
			bytes = res.Bytes
		}

		w.deps.Metrics.JobFinished(string(out), time.Since(start), bytes)
	}()

	logger.Info("job claimed",
		slog.String("file", job.Source.FileName),
		slog.Int64("size", job.Source.Size),
		slog.Int("retry_count", job.RetryCount),
	)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchJob(jobCtx, job.ID, cancel, logger)
	}()

	var err error
	res, err = w.execute(jobCtx, job, logger)

	cancel(nil)
	<-watchDone

	return w.settle(ctx, jobCtx, job, res, err, logger)
}

// execute runs steps 1-4: credentials, duplicate check, quota gate and the
// transfer. Every error is returned for settle to classify.
func (w *Worker) execute(ctx context.Context, job *store.Job, logger *slog.Logger) (*transfer.Result, error) {
	clients, err := w.deps.Connector.Connect(ctx, job.OwnerID)
	if err != nil {
		return nil, &transfer.FatalError{Op: "credentials", Err: err}
	}

	if err := w.deps.Dedup.Check(ctx, job, clients.Sink); err != nil {
		return nil, dedupError(err)
	}

	s := w.settings.Load()

	exceeded, err := w.deps.Quota.IsExceeded(ctx, job.OwnerID, s.QuotaThreshold)
	if err != nil {
		return nil, &transfer.TransientError{Op: "quota", Err: err}
	}

	if exceeded {
		return nil, errQuotaGate
	}

	reporter := newProgressReporter(ctx, w.deps.Store, job.ID, logger)
	defer reporter.Close()

	hooks := transfer.Hooks{
		Progress: reporter.Report,
		BeforeUpload: func(ctx context.Context, resuming bool) error {
			if _, err := w.deps.Store.Transition(ctx, job.ID, store.StatusUploading,
				store.TransitionFields{Message: "Uploading"}); err != nil {
				return err
			}

			if resuming {
				return nil
			}

			return w.deps.Quota.Reserve(ctx, job.OwnerID, quota.OpVideosInsert, quota.Cost(quota.OpVideosInsert))
		},
	}

	req := transfer.Request{JobID: job.ID, Source: job.Source, Meta: job.Sink}

	return w.deps.Pipeline.Run(ctx, req, clients.Source, clients.Sink, hooks)
}

// dedupError keeps duplicates and quota exhaustion as they are. Anything
// else means the check could not answer, which a later attempt may fix.
func dedupError(err error) error {
	var dup *dedup.DuplicateUploadError

	switch {
	case errors.As(err, &dup), errors.Is(err, transfer.ErrCancelled), errors.Is(err, context.Canceled):
		return err
	}

	classified := transfer.Classify("dedup", err)
	if errors.Is(classified, quota.ErrExceeded) {
		return classified
	}

	var (
		fe *transfer.FatalError
		ae *credentials.AuthError
	)

	if errors.As(classified, &fe) && !errors.As(err, &ae) {
		return &transfer.TransientError{Op: "dedup", Err: err}
	}

	return classified
}

// settle writes the job's outcome. Writes are detached from ctx so an
// interrupted job still reaches pending during shutdown.
func (w *Worker) settle(
	ctx, jobCtx context.Context, job *store.Job, res *transfer.Result, err error, logger *slog.Logger,
) outcome {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	var (
		dup *dedup.DuplicateUploadError
		te  *transfer.TransientError
		ite *store.InvalidTransitionError
	)

	switch {
	case err == nil:
		return w.complete(wctx, job, res, logger)

	case errors.Is(context.Cause(jobCtx), transfer.ErrCancelled), errors.Is(err, transfer.ErrCancelled),
		errors.As(err, &ite) && ite.From == store.StatusCancelled:
		logger.Info("job cancelled by user")
		return outcomeCancelled

	case errors.Is(context.Cause(jobCtx), errClaimLost):
		logger.Warn("job claim lost, abandoning without writing an outcome")
		return outcomeClaimLost

	case ctx.Err() != nil:
		if _, derr := w.deps.Store.Defer(wctx, job.ID, 0, MsgInterrupted); derr != nil {
			return w.writeFailed(derr, logger)
		}

		logger.Info("job interrupted by shutdown, returned to pending")

		return outcomeInterrupted

	case errors.As(err, &dup):
		if _, cerr := w.deps.Store.Complete(wctx, job.ID, store.TransitionFields{
			Message: "Already uploaded",
			SinkID:  dup.SinkID,
			SinkURL: dup.URL,
		}, nil); cerr != nil {
			return w.writeFailed(cerr, logger)
		}

		logger.Info("duplicate content, completed without upload", slog.String("sink_id", dup.SinkID))

		return outcomeDuplicate

	case errors.Is(err, quota.ErrExceeded):
		delay := w.settings.Load().QuotaDeferDelay
		if _, derr := w.deps.Store.Defer(wctx, job.ID, delay, MsgWaitingForQuota); derr != nil {
			return w.writeFailed(derr, logger)
		}

		logger.Info("quota exhausted, job deferred",
			slog.Duration("delay", delay),
			slog.String("reason", err.Error()),
		)

		return outcomeQuotaDeferred

	case errors.As(err, &te):
		updated, rerr := w.deps.Store.Requeue(wctx, job.ID, err.Error())
		if rerr != nil {
			return w.writeFailed(rerr, logger)
		}

		if updated.Status == store.StatusFailed {
			logger.Warn("job failed, retries exhausted",
				slog.Int("retry_count", updated.RetryCount),
				slog.String("error", err.Error()),
			)

			return outcomeFailed
		}

		logger.Warn("transient failure, job requeued",
			slog.Int("retry_count", updated.RetryCount),
			slog.Time("available_at", updated.AvailableAt),
			slog.String("error", err.Error()),
		)

		return outcomeRequeued

	default:
		return w.fail(wctx, job, err, logger)
	}
}

func (w *Worker) complete(ctx context.Context, job *store.Job, res *transfer.Result, logger *slog.Logger) outcome {
	var rec *store.HistoryRecord

	if job.Source.Fingerprint != "" {
		rec = &store.HistoryRecord{
			OwnerID:     job.OwnerID,
			Fingerprint: job.Source.Fingerprint,
			SinkID:      res.SinkID,
			SinkURL:     res.URL,
			JobID:       job.ID,
			FileName:    job.Source.FileName,
			SourceRef:   job.Source.FileID,
		}
	}

	if _, err := w.deps.Store.Complete(ctx, job.ID, store.TransitionFields{
		Message: "Upload complete",
		SinkID:  res.SinkID,
		SinkURL: res.URL,
	}, rec); err != nil {
		return w.writeFailed(err, logger)
	}

	logger.Info("job completed",
		slog.String("sink_id", res.SinkID),
		slog.String("url", res.URL),
		slog.Bool("resumed", res.Resumed),
	)

	return outcomeCompleted
}

// fail marks the job failed without a retry.
func (w *Worker) fail(ctx context.Context, job *store.Job, err error, logger *slog.Logger) outcome {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	if _, terr := w.deps.Store.Transition(wctx, job.ID, store.StatusFailed, store.TransitionFields{
		Message:      "Failed",
		ErrorMessage: err.Error(),
	}); terr != nil {
		return w.writeFailed(terr, logger)
	}

	logger.Error("job failed", slog.String("error", err.Error()))

	return outcomeFailed
}

// writeFailed logs a store write that could not record an outcome. An
// invalid transition means another actor changed the job underneath us.
func (w *Worker) writeFailed(err error, logger *slog.Logger) outcome {
	var ite *store.InvalidTransitionError
	if errors.As(err, &ite) {
		if ite.From == store.StatusCancelled {
			logger.Info("job cancelled while its outcome was being written")
			return outcomeCancelled
		}

		logger.Error("invariant violation: outcome rejected by state machine",
			slog.String("from", string(ite.From)),
			slog.String("to", string(ite.To)),
		)

		return outcomeError
	}

	logger.Error("writing job outcome failed", slog.String("error", err.Error()))

	return outcomeError
}

// watchJob heartbeats the job and cancels ctx when the row shows a user
// cancel or the job is no longer active.
func (w *Worker) watchJob(ctx context.Context, id string, cancel context.CancelCauseFunc, logger *slog.Logger) {
	ticker := time.NewTicker(w.settings.Load().CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := w.deps.Store.Heartbeat(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}

			continue
		}

		switch {
		case st == store.StatusCancelled:
			logger.Info("cancellation observed")
			cancel(transfer.ErrCancelled)

			return
		case !st.Active():
			cancel(errClaimLost)

			return
		}
	}
}
