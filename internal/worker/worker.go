// Package worker claims jobs from the store and drives them through the
// duplicate check, the quota gate, and the transfer pipeline. It is the only
// component that writes a job's outcome.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/vidbridge/internal/config"
	"github.com/tonimelisma/vidbridge/internal/dedup"
	"github.com/tonimelisma/vidbridge/internal/metrics"
	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/store"
	"github.com/tonimelisma/vidbridge/internal/transfer"
)

// Messages shown on jobs the worker returns to pending without a failure.
const (
	MsgWaitingForQuota = "Waiting for quota"
	MsgInterrupted     = "Interrupted by shutdown"
)

// storeWriteTimeout bounds outcome writes, which run detached from the job
// context so they land during shutdown.
const storeWriteTimeout = 30 * time.Second

// JobStore is the slice of the job store the worker uses.
type JobStore interface {
	ClaimNextPending(ctx context.Context, workerID string) (*store.Job, error)
	UpdateProgress(ctx context.Context, id string, progress float64, message string) error
	Heartbeat(ctx context.Context, id string) (store.Status, error)
	Transition(ctx context.Context, id string, to store.Status, f store.TransitionFields) (*store.Job, error)
	Complete(ctx context.Context, id string, f store.TransitionFields, rec *store.HistoryRecord) (*store.Job, error)
	Defer(ctx context.Context, id string, delay time.Duration, message string) (*store.Job, error)
	Requeue(ctx context.Context, id, errMsg string) (*store.Job, error)
	ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error)
}

// QuotaTracker gates and charges metered calls.
type QuotaTracker interface {
	IsExceeded(ctx context.Context, ownerID string, fraction float64) (bool, error)
	Reserve(ctx context.Context, ownerID string, op quota.Operation, units int64) error
	Shared() bool
}

// DuplicateChecker decides whether a job's content is already on the sink.
type DuplicateChecker interface {
	Check(ctx context.Context, job *store.Job, exists dedup.ExistenceChecker) error
}

// Transferer moves one job's bytes.
type Transferer interface {
	Run(ctx context.Context, req transfer.Request, src transfer.Source, dst transfer.Sink, hooks transfer.Hooks) (*transfer.Result, error)
}

// Sink is the per-owner publishing API surface.
type Sink interface {
	transfer.Sink
	dedup.ExistenceChecker
}

// Clients are one owner's connections.
type Clients struct {
	Source transfer.Source
	Sink   Sink
}

// Connector resolves an owner's credentials into clients. Any error is a
// fatal job error.
type Connector interface {
	Connect(ctx context.Context, ownerID string) (*Clients, error)
}

// Deps are the worker's collaborators. Metrics may be nil.
type Deps struct {
	Store     JobStore
	Quota     QuotaTracker
	Dedup     DuplicateChecker
	Pipeline  Transferer
	Connector Connector
	Metrics   *metrics.Metrics
}

// Settings are the tunables of a running worker. MaxConcurrent is fixed at
// start; the rest apply on Reconfigure.
type Settings struct {
	WorkerID            string
	PollInterval        time.Duration
	MaxConcurrent       int
	ClaimTimeout        time.Duration
	CancelCheckInterval time.Duration
	MaxJobsPerBatch     int
	QuotaThreshold      float64
	QuotaDeferDelay     time.Duration
}

// SettingsFromConfig maps [worker] and [quota] onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		WorkerID:            cfg.Worker.WorkerID,
		PollInterval:        config.Duration(cfg.Worker.PollInterval),
		MaxConcurrent:       cfg.Worker.MaxConcurrentUploads,
		ClaimTimeout:        config.Duration(cfg.Worker.ClaimTimeout),
		CancelCheckInterval: config.Duration(cfg.Worker.CancelCheckInterval),
		MaxJobsPerBatch:     cfg.Worker.MaxJobsPerBatch,
		QuotaThreshold:      cfg.Quota.Threshold,
		QuotaDeferDelay:     config.Duration(cfg.Quota.DeferDelay),
	}
}

func (s Settings) withDefaults() Settings {
	if s.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}

		s.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if s.PollInterval <= 0 {
		s.PollInterval = 5 * time.Second
	}

	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 1
	}

	if s.CancelCheckInterval <= 0 {
		s.CancelCheckInterval = 2 * time.Second
	}

	if s.MaxJobsPerBatch <= 0 {
		s.MaxJobsPerBatch = 50
	}

	if s.QuotaThreshold <= 0 {
		s.QuotaThreshold = 1
	}

	if s.QuotaDeferDelay <= 0 {
		s.QuotaDeferDelay = 15 * time.Minute
	}

	return s
}

// Worker is one process's job runner. Several workers may share a store;
// they coordinate only through ClaimNextPending.
type Worker struct {
	deps     Deps
	settings atomic.Pointer[Settings]
	logger   *slog.Logger

	// wake nudges Run to claim again when a slot frees up.
	wake chan struct{}
}

// New returns a Worker.
func New(deps Deps, s Settings, logger *slog.Logger) *Worker {
	s = s.withDefaults()

	w := &Worker{
		deps:   deps,
		logger: logger.With(slog.String("worker_id", s.WorkerID)),
		wake:   make(chan struct{}, 1),
	}
	w.settings.Store(&s)

	return w
}

// ID returns the worker id written on claimed jobs.
func (w *Worker) ID() string {
	return w.settings.Load().WorkerID
}

// Reconfigure applies reloaded settings. The worker id and concurrency
// cannot change while running.
func (w *Worker) Reconfigure(s Settings) {
	cur := w.settings.Load()
	s = s.withDefaults()

	if s.MaxConcurrent != cur.MaxConcurrent {
		w.logger.Warn("max_concurrent_uploads change needs a restart",
			slog.Int("running", cur.MaxConcurrent),
			slog.Int("configured", s.MaxConcurrent),
		)
	}

	s.WorkerID = cur.WorkerID
	s.MaxConcurrent = cur.MaxConcurrent
	w.settings.Store(&s)

	w.logger.Info("worker reconfigured",
		slog.Duration("poll_interval", s.PollInterval),
		slog.Float64("quota_threshold", s.QuotaThreshold),
		slog.Duration("quota_defer_delay", s.QuotaDeferDelay),
	)
}

// Run polls for jobs until ctx is cancelled, keeping up to MaxConcurrent
// in flight. On return every claimed job has been settled; jobs interrupted
// by the cancellation are back in pending.
func (w *Worker) Run(ctx context.Context) error {
	s := w.settings.Load()
	sem := semaphore.NewWeighted(int64(s.MaxConcurrent))

	var wg sync.WaitGroup
	defer wg.Wait()

	w.logger.Info("worker started",
		slog.Int("max_concurrent", s.MaxConcurrent),
		slog.Duration("poll_interval", s.PollInterval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, waiting for in-flight jobs")
			return nil
		case <-timer.C:
		case <-w.wake:
		}

		w.reclaimStale(ctx)

		for sem.TryAcquire(1) {
			job, err := w.claim(ctx)
			if err != nil || job == nil {
				sem.Release(1)
				break
			}

			wg.Add(1)

			go func() {
				defer wg.Done()
				defer sem.Release(1)

				w.process(ctx, job)
				w.nudge()
			}()
		}

		timer.Reset(w.settings.Load().PollInterval)
	}
}

func (w *Worker) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// BatchStats counts outcomes of one ProcessBatch call.
type BatchStats struct {
	Processed       int
	Completed       int
	Duplicates      int
	Deferred        int
	Requeued        int
	Failed          int
	Cancelled       int
	Interrupted     int
	StoppedForQuota bool
}

func (b *BatchStats) add(o outcome) {
	b.Processed++

	switch o {
	case outcomeCompleted:
		b.Completed++
	case outcomeDuplicate:
		b.Duplicates++
	case outcomeQuotaDeferred:
		b.Deferred++
	case outcomeRequeued:
		b.Requeued++
	case outcomeFailed, outcomeError:
		b.Failed++
	case outcomeCancelled, outcomeClaimLost:
		b.Cancelled++
	case outcomeInterrupted:
		b.Interrupted++
	}
}

// ProcessBatch claims and processes jobs until none is eligible, the shared
// quota's hard ceiling is reached, or limit jobs were claimed (limit <= 0
// uses max_jobs_per_batch). Up to MaxConcurrent jobs run at once; a job
// requeued during the batch is claimed again once it is eligible.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (*BatchStats, error) {
	s := w.settings.Load()
	if limit <= 0 {
		limit = s.MaxJobsPerBatch
	}

	w.reclaimStale(ctx)

	var (
		mu       sync.Mutex
		stats    BatchStats
		wg       sync.WaitGroup
		inFlight atomic.Int32
		quotaHit atomic.Bool
		claimErr error
	)

	sem := semaphore.NewWeighted(int64(s.MaxConcurrent))
	finished := make(chan struct{}, s.MaxConcurrent)

claimLoop:
	for claimed := 0; claimed < limit; {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		if quotaHit.Load() || w.hardCeiling(ctx) {
			quotaHit.Store(true)
			sem.Release(1)

			break
		}

		job, err := w.claim(ctx)
		if err != nil {
			claimErr = err
			sem.Release(1)

			break
		}

		if job == nil {
			sem.Release(1)

			// A job still running may requeue itself; wait for it before
			// concluding the queue is drained.
			if inFlight.Load() == 0 {
				select {
				case <-finished:
					continue
				default:
					break claimLoop
				}
			}

			select {
			case <-finished:
				continue
			case <-ctx.Done():
				break claimLoop
			}
		}

		claimed++
		inFlight.Add(1)
		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			o := w.process(ctx, job)

			mu.Lock()
			stats.add(o)
			mu.Unlock()

			if o == outcomeQuotaDeferred && w.deps.Quota.Shared() {
				quotaHit.Store(true)
			}

			// Signal before leaving the in-flight count so a claim loop that
			// sees zero always finds a pending wake-up.
			select {
			case finished <- struct{}{}:
			default:
			}

			inFlight.Add(-1)
		}()
	}

	wg.Wait()

	stats.StoppedForQuota = quotaHit.Load()

	w.logger.Info("batch finished",
		slog.Int("processed", stats.Processed),
		slog.Int("completed", stats.Completed),
		slog.Int("duplicates", stats.Duplicates),
		slog.Int("deferred", stats.Deferred),
		slog.Int("requeued", stats.Requeued),
		slog.Int("failed", stats.Failed),
		slog.Bool("stopped_for_quota", stats.StoppedForQuota),
	)

	return &stats, claimErr
}

// hardCeiling reports whether the shared budget is fully spent. A
// per-owner budget has no process-wide ceiling.
func (w *Worker) hardCeiling(ctx context.Context) bool {
	if !w.deps.Quota.Shared() {
		return false
	}

	exceeded, err := w.deps.Quota.IsExceeded(ctx, "", 1)
	if err != nil {
		w.logger.Warn("quota check failed", slog.String("error", err.Error()))
		return false
	}

	return exceeded
}

func (w *Worker) claim(ctx context.Context) (*store.Job, error) {
	job, err := w.deps.Store.ClaimNextPending(ctx, w.ID())
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim failed", slog.String("error", err.Error()))
		}

		return nil, err
	}

	if job != nil {
		w.deps.Metrics.JobClaimed()
	}

	return job, nil
}

// reclaimStale returns jobs abandoned by a crashed worker to pending.
func (w *Worker) reclaimStale(ctx context.Context) {
	timeout := w.settings.Load().ClaimTimeout
	if timeout <= 0 {
		return
	}

	n, err := w.deps.Store.ReclaimStale(ctx, timeout)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("reclaiming stale jobs failed", slog.String("error", err.Error()))
		}

		return
	}

	if n > 0 {
		w.logger.Info("reclaimed stale jobs", slog.Int64("count", n))
	}
}
