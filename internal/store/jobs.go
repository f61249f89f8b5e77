package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// listPageSize bounds how many rows one List page holds open on the single
// connection.
const listPageSize = 100

// maxBackoffShift caps the doubling exponent so the retry delay arithmetic
// cannot overflow int64 nanoseconds.
const maxBackoffShift = 16

const jobColumns = `id, owner_id, batch_id, source_ref, file_name, file_size, fingerprint,
	mime_type, folder_path, title, description, tags, privacy, category_id, made_for_kids,
	notify_subscribers, status, progress, message, error_message, retry_count, max_retries,
	worker_id, sink_id, sink_url, available_at, claimed_at, started_at, completed_at,
	created_at, updated_at`

// SQL statements for job operations.
const (
	sqlInsertJob = `INSERT INTO jobs
		(id, owner_id, batch_id, source_ref, file_name, file_size, fingerprint, mime_type,
		 folder_path, title, description, tags, privacy, category_id, made_for_kids,
		 notify_subscribers, status, progress, message, max_retries, available_at,
		 created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, 'Queued', ?, ?, ?, ?
		WHERE ? = 0 OR NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE owner_id = ?
			AND (source_ref = ? OR (? <> '' AND fingerprint = ?))
			AND status IN ('pending', 'downloading', 'uploading'))`

	sqlGetJob = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	sqlGetStatus = `SELECT status FROM jobs WHERE id = ?`

	// The subquery picks the oldest eligible row; the outer status guard makes
	// the statement a compare-and-swap so a row already taken by another
	// process is never returned twice.
	sqlClaimNext = `UPDATE jobs SET
		status = 'downloading',
		worker_id = ?,
		claimed_at = ?,
		started_at = COALESCE(started_at, ?),
		message = 'Claimed',
		updated_at = MAX(updated_at, ?)
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND available_at <= ?
			ORDER BY created_at, id
			LIMIT 1
		) AND status = 'pending'
		RETURNING ` + jobColumns

	sqlUpdateProgress = `UPDATE jobs SET
		progress = MAX(progress, ?),
		message = ?,
		updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status IN ('downloading', 'uploading')`

	sqlHeartbeat = `UPDATE jobs SET updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status IN ('downloading', 'uploading')`

	// All SET expressions see the pre-update row, so one statement decides
	// between another attempt and the terminal failure.
	sqlRequeue = `UPDATE jobs SET
		status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		available_at = CASE WHEN retry_count < max_retries
			THEN ? + MIN(?, ? << MIN(retry_count, ?))
			ELSE available_at END,
		completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE ? END,
		progress = CASE WHEN retry_count < max_retries THEN 0 ELSE progress END,
		message = CASE WHEN retry_count < max_retries
			THEN 'Retry ' || (retry_count + 1) || ' of ' || max_retries || ' scheduled'
			ELSE 'Failed after ' || (retry_count + 1) || ' attempts' END,
		error_message = ?,
		worker_id = '',
		updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status IN ('downloading', 'uploading')
		RETURNING ` + jobColumns

	sqlRetryFailed = `UPDATE jobs SET
		status = 'pending',
		retry_count = retry_count + 1,
		progress = 0,
		message = 'Queued for retry',
		error_message = '',
		completed_at = NULL,
		available_at = ?,
		updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status = 'failed' AND retry_count < max_retries
		RETURNING ` + jobColumns

	sqlStatusSummary = `SELECT status, COUNT(*) FROM jobs
		WHERE (? = '' OR owner_id = ?)
		GROUP BY status`

	sqlDeleteJob = `DELETE FROM jobs WHERE id = ? AND status NOT IN ('downloading', 'uploading')`

	sqlDeleteJobHistory = `DELETE FROM upload_history WHERE job_id = ?`

	sqlClearTerminal = `DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND (? = '' OR owner_id = ?)`

	sqlReclaimStale = `UPDATE jobs SET
		status = 'pending',
		worker_id = '',
		progress = 0,
		message = 'Reclaimed after worker timeout',
		available_at = ?,
		updated_at = MAX(updated_at, ?)
		WHERE status IN ('downloading', 'uploading') AND updated_at < ?`

	sqlFingerprintQueued = `SELECT EXISTS (
		SELECT 1 FROM jobs
		WHERE owner_id = ? AND fingerprint = ?
		AND status IN ('pending', 'downloading', 'uploading'))`
)

// legalPredecessors lists, for each target of Transition, the statuses it
// may be entered from. Entering downloading is reserved to ClaimNextPending
// and failed -> pending to Retry.
var legalPredecessors = map[Status][]Status{
	StatusUploading: {StatusDownloading},
	StatusCompleted: {StatusDownloading, StatusUploading},
	StatusFailed:    {StatusDownloading, StatusUploading},
	StatusPending:   {StatusDownloading, StatusUploading},
	StatusCancelled: {StatusPending, StatusDownloading, StatusUploading},
}

// TransitionFields carries the columns written alongside a status change.
// Which fields apply depends on the target status.
type TransitionFields struct {
	Message      string
	ErrorMessage string        // failed, pending
	SinkID       string        // completed
	SinkURL      string        // completed
	Delay        time.Duration // pending: earliest next claim is now + Delay
}

// BulkResult reports the outcome of one EnqueueBulk item.
type BulkResult struct {
	Index int
	Job   *Job
	Err   error
}

// Summary counts jobs per status.
type Summary map[Status]int64

// Total returns the number of jobs across all statuses.
func (s Summary) Total() int64 {
	var n int64
	for _, c := range s {
		n += c
	}

	return n
}

// ListFilter scopes List. An empty OwnerID lists every owner and is meant
// for operator tooling only.
type ListFilter struct {
	OwnerID  string
	Statuses []Status
	BatchID  string
	Limit    int // 0 = unlimited
}

// Enqueue validates the request and persists a new pending job.
func (s *Store) Enqueue(ctx context.Context, ownerID string, src SourceRef, meta SinkMeta) (*Job, error) {
	req, err := validateRequest(ownerID, EnqueueRequest{Source: src, Sink: meta}, s.opts, s.now())
	if err != nil {
		return nil, err
	}

	job, err := s.insertJob(ctx, s.db, ownerID, "", req, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("owner_id", ownerID),
		slog.String("source", job.Source.FileID),
		slog.Int64("size", job.Source.Size),
	)

	return job, nil
}

// EnqueueBulk inserts every valid item in a single transaction through one
// prepared statement. Invalid or duplicate items are reported per index and
// do not prevent the others from being queued. The returned error covers
// only transaction failures, in which case nothing was queued.
func (s *Store) EnqueueBulk(ctx context.Context, ownerID string, reqs []EnqueueRequest) (string, []BulkResult, error) {
	batchID := uuid.NewString()
	results := make([]BulkResult, len(reqs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("store: beginning bulk enqueue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqlInsertJob)
	if err != nil {
		return "", nil, fmt.Errorf("store: preparing bulk insert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	queued := 0

	for i, raw := range reqs {
		results[i].Index = i

		req, err := validateRequest(ownerID, raw, s.opts, now)
		if err != nil {
			results[i].Err = err
			continue
		}

		// Offset by index so creation order follows submission order.
		created := now.Add(time.Duration(i))

		job, err := s.insertJob(ctx, stmtQuerier{stmt}, ownerID, batchID, req, created)
		if err != nil {
			results[i].Err = err
			continue
		}

		results[i].Job = job
		queued++
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("store: committing bulk enqueue: %w", err)
	}

	s.logger.Info("bulk enqueue committed",
		slog.String("batch_id", batchID),
		slog.String("owner_id", ownerID),
		slog.Int("queued", queued),
		slog.Int("rejected", len(reqs)-queued),
	)

	return batchID, results, nil
}

// inserter abstracts a plain connection and a prepared statement.
type inserter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// stmtQuerier runs the prepared insert regardless of the query text passed.
type stmtQuerier struct {
	stmt *sql.Stmt
}

func (q stmtQuerier) ExecContext(ctx context.Context, _ string, args ...any) (sql.Result, error) {
	return q.stmt.ExecContext(ctx, args...)
}

func (s *Store) insertJob(
	ctx context.Context, q inserter, ownerID, batchID string, req EnqueueRequest, created time.Time,
) (*Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("store: generating job id: %w", err)
	}

	tags, err := json.Marshal(req.Sink.Tags)
	if err != nil {
		return nil, fmt.Errorf("store: encoding tags: %w", err)
	}

	ts := toNanos(created)
	src := req.Source
	meta := req.Sink

	res, err := q.ExecContext(ctx, sqlInsertJob,
		id.String(), ownerID, batchID, src.FileID, src.FileName, src.Size, src.Fingerprint,
		src.MimeType, src.FolderPath, meta.Title, meta.Description, string(tags), meta.Privacy,
		meta.CategoryID, boolToInt(meta.MadeForKids), boolToInt(meta.NotifySubscribers),
		s.opts.MaxRetries, ts, ts, ts,
		boolToInt(s.opts.RejectQueuedDuplicates), ownerID, src.FileID, src.Fingerprint, src.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("store: inserting job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: inserting job: %w", err)
	}

	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, src.FileID)
	}

	at := fromNanos(ts)

	return &Job{
		ID:          id.String(),
		OwnerID:     ownerID,
		BatchID:     batchID,
		Source:      src,
		Sink:        meta,
		Status:      StatusPending,
		Message:     "Queued",
		MaxRetries:  s.opts.MaxRetries,
		AvailableAt: at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, sqlGetJob, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting job %s: %w", id, err)
	}

	return job, nil
}

// ClaimNextPending atomically takes the oldest eligible pending job for
// workerID and moves it to downloading. It returns nil, nil when nothing is
// eligible, in which case no row was modified.
func (s *Store) ClaimNextPending(ctx context.Context, workerID string) (*Job, error) {
	now := toNanos(s.now())

	job, err := scanJob(s.db.QueryRowContext(ctx, sqlClaimNext, workerID, now, now, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil job = queue empty; callers check both
	}

	if err != nil {
		return nil, fmt.Errorf("store: claiming job: %w", err)
	}

	s.logger.Debug("job claimed",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.Int("retry_count", job.RetryCount),
	)

	return job, nil
}

// UpdateProgress records progress for a job a worker currently holds. The
// stored value never decreases. Updates for jobs that are no longer active
// are dropped without error.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64, message string) error {
	progress = min(max(progress, 0), 100)

	if _, err := s.db.ExecContext(ctx, sqlUpdateProgress, progress, message, toNanos(s.now()), id); err != nil {
		return fmt.Errorf("store: updating progress for %s: %w", id, err)
	}

	return nil
}

// Heartbeat refreshes an active job's updated_at so ReclaimStale leaves it
// alone, and returns the job's current status. Workers use the returned
// status to notice a user cancellation.
func (s *Store) Heartbeat(ctx context.Context, id string) (Status, error) {
	if _, err := s.db.ExecContext(ctx, sqlHeartbeat, toNanos(s.now()), id); err != nil {
		return "", fmt.Errorf("store: heartbeat for %s: %w", id, err)
	}

	return currentStatus(ctx, s.db, id)
}

// Transition moves a job to status to if the state machine allows it from
// the job's current status, writing the applicable fields. It returns
// *InvalidTransitionError when the guard rejects the change.
func (s *Store) Transition(ctx context.Context, id string, to Status, f TransitionFields) (*Job, error) {
	job, err := s.transition(ctx, s.db, id, to, f)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("job transitioned",
		slog.String("job_id", id),
		slog.String("status", string(to)),
	)

	return job, nil
}

func (s *Store) transition(ctx context.Context, q querier, id string, to Status, f TransitionFields) (*Job, error) {
	from, ok := legalPredecessors[to]
	if !ok {
		st, err := currentStatus(ctx, q, id)
		if err != nil {
			return nil, err
		}

		return nil, &InvalidTransitionError{JobID: id, From: st, To: to}
	}

	now := s.now()
	ts := toNanos(now)

	sets := []string{"status = ?", "message = ?", "updated_at = MAX(updated_at, ?)"}
	args := []any{string(to), f.Message, ts}

	switch to {
	case StatusUploading:
	case StatusCompleted:
		sets = append(sets, "progress = 100", "sink_id = ?", "sink_url = ?",
			"error_message = ''", "completed_at = ?", "worker_id = ''")
		args = append(args, f.SinkID, f.SinkURL, ts)
	case StatusFailed:
		sets = append(sets, "error_message = ?", "completed_at = ?", "worker_id = ''")
		args = append(args, f.ErrorMessage, ts)
	case StatusPending:
		sets = append(sets, "progress = 0", "error_message = ?", "available_at = ?", "worker_id = ''")
		args = append(args, f.ErrorMessage, toNanos(now.Add(f.Delay)))
	case StatusCancelled:
		sets = append(sets, "completed_at = ?", "worker_id = ''")
		args = append(args, ts)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ? AND status IN (%s) RETURNING %s",
		strings.Join(sets, ", "), placeholders(len(from)), jobColumns)

	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	job, err := scanJob(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.rejectedTransition(ctx, q, id, to)
	}

	if err != nil {
		return nil, fmt.Errorf("store: transitioning job %s to %s: %w", id, to, err)
	}

	return job, nil
}

// rejectedTransition builds the error for a guarded update that matched no
// row: the job is gone, or its current status does not permit the change.
func (s *Store) rejectedTransition(ctx context.Context, q querier, id string, to Status) error {
	st, err := currentStatus(ctx, q, id)
	if err != nil {
		return err
	}

	return &InvalidTransitionError{JobID: id, From: st, To: to}
}

// Complete marks an active job completed and, when rec is non-nil, upserts
// its history record in the same transaction.
func (s *Store) Complete(ctx context.Context, id string, f TransitionFields, rec *HistoryRecord) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: beginning completion: %w", err)
	}
	defer tx.Rollback()

	job, err := s.transition(ctx, tx, id, StatusCompleted, f)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		if err := s.upsertHistory(ctx, tx, rec); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: committing completion of %s: %w", id, err)
	}

	s.logger.Info("job completed",
		slog.String("job_id", id),
		slog.String("sink_id", job.SinkID),
	)

	return job, nil
}

// Cancel marks a non-terminal job cancelled. A worker holding the claim
// observes the change through Heartbeat and aborts.
func (s *Store) Cancel(ctx context.Context, id string) (*Job, error) {
	return s.Transition(ctx, id, StatusCancelled, TransitionFields{Message: "Cancelled by user"})
}

// Defer returns an active job to pending without consuming a retry. The job
// becomes claimable again after delay.
func (s *Store) Defer(ctx context.Context, id string, delay time.Duration, message string) (*Job, error) {
	return s.Transition(ctx, id, StatusPending, TransitionFields{Message: message, Delay: delay})
}

// Requeue applies the automatic retry policy after a transient failure. While
// retries remain the job returns to pending with retry_count incremented and
// a doubling delay; otherwise it becomes failed. The returned job shows which.
func (s *Store) Requeue(ctx context.Context, id, errMsg string) (*Job, error) {
	now := toNanos(s.now())

	job, err := scanJob(s.db.QueryRowContext(ctx, sqlRequeue,
		now, int64(s.opts.MaxRetryBackoff), int64(s.opts.RetryBackoff), maxBackoffShift,
		now, errMsg, now, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.rejectedTransition(ctx, s.db, id, StatusPending)
	}

	if err != nil {
		return nil, fmt.Errorf("store: requeueing job %s: %w", id, err)
	}

	return job, nil
}

// Retry is the explicit failed -> pending path. It succeeds only while the
// job's retry budget is not exhausted, and consumes one retry.
func (s *Store) Retry(ctx context.Context, id string) (*Job, error) {
	now := toNanos(s.now())

	job, err := scanJob(s.db.QueryRowContext(ctx, sqlRetryFailed, now, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		st, stErr := currentStatus(ctx, s.db, id)
		if stErr != nil {
			return nil, stErr
		}

		if st == StatusFailed {
			return nil, fmt.Errorf("%w: job %s", ErrRetriesExhausted, id)
		}

		return nil, &InvalidTransitionError{JobID: id, From: st, To: StatusPending}
	}

	if err != nil {
		return nil, fmt.Errorf("store: retrying job %s: %w", id, err)
	}

	return job, nil
}

// StatusSummary counts jobs per status with one aggregating query. An empty
// ownerID counts every owner.
func (s *Store) StatusSummary(ctx context.Context, ownerID string) (Summary, error) {
	rows, err := s.db.QueryContext(ctx, sqlStatusSummary, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: summarizing jobs: %w", err)
	}
	defer rows.Close()

	sum := make(Summary, len(AllStatuses))
	for _, st := range AllStatuses {
		sum[st] = 0
	}

	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scanning summary row: %w", err)
		}

		st, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}

		sum[st] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating summary rows: %w", err)
	}

	return sum, nil
}

// List returns a lazy sequence of jobs in creation order. Each range over
// the sequence re-queries, so it can be restarted. Rows are fetched in
// pages so no cursor stays open while the caller processes a job.
func (s *Store) List(ctx context.Context, f ListFilter) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) {
		var (
			cursor  *Job
			emitted int
		)

		for {
			page, err := s.listPage(ctx, f, cursor)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, job := range page {
				if !yield(job, nil) {
					return
				}

				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}

			if len(page) < listPageSize {
				return
			}

			cursor = page[len(page)-1]
		}
	}
}

func (s *Store) listPage(ctx context.Context, f ListFilter, after *Job) ([]*Job, error) {
	var (
		conds []string
		args  []any
	)

	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}

	if f.BatchID != "" {
		conds = append(conds, "batch_id = ?")
		args = append(args, f.BatchID)
	}

	if len(f.Statuses) > 0 {
		conds = append(conds, fmt.Sprintf("status IN (%s)", placeholders(len(f.Statuses))))
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	if after != nil {
		conds = append(conds, "(created_at, id) > (?, ?)")
		args = append(args, toNanos(after.CreatedAt), after.ID)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT %d", listPageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing jobs: %w", err)
	}
	defer rows.Close()

	page := make([]*Job, 0, listPageSize)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning job row: %w", err)
		}

		page = append(page, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating job rows: %w", err)
	}

	return page, nil
}

// Delete removes a job that no worker holds. With purgeHistory the history
// record produced by this job is removed too, so a later upload of the same
// content is no longer suppressed.
func (s *Store) Delete(ctx context.Context, id string, purgeHistory bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning delete: %w", err)
	}
	defer tx.Rollback()

	st, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}

	if st.Active() {
		return fmt.Errorf("%w: job %s is %s", ErrJobActive, id, st)
	}

	if purgeHistory {
		if _, err := tx.ExecContext(ctx, sqlDeleteJobHistory, id); err != nil {
			return fmt.Errorf("store: deleting history for job %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, sqlDeleteJob, id); err != nil {
		return fmt.Errorf("store: deleting job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing delete of %s: %w", id, err)
	}

	s.logger.Info("job deleted", slog.String("job_id", id), slog.Bool("purge_history", purgeHistory))

	return nil
}

// ClearTerminal removes completed, failed, and cancelled jobs. An empty
// ownerID clears every owner. History records are kept.
func (s *Store) ClearTerminal(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlClearTerminal, ownerID, ownerID)
	if err != nil {
		return 0, fmt.Errorf("store: clearing terminal jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clearing terminal jobs: %w", err)
	}

	return n, nil
}

// ReclaimStale returns active jobs whose last heartbeat is older than
// timeout to pending, without consuming a retry. It recovers jobs held by a
// worker that crashed.
func (s *Store) ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.now()
	ts := toNanos(now)

	res, err := s.db.ExecContext(ctx, sqlReclaimStale, ts, ts, toNanos(now.Add(-timeout)))
	if err != nil {
		return 0, fmt.Errorf("store: reclaiming stale jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reclaiming stale jobs: %w", err)
	}

	if n > 0 {
		s.logger.Warn("reclaimed stale jobs", slog.Int64("count", n), slog.Duration("timeout", timeout))
	}

	return n, nil
}

// IsFingerprintQueued reports whether an active job for ownerID already
// carries fingerprint.
func (s *Store) IsFingerprintQueued(ctx context.Context, ownerID, fingerprint string) (bool, error) {
	var exists bool

	if err := s.db.QueryRowContext(ctx, sqlFingerprintQueued, ownerID, fingerprint).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: checking queued fingerprint: %w", err)
	}

	return exists, nil
}

func currentStatus(ctx context.Context, q querier, id string) (Status, error) {
	var status string

	err := q.QueryRowContext(ctx, sqlGetStatus, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if err != nil {
		return "", fmt.Errorf("store: reading status of %s: %w", id, err)
	}

	return ParseStatus(status)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans a row selected with jobColumns.
func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		status      string
		tags        string
		madeForKids int
		notify      int
		availableAt int64
		createdAt   int64
		updatedAt   int64
		claimedAt   sql.NullInt64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)

	err := row.Scan(
		&j.ID, &j.OwnerID, &j.BatchID, &j.Source.FileID, &j.Source.FileName, &j.Source.Size,
		&j.Source.Fingerprint, &j.Source.MimeType, &j.Source.FolderPath, &j.Sink.Title,
		&j.Sink.Description, &tags, &j.Sink.Privacy, &j.Sink.CategoryID, &madeForKids,
		&notify, &status, &j.Progress, &j.Message, &j.ErrorMessage, &j.RetryCount,
		&j.MaxRetries, &j.WorkerID, &j.SinkID, &j.SinkURL, &availableAt, &claimedAt,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	j.Status = st
	j.Sink.MadeForKids = madeForKids != 0
	j.Sink.NotifySubscribers = notify != 0
	j.AvailableAt = fromNanos(availableAt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	j.ClaimedAt = fromNullNanos(claimedAt)
	j.StartedAt = fromNullNanos(startedAt)
	j.CompletedAt = fromNullNanos(completedAt)

	if err := json.Unmarshal([]byte(tags), &j.Sink.Tags); err != nil {
		return nil, fmt.Errorf("store: decoding tags of job %s: %w", j.ID, err)
	}

	return &j, nil
}
