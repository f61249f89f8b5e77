package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is durable evidence that content with Fingerprint was
// delivered to the sink for OwnerID. Only LastVerifiedAt changes after the
// record is written, unless a fresh upload replaces the sink id.
type HistoryRecord struct {
	ID             string
	OwnerID        string
	Fingerprint    string
	SinkID         string
	SinkURL        string
	JobID          string
	FileName       string
	SourceRef      string
	UploadedAt     time.Time
	LastVerifiedAt time.Time
}

const historyColumns = `id, owner_id, fingerprint, sink_id, sink_url, job_id, file_name,
	source_ref, uploaded_at, last_verified_at`

// SQL statements for history operations.
const (
	sqlFindHistory = `SELECT ` + historyColumns + ` FROM upload_history
		WHERE owner_id = ? AND fingerprint = ?`

	sqlUpsertHistory = `INSERT INTO upload_history (` + historyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, fingerprint) DO UPDATE SET
		 sink_id = excluded.sink_id,
		 sink_url = excluded.sink_url,
		 job_id = excluded.job_id,
		 file_name = excluded.file_name,
		 source_ref = excluded.source_ref,
		 uploaded_at = excluded.uploaded_at,
		 last_verified_at = excluded.last_verified_at
		RETURNING id`

	sqlTouchHistory = `UPDATE upload_history SET last_verified_at = MAX(last_verified_at, ?) WHERE id = ?`

	sqlListHistory = `SELECT ` + historyColumns + ` FROM upload_history
		WHERE (? = '' OR owner_id = ?)
		ORDER BY uploaded_at DESC, id
		LIMIT ?`
)

// FindHistory returns the history record for (ownerID, fingerprint), or
// nil, nil when none exists.
func (s *Store) FindHistory(ctx context.Context, ownerID, fingerprint string) (*HistoryRecord, error) {
	rec, err := scanHistory(s.db.QueryRowContext(ctx, sqlFindHistory, ownerID, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil record = no prior upload
	}

	if err != nil {
		return nil, fmt.Errorf("store: finding history for %s: %w", fingerprint, err)
	}

	return rec, nil
}

// RecordHistory writes rec, replacing any earlier record for the same owner
// and fingerprint. Missing id and timestamps are filled in.
func (s *Store) RecordHistory(ctx context.Context, rec *HistoryRecord) error {
	return s.upsertHistory(ctx, s.db, rec)
}

func (s *Store) upsertHistory(ctx context.Context, q querier, rec *HistoryRecord) error {
	if rec.OwnerID == "" || rec.Fingerprint == "" || rec.SinkID == "" {
		return &ValidationError{Field: "history", Reason: "owner, fingerprint, and sink id are required"}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	now := s.now()
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = now
	}

	if rec.LastVerifiedAt.IsZero() {
		rec.LastVerifiedAt = now
	}

	// On conflict the existing row keeps its id; read it back.
	err := q.QueryRowContext(ctx, sqlUpsertHistory,
		rec.ID, rec.OwnerID, rec.Fingerprint, rec.SinkID, rec.SinkURL, rec.JobID,
		rec.FileName, rec.SourceRef, toNanos(rec.UploadedAt), toNanos(rec.LastVerifiedAt),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("store: recording history for %s: %w", rec.Fingerprint, err)
	}

	return nil
}

// TouchHistoryVerified refreshes the last time the sink object was seen.
func (s *Store) TouchHistoryVerified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, sqlTouchHistory, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("store: touching history %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: touching history %s: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}

	return nil
}

// ListHistory returns the most recent history records, newest first. An
// empty ownerID lists every owner.
func (s *Store) ListHistory(ctx context.Context, ownerID string, limit int) ([]*HistoryRecord, error) {
	if limit <= 0 {
		limit = listPageSize
	}

	rows, err := s.db.QueryContext(ctx, sqlListHistory, ownerID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryRecord

	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning history row: %w", err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating history rows: %w", err)
	}

	return out, nil
}

func scanHistory(row rowScanner) (*HistoryRecord, error) {
	var (
		rec        HistoryRecord
		uploaded   int64
		lastVerify int64
	)

	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Fingerprint, &rec.SinkID, &rec.SinkURL,
		&rec.JobID, &rec.FileName, &rec.SourceRef, &uploaded, &lastVerify)
	if err != nil {
		return nil, err
	}

	rec.UploadedAt = fromNanos(uploaded)
	rec.LastVerifiedAt = fromNanos(lastVerify)

	return &rec, nil
}
