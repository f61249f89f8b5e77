package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
)

const sessionKeyPrefix = "session/"

// DefaultSessionMaxAge bounds how long a session record is kept. Upload
// session URIs stay valid for about a week.
const DefaultSessionMaxAge = 7 * 24 * time.Hour

// SessionRecord ties an open upload session to the job and content it was
// created for. A record is reused only when fingerprint and size match.
type SessionRecord struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStore persists upload sessions across worker restarts so a
// requeued job resumes from the server's committed offset.
type SessionStore struct {
	db     *pebble.DB
	logger *slog.Logger
}

// OpenSessionStore opens (or creates) the pebble database in dir.
func OpenSessionStore(dir string, logger *slog.Logger) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil { //nolint:mnd // owner-only, records hold session URLs
		return nil, fmt.Errorf("transfer: creating session dir %s: %w", dir, err)
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("transfer: opening session store %s: %w", dir, err)
	}

	return &SessionStore{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

func sessionKey(jobID string) []byte {
	return []byte(sessionKeyPrefix + jobID)
}

// Load returns the record for jobID, or nil if none exists. Corrupt
// records are deleted and reported as absent.
func (s *SessionStore) Load(jobID string) (*SessionRecord, error) {
	data, closer, err := s.db.Get(sessionKey(jobID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil //nolint:nilnil // absent record
	}

	if err != nil {
		return nil, fmt.Errorf("transfer: loading session %s: %w", jobID, err)
	}
	defer closer.Close()

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("corrupt session record, deleting",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)

		if delErr := s.Delete(jobID); delErr != nil {
			return nil, delErr
		}

		return nil, nil //nolint:nilnil // treated as absent
	}

	return &rec, nil
}

// Save writes rec durably, stamping CreatedAt if unset.
func (s *SessionStore) Save(rec *SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("transfer: encoding session %s: %w", rec.JobID, err)
	}

	if err := s.db.Set(sessionKey(rec.JobID), data, pebble.Sync); err != nil {
		return fmt.Errorf("transfer: saving session %s: %w", rec.JobID, err)
	}

	return nil
}

// Delete removes jobID's record. Deleting a missing record is not an error.
func (s *SessionStore) Delete(jobID string) error {
	if err := s.db.Delete(sessionKey(jobID), pebble.Sync); err != nil {
		return fmt.Errorf("transfer: deleting session %s: %w", jobID, err)
	}

	return nil
}

// PurgeStale deletes records created before now-maxAge and returns how many
// were removed.
func (s *SessionStore) PurgeStale(maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(sessionKeyPrefix),
		UpperBound: []byte(sessionKeyPrefix + "\xff"),
	})
	if err != nil {
		return 0, fmt.Errorf("transfer: scanning sessions: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	n := 0

	for iter.First(); iter.Valid(); iter.Next() {
		var rec SessionRecord
		if err := json.Unmarshal(iter.Value(), &rec); err == nil && !rec.CreatedAt.Before(cutoff) {
			continue
		}

		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("transfer: purging sessions: %w", err)
		}

		n++
	}

	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("transfer: scanning sessions: %w", err)
	}

	if n == 0 {
		return 0, nil
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("transfer: purging sessions: %w", err)
	}

	s.logger.Info("purged stale upload sessions", slog.Int("count", n))

	return n, nil
}
