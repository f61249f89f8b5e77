// Package dedup decides before a transfer whether the job's content was
// already delivered to the sink, so the metered upload can be skipped.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/sink"
	"github.com/tonimelisma/vidbridge/internal/store"
)

// ErrDuplicate matches any *DuplicateUploadError via errors.Is.
var ErrDuplicate = errors.New("dedup: duplicate upload")

// DuplicateUploadError is informational: the job resolves to completed with
// the earlier upload's sink id instead of failing.
type DuplicateUploadError struct {
	SinkID    string
	URL       string
	HistoryID string
}

func (e *DuplicateUploadError) Error() string {
	return fmt.Sprintf("dedup: content already uploaded as %s", e.SinkID)
}

// Is lets errors.Is(err, ErrDuplicate) match.
func (e *DuplicateUploadError) Is(target error) bool {
	return target == ErrDuplicate
}

// HistoryStore is the slice of the job store the checker reads.
type HistoryStore interface {
	FindHistory(ctx context.Context, ownerID, fingerprint string) (*store.HistoryRecord, error)
	TouchHistoryVerified(ctx context.Context, id string, at time.Time) error
}

// UsageRecorder charges the existence check against the API budget.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, ownerID string, op quota.Operation, units int64) error
}

// ExistenceChecker asks the sink whether an object still exists. It is
// per owner because the call runs with the owner's credentials.
type ExistenceChecker interface {
	Exists(ctx context.Context, sinkID string) (bool, error)
}

// Checker applies the two-stage duplicate policy: a local history lookup,
// then one read-class existence call when the record is not fresh.
type Checker struct {
	history   HistoryStore
	usage     UsageRecorder
	freshness time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewChecker returns a Checker. A history record verified within freshness
// is trusted without calling the sink; zero always verifies.
func NewChecker(history HistoryStore, usage UsageRecorder, freshness time.Duration, logger *slog.Logger) *Checker {
	return &Checker{
		history:   history,
		usage:     usage,
		freshness: freshness,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Check returns nil when the job must be transferred, *DuplicateUploadError
// when the earlier upload still exists, and any other error when the
// answer could not be determined.
func (c *Checker) Check(ctx context.Context, job *store.Job, exists ExistenceChecker) error {
	if job.Source.Fingerprint == "" {
		return nil
	}

	rec, err := c.history.FindHistory(ctx, job.OwnerID, job.Source.Fingerprint)
	if err != nil {
		return fmt.Errorf("dedup: looking up history: %w", err)
	}

	if rec == nil {
		return nil
	}

	now := c.nowFunc()

	if c.freshness > 0 && now.Sub(rec.LastVerifiedAt) < c.freshness {
		c.logger.Info("duplicate content, recently verified",
			slog.String("job_id", job.ID),
			slog.String("sink_id", rec.SinkID),
		)

		return duplicateOf(rec)
	}

	found, err := exists.Exists(ctx, rec.SinkID)

	// The call costs quota whatever it answered.
	if usageErr := c.usage.RecordUsage(ctx, job.OwnerID, quota.OpVideosList, quota.Cost(quota.OpVideosList)); usageErr != nil {
		c.logger.Warn("recording existence check usage failed", slog.String("error", usageErr.Error()))
	}

	if err != nil {
		return fmt.Errorf("dedup: verifying %s: %w", rec.SinkID, err)
	}

	if !found {
		c.logger.Info("previous upload no longer exists, transferring again",
			slog.String("job_id", job.ID),
			slog.String("sink_id", rec.SinkID),
		)

		return nil
	}

	if err := c.history.TouchHistoryVerified(ctx, rec.ID, now); err != nil {
		c.logger.Warn("refreshing history verification failed",
			slog.String("history_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("duplicate content confirmed",
		slog.String("job_id", job.ID),
		slog.String("sink_id", rec.SinkID),
	)

	return duplicateOf(rec)
}

func duplicateOf(rec *store.HistoryRecord) *DuplicateUploadError {
	url := rec.SinkURL
	if url == "" {
		url = sink.WatchURL(rec.SinkID)
	}

	return &DuplicateUploadError{SinkID: rec.SinkID, URL: url, HistoryID: rec.ID}
}
