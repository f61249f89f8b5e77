// Package quota tracks consumption of the publishing API's metered daily
// budget. Usage lives in an append-only ledger table, so every process
// sharing the database sees the same tally and the window resets by
// recomputing from the window start instead of clearing a counter.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Embedded zone database so the reference zone resolves on hosts
	// without /usr/share/zoneinfo.
	_ "time/tzdata"
)

// Operation names a metered API call.
type Operation string

// Metered operations of the publishing API.
const (
	OpVideosInsert      Operation = "videos.insert"
	OpVideosList        Operation = "videos.list"
	OpVideosUpdate      Operation = "videos.update"
	OpVideosDelete      Operation = "videos.delete"
	OpSearchList        Operation = "search.list"
	OpChannelsList      Operation = "channels.list"
	OpPlaylistItemsList Operation = "playlistItems.list"
)

// DefaultDailyBudget is the publishing API's standard daily allowance.
const DefaultDailyBudget = 10000

// DefaultZone is the zone whose midnight starts a new quota day.
const DefaultZone = "America/Los_Angeles"

var costs = map[Operation]int64{
	OpVideosInsert:      1600,
	OpVideosList:        1,
	OpVideosUpdate:      50,
	OpVideosDelete:      50,
	OpSearchList:        100,
	OpChannelsList:      1,
	OpPlaylistItemsList: 1,
}

// Cost returns the unit cost of one call of op. Unknown operations cost 1.
func Cost(op Operation) int64 {
	if c, ok := costs[op]; ok {
		return c
	}

	return 1
}

// ErrExceeded matches any *QuotaExceededError via errors.Is.
var ErrExceeded = errors.New("quota: daily budget exceeded")

// QuotaExceededError reports that a charge would take usage past the daily
// budget. It is a soft condition: the job waits for the next window and
// keeps its retry budget.
type QuotaExceededError struct {
	Scope     string
	Used      int64
	Budget    int64
	Requested int64
	ResetAt   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota: daily budget exhausted (used %d of %d, need %d), resets at %s",
		e.Used, e.Budget, e.Requested, e.ResetAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrExceeded) match.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// SQL statements for the ledger.
const (
	sqlInsertEvent = `INSERT INTO quota_events (scope, operation, units, recorded_at)
		VALUES (?, ?, ?, ?)`

	// Conditional insert: the budget check and the charge are one statement,
	// so concurrent reservations cannot both pass on the same headroom.
	sqlReserve = `INSERT INTO quota_events (scope, operation, units, recorded_at)
		SELECT ?, ?, ?, ?
		WHERE (SELECT COALESCE(SUM(units), 0) FROM quota_events
		       WHERE scope = ? AND recorded_at >= ?) + ? <= ?`

	sqlUsedSince = `SELECT COALESCE(SUM(units), 0) FROM quota_events
		WHERE scope = ? AND recorded_at >= ?`

	sqlBreakdown = `SELECT operation, COUNT(*), SUM(units) FROM quota_events
		WHERE scope = ? AND recorded_at >= ?
		GROUP BY operation
		ORDER BY operation`

	sqlPrune = `DELETE FROM quota_events WHERE recorded_at < ?`
)

// Config describes the budget policy.
type Config struct {
	DailyBudget int64
	Zone        *time.Location // nil = DefaultZone
	PerOwner    bool           // partition the budget by owner instead of sharing it
}

// Tracker answers "can N more units be spent now?" against the ledger.
type Tracker struct {
	db       *sql.DB
	budget   int64
	zone     *time.Location
	perOwner bool
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewTracker returns a Tracker over the quota_events table in db. The
// table is created by the job store's migrations.
func NewTracker(db *sql.DB, cfg Config, logger *slog.Logger) (*Tracker, error) {
	zone := cfg.Zone
	if zone == nil {
		var err error

		zone, err = time.LoadLocation(DefaultZone)
		if err != nil {
			return nil, fmt.Errorf("quota: loading zone %s: %w", DefaultZone, err)
		}
	}

	budget := cfg.DailyBudget
	if budget <= 0 {
		budget = DefaultDailyBudget
	}

	return &Tracker{
		db:       db,
		budget:   budget,
		zone:     zone,
		perOwner: cfg.PerOwner,
		logger:   logger,
		nowFunc:  time.Now,
	}, nil
}

// Budget returns the configured daily budget.
func (t *Tracker) Budget() int64 {
	return t.budget
}

// Shared reports whether all owners draw from one budget.
func (t *Tracker) Shared() bool {
	return !t.perOwner
}

// scope maps an owner to its ledger partition. The shared budget uses the
// empty scope.
func (t *Tracker) scope(ownerID string) string {
	if t.perOwner {
		return ownerID
	}

	return ""
}

// WindowStart returns the start of the quota day containing now: midnight
// in the reference zone, expressed in UTC.
func (t *Tracker) WindowStart(now time.Time) time.Time {
	y, m, d := now.In(t.zone).Date()

	return time.Date(y, m, d, 0, 0, 0, 0, t.zone).UTC()
}

// ResetAt returns when the quota day containing now ends.
func (t *Tracker) ResetAt(now time.Time) time.Time {
	y, m, d := now.In(t.zone).Date()

	return time.Date(y, m, d+1, 0, 0, 0, 0, t.zone).UTC()
}

// RecordUsage appends a charge of units for op. Charges are recorded even
// when they exceed the budget: they describe calls already made.
func (t *Tracker) RecordUsage(ctx context.Context, ownerID string, op Operation, units int64) error {
	if units < 0 {
		return fmt.Errorf("quota: negative charge %d for %s", units, op)
	}

	now := t.nowFunc()

	if _, err := t.db.ExecContext(ctx, sqlInsertEvent, t.scope(ownerID), string(op), units, now.UnixNano()); err != nil {
		return fmt.Errorf("quota: recording %s: %w", op, err)
	}

	t.logger.Debug("quota charged",
		slog.String("operation", string(op)),
		slog.Int64("units", units),
		slog.String("owner_id", ownerID),
	)

	return nil
}

// Reserve charges units for op only if they fit in what remains of the
// budget, returning *QuotaExceededError otherwise. Callers reserve before
// starting an expensive call so two workers cannot both spend the last
// headroom.
func (t *Tracker) Reserve(ctx context.Context, ownerID string, op Operation, units int64) error {
	now := t.nowFunc()
	scope := t.scope(ownerID)
	start := t.WindowStart(now).UnixNano()

	res, err := t.db.ExecContext(ctx, sqlReserve,
		scope, string(op), units, now.UnixNano(),
		scope, start, units, t.budget,
	)
	if err != nil {
		return fmt.Errorf("quota: reserving %s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("quota: reserving %s: %w", op, err)
	}

	if n == 1 {
		t.logger.Debug("quota reserved",
			slog.String("operation", string(op)),
			slog.Int64("units", units),
			slog.String("owner_id", ownerID),
		)

		return nil
	}

	used, err := t.usedSince(ctx, scope, start)
	if err != nil {
		return err
	}

	return &QuotaExceededError{
		Scope:     scope,
		Used:      used,
		Budget:    t.budget,
		Requested: units,
		ResetAt:   t.ResetAt(now),
	}
}

// Used returns the units consumed since the current window started.
func (t *Tracker) Used(ctx context.Context, ownerID string) (int64, error) {
	return t.usedSince(ctx, t.scope(ownerID), t.WindowStart(t.nowFunc()).UnixNano())
}

func (t *Tracker) usedSince(ctx context.Context, scope string, start int64) (int64, error) {
	var used int64

	if err := t.db.QueryRowContext(ctx, sqlUsedSince, scope, start).Scan(&used); err != nil {
		return 0, fmt.Errorf("quota: summing usage: %w", err)
	}

	return used, nil
}

// Remaining returns the budget left in the current window, never negative.
func (t *Tracker) Remaining(ctx context.Context, ownerID string) (int64, error) {
	used, err := t.Used(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	return max(t.budget-used, 0), nil
}

// IsExceeded reports whether usage has reached fraction of the budget.
func (t *Tracker) IsExceeded(ctx context.Context, ownerID string, fraction float64) (bool, error) {
	used, err := t.Used(ctx, ownerID)
	if err != nil {
		return false, err
	}

	return float64(used) >= fraction*float64(t.budget), nil
}

// OperationUsage is one row of a usage breakdown.
type OperationUsage struct {
	Calls int64
	Units int64
}

// Usage is a point-in-time view of the current window.
type Usage struct {
	Scope       string
	WindowStart time.Time
	ResetAt     time.Time
	Budget      int64
	Used        int64
	Remaining   int64
	ByOperation map[Operation]OperationUsage
}

// Summary returns usage for the current window with a per-operation
// breakdown.
func (t *Tracker) Summary(ctx context.Context, ownerID string) (*Usage, error) {
	now := t.nowFunc()
	scope := t.scope(ownerID)
	start := t.WindowStart(now)

	rows, err := t.db.QueryContext(ctx, sqlBreakdown, scope, start.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("quota: loading breakdown: %w", err)
	}
	defer rows.Close()

	u := &Usage{
		Scope:       scope,
		WindowStart: start,
		ResetAt:     t.ResetAt(now),
		Budget:      t.budget,
		ByOperation: make(map[Operation]OperationUsage),
	}

	for rows.Next() {
		var (
			op  string
			row OperationUsage
		)

		if err := rows.Scan(&op, &row.Calls, &row.Units); err != nil {
			return nil, fmt.Errorf("quota: scanning breakdown: %w", err)
		}

		u.ByOperation[Operation(op)] = row
		u.Used += row.Units
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quota: iterating breakdown: %w", err)
	}

	u.Remaining = max(u.Budget-u.Used, 0)

	return u, nil
}

// Prune deletes ledger events older than keep. Only past windows are
// affected when keep is at least a day.
func (t *Tracker) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := t.nowFunc().Add(-keep).UnixNano()

	res, err := t.db.ExecContext(ctx, sqlPrune, cutoff)
	if err != nil {
		return 0, fmt.Errorf("quota: pruning ledger: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("quota: pruning ledger: %w", err)
	}

	return n, nil
}
