// Package store is the durable job queue: the jobs table, the upload
// history used for duplicate suppression, and the schema shared with the
// quota ledger. All coordination between workers, including processes on
// other hosts sharing the database file, happens through the atomic
// statements in this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Defaults applied to zero-valued Options fields.
const (
	defaultMaxRetries      = 3
	defaultRetryBackoff    = 30 * time.Second
	defaultMaxRetryBackoff = 30 * time.Minute
	defaultPrivacy         = PrivacyPrivate
	defaultCategory        = "24"
)

// Options carries queue policy captured from configuration.
type Options struct {
	MaxRetries             int           // copied onto each job at enqueue
	RejectQueuedDuplicates bool          // refuse a fingerprint already active for the owner
	RetryBackoff           time.Duration // delay before the first automatic retry
	MaxRetryBackoff        time.Duration // ceiling for the doubling retry delay
	DefaultPrivacy         string
	DefaultCategory        string

	// Metadata rendered when a request leaves the title or description
	// empty. An empty TitleTemplate means the file name without extension.
	TitleTemplate       string
	DescriptionTemplate string
	AppendFingerprint   bool // add [MD5:<fingerprint>] to rendered descriptions
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = defaultMaxRetries
	}

	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}

	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = defaultMaxRetryBackoff
	}

	if o.DefaultPrivacy == "" {
		o.DefaultPrivacy = defaultPrivacy
	}

	if o.DefaultCategory == "" {
		o.DefaultCategory = defaultCategory
	}

	return o
}

// Store is the SQLite-backed job queue.
type Store struct {
	db      *sql.DB
	opts    Options
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens the SQLite database at dbPath, runs migrations, and returns a
// ready-to-use Store. The database uses WAL mode with synchronous=FULL for
// crash-safe durability, and a busy timeout so that concurrent processes
// sharing the file queue behind the writer lock instead of failing.
func Open(ctx context.Context, dbPath string, opts Options, logger *slog.Logger) (*Store, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// One connection per process; cross-process safety comes from the
	// single-statement claim and guarded transitions.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("job store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		opts:    opts.withDefaults(),
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// DB exposes the underlying handle so the quota ledger can share the same
// database and connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}

func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}

// toNanos converts a timestamp to the stored representation.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// fromNanos converts a stored timestamp back to UTC.
func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}

	return fromNanos(n.Int64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// querier is the subset of *sql.DB and *sql.Tx used by shared helpers.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
