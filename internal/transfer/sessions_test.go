package transfer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_SaveLoadDelete(t *testing.T) {
	t.Parallel()

	s := newTestSessions(t)

	rec, err := s.Load("missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.Save(&SessionRecord{
		JobID:       "j1",
		URL:         "https://upload.test/s1",
		Fingerprint: "abc",
		Size:        42,
		ContentType: "video/mp4",
	}))

	rec, err = s.Load("j1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://upload.test/s1", rec.URL)
	assert.Equal(t, int64(42), rec.Size)
	assert.False(t, rec.CreatedAt.IsZero(), "CreatedAt is stamped on save")

	require.NoError(t, s.Delete("j1"))
	require.NoError(t, s.Delete("j1"), "deleting twice is fine")

	rec, err = s.Load("j1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSessionStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "sessions")

	s, err := OpenSessionStore(dir, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Save(&SessionRecord{JobID: "j1", URL: "https://upload.test/s1"}))
	require.NoError(t, s.Close())

	s, err = OpenSessionStore(dir, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec, err := s.Load("j1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://upload.test/s1", rec.URL)
}

func TestSessionStore_CorruptRecordDropped(t *testing.T) {
	t.Parallel()

	s := newTestSessions(t)
	require.NoError(t, s.db.Set(sessionKey("j1"), []byte("{not json"), pebble.Sync))

	rec, err := s.Load("j1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, closer, err := s.db.Get(sessionKey("j1"))
	if closer != nil {
		closer.Close()
	}

	assert.ErrorIs(t, err, pebble.ErrNotFound)
}

func TestSessionStore_PurgeStale(t *testing.T) {
	t.Parallel()

	s := newTestSessions(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(&SessionRecord{JobID: "old", URL: "u1", CreatedAt: now.Add(-8 * 24 * time.Hour)}))
	require.NoError(t, s.Save(&SessionRecord{JobID: "new", URL: "u2", CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.db.Set(sessionKey("junk"), []byte("x"), pebble.Sync))

	n, err := s.PurgeStale(DefaultSessionMaxAge, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "stale and unreadable records are purged")

	rec, err := s.Load("new")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	rec, err = s.Load("old")
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err = s.PurgeStale(DefaultSessionMaxAge, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
