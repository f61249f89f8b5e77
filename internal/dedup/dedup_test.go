package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vidbridge/internal/quota"
	"github.com/tonimelisma/vidbridge/internal/store"
)

type fakeHistory struct {
	records map[string]*store.HistoryRecord // keyed by owner + "/" + fingerprint
	touched map[string]time.Time
	findErr error
}

func (f *fakeHistory) FindHistory(_ context.Context, ownerID, fingerprint string) (*store.HistoryRecord, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}

	return f.records[ownerID+"/"+fingerprint], nil
}

func (f *fakeHistory) TouchHistoryVerified(_ context.Context, id string, at time.Time) error {
	if f.touched == nil {
		f.touched = map[string]time.Time{}
	}

	f.touched[id] = at

	return nil
}

type fakeUsage struct {
	units map[quota.Operation]int64
}

func (f *fakeUsage) RecordUsage(_ context.Context, _ string, op quota.Operation, units int64) error {
	if f.units == nil {
		f.units = map[quota.Operation]int64{}
	}

	f.units[op] += units

	return nil
}

type fakeSink struct {
	exists bool
	err    error
	calls  int
}

func (f *fakeSink) Exists(context.Context, string) (bool, error) {
	f.calls++

	return f.exists, f.err
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newChecker(h *fakeHistory, u *fakeUsage, freshness time.Duration) *Checker {
	c := NewChecker(h, u, freshness, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.nowFunc = func() time.Time { return testNow }

	return c
}

func job(owner, fingerprint string) *store.Job {
	return &store.Job{
		ID:      "j2",
		OwnerID: owner,
		Source:  store.SourceRef{Fingerprint: fingerprint},
	}
}

func historyWith(verified time.Time) *fakeHistory {
	return &fakeHistory{records: map[string]*store.HistoryRecord{
		"u1/abc": {ID: "h1", OwnerID: "u1", Fingerprint: "abc", SinkID: "yt123", LastVerifiedAt: verified},
	}}
}

func TestCheck_NoHistory(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{exists: true}
	c := newChecker(historyWith(testNow), &fakeUsage{}, time.Hour)

	require.NoError(t, c.Check(context.Background(), job("u1", "other"), sink))
	require.NoError(t, c.Check(context.Background(), job("u2", "abc"), sink), "history is owner scoped")
	require.NoError(t, c.Check(context.Background(), job("u1", ""), sink))
	assert.Zero(t, sink.calls)
}

func TestCheck_ExistingUploadIsDuplicate(t *testing.T) {
	t.Parallel()

	h := historyWith(testNow.Add(-48 * time.Hour))
	usage := &fakeUsage{}
	sink := &fakeSink{exists: true}
	c := newChecker(h, usage, 24*time.Hour)

	err := c.Check(context.Background(), job("u1", "abc"), sink)

	var dup *DuplicateUploadError
	require.ErrorAs(t, err, &dup)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, "yt123", dup.SinkID)
	assert.Equal(t, "https://www.youtube.com/watch?v=yt123", dup.URL)

	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, int64(1), usage.units[quota.OpVideosList], "one read-class unit")
	assert.Zero(t, usage.units[quota.OpVideosInsert])
	assert.Equal(t, testNow, h.touched["h1"])
}

func TestCheck_FreshRecordSkipsAPICall(t *testing.T) {
	t.Parallel()

	usage := &fakeUsage{}
	sink := &fakeSink{exists: false}
	c := newChecker(historyWith(testNow.Add(-time.Hour)), usage, 24*time.Hour)

	err := c.Check(context.Background(), job("u1", "abc"), sink)
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Zero(t, sink.calls)
	assert.Empty(t, usage.units)
}

func TestCheck_DeletedUploadAllowsTransfer(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{exists: false}
	c := newChecker(historyWith(testNow.Add(-48*time.Hour)), &fakeUsage{}, 0)

	require.NoError(t, c.Check(context.Background(), job("u1", "abc"), sink))
	assert.Equal(t, 1, sink.calls)
}

func TestCheck_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	c := newChecker(&fakeHistory{findErr: boom}, &fakeUsage{}, 0)
	err := c.Check(context.Background(), job("u1", "abc"), &fakeSink{})
	require.ErrorIs(t, err, boom)

	usage := &fakeUsage{}
	c = newChecker(historyWith(time.Time{}), usage, 0)
	err = c.Check(context.Background(), job("u1", "abc"), &fakeSink{err: boom})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, int64(1), usage.units[quota.OpVideosList], "a failed call is still charged")
}
