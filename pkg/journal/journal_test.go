package journal

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/logx"
)

func openTestJournal(t *testing.T, maxEntries int) *Journal {
	t.Helper()
	j, err := NewJournal(&Config{
		Path:              filepath.Join(t.TempDir(), "journal.db"),
		MaxEntriesPerUser: maxEntries,
	}, logx.NewLoggerTo("error", "test", io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func testFix(lat, lng float64) pkg.GeoFix {
	return pkg.GeoFix{
		Latitude:  lat,
		Longitude: lng,
		Accuracy:  5,
		Timestamp: time.Now().UTC(),
		Source:    "periodic_poll",
	}
}

func TestJournalReplayOrder(t *testing.T) {
	j := openTestJournal(t, 0)
	ctx := context.Background()

	require.NoError(t, j.PublishFix(ctx, "alice", testFix(59.0, 18.0)))
	require.NoError(t, j.PublishFix(ctx, "alice", testFix(59.1, 18.1)))
	require.NoError(t, j.PublishArrival(ctx, "alice", "trip-1", "made it", []string{"+1555"}))

	entries, err := j.Replay("alice")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, KindFix, entries[0].Kind)
	assert.InDelta(t, 59.0, entries[0].Fix.Latitude, 1e-9)
	assert.Equal(t, KindFix, entries[1].Kind)
	assert.InDelta(t, 59.1, entries[1].Fix.Latitude, 1e-9)
	assert.Equal(t, KindArrival, entries[2].Kind)
	assert.Equal(t, "trip-1", entries[2].TripID)
	assert.Equal(t, "made it", entries[2].Message)
	assert.Equal(t, []string{"+1555"}, entries[2].Recipients)
}

func TestJournalUsersAreIsolated(t *testing.T) {
	j := openTestJournal(t, 0)
	ctx := context.Background()

	require.NoError(t, j.PublishFix(ctx, "alice", testFix(1, 1)))
	require.NoError(t, j.PublishFix(ctx, "bob", testFix(2, 2)))

	entries, err := j.Replay("alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 1.0, entries[0].Fix.Latitude, 1e-9)
}

func TestJournalReplayUnknownUser(t *testing.T) {
	j := openTestJournal(t, 0)
	entries, err := j.Replay("nobody")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournalTrimsOldestEntries(t *testing.T) {
	j := openTestJournal(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.PublishFix(ctx, "alice", testFix(float64(i), 0)))
	}

	entries, err := j.Replay("alice")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Entries 0 and 1 were dropped.
	assert.InDelta(t, 2.0, entries[0].Fix.Latitude, 1e-9)
	assert.InDelta(t, 4.0, entries[2].Fix.Latitude, 1e-9)
}

func TestJournalTrimsDeepBacklogInOnePass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	logger := logx.NewLoggerTo("error", "test", io.Discard)
	ctx := context.Background()

	j, err := NewJournal(&Config{Path: path}, logger)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, j.PublishFix(ctx, "alice", testFix(float64(i), 0)))
	}
	require.NoError(t, j.Close())

	// Reopening with a tighter bound: the next append must trim the whole
	// backlog down to the limit, not just part of it.
	j, err = NewJournal(&Config{Path: path, MaxEntriesPerUser: 5}, logger)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.PublishFix(ctx, "alice", testFix(50, 0)))

	entries, err := j.Replay("alice")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.InDelta(t, 46.0, entries[0].Fix.Latitude, 1e-9)
	assert.InDelta(t, 50.0, entries[4].Fix.Latitude, 1e-9)
}

func TestJournalHasArrival(t *testing.T) {
	j := openTestJournal(t, 0)
	ctx := context.Background()

	found, err := j.HasArrival("alice")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, j.PublishFix(ctx, "alice", testFix(1, 1)))
	found, err = j.HasArrival("alice")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, j.PublishArrival(ctx, "alice", "trip-1", "made it", nil))
	found, err = j.HasArrival("alice")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestJournalPurge(t *testing.T) {
	j := openTestJournal(t, 0)
	ctx := context.Background()

	require.NoError(t, j.PublishFix(ctx, "alice", testFix(1, 1)))
	require.NoError(t, j.Purge("alice"))
	require.NoError(t, j.Purge("alice")) // idempotent

	entries, err := j.Replay("alice")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
