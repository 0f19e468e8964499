package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/docforge/internal/db"
)

func newTestQueue(t *testing.T, maxAttempts int, retryDelay time.Duration) (*BuildQueue, *db.DB) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, maxAttempts, retryDelay), store
}

func TestAddKeepsFirstPriority(t *testing.T) {
	q, _ := newTestQueue(t, 5, 0)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "serde", "1.0.0", NewReleasePriority, "registry"))
	require.NoError(t, q.Add(ctx, "serde", "1.0.0", RebuildPriority, "registry"))

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, NewReleasePriority, entries[0].Priority)
	assert.Equal(t, 0, entries[0].Attempt)
}

func TestAddForcedResetsAttempts(t *testing.T) {
	q, _ := newTestQueue(t, 5, 0)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "serde", "1.0.0", DefaultPriority, ""))
	entry, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = q.RecordFailure(ctx, entry.ID, "w1")
	require.NoError(t, err)

	require.NoError(t, q.AddForced(ctx, "serde", "1.0.0", -1, ""))

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, -1, entries[0].Priority)
	assert.Equal(t, 0, entries[0].Attempt)
	assert.Empty(t, entries[0].ClaimedBy)
}

func TestClaimOrder(t *testing.T) {
	q, _ := newTestQueue(t, 5, 0)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "later", "1.0.0", DefaultPriority, ""))
	require.NoError(t, q.Add(ctx, "rebuild", "1.0.0", RebuildPriority, ""))
	require.NoError(t, q.Add(ctx, "urgent", "1.0.0", -1, ""))
	require.NoError(t, q.Add(ctx, "fresh", "1.0.0", NewReleasePriority, ""))

	var order []string
	for {
		entry, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		if entry == nil {
			break
		}
		order = append(order, entry.Name)
		require.NoError(t, q.MarkBuilt(ctx, entry.ID))
	}
	assert.Equal(t, []string{"urgent", "fresh", "later", "rebuild"}, order)
}

func TestClaimIsExclusive(t *testing.T) {
	q, _ := newTestQueue(t, 5, 0)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "serde", "1.0.0", NewReleasePriority, ""))

	first, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "w1", first.ClaimedBy)

	second, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, q.ReleaseClaim(ctx, first.ID, "w1"))
	second, err = q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, second.Attempt)
}

func TestRecordFailureRespectsAttemptBound(t *testing.T) {
	q, _ := newTestQueue(t, 2, 0)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "flaky", "0.1.0", NewReleasePriority, ""))

	entry, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	left, err := q.RecordFailure(ctx, entry.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	entry, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Attempt)
	left, err = q.RecordFailure(ctx, entry.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	// Exhausted entries stay visible but are never claimed.
	entry, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempt)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Pending)
	assert.Equal(t, 1, counts.Failed)
}

func TestClaimHonorsRetryDelay(t *testing.T) {
	q, _ := newTestQueue(t, 5, time.Hour)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "slow", "0.1.0", NewReleasePriority, ""))
	entry, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = q.RecordFailure(ctx, entry.ID, "w1")
	require.NoError(t, err)

	entry, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestClaimPrunesAlreadyBuilt(t *testing.T) {
	q, store := newTestQueue(t, 5, 0)
	ctx := context.Background()

	releaseID, err := store.InitializeRelease(ctx, "done", "1.0.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)
	buildID, err := store.InitializeBuild(ctx, releaseID, "", "", "")
	require.NoError(t, err)
	require.NoError(t, store.FinishBuild(ctx, buildID, db.BuildSuccess, ""))

	require.NoError(t, q.Add(ctx, "done", "1.0.0", NewReleasePriority, ""))
	require.NoError(t, q.Add(ctx, "pending", "1.0.0", DefaultPriority, ""))

	entry, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "pending", entry.Name)

	has, err := q.Has(ctx, "done", "1.0.0")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestClaimKeepsRebuildsOfBuiltReleases(t *testing.T) {
	q, store := newTestQueue(t, 5, 0)
	ctx := context.Background()

	releaseID, err := store.InitializeRelease(ctx, "old", "1.0.0", db.ReleaseMeta{IsLibrary: true})
	require.NoError(t, err)
	buildID, err := store.InitializeBuild(ctx, releaseID, "", "", "")
	require.NoError(t, err)
	require.NoError(t, store.FinishBuild(ctx, buildID, db.BuildSuccess, ""))

	require.NoError(t, q.Add(ctx, "old", "1.0.0", RebuildPriority, ""))

	entry, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "old", entry.Name)
}

func TestQueueLock(t *testing.T) {
	q, _ := newTestQueue(t, 5, 0)
	ctx := context.Background()

	locked, err := q.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, q.Lock(ctx))
	locked, err = q.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, q.Unlock(ctx))
	locked, err = q.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestReclaimStaleClaims(t *testing.T) {
	q, _ := newTestQueue(t, 5, 0)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "stuck", "1.0.0", NewReleasePriority, ""))
	entry, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, entry)

	// A fresh claim is not reclaimed.
	reclaimed, err := q.ReclaimStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	reclaimed, err = q.ReclaimStaleClaims(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	entry, err = q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "w2", entry.ClaimedBy)
}

func TestQueueTimestampsSortLexicographically(t *testing.T) {
	whole := time.Date(2026, 8, 23, 10, 0, 5, 0, time.UTC)

	// Retry-delay and stale-claim checks compare stored strings with <; the
	// fixed-width format keeps that exact inside a one-second window.
	assert.Less(t, fmtTime(whole.Add(-time.Millisecond)), fmtTime(whole))
	assert.Less(t, fmtTime(whole), fmtTime(whole.Add(time.Nanosecond)))
}
