package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/models"
)

func newTestSQLiteStore(t *testing.T, upsert bool) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), ":memory:", upsert, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestSQLiteStore_ClaimEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, true)

	var ids []string
	for _, text := range []string{"first entry", "second entry", "third entry"} {
		id, err := store.Enqueue(ctx, text)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	claimed, err := store.ClaimEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, "second entry", claimed[1].Text)
	assert.Equal(t, models.StatusClaimed, claimed[0].Status)

	rest, err := store.ClaimEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].ID)

	empty, err := store.ClaimEvents(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStore_TerminalEventsAreNeverReclaimed(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, true)

	done, _ := store.Enqueue(ctx, "done entry")
	discarded, _ := store.Enqueue(ctx, "discarded entry")
	failed, _ := store.Enqueue(ctx, "failed entry")

	claimed, err := store.ClaimEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	require.NoError(t, store.UpdateEventStatus(ctx, done, models.StatusDone, nil))
	require.NoError(t, store.UpdateEventStatus(ctx, discarded, models.StatusDiscarded, nil))
	require.NoError(t, store.UpdateEventStatus(ctx, failed, models.StatusFailed, strPtr("boom")))

	// Even past the lease, finished events stay finished.
	store.now = func() time.Time { return time.Now().Add(2 * claimLease) }
	again, err := store.ClaimEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	event, err := store.Event(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, event.Status)
	require.NotNil(t, event.Error)
	assert.Equal(t, "boom", *event.Error)
}

func TestSQLiteStore_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, true)

	id, _ := store.Enqueue(ctx, "stuck entry")
	claimed, err := store.ClaimEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	none, err := store.ClaimEvents(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	store.now = func() time.Time { return time.Now().Add(claimLease + time.Minute) }
	reclaimed, err := store.ClaimEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, id, reclaimed[0].ID)
}

func TestSQLiteStore_ReleaseEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, true)

	a, _ := store.Enqueue(ctx, "entry a")
	b, _ := store.Enqueue(ctx, "entry b")
	_, err := store.ClaimEvents(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, store.UpdateEventStatus(ctx, a, models.StatusDone, nil))

	require.NoError(t, store.ReleaseEvents(ctx, []string{a, b}))
	require.NoError(t, store.ReleaseEvents(ctx, nil))

	eventA, err := store.Event(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, eventA.Status, "finished events are not released")

	eventB, err := store.Event(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, eventB.Status)
}

func TestSQLiteStore_UpdateUnknownEvent(t *testing.T) {
	store := newTestSQLiteStore(t, true)

	err := store.UpdateEventStatus(context.Background(), "missing", models.StatusDone, nil)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSQLiteStore_SavePrediction(t *testing.T) {
	ctx := context.Background()
	label2 := "anxiety"
	score2 := 0.7

	t.Run("upsert overwrites", func(t *testing.T) {
		store := newTestSQLiteStore(t, true)
		id, _ := store.Enqueue(ctx, "an entry that was classified")

		require.NoError(t, store.SavePrediction(ctx, &models.Prediction{
			EventID: id, Label: "worrisome", Score: 0.9, ModelVersion: "v1",
			Label2: &label2, Score2: &score2, ModelVersion2: strPtr("v2"),
		}))
		require.NoError(t, store.SavePrediction(ctx, &models.Prediction{
			EventID: id, Label: "benign", Score: 0.8, ModelVersion: "v1",
		}))

		p, err := store.Prediction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "benign", p.Label)
		assert.InDelta(t, 0.8, p.Score, 1e-9)
		assert.Nil(t, p.Label2)
		assert.Nil(t, p.Score2)

		n, err := store.CountPredictions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("insert keeps the first prediction", func(t *testing.T) {
		store := newTestSQLiteStore(t, false)
		id, _ := store.Enqueue(ctx, "an entry that was classified")

		require.NoError(t, store.SavePrediction(ctx, &models.Prediction{
			EventID: id, Label: "worrisome", Score: 0.9, ModelVersion: "v1",
			Label2: &label2, Score2: &score2, ModelVersion2: strPtr("v2"),
		}))
		require.NoError(t, store.SavePrediction(ctx, &models.Prediction{
			EventID: id, Label: "benign", Score: 0.8, ModelVersion: "v1",
		}))

		p, err := store.Prediction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "worrisome", p.Label)
		require.NotNil(t, p.Label2)
		assert.Equal(t, "anxiety", *p.Label2)
		require.NotNil(t, p.ModelVersion2)
		assert.Equal(t, "v2", *p.ModelVersion2)
	})
}
