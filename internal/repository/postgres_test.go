package repository

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/models"
)

// Runs against a real database: TEST_DATABASE_URL=postgres://... go test ./internal/repository
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	logger := zap.NewNop()
	db, err := NewPostgresDB(ctx, dsn, logger)
	require.NoError(t, err)
	require.NoError(t, MigrateDB(db, logger))

	_, err = db.ExecContext(ctx, `TRUNCATE predictions, keyboard_events`)
	require.NoError(t, err)

	store := NewPostgresStore(db, true, logger)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestPostgresStore(t)

	first, err := store.Enqueue(ctx, "first entry for postgres")
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, "second entry for postgres")
	require.NoError(t, err)

	claimed, err := store.ClaimEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	again, err := store.ClaimEvents(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.SavePrediction(ctx, &models.Prediction{
		EventID: first, Label: "benign", Score: 0.9, ModelVersion: "v1",
	}))
	require.NoError(t, store.UpdateEventStatus(ctx, first, models.StatusDone, nil))
	require.NoError(t, store.ReleaseEvents(ctx, []string{first, second}))

	done, err := store.Event(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, done.Status)

	released, err := store.Event(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, released.Status)

	p, err := store.Prediction(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "benign", p.Label)
	assert.Nil(t, p.Label2)
}
