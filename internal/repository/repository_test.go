package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/config"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Default()
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.URL = ":memory:"

		store, err := NewStore(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &SQLiteStore{}, store)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("supabase", func(t *testing.T) {
		cfg := config.Default()
		cfg.Database.SupabaseURL = "https://example.supabase.co"
		cfg.Database.ServiceRoleKey = "key"

		store, err := NewStore(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		assert.IsType(t, &SupabaseStore{}, store)
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := config.Default()
		cfg.Database.Driver = "mongo"

		_, err := NewStore(ctx, cfg, zap.NewNop())
		assert.ErrorIs(t, err, ErrUnknownDriver)
	})
}
