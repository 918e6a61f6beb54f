package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/config"
	"github.com/emngarcia/me-board/internal/models"
)

// ErrUnknownDriver is returned by NewStore for an unsupported database driver.
var ErrUnknownDriver = errors.New("unknown database driver")

type EventRepository interface {
	// ClaimEvents atomically moves up to batchSize pending events to claimed and returns them.
	ClaimEvents(ctx context.Context, batchSize int) ([]models.QueueEvent, error)
	UpdateEventStatus(ctx context.Context, id string, status models.EventStatus, errMsg *string) error
	// ReleaseEvents puts claimed events back to pending.
	ReleaseEvents(ctx context.Context, ids []string) error
}

type PredictionRepository interface {
	SavePrediction(ctx context.Context, p *models.Prediction) error
}

// Store is everything the worker needs from the database.
type Store interface {
	EventRepository
	PredictionRepository
	Ping(ctx context.Context) error
	Close() error
}

// NewStore opens the store selected by cfg.Database.Driver.
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	upsert := cfg.Worker.Upsert

	switch cfg.Database.Driver {
	case config.DriverSupabase:
		return NewSupabaseStore(cfg.Database.SupabaseURL, cfg.Database.ServiceRoleKey, upsert, logger), nil
	case config.DriverPostgres:
		db, err := NewPostgresDB(ctx, cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		if err := MigrateDB(db, logger); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgresStore(db, upsert, logger), nil
	case config.DriverSQLite:
		store, err := NewSQLiteStore(ctx, cfg.Database.URL, upsert, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Database.Driver)
	}
}
