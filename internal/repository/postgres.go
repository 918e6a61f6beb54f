package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/models"
)

// PostgresStore is a Store backed directly by a PostgreSQL database that
// carries the keyboard_events/predictions schema and the claim function.
type PostgresStore struct {
	db     *sqlx.DB
	upsert bool
	logger *zap.Logger
}

// NewPostgresStore creates a new Postgres-backed store
func NewPostgresStore(db *sqlx.DB, upsert bool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		upsert: upsert,
		logger: logger,
	}
}

func (s *PostgresStore) ClaimEvents(ctx context.Context, batchSize int) ([]models.QueueEvent, error) {
	var events []models.QueueEvent
	query := `SELECT id::text AS id, text FROM claim_keyboard_events($1)`

	if err := s.db.SelectContext(ctx, &events, query, batchSize); err != nil {
		s.logger.Error("Failed to claim events", zap.Int("batch_size", batchSize), zap.Error(err))
		return nil, fmt.Errorf("claim events: %w", err)
	}

	for i := range events {
		events[i].Status = models.StatusClaimed
	}
	return events, nil
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id string, status models.EventStatus, errMsg *string) error {
	query := `
		UPDATE keyboard_events
		SET status = $1, error = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, string(status), errMsg, id)
	if err != nil {
		s.logger.Error("Failed to update event status", zap.String("event_id", id), zap.String("status", string(status)), zap.Error(err))
		return fmt.Errorf("update event %s to %s: %w", id, status, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("update event %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *PostgresStore) ReleaseEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE keyboard_events
		SET status = 'pending', claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id::text = ANY($1) AND status = 'claimed'
	`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		s.logger.Error("Failed to release events", zap.Int("count", len(ids)), zap.Error(err))
		return fmt.Errorf("release events: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePrediction(ctx context.Context, p *models.Prediction) error {
	query := `
		INSERT INTO predictions (event_id, label, score, model_version, input_text, label2, score2, model_version2)
		VALUES (:event_id, :label, :score, :model_version, :input_text, :label2, :score2, :model_version2)
	`
	if s.upsert {
		query += `
		ON CONFLICT (event_id) DO UPDATE SET
			label = EXCLUDED.label,
			score = EXCLUDED.score,
			model_version = EXCLUDED.model_version,
			input_text = EXCLUDED.input_text,
			label2 = EXCLUDED.label2,
			score2 = EXCLUDED.score2,
			model_version2 = EXCLUDED.model_version2,
			created_at = CURRENT_TIMESTAMP`
	} else {
		query += ` ON CONFLICT (event_id) DO NOTHING`
	}

	if _, err := s.db.NamedExecContext(ctx, query, p); err != nil {
		s.logger.Error("Failed to save prediction", zap.String("event_id", p.EventID), zap.Error(err))
		return fmt.Errorf("save prediction for %s: %w", p.EventID, err)
	}
	return nil
}

// Enqueue inserts a pending event and returns its id.
func (s *PostgresStore) Enqueue(ctx context.Context, text string) (string, error) {
	var id string
	query := `INSERT INTO keyboard_events (text) VALUES ($1) RETURNING id::text`
	if err := s.db.QueryRowxContext(ctx, query, text).Scan(&id); err != nil {
		return "", fmt.Errorf("enqueue event: %w", err)
	}
	return id, nil
}

// Event returns one event row, or sql.ErrNoRows.
func (s *PostgresStore) Event(ctx context.Context, id string) (*models.QueueEvent, error) {
	var event models.QueueEvent
	query := `SELECT id::text AS id, text, status, error FROM keyboard_events WHERE id = $1`
	if err := s.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// Prediction returns the prediction stored for an event, or sql.ErrNoRows.
func (s *PostgresStore) Prediction(ctx context.Context, eventID string) (*models.Prediction, error) {
	var p models.Prediction
	query := `
		SELECT event_id::text AS event_id, label, score, model_version, input_text, label2, score2, model_version2
		FROM predictions
		WHERE event_id = $1
	`
	if err := s.db.GetContext(ctx, &p, query, eventID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
