package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/emngarcia/me-board/internal/models"
)

// claimLease is how long a claimed event may stay unfinished before it is handed out again.
const claimLease = 10 * time.Minute

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS keyboard_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	text       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	error      TEXT,
	claimed_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_keyboard_events_status ON keyboard_events (status, seq);

CREATE TABLE IF NOT EXISTS predictions (
	event_id       TEXT PRIMARY KEY REFERENCES keyboard_events (id),
	label          TEXT NOT NULL,
	score          REAL NOT NULL,
	model_version  TEXT NOT NULL,
	input_text     TEXT,
	label2         TEXT,
	score2         REAL,
	model_version2 TEXT,
	created_at     INTEGER NOT NULL
);
`

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteStore is a single-file Store for local runs and tests.
// It reproduces the claim semantics of claim_keyboard_events.
type SQLiteStore struct {
	db     *sqlx.DB
	upsert bool
	now    func() time.Time
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
// ":memory:" gives a throwaway in-memory database.
func NewSQLiteStore(ctx context.Context, path string, upsert bool, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes claims and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	logger.Info("SQLite store ready", zap.String("path", path))
	return &SQLiteStore{db: db, upsert: upsert, now: time.Now, logger: logger}, nil
}

func (s *SQLiteStore) ClaimEvents(ctx context.Context, batchSize int) ([]models.QueueEvent, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var events []models.QueueEvent
	query := `
		SELECT id, text FROM keyboard_events
		WHERE status = 'pending' OR (status = 'claimed' AND claimed_at < ?)
		ORDER BY seq
		LIMIT ?
	`
	if err := tx.SelectContext(ctx, &events, query, now.Add(-claimLease).Unix(), batchSize); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	if len(events) == 0 {
		return events, nil
	}

	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
		events[i].Status = models.StatusClaimed
	}

	update, args, err := sqlx.In(
		`UPDATE keyboard_events SET status = 'claimed', claimed_at = ?, updated_at = ? WHERE id IN (?)`,
		now.Unix(), now.Unix(), ids)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(update), args...); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) UpdateEventStatus(ctx context.Context, id string, status models.EventStatus, errMsg *string) error {
	query := `UPDATE keyboard_events SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, string(status), errMsg, s.now().Unix(), id)
	if err != nil {
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

func (s *SQLiteStore) ReleaseEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		`UPDATE keyboard_events SET status = 'pending', claimed_at = NULL, updated_at = ? WHERE status = 'claimed' AND id IN (?)`,
		s.now().Unix(), ids)
	if err != nil {
		return fmt.Errorf("release events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("release events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SavePrediction(ctx context.Context, p *models.Prediction) error {
	conflict := `ON CONFLICT (event_id) DO NOTHING`
	if s.upsert {
		conflict = `ON CONFLICT (event_id) DO UPDATE SET
			label = excluded.label,
			score = excluded.score,
			model_version = excluded.model_version,
			input_text = excluded.input_text,
			label2 = excluded.label2,
			score2 = excluded.score2,
			model_version2 = excluded.model_version2,
			created_at = excluded.created_at`
	}
	query := `
		INSERT INTO predictions (event_id, label, score, model_version, input_text, label2, score2, model_version2, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ` + conflict

	_, err := s.db.ExecContext(ctx, query,
		p.EventID, p.Label, p.Score, p.ModelVersion, p.InputText,
		p.Label2, p.Score2, p.ModelVersion2, s.now().Unix())
	if err != nil {
		return fmt.Errorf("save prediction for %s: %w", p.EventID, err)
	}
	return nil
}

// Enqueue inserts a pending event and returns its generated id.
func (s *SQLiteStore) Enqueue(ctx context.Context, text string) (string, error) {
	id := uuid.NewString()
	now := s.now().Unix()
	query := `INSERT INTO keyboard_events (id, text, status, created_at, updated_at) VALUES (?, ?, 'pending', ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, text, now, now); err != nil {
		return "", fmt.Errorf("enqueue event: %w", err)
	}
	return id, nil
}

// Event returns one event row, or sql.ErrNoRows.
func (s *SQLiteStore) Event(ctx context.Context, id string) (*models.QueueEvent, error) {
	var event models.QueueEvent
	query := `SELECT id, text, status, error FROM keyboard_events WHERE id = ?`
	if err := s.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// Prediction returns the prediction stored for an event, or sql.ErrNoRows.
func (s *SQLiteStore) Prediction(ctx context.Context, eventID string) (*models.Prediction, error) {
	var p models.Prediction
	query := `
		SELECT event_id, label, score, model_version, input_text, label2, score2, model_version2
		FROM predictions WHERE event_id = ?
	`
	if err := s.db.GetContext(ctx, &p, query, eventID); err != nil {
		return nil, err
	}
	return &p, nil
}

// CountPredictions returns the number of stored predictions.
func (s *SQLiteStore) CountPredictions(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM predictions`)
	return n, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
