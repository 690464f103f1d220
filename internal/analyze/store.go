package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no analysis exists for the file.
var ErrNotFound = errors.New("analysis not found")

// Record is a persisted analysis. At most one live record exists per file;
// re-analysis replaces it.
type Record struct {
	ID        uuid.UUID `json:"id"`
	FileID    uuid.UUID `json:"fileId"`
	UserID    uuid.UUID `json:"-"`
	Result    Result    `json:"result"`
	Model     string    `json:"model"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists analysis records in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates an analysis Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

const upsertSQL = `INSERT INTO analyses
	(id, file_id, user_id, summary, key_points, insights, metadata, entities, relationships, model, degraded)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (file_id) DO UPDATE SET
		summary = EXCLUDED.summary,
		key_points = EXCLUDED.key_points,
		insights = EXCLUDED.insights,
		metadata = EXCLUDED.metadata,
		entities = EXCLUDED.entities,
		relationships = EXCLUDED.relationships,
		model = EXCLUDED.model,
		degraded = EXCLUDED.degraded,
		created_at = now()`

// Upsert inserts the analysis for rec.FileID, replacing any previous one.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, upsertSQL,
		rec.ID, rec.FileID, rec.UserID,
		rec.Result.Summary, rec.Result.KeyPoints, rec.Result.Insights,
		rec.Result.Metadata, rec.Result.Entities, rec.Result.Relationships,
		rec.Model, rec.Degraded)
	if err != nil {
		return fmt.Errorf("upserting analysis: %w", err)
	}
	return nil
}

const getByFileSQL = `SELECT id, file_id, user_id, summary, key_points, insights,
	metadata, entities, relationships, model, degraded, created_at
	FROM analyses WHERE file_id = $1 AND user_id = $2`

// GetByFile returns the analysis for a file, scoped to its owner.
func (s *Store) GetByFile(ctx context.Context, userID, fileID uuid.UUID) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, getByFileSQL, fileID, userID).Scan(
		&rec.ID, &rec.FileID, &rec.UserID,
		&rec.Result.Summary, &rec.Result.KeyPoints, &rec.Result.Insights,
		&rec.Result.Metadata, &rec.Result.Entities, &rec.Result.Relationships,
		&rec.Model, &rec.Degraded, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading analysis: %w", err)
	}
	return &rec, nil
}
