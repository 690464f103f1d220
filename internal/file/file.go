// Package file manages uploaded file records and their processing status.
package file

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

// ErrNotFound indicates the file does not exist or belongs to another user.
var ErrNotFound = errors.New("file not found")

// Status is the processing state of a file.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// File is one uploaded file and its processing state.
type File struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"userId"`
	Name       string         `json:"name"`
	MediaType  string         `json:"mediaType"`
	SizeBytes  int64          `json:"sizeBytes"`
	StorageKey string         `json:"-"`
	Status     Status         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Store persists file records in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a file Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

const insertFileSQL = `INSERT INTO files
	(id, user_id, name, media_type, size_bytes, storage_key, status, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Create inserts f with status pending and runs enqueue inside the same
// transaction. If enqueue fails nothing is persisted, so a file row can never
// exist without its processing job.
func (s *Store) Create(ctx context.Context, f *File, enqueue func(tx pgx.Tx) error) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.Status = StatusPending

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, insertFileSQL,
		f.ID, f.UserID, f.Name, f.MediaType, f.SizeBytes, f.StorageKey, f.Status, f.Metadata); err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}
	if enqueue != nil {
		if err := enqueue(tx); err != nil {
			return fmt.Errorf("enqueueing processing job: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing file creation: %w", err)
	}
	return nil
}

const fileCols = `id, user_id, name, media_type, size_bytes, storage_key,
	status, coalesce(error, ''), metadata, created_at, updated_at`

func scanFile(row pgx.Row) (*File, error) {
	var f File
	err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.MediaType, &f.SizeBytes,
		&f.StorageKey, &f.Status, &f.Error, &f.Metadata, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning file: %w", err)
	}
	return &f, nil
}

// Get returns one file, scoped to its owner.
func (s *Store) Get(ctx context.Context, userID, fileID uuid.UUID) (*File, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fileCols+` FROM files WHERE id = $1 AND user_id = $2`, fileID, userID)
	return scanFile(row)
}

// GetAny returns one file regardless of owner. Used by the job pipeline,
// which already carries the owner from the job row.
func (s *Store) GetAny(ctx context.Context, fileID uuid.UUID) (*File, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fileCols+` FROM files WHERE id = $1`, fileID)
	return scanFile(row)
}

// List returns all files for a user, newest first.
func (s *Store) List(ctx context.Context, userID uuid.UUID) ([]*File, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileCols+` FROM files WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// UpdateStatus transitions a file's status. Returns ErrNotFound when the file
// row no longer exists, which the job pipeline uses to detect deletion
// mid-processing.
func (s *Store) UpdateStatus(ctx context.Context, fileID uuid.UUID, status Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE files SET status = $2, error = NULL, updated_at = now() WHERE id = $1`,
		fileID, status)
	if err != nil {
		return fmt.Errorf("updating file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFailure marks a file failed with a sanitized error message.
func (s *Store) SetFailure(ctx context.Context, fileID uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE files SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		fileID, StatusFailed, message)
	if err != nil {
		return fmt.Errorf("marking file failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a file row, scoped to its owner. Chunks and analysis go with
// it via ON DELETE CASCADE; the caller handles object storage separately.
func (s *Store) Delete(ctx context.Context, userID, fileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM files WHERE id = $1 AND user_id = $2`, fileID, userID)
	if err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
