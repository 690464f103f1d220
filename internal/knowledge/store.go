// Package knowledge stores embedded text chunks and retrieves them by vector
// similarity. All reads and writes are scoped to the owning user.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ErrMissingUser indicates a search without a user scope. Tenant scoping is
// mandatory, never defaulted.
var ErrMissingUser = errors.New("search requires a user id")

// Search defaults.
const (
	DefaultLimit     = 10
	DefaultThreshold = 0.7
	MaxLimit         = 50
)

// Chunk is one embedded segment of a file's content.
type Chunk struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	FileID     uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

// SearchParams scope and bound a similarity search. UserID is required. A
// zero Limit or Threshold selects the package default; a negative Threshold
// disables the similarity floor entirely.
type SearchParams struct {
	UserID    uuid.UUID
	FileIDs   []uuid.UUID
	Limit     int
	Threshold float64
}

// Result is one search hit with its similarity in [0,1].
type Result struct {
	ChunkID    uuid.UUID `json:"chunkId"`
	FileID     uuid.UUID `json:"fileId"`
	FileName   string    `json:"fileName"`
	ChunkIndex int       `json:"chunkIndex"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
}

// Store persists chunks in PostgreSQL with pgvector embeddings.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a knowledge Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// ReplaceForFile atomically replaces all chunks of a file. Delete and insert
// run in one transaction under a per-file advisory lock, so readers observe
// either the old set or the new set, never a partial mix, and concurrent
// replacements for the same file serialize.
func (s *Store) ReplaceForFile(ctx context.Context, userID, fileID uuid.UUID, chunks []Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// pg_advisory_xact_lock releases automatically at commit/rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fileID.String()); err != nil {
		return fmt.Errorf("acquiring advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM knowledge_chunks WHERE file_id = $1 AND user_id = $2`, fileID, userID); err != nil {
		return fmt.Errorf("deleting old chunks: %w", err)
	}

	for _, c := range chunks {
		id := c.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO knowledge_chunks (id, user_id, file_id, chunk_index, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, userID, fileID, c.ChunkIndex, c.Content, pgvector.NewVector(c.Embedding)); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunk replacement: %w", err)
	}
	s.logger.Debug("replaced file chunks", "file_id", fileID, "count", len(chunks))
	return nil
}

// DeleteByFile removes all chunks of a file. Deleting a file with no chunks
// is not an error.
func (s *Store) DeleteByFile(ctx context.Context, userID, fileID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM knowledge_chunks WHERE file_id = $1 AND user_id = $2`, fileID, userID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

const searchSQL = `SELECT kc.id, kc.file_id, f.name, kc.chunk_index, kc.content,
	1 - (kc.embedding <=> $1) AS similarity
	FROM knowledge_chunks kc
	JOIN files f ON f.id = kc.file_id
	WHERE kc.user_id = $2
	  AND ($3::uuid[] IS NULL OR kc.file_id = ANY($3))
	  AND 1 - (kc.embedding <=> $1) >= $4
	ORDER BY similarity DESC, kc.chunk_index ASC, kc.file_id ASC
	LIMIT $5`

// Search returns the chunks most similar to embedding, highest similarity
// first with deterministic tie-breaking. Results below the threshold are
// excluded in SQL. A zero Limit uses DefaultLimit; a zero Threshold uses
// DefaultThreshold, and a negative Threshold keeps every match.
func (s *Store) Search(ctx context.Context, embedding []float32, p SearchParams) ([]Result, error) {
	if p.UserID == uuid.Nil {
		return nil, ErrMissingUser
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	threshold := p.Threshold
	switch {
	case threshold == 0:
		threshold = DefaultThreshold
	case threshold < 0:
		// Cosine similarity bottoms out at -1, so this keeps every match.
		threshold = -1
	}
	var fileIDs []uuid.UUID
	if len(p.FileIDs) > 0 {
		fileIDs = p.FileIDs
	}

	rows, err := s.pool.Query(ctx, searchSQL,
		pgvector.NewVector(embedding), p.UserID, fileIDs, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ChunkID, &r.FileID, &r.FileName, &r.ChunkIndex, &r.Content, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	return results, nil
}
