// Package queue is a durable job queue backed by the jobs table. Jobs are
// claimed with FOR UPDATE SKIP LOCKED so concurrent workers never double-run
// one, and a partial unique index keeps at most one live job per file.
package queue

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

// ErrEmpty indicates no job is ready to run.
var ErrEmpty = errors.New("no jobs ready")

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Defaults for retry behavior.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 2 * time.Second
)

// Job is one file-processing task.
type Job struct {
	ID          uuid.UUID
	FileID      uuid.UUID
	UserID      uuid.UUID
	Attempts    int
	MaxAttempts int
	Status      string
	LastError   string
	RunAt       time.Time
}

// Queue manages jobs in PostgreSQL.
//
// Queue is safe for concurrent use by multiple goroutines.
type Queue struct {
	pool           *pgxpool.Pool
	maxAttempts    int
	initialBackoff time.Duration
	logger         *slog.Logger
}

// New creates a Queue. maxAttempts <= 0 and backoff <= 0 fall back to the
// defaults.
func New(pool *pgxpool.Pool, maxAttempts int, initialBackoff time.Duration, logger *slog.Logger) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if initialBackoff <= 0 {
		initialBackoff = DefaultInitialBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{pool: pool, maxAttempts: maxAttempts, initialBackoff: initialBackoff, logger: logger}, nil
}

const enqueueSQL = `INSERT INTO jobs (id, file_id, user_id, max_attempts, status, run_at)
	VALUES ($1, $2, $3, $4, 'queued', now())
	ON CONFLICT (file_id) WHERE status IN ('queued', 'running') DO NOTHING`

// EnqueueTx inserts a job inside the caller's transaction, typically the one
// that inserts the file row. A file with a live job is not enqueued again.
func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, fileID, userID uuid.UUID) error {
	if _, err := tx.Exec(ctx, enqueueSQL, uuid.New(), fileID, userID, q.maxAttempts); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// Enqueue inserts a job outside any transaction. Used by re-analysis requests
// and the reconciliation sweep.
func (q *Queue) Enqueue(ctx context.Context, fileID, userID uuid.UUID) error {
	if _, err := q.pool.Exec(ctx, enqueueSQL, uuid.New(), fileID, userID, q.maxAttempts); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

const dequeueSQL = `SELECT id, file_id, user_id, attempts, max_attempts, status, coalesce(last_error, ''), run_at
	FROM jobs
	WHERE status = 'queued' AND run_at <= now()
	ORDER BY run_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1`

// Dequeue claims the next ready job and marks it running, incrementing its
// attempt counter. Returns ErrEmpty when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			q.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	var j Job
	err = tx.QueryRow(ctx, dequeueSQL).Scan(
		&j.ID, &j.FileID, &j.UserID, &j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError, &j.RunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	j.Attempts++
	j.Status = StatusRunning
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'running', attempts = $2, updated_at = now() WHERE id = $1`,
		j.ID, j.Attempts); err != nil {
		return nil, fmt.Errorf("marking job running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing job claim: %w", err)
	}
	return &j, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	if _, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', updated_at = now() WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. While attempts remain the job is requeued
// with exponential backoff; otherwise it is terminally failed. Returns true
// when the job will run again.
func (q *Queue) Fail(ctx context.Context, job *Job, cause string) (bool, error) {
	if job.Attempts < job.MaxAttempts {
		delay := q.initialBackoff << (job.Attempts - 1)
		_, err := q.pool.Exec(ctx,
			`UPDATE jobs SET status = 'queued', last_error = $2, run_at = now() + $3, updated_at = now() WHERE id = $1`,
			job.ID, cause, delay)
		if err != nil {
			return false, fmt.Errorf("rescheduling job: %w", err)
		}
		q.logger.Info("job rescheduled",
			"job_id", job.ID, "file_id", job.FileID, "attempt", job.Attempts, "delay", delay)
		return true, nil
	}

	_, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`,
		job.ID, cause)
	if err != nil {
		return false, fmt.Errorf("failing job: %w", err)
	}
	return false, nil
}

// Abandon terminally fails a job without consuming remaining attempts. Used
// when the file was deleted mid-processing and retrying is pointless.
func (q *Queue) Abandon(ctx context.Context, jobID uuid.UUID, cause string) error {
	if _, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`,
		jobID, cause); err != nil {
		return fmt.Errorf("abandoning job: %w", err)
	}
	return nil
}

const requeueOrphansSQL = `INSERT INTO jobs (id, file_id, user_id, max_attempts, status, run_at)
	SELECT gen_random_uuid(), f.id, f.user_id, $2, 'queued', now()
	FROM files f
	WHERE f.status = 'pending'
	  AND f.created_at < now() - $1
	  AND NOT EXISTS (
		SELECT 1 FROM jobs j
		WHERE j.file_id = f.id AND j.status IN ('queued', 'running')
	  )
	ON CONFLICT (file_id) WHERE status IN ('queued', 'running') DO NOTHING`

// RequeueOrphans enqueues jobs for pending files older than grace that have
// no live job, compensating for enqueues lost to partial failures. Returns
// the number of jobs created.
func (q *Queue) RequeueOrphans(ctx context.Context, grace time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx, requeueOrphansSQL, grace, q.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeueing orphaned files: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		q.logger.Info("requeued orphaned pending files", "count", n)
	}
	return n, nil
}

const reclaimStaleSQL = `WITH reclaimed AS (
		UPDATE jobs
		SET status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
		    last_error = 'worker interrupted mid-job',
		    run_at = now(),
		    updated_at = now()
		WHERE status = 'running' AND updated_at < now() - $1
		RETURNING file_id, status
	), terminal AS (
		UPDATE files f
		SET status = 'failed', error = 'processing was interrupted', updated_at = now()
		FROM reclaimed r
		WHERE f.id = r.file_id AND r.status = 'failed'
	)
	SELECT count(*) FROM reclaimed`

// ReclaimStale recovers jobs stuck in running after a worker died without
// recording an outcome. Every job transition touches updated_at, so a running
// job untouched for longer than olderThan has no live worker. Jobs with
// attempts remaining are requeued immediately; exhausted jobs go terminal
// together with their file. Returns the number of jobs reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, reclaimStaleSQL, olderThan).Scan(&n); err != nil {
		return 0, fmt.Errorf("reclaiming stale jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("reclaimed stale running jobs", "count", n)
	}
	return n, nil
}
