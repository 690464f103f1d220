// Package worker runs the file analysis pipeline: it claims jobs from the
// queue, downloads and extracts content, produces the AI analysis, and
// replaces the file's knowledge chunks. Several workers poll concurrently;
// the queue guarantees a job is only ever claimed once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fathomhq/fathom/internal/analyze"
	"github.com/fathomhq/fathom/internal/chunk"
	"github.com/fathomhq/fathom/internal/extract"
	"github.com/fathomhq/fathom/internal/file"
	"github.com/fathomhq/fathom/internal/knowledge"
	"github.com/fathomhq/fathom/internal/queue"
	"github.com/fathomhq/fathom/internal/storage"
)

// Pipeline step timeouts and loop intervals.
const (
	downloadTimeout = 30 * time.Second
	analyzeTimeout  = 2 * time.Minute
	persistTimeout  = 30 * time.Second
	jobTimeout      = 10 * time.Minute

	defaultPollInterval  = time.Second
	defaultSweepInterval = time.Minute
	orphanGrace          = 5 * time.Minute

	// staleRunningAge must exceed jobTimeout so the sweep never reclaims a
	// job whose worker is still inside its deadline.
	staleRunningAge = jobTimeout + time.Minute

	// embedConcurrency bounds the chunk embedding fan-out per job.
	embedConcurrency = 4
)

// DefaultConcurrency is the default number of worker goroutines.
const DefaultConcurrency = 5

// jobQueue is the queue surface the pool needs. *queue.Queue satisfies it.
type jobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, job *queue.Job, cause string) (bool, error)
	Abandon(ctx context.Context, jobID uuid.UUID, cause string) error
	RequeueOrphans(ctx context.Context, grace time.Duration) (int, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// fileStore is the file surface the pool needs. *file.Store satisfies it.
type fileStore interface {
	GetAny(ctx context.Context, fileID uuid.UUID) (*file.File, error)
	UpdateStatus(ctx context.Context, fileID uuid.UUID, status file.Status) error
	SetFailure(ctx context.Context, fileID uuid.UUID, message string) error
}

// analysisStore persists analysis records. *analyze.Store satisfies it.
type analysisStore interface {
	Upsert(ctx context.Context, rec *analyze.Record) error
}

// chunkStore persists knowledge chunks. *knowledge.Store satisfies it.
type chunkStore interface {
	ReplaceForFile(ctx context.Context, userID, fileID uuid.UUID, chunks []knowledge.Chunk) error
}

// analyzer produces the structured analysis. *analyze.Analyzer satisfies it.
type analyzer interface {
	Analyze(ctx context.Context, in analyze.Input) (*analyze.Result, bool, error)
}

// embedder turns chunk text into vectors. *embed.Service satisfies it.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config assembles a Pool's dependencies.
type Config struct {
	Queue       jobQueue
	Files       fileStore
	Analyses    analysisStore
	Chunks      chunkStore
	Storage     storage.Store
	Analyzer    analyzer
	Embedder    embedder
	Splitter    *chunk.Splitter
	Model       string
	Concurrency int
	// PollInterval overrides the idle polling interval; zero uses the default.
	PollInterval time.Duration
	// SweepInterval overrides the reconciliation interval; zero uses the default.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Pool is a set of worker goroutines processing analysis jobs.
type Pool struct {
	cfg           Config
	pollInterval  time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// New creates a Pool.
func New(cfg Config) (*Pool, error) {
	switch {
	case cfg.Queue == nil, cfg.Files == nil, cfg.Analyses == nil, cfg.Chunks == nil,
		cfg.Storage == nil, cfg.Analyzer == nil, cfg.Embedder == nil, cfg.Splitter == nil:
		return nil, fmt.Errorf("all pipeline dependencies are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		cfg:           cfg,
		pollInterval:  cfg.PollInterval,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.sweepInterval <= 0 {
		p.sweepInterval = defaultSweepInterval
	}
	return p, nil
}

// Run starts the workers and the reconciliation sweep, blocking until ctx is
// canceled. All goroutines have exited when Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range p.cfg.Concurrency {
		id := i
		g.Go(func() error {
			p.workLoop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.sweepLoop(ctx)
		return nil
	})

	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// workLoop polls for jobs until ctx is canceled.
func (p *Pool) workLoop(ctx context.Context, id int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		job, err := p.cfg.Queue.Dequeue(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			timer.Reset(p.pollInterval)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "worker", id, "error", err)
			timer.Reset(p.pollInterval)
			continue
		}

		p.runJob(ctx, job)
		timer.Reset(0)
	}
}

// sweepLoop periodically re-enqueues pending files whose jobs were lost and
// reclaims running jobs abandoned by a dead worker.
func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.cfg.Queue.RequeueOrphans(ctx, orphanGrace); err != nil && ctx.Err() == nil {
				p.logger.Error("reconciliation sweep failed", "error", err)
			}
			if _, err := p.cfg.Queue.ReclaimStale(ctx, staleRunningAge); err != nil && ctx.Err() == nil {
				p.logger.Error("stale job reclaim failed", "error", err)
			}
		}
	}
}

// runJob executes one job and records its outcome.
func (p *Pool) runJob(ctx context.Context, job *queue.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	logger := p.logger.With("job_id", job.ID, "file_id", job.FileID, "attempt", job.Attempts)
	logger.Info("processing file")

	err := p.process(jobCtx, job)
	switch {
	case err == nil:
		if cerr := p.cfg.Queue.Complete(ctx, job.ID); cerr != nil {
			logger.Error("completing job", "error", cerr)
		}
		logger.Info("file processed")

	case errors.Is(err, errFileGone):
		// The file was deleted mid-job; retrying is pointless.
		if aerr := p.cfg.Queue.Abandon(ctx, job.ID, "file deleted during processing"); aerr != nil {
			logger.Error("abandoning job", "error", aerr)
		}
		logger.Info("file deleted during processing, job abandoned")

	case isPermanent(err):
		logger.Warn("permanent processing failure", "error", err)
		p.markFailed(ctx, job, err)
		if aerr := p.cfg.Queue.Abandon(ctx, job.ID, err.Error()); aerr != nil {
			logger.Error("abandoning job", "error", aerr)
		}

	default:
		logger.Warn("processing failed", "error", err)
		retried, ferr := p.cfg.Queue.Fail(ctx, job, err.Error())
		if ferr != nil {
			logger.Error("recording job failure", "error", ferr)
			return
		}
		if !retried {
			p.markFailed(ctx, job, err)
		}
	}
}

// errFileGone marks a job whose file disappeared mid-processing.
var errFileGone = errors.New("file no longer exists")

// isPermanent reports whether an error cannot be fixed by retrying.
func isPermanent(err error) bool {
	return errors.Is(err, extract.ErrUnsupportedMediaType) ||
		errors.Is(err, extract.ErrMalformedDocument) ||
		errors.Is(err, analyze.ErrNoContent)
}

// markFailed records the terminal failure on the file row with a sanitized
// message. A missing row means the file was deleted; nothing to record.
func (p *Pool) markFailed(ctx context.Context, job *queue.Job, cause error) {
	msg := "processing failed"
	if isPermanent(cause) {
		msg = cause.Error()
	}
	if err := p.cfg.Files.SetFailure(ctx, job.FileID, msg); err != nil && !errors.Is(err, file.ErrNotFound) {
		p.logger.Error("marking file failed", "file_id", job.FileID, "error", err)
	}
}

// process runs the pipeline for one job: download, extract, analyze, chunk,
// embed, persist. Returns errFileGone when the file vanishes mid-flight.
func (p *Pool) process(ctx context.Context, job *queue.Job) error {
	f, err := p.cfg.Files.GetAny(ctx, job.FileID)
	if errors.Is(err, file.ErrNotFound) {
		return errFileGone
	}
	if err != nil {
		return fmt.Errorf("loading file: %w", err)
	}

	if err := p.cfg.Files.UpdateStatus(ctx, f.ID, file.StatusProcessing); err != nil {
		if errors.Is(err, file.ErrNotFound) {
			return errFileGone
		}
		return fmt.Errorf("marking file processing: %w", err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	data, err := p.cfg.Storage.Download(dlCtx, f.StorageKey)
	cancel()
	if err != nil {
		return fmt.Errorf("downloading content: %w", err)
	}

	// Images skip extraction: the model reads the bytes directly and the
	// serialized analysis becomes the chunkable text.
	isImage := extract.IsImage(f.MediaType)
	var text string
	if !isImage {
		text, err = extract.Extract(data, f.MediaType)
		if err != nil {
			return fmt.Errorf("extracting content: %w", err)
		}
	}

	anCtx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	in := analyze.Input{MediaType: f.MediaType, Text: text}
	if isImage {
		in.Blob = data
	}
	result, degraded, err := p.cfg.Analyzer.Analyze(anCtx, in)
	cancel()
	if err != nil {
		return fmt.Errorf("analyzing content: %w", err)
	}

	upCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	err = p.cfg.Analyses.Upsert(upCtx, &analyze.Record{
		FileID:   f.ID,
		UserID:   f.UserID,
		Result:   *result,
		Model:    p.cfg.Model,
		Degraded: degraded,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("saving analysis: %w", err)
	}

	chunkSource := text
	if isImage {
		chunkSource = result.Text()
	}
	chunks, err := p.embedChunks(ctx, f, chunkSource)
	if err != nil {
		return err
	}

	rpCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	err = p.cfg.Chunks.ReplaceForFile(rpCtx, f.UserID, f.ID, chunks)
	cancel()
	if err != nil {
		return fmt.Errorf("replacing chunks: %w", err)
	}

	if err := p.cfg.Files.UpdateStatus(ctx, f.ID, file.StatusCompleted); err != nil {
		if errors.Is(err, file.ErrNotFound) {
			return errFileGone
		}
		return fmt.Errorf("marking file completed: %w", err)
	}
	return nil
}

// embedChunks splits text and embeds every chunk with bounded fan-out.
// Results are placed by index so persisted order equals split order.
func (p *Pool) embedChunks(ctx context.Context, f *file.File, text string) ([]knowledge.Chunk, error) {
	parts := p.cfg.Splitter.Split(text)
	// Extraction can yield windows of pure whitespace (page breaks, padded
	// spreadsheets). They carry no signal and the embedder rejects them, so
	// drop them before indices are assigned.
	parts = slices.DeleteFunc(parts, func(part string) bool {
		return strings.TrimSpace(part) == ""
	})
	if len(parts) == 0 {
		return nil, nil
	}

	chunks := make([]knowledge.Chunk, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, part := range parts {
		g.Go(func() error {
			vec, err := p.cfg.Embedder.Embed(gctx, part)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			chunks[i] = knowledge.Chunk{
				UserID:     f.UserID,
				FileID:     f.ID,
				ChunkIndex: i,
				Content:    part,
				Embedding:  vec,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chunks, nil
}
