package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/fathomhq/fathom/internal/analyze"
	"github.com/fathomhq/fathom/internal/chunk"
	"github.com/fathomhq/fathom/internal/config"
	"github.com/fathomhq/fathom/internal/database"
	"github.com/fathomhq/fathom/internal/embed"
	"github.com/fathomhq/fathom/internal/file"
	"github.com/fathomhq/fathom/internal/knowledge"
	"github.com/fathomhq/fathom/internal/queue"
	"github.com/fathomhq/fathom/internal/storage"
	"github.com/fathomhq/fathom/internal/worker"
)

var flagConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the file processing worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	workerCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "worker goroutines (overrides config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	logger := newLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := database.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("creating Gemini client: %w", err)
	}

	files, err := file.NewStore(pool, logger.With("component", "files"))
	if err != nil {
		return err
	}
	analyses, err := analyze.NewStore(pool, logger.With("component", "analyses"))
	if err != nil {
		return err
	}
	chunks, err := knowledge.NewStore(pool, logger.With("component", "knowledge"))
	if err != nil {
		return err
	}
	jobs, err := queue.New(pool, cfg.JobMaxAttempts, queue.DefaultInitialBackoff,
		logger.With("component", "queue"))
	if err != nil {
		return err
	}
	objects, err := storage.NewS3(ctx, storage.S3Config{
		Bucket:   cfg.StorageBucket,
		Region:   cfg.StorageRegion,
		Endpoint: cfg.StorageEndpoint,
	}, logger.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("creating object storage: %w", err)
	}

	splitter, err := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("creating splitter: %w", err)
	}

	concurrency := cfg.WorkerConcurrency
	if flagConcurrency > 0 {
		concurrency = flagConcurrency
	}

	workers, err := worker.New(worker.Config{
		Queue:       jobs,
		Files:       files,
		Analyses:    analyses,
		Chunks:      chunks,
		Storage:     objects,
		Analyzer:    analyze.New(client.Models, cfg.AnalysisModel, logger.With("component", "analyzer")),
		Embedder:    embed.New(client.Models, cfg.EmbedderModel, logger.With("component", "embedder")),
		Splitter:    splitter,
		Model:       cfg.AnalysisModel,
		Concurrency: concurrency,
		Logger:      logger.With("component", "worker"),
	})
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}

	return workers.Run(ctx)
}
