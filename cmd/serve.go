package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/fathomhq/fathom/internal/analyze"
	"github.com/fathomhq/fathom/internal/api"
	"github.com/fathomhq/fathom/internal/auth"
	"github.com/fathomhq/fathom/internal/chat"
	"github.com/fathomhq/fathom/internal/config"
	"github.com/fathomhq/fathom/internal/database"
	"github.com/fathomhq/fathom/internal/embed"
	"github.com/fathomhq/fathom/internal/file"
	"github.com/fathomhq/fathom/internal/knowledge"
	"github.com/fathomhq/fathom/internal/queue"
	"github.com/fathomhq/fathom/internal/storage"
)

// HTTP server timeouts. WriteTimeout covers a full SSE chat stream, so it is
// far longer than the usual request budget.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var flagListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListenAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
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

	embedder := embed.New(client.Models, cfg.EmbedderModel, logger.With("component", "embedder"))
	retriever, err := knowledge.NewRetriever(chunks, embedder, logger.With("component", "retriever"))
	if err != nil {
		return err
	}
	assembler, err := chat.New(client.Models, retriever, cfg.ChatModel, logger.With("component", "chat"))
	if err != nil {
		return err
	}
	verifier, err := auth.NewHMACVerifier(cfg.AuthSecret)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.ServerConfig{
		Logger:         logger.With("component", "api"),
		Verifier:       verifier,
		Files:          files,
		Analyses:       analyses,
		Retriever:      retriever,
		Assembler:      assembler,
		Queue:          jobs,
		Storage:        objects,
		Pool:           pool,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		ChatRateLimit:  cfg.ChatRatePerMin,
		APIRateLimit:   cfg.APIRatePerMin,
		UploadRate:     cfg.UploadRatePerMin,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	addr := cfg.ListenAddr
	if flagListenAddr != "" {
		addr = flagListenAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
