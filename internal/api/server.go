// Package api is the HTTP surface: file upload and management, knowledge
// search, and streaming chat. Authentication is delegated to an injected
// token verifier; every handler is tenant-scoped by the authenticated user.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fathomhq/fathom/internal/analyze"
	"github.com/fathomhq/fathom/internal/chat"
	"github.com/fathomhq/fathom/internal/file"
	"github.com/fathomhq/fathom/internal/knowledge"
	"github.com/fathomhq/fathom/internal/storage"
)

// Default per-identity rate limits (requests per minute).
const (
	DefaultChatRateLimit   = 20
	DefaultAPIRateLimit    = 100
	DefaultUploadRateLimit = 10
)

// DefaultMaxUploadBytes caps upload size at 50MB.
const DefaultMaxUploadBytes = 50 << 20

// fileStore is the file persistence surface handlers need. *file.Store
// satisfies it.
type fileStore interface {
	Create(ctx context.Context, f *file.File, enqueue func(tx pgx.Tx) error) error
	Get(ctx context.Context, userID, fileID uuid.UUID) (*file.File, error)
	List(ctx context.Context, userID uuid.UUID) ([]*file.File, error)
	Delete(ctx context.Context, userID, fileID uuid.UUID) error
}

// analysisGetter loads analysis records. *analyze.Store satisfies it.
type analysisGetter interface {
	GetByFile(ctx context.Context, userID, fileID uuid.UUID) (*analyze.Record, error)
}

// retriever runs knowledge-base retrieval. *knowledge.Retriever satisfies it.
type retriever interface {
	Retrieve(ctx context.Context, query string, p knowledge.SearchParams) ([]knowledge.Result, error)
}

// answerStreamer streams grounded answers. *chat.Assembler satisfies it.
type answerStreamer interface {
	Stream(ctx context.Context, req chat.Request) (<-chan chat.Event, []knowledge.Source, error)
}

// jobEnqueuer schedules processing jobs. *queue.Queue satisfies it.
type jobEnqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, fileID, userID uuid.UUID) error
	Enqueue(ctx context.Context, fileID, userID uuid.UUID) error
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger    *slog.Logger
	Verifier  TokenVerifier  // Required: bearer token validation
	Files     fileStore      // Required
	Analyses  analysisGetter // Required
	Retriever retriever      // Required
	Assembler answerStreamer // Required
	Queue     jobEnqueuer    // Required
	Storage   storage.Store  // Required
	Pool      *pgxpool.Pool  // Optional: nil disables pool stats in /ready

	CORSOrigins    []string
	MaxUploadBytes int64 // 0 = DefaultMaxUploadBytes
	ChatRateLimit  int   // requests/min, 0 = DefaultChatRateLimit
	APIRateLimit   int   // requests/min, 0 = DefaultAPIRateLimit
	UploadRate     int   // requests/min, 0 = DefaultUploadRateLimit
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("token verifier is required")
	case cfg.Files == nil, cfg.Analyses == nil, cfg.Retriever == nil,
		cfg.Assembler == nil, cfg.Queue == nil, cfg.Storage == nil:
		return nil, errors.New("all handler dependencies are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}

	fh := &fileHandler{
		files:     cfg.Files,
		analyses:  cfg.Analyses,
		queue:     cfg.Queue,
		storage:   cfg.Storage,
		maxUpload: maxUpload,
		logger:    logger,
	}
	sh := &searchHandler{retriever: cfg.Retriever, logger: logger}
	ch := &chatHandler{assembler: cfg.Assembler, logger: logger}

	chatLimit := orDefault(cfg.ChatRateLimit, DefaultChatRateLimit)
	apiLimit := orDefault(cfg.APIRateLimit, DefaultAPIRateLimit)
	uploadLimit := orDefault(cfg.UploadRate, DefaultUploadRateLimit)

	limitChat := limitBy(newRateLimiter(chatLimit), logger)
	limitAPI := limitBy(newRateLimiter(apiLimit), logger)
	limitUpload := limitBy(newRateLimiter(uploadLimit), logger)

	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/chat", limitChat(http.HandlerFunc(ch.stream)))
	mux.Handle("POST /api/v1/knowledge/search", limitAPI(http.HandlerFunc(sh.search)))

	mux.Handle("POST /api/v1/files", limitUpload(http.HandlerFunc(fh.upload)))
	mux.Handle("GET /api/v1/files", limitAPI(http.HandlerFunc(fh.list)))
	mux.Handle("GET /api/v1/files/{id}", limitAPI(http.HandlerFunc(fh.get)))
	mux.Handle("DELETE /api/v1/files/{id}", limitAPI(http.HandlerFunc(fh.remove)))
	mux.Handle("POST /api/v1/files/{id}/reanalyze", limitAPI(http.HandlerFunc(fh.reanalyze)))

	// Middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → Auth → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before Auth so preflight OPTIONS succeeds
	// without credentials. Rate limiting is per-route, inside Auth.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Verifier, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
