package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fathomhq/fathom/internal/analyze"
	"github.com/fathomhq/fathom/internal/chat"
	"github.com/fathomhq/fathom/internal/file"
	"github.com/fathomhq/fathom/internal/knowledge"
	"github.com/fathomhq/fathom/internal/log"
)

const testToken = "valid-token"

type stubVerifier struct {
	userID uuid.UUID
}

func (v stubVerifier) Verify(_ context.Context, token string) (uuid.UUID, error) {
	if token != testToken {
		return uuid.Nil, errors.New("unknown token")
	}
	return v.userID, nil
}

type mockFiles struct {
	mu        sync.Mutex
	files     map[uuid.UUID]*file.File
	createErr error
	listErr   error
}

func newMockFiles() *mockFiles {
	return &mockFiles{files: make(map[uuid.UUID]*file.File)}
}

func (m *mockFiles) Create(_ context.Context, f *file.File, enqueue func(tx pgx.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	f.Status = file.StatusPending
	if enqueue != nil {
		if err := enqueue(nil); err != nil {
			return err
		}
	}
	m.files[f.ID] = f
	return nil
}

func (m *mockFiles) Get(_ context.Context, userID, fileID uuid.UUID) (*file.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok || f.UserID != userID {
		return nil, file.ErrNotFound
	}
	return f, nil
}

func (m *mockFiles) List(_ context.Context, userID uuid.UUID) ([]*file.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*file.File
	for _, f := range m.files {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockFiles) Delete(_ context.Context, userID, fileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok || f.UserID != userID {
		return file.ErrNotFound
	}
	delete(m.files, fileID)
	return nil
}

type mockAnalyses struct {
	mu      sync.Mutex
	records map[uuid.UUID]*analyze.Record
}

func newMockAnalyses() *mockAnalyses {
	return &mockAnalyses{records: make(map[uuid.UUID]*analyze.Record)}
}

func (m *mockAnalyses) GetByFile(_ context.Context, _, fileID uuid.UUID) (*analyze.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fileID]
	if !ok {
		return nil, analyze.ErrNotFound
	}
	return r, nil
}

type mockQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	err      error
}

func (m *mockQueue) EnqueueTx(_ context.Context, _ pgx.Tx, fileID, _ uuid.UUID) error {
	return m.record(fileID)
}

func (m *mockQueue) Enqueue(_ context.Context, fileID, _ uuid.UUID) error {
	return m.record(fileID)
}

func (m *mockQueue) record(fileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, fileID)
	return nil
}

type mockStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	uploadErr error
}

func newMockStorage() *mockStorage {
	return &mockStorage{objects: make(map[string][]byte)}
}

func (m *mockStorage) Upload(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.objects[key] = data
	return nil
}

func (m *mockStorage) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (m *mockStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type mockRetriever struct {
	mu       sync.Mutex
	gotQuery string
	gotP     knowledge.SearchParams
	calls    int
	results  []knowledge.Result
	err      error
}

func (m *mockRetriever) Retrieve(_ context.Context, query string, p knowledge.SearchParams) ([]knowledge.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.gotQuery = query
	m.gotP = p
	return m.results, m.err
}

type mockAssembler struct {
	mu      sync.Mutex
	gotReq  chat.Request
	events  []chat.Event
	sources []knowledge.Source
	err     error
}

func (m *mockAssembler) Stream(_ context.Context, req chat.Request) (<-chan chat.Event, []knowledge.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotReq = req
	if m.err != nil {
		return nil, nil, m.err
	}
	events := make(chan chat.Event, len(m.events))
	for _, ev := range m.events {
		events <- ev
	}
	close(events)
	return events, m.sources, nil
}

// testDeps bundles the mocked dependencies behind a server.
type testDeps struct {
	userID    uuid.UUID
	files     *mockFiles
	analyses  *mockAnalyses
	queue     *mockQueue
	storage   *mockStorage
	retriever *mockRetriever
	assembler *mockAssembler
}

func newTestServer(t *testing.T, mutate func(cfg *ServerConfig)) (*Server, *testDeps) {
	t.Helper()

	deps := &testDeps{
		userID:    uuid.New(),
		files:     newMockFiles(),
		analyses:  newMockAnalyses(),
		queue:     &mockQueue{},
		storage:   newMockStorage(),
		retriever: &mockRetriever{},
		assembler: &mockAssembler{events: []chat.Event{{Type: chat.EventDone}}},
	}
	cfg := ServerConfig{
		Logger:    log.NewNop(),
		Verifier:  stubVerifier{userID: deps.userID},
		Files:     deps.files,
		Analyses:  deps.analyses,
		Retriever: deps.retriever,
		Assembler: deps.assembler,
		Queue:     deps.queue,
		Storage:   deps.storage,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv, deps
}

func doRequest(srv *Server, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v\n%s", err, rec.Body.String())
	}
	return body.Error.Code
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Error("NewServer with no dependencies succeeded")
	}
	if _, err := NewServer(ServerConfig{Verifier: stubVerifier{}}); err == nil {
		t.Error("NewServer without handler dependencies succeeded")
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := doRequest(srv, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/ready", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("GET /ready = %d, want 200", rec.Code)
	}
}

func TestAuth_MissingOrInvalidToken(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"invalid token", "wrong-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(srv, http.MethodGet, "/api/v1/files", nil, tt.token)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if code := decodeError(t, rec); code != "unauthorized" {
				t.Errorf("error code = %q", code)
			}
		})
	}
}

func TestRequestID_EchoedAndGenerated(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("X-Request-ID = %q, want echo", got)
	}

	rec = doRequest(srv, http.MethodGet, "/api/v1/files", nil, testToken)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}
}

func TestCORS_PreflightAndExposedHeaders(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(cfg *ServerConfig) {
		cfg.CORSOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "X-Sources, X-Request-ID" {
		t.Errorf("expose-headers = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin allowed")
	}
}

func TestRateLimit_ExceededReturns429(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(cfg *ServerConfig) {
		cfg.APIRateLimit = 1
	})

	rec := doRequest(srv, http.MethodGet, "/api/v1/files", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/v1/files", nil, testToken)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if code := decodeError(t, rec); code != "rate_limited" {
		t.Errorf("error code = %q", code)
	}
}

func TestRateLimit_RouteClassesAreIndependent(t *testing.T) {
	t.Parallel()

	srv, deps := newTestServer(t, func(cfg *ServerConfig) {
		cfg.APIRateLimit = 1
	})
	deps.retriever.results = []knowledge.Result{}

	doRequest(srv, http.MethodGet, "/api/v1/files", nil, testToken)
	rec := doRequest(srv, http.MethodGet, "/api/v1/files", nil, testToken)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("api class not exhausted: %d", rec.Code)
	}

	// Chat has its own budget and must still be reachable.
	body := `{"messages":[{"role":"user","content":"hi"}]}`
	rec = doRequest(srv, http.MethodPost, "/api/v1/chat", io.NopCloser(jsonBody(body)), testToken)
	if rec.Code != http.StatusOK {
		t.Errorf("chat after api exhaustion = %d, want 200", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := doRequest(srv, http.MethodGet, "/api/v1/files", nil, testToken)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
