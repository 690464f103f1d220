package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fathomhq/fathom/internal/analyze"
	"github.com/fathomhq/fathom/internal/extract"
	"github.com/fathomhq/fathom/internal/file"
)

type fileHandler struct {
	files     fileStore
	analyses  analysisGetter
	queue     jobEnqueuer
	storage   storageStore
	maxUpload int64
	logger    *slog.Logger
}

// storageStore mirrors storage.Store so handler tests can fake it without a
// bucket.
type storageStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// upload accepts a multipart form with a single "file" part, stores the
// bytes, and creates the file record with its processing job in one
// transaction. If the record cannot be created the stored object is removed
// best-effort.
func (h *fileHandler) upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || errors.Is(err, multipart.ErrMessageTooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("file exceeds the %d byte limit", h.maxUpload))
			return
		}
		WriteError(w, http.StatusBadRequest, "invalid_request", "malformed multipart form")
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", `multipart field "file" is required`)
		return
	}
	defer part.Close()

	mediaType := header.Header.Get("Content-Type")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if !extract.Supported(mediaType) {
		WriteError(w, http.StatusUnsupportedMediaType, "unsupported_media_type",
			fmt.Sprintf("media type %q is not supported", mediaType))
		return
	}

	data, err := io.ReadAll(part)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("file exceeds the %d byte limit", h.maxUpload))
			return
		}
		WriteError(w, http.StatusBadRequest, "invalid_request", "reading upload body")
		return
	}
	if len(data) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "uploaded file is empty")
		return
	}

	f := &file.File{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      sanitizeFileName(header.Filename),
		MediaType: mediaType,
		SizeBytes: int64(len(data)),
	}
	f.StorageKey = fmt.Sprintf("%s/%s", userID, f.ID)

	if err := h.storage.Upload(r.Context(), f.StorageKey, data, mediaType); err != nil {
		h.logger.Error("storing upload failed", "error", err, "file_id", f.ID)
		WriteError(w, http.StatusInternalServerError, "internal", "storing file failed")
		return
	}

	err = h.files.Create(r.Context(), f, func(tx pgx.Tx) error {
		return h.queue.EnqueueTx(r.Context(), tx, f.ID, userID)
	})
	if err != nil {
		h.logger.Error("creating file record failed", "error", err, "file_id", f.ID)
		if delErr := h.storage.Delete(context.WithoutCancel(r.Context()), f.StorageKey); delErr != nil {
			h.logger.Warn("orphaned object not removed", "error", delErr, "key", f.StorageKey)
		}
		WriteError(w, http.StatusInternalServerError, "internal", "creating file failed")
		return
	}

	writeJSON(w, http.StatusAccepted, f)
}

func (h *fileHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	files, err := h.files.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing files failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal", "listing files failed")
		return
	}
	if files == nil {
		files = []*file.File{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// get returns one file with its analysis when processing has produced one.
func (h *fileHandler) get(w http.ResponseWriter, r *http.Request) {
	userID, fileID, ok := h.pathFile(w, r)
	if !ok {
		return
	}

	f, err := h.files.Get(r.Context(), userID, fileID)
	if errors.Is(err, file.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	if err != nil {
		h.logger.Error("loading file failed", "error", err, "file_id", fileID)
		WriteError(w, http.StatusInternalServerError, "internal", "loading file failed")
		return
	}

	resp := map[string]any{"file": f}
	record, err := h.analyses.GetByFile(r.Context(), userID, fileID)
	switch {
	case err == nil:
		resp["analysis"] = record
	case errors.Is(err, analyze.ErrNotFound):
		// Still processing, or processing failed. Status on the file says which.
	default:
		h.logger.Error("loading analysis failed", "error", err, "file_id", fileID)
		WriteError(w, http.StatusInternalServerError, "internal", "loading analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// remove deletes the file record, its chunks and analysis by cascade, then
// the stored object best-effort.
func (h *fileHandler) remove(w http.ResponseWriter, r *http.Request) {
	userID, fileID, ok := h.pathFile(w, r)
	if !ok {
		return
	}

	f, err := h.files.Get(r.Context(), userID, fileID)
	if errors.Is(err, file.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	if err != nil {
		h.logger.Error("loading file failed", "error", err, "file_id", fileID)
		WriteError(w, http.StatusInternalServerError, "internal", "loading file failed")
		return
	}

	if err := h.files.Delete(r.Context(), userID, fileID); err != nil {
		if errors.Is(err, file.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		h.logger.Error("deleting file failed", "error", err, "file_id", fileID)
		WriteError(w, http.StatusInternalServerError, "internal", "deleting file failed")
		return
	}
	if err := h.storage.Delete(context.WithoutCancel(r.Context()), f.StorageKey); err != nil {
		h.logger.Warn("stored object not removed", "error", err, "key", f.StorageKey)
	}

	w.WriteHeader(http.StatusNoContent)
}

// reanalyze re-enqueues processing for a file, replacing prior chunks and
// analysis when the job runs.
func (h *fileHandler) reanalyze(w http.ResponseWriter, r *http.Request) {
	userID, fileID, ok := h.pathFile(w, r)
	if !ok {
		return
	}

	if _, err := h.files.Get(r.Context(), userID, fileID); err != nil {
		if errors.Is(err, file.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		h.logger.Error("loading file failed", "error", err, "file_id", fileID)
		WriteError(w, http.StatusInternalServerError, "internal", "loading file failed")
		return
	}

	if err := h.queue.Enqueue(r.Context(), fileID, userID); err != nil {
		h.logger.Error("re-enqueueing file failed", "error", err, "file_id", fileID)
		WriteError(w, http.StatusInternalServerError, "internal", "scheduling analysis failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// pathFile resolves the authenticated user and the {id} path segment.
func (h *fileHandler) pathFile(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return uuid.Nil, uuid.Nil, false
	}
	fileID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "file id must be a UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, fileID, true
}

// sanitizeFileName keeps only the base name and drops control characters.
// Path separators in client-supplied names must never reach storage keys or
// response payloads.
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	if len(name) > 255 {
		if runes := []rune(name); len(runes) > 255 {
			name = string(runes[:255])
		}
	}
	return name
}
