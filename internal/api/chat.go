package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom/internal/chat"
)

type chatHandler struct {
	assembler answerStreamer
	logger    *slog.Logger
}

type chatRequest struct {
	Messages []chat.Message `json:"messages"`
	FileIDs  []uuid.UUID    `json:"fileIds,omitempty"`
}

// stream answers a chat turn over Server-Sent Events. Citations are final
// before the first token, so they travel in the X-Sources header as well as
// in a trailing "sources" event.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if len(req.Messages) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "messages are required")
		return
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != chat.RoleUser || last.Content == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "last message must be from the user")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	events, sources, err := h.assembler.Stream(r.Context(), chat.Request{
		UserID:   userID,
		Messages: req.Messages,
		FileIDs:  req.FileIDs,
	})
	if err != nil {
		h.logger.Error("starting chat stream failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal", "starting chat failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if sourcesJSON, err := json.Marshal(sources); err == nil {
		w.Header().Set("X-Sources", string(sourcesJSON))
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch ev.Type {
		case chat.EventText:
			writeEvent(w, "chunk", map[string]string{"text": ev.Text})
		case chat.EventSources:
			writeEvent(w, "sources", map[string]any{"sources": ev.Sources})
		case chat.EventError:
			h.logger.Error("chat stream error", "error", ev.Err)
			writeEvent(w, "error", map[string]string{"message": "answer generation failed"})
		case chat.EventDone:
			writeEvent(w, "done", map[string]string{})
		}
		flusher.Flush()
	}
}

// writeEvent emits one SSE frame. Payloads are single-line JSON so no data
// continuation lines are needed.
func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
}
