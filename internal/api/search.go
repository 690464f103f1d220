package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom/internal/knowledge"
)

type searchHandler struct {
	retriever retriever
	logger    *slog.Logger
}

// searchRequest carries knowledge.SearchParams semantics for limit and
// threshold: zero (or omitted) selects the server default, and a negative
// threshold disables the similarity floor.
type searchRequest struct {
	Query     string      `json:"query"`
	FileIDs   []uuid.UUID `json:"fileIds,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Threshold float64     `json:"threshold,omitempty"`
}

func (h *searchHandler) search(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	results, err := h.retriever.Retrieve(r.Context(), req.Query, knowledge.SearchParams{
		UserID:    userID,
		FileIDs:   req.FileIDs,
		Limit:     req.Limit,
		Threshold: req.Threshold,
	})
	if err != nil {
		h.logger.Error("knowledge search failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal", "search failed")
		return
	}
	if results == nil {
		results = []knowledge.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
