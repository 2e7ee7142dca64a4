package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// HandleGetConversation returns one conversation by ID.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}

	conv, err := h.db.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
			return
		}
		h.logger.Error("get conversation", "conversation_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, conv)
}

// HandleListMessages returns a page of a conversation's messages in
// chronological order.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	limit, offset := parseLimitOffset(r, 50, 200)

	msgs, total, err := h.db.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("list messages", "conversation_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeList(w, r, msgs, total, limit, offset)
}

// HandleSearchConversations answers semantic search queries over message
// history.
func (h *Handlers) HandleSearchConversations(w http.ResponseWriter, r *http.Request) {
	var req model.SearchConversationsRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}

	hits, err := h.search.Search(r.Context(), req)
	if err != nil {
		h.logger.Error("search conversations", "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamError, "search failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"results": hits,
		"total":   len(hits),
	})
}
