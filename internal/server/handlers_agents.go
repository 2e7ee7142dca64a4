package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// fileUploadLimit bounds knowledge file uploads.
const fileUploadLimit = 32 << 20 // 32 MB

// HandleCreateAgent registers a new agent. Admin only (enforced at the route).
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var apiKeyHash *string
	if req.APIKey != "" {
		hash, err := auth.HashAPIKey(req.APIKey)
		if err != nil {
			h.logger.Error("hash api key", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			return
		}
		apiKeyHash = &hash
	}

	agent, err := h.db.CreateAgent(r.Context(), req, apiKeyHash)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent slug already exists")
			return
		}
		h.logger.Error("create agent", "slug", req.Slug, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents returns a page of registered agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)

	agents, total, err := h.db.ListAgents(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list agents", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeList(w, r, agents, total, limit, offset)
}

// HandleGetAgent returns one agent by ID.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	agent, err := h.db.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.logger.Error("get agent", "agent_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, agent)
}

// HandleResolveAgent looks an agent up by ID or slug.
func (h *Handlers) HandleResolveAgent(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveAgentRequest
	if err := decodeJSON(w, r, &req, authBodyLimit); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ID == nil && (req.Slug == nil || *req.Slug == "") {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id or slug is required")
		return
	}

	var (
		agent model.Agent
		err   error
	)
	if req.ID != nil {
		agent, err = h.db.GetAgent(r.Context(), *req.ID)
	} else {
		agent, err = h.db.GetAgentBySlug(r.Context(), *req.Slug)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.logger.Error("resolve agent", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, agent)
}

// HandleListAgentRuns returns a page of an agent's runs, newest first.
func (h *Handlers) HandleListAgentRuns(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	limit, offset := parseLimitOffset(r, 50, 200)

	runs, total, err := h.db.ListRunsByAgent(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("list runs", "agent_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeList(w, r, runs, total, limit, offset)
}

// HandleListAgentConversations returns a page of an agent's conversations.
func (h *Handlers) HandleListAgentConversations(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	limit, offset := parseLimitOffset(r, 50, 200)

	convs, total, err := h.db.ListConversationsByAgent(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("list conversations", "agent_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeList(w, r, convs, total, limit, offset)
}

// HandleAttachAgentFile uploads a knowledge file and attaches it to the
// agent's vector store, enabling file_search for subsequent runs. Multipart
// form with a single "file" part.
func (h *Handlers) HandleAttachAgentFile(w http.ResponseWriter, r *http.Request) {
	if h.knowledge == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "knowledge uploads not configured")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}

	agent, err := h.db.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.logger.Error("get agent", "agent_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, fileUploadLimit)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "multipart form with a file part is required")
		return
	}
	defer file.Close()

	result, err := h.knowledge.AttachFile(r.Context(), agent, header.Filename, file)
	if err != nil {
		h.logger.Error("attach knowledge file", "agent_id", id, "filename", header.Filename, "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamError, "file upload to model provider failed")
		return
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{
		"vector_store_id": result.VectorStoreID,
		"file_id":         result.FileID,
		"filename":        header.Filename,
	})
}
