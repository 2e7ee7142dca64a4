package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// HandleRun executes one blocking agent turn.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, err := h.resolveRunAgent(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.logger.Error("resolve run agent", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	if !authorizeAgentAccess(ClaimsFromContext(r.Context()), agent.ID.String()) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot run another agent")
		return
	}

	result, err := h.runner.Run(r.Context(), agent, req)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleRunStream executes one streaming agent turn over SSE. Upstream
// provider frames are relayed verbatim, tool lifecycle frames interleaved,
// and the stream always ends with a [DONE] sentinel.
func (h *Handlers) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, err := h.resolveRunAgent(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.logger.Error("resolve run agent", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	if !authorizeAgentAccess(ClaimsFromContext(r.Context()), agent.ID.String()) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot run another agent")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Setup failures (admission, inactive agent) surface before the first
	// byte flows, so they still get proper JSON status codes.
	stream, err := h.runner.Stream(r.Context(), agent, req)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range stream.Frames() {
		if _, err := w.Write(formatSSE(frame.Type, string(frame.Data))); err != nil {
			// Client hung up; the runner keeps going until ctx cancels.
			return
		}
		flusher.Flush()
	}

	if _, err := stream.Result(); err != nil {
		// The run.failed lifecycle frame has already been delivered; finish
		// the stream cleanly so clients can distinguish failure from a cut
		// connection.
		h.logger.Warn("streamed run failed", "agent_id", agent.ID, "error", err)
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// HandleGetRun returns one run by ID.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}
