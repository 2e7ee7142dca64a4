package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/shiki/internal/model"
)

// sseHeartbeat keeps idle event streams alive through proxies.
const sseHeartbeat = 30 * time.Second

// HandleIngestEvent accepts an inbound business event. Redeliveries of the
// same idempotency key return the original event with 200 instead of 202.
func (h *Handlers) HandleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req model.IngestEventRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.ingestor.Ingest(r.Context(), req, false)
	if err != nil {
		h.logger.Error("ingest event", "kind", req.Kind, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, r, status, resp)
}

// HandleEventStream streams lifecycle events to the client over SSE until it
// disconnects.
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event streaming not configured")
		return
	}

	frames, cancel := h.broker.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame := <-frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
