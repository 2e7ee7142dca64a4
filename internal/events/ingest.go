package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// ingestStore is the persistence surface of ingestion.
type ingestStore interface {
	InsertEvent(ctx context.Context, kind model.EventKind, dedupeKey string, agentID *uuid.UUID, payload map[string]any) (model.Event, bool, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Ingestor accepts inbound events exactly once per dedupe key.
type Ingestor struct {
	db        ingestStore
	processor *Processor
	logger    *slog.Logger
}

// NewIngestor creates an event ingestor. processor may be nil when inline
// processing is not offered.
func NewIngestor(db ingestStore, processor *Processor, logger *slog.Logger) *Ingestor {
	return &Ingestor{db: db, processor: processor, logger: logger}
}

// Ingest stores an event and wakes the workers. A redelivery of the same
// dedupe key is reported as a duplicate without writing anything. When
// processNow is set the event is additionally processed inline before
// returning; the worker pool finding nothing left to do is harmless because
// claiming is idempotent.
func (i *Ingestor) Ingest(ctx context.Context, req model.IngestEventRequest, processNow bool) (model.IngestEventResponse, error) {
	key := DedupeKey(req)
	ev, duplicate, err := i.db.InsertEvent(ctx, req.Kind, key, req.AgentID, req.Payload)
	if err != nil {
		return model.IngestEventResponse{}, fmt.Errorf("events: ingest: %w", err)
	}
	if duplicate {
		return model.IngestEventResponse{ID: ev.ID, Status: ev.Status, Duplicate: true}, nil
	}

	if err := i.db.Notify(ctx, storage.ChannelEvents, ev.ID.String()); err != nil {
		i.logger.Warn("wake event workers", "event_id", ev.ID, "error", err)
	}

	if processNow && i.processor != nil {
		if err := i.processor.Process(ctx, ev.ID); err != nil {
			i.logger.Warn("inline event processing failed", "event_id", ev.ID, "error", err)
		}
		if refreshed, err := i.processor.store.GetEvent(ctx, ev.ID); err == nil {
			ev = refreshed
		}
	}
	return model.IngestEventResponse{ID: ev.ID, Status: ev.Status, Duplicate: false}, nil
}

// DedupeKey derives the idempotency token of an inbound event: the caller's
// key when supplied, otherwise a content hash over kind, agent, and the
// canonicalized payload. Identical payloads therefore collapse to one event.
func DedupeKey(req model.IngestEventRequest) string {
	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		return *req.IdempotencyKey
	}

	h := sha256.New()
	h.Write([]byte(req.Kind))
	h.Write([]byte{0})
	if req.AgentID != nil {
		h.Write([]byte(req.AgentID.String()))
	}
	h.Write([]byte{0})
	h.Write(canonicalJSON(req.Payload))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a value with all object keys sorted so semantically
// equal payloads hash identically.
func canonicalJSON(v any) []byte {
	b, err := json.Marshal(canonicalize(v))
	if err != nil {
		return []byte(fmt.Sprint(v))
	}
	return b
}

func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, [2]any{k, canonicalize(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}
