// Package events handles lifecycle event broadcast, idempotent ingestion of
// inbound business events, and their background processing.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// notifier is the broadcast surface of the storage layer.
type notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Envelope is the wire form of a broadcast lifecycle event.
type Envelope struct {
	Kind       model.EventKind `json:"kind"`
	Payload    map[string]any  `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher broadcasts lifecycle events to live subscribers over the
// lifecycle notification channel. Broadcast is best effort: a failed notify
// is logged, never propagated, because observers must not be able to fail a
// run.
type Publisher struct {
	db     notifier
	logger *slog.Logger
}

// NewPublisher creates a lifecycle publisher.
func NewPublisher(db notifier, logger *slog.Logger) *Publisher {
	return &Publisher{db: db, logger: logger}
}

// Publish broadcasts one lifecycle event.
func (p *Publisher) Publish(ctx context.Context, kind model.EventKind, payload map[string]any) {
	env := Envelope{Kind: kind, Payload: payload, OccurredAt: time.Now().UTC()}
	b, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("marshal lifecycle event", "kind", kind, "error", err)
		return
	}
	if err := p.db.Notify(ctx, storage.ChannelLifecycle, string(b)); err != nil {
		p.logger.Warn("broadcast lifecycle event", "kind", kind, "error", err)
	}
}
