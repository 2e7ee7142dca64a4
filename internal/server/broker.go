package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/shiki/internal/events"
	"github.com/ashita-ai/shiki/internal/storage"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// cannot drain this many frames has its events dropped rather than blocking
// the broadcast loop.
const subscriberBuffer = 64

// lifecycleListener is the notification surface the broker consumes.
type lifecycleListener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans lifecycle notifications out to SSE subscribers. It listens on
// the Postgres lifecycle channel, so events published by any process sharing
// the database reach every connected client.
type Broker struct {
	db     lifecycleListener
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a lifecycle event broker.
func NewBroker(db lifecycleListener, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Run listens for lifecycle notifications until ctx is canceled. It returns
// the listen error if the channel cannot be established.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.db.Listen(ctx, storage.ChannelLifecycle); err != nil {
		return fmt.Errorf("server: broker listen: %w", err)
	}

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: broker wait: %w", err)
		}
		if channel != storage.ChannelLifecycle {
			continue
		}
		b.broadcast(payload)
	}
}

// broadcast formats the notification as an SSE frame and delivers it to every
// subscriber. Slow subscribers are skipped, not waited on.
func (b *Broker) broadcast(payload string) {
	var env events.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("malformed lifecycle payload", "error", err)
		return
	}

	frame := formatSSE(string(env.Kind), payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber disconnects.
func (b *Broker) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// formatSSE renders one server-sent event.
func formatSSE(event, data string) []byte {
	return []byte("event: " + event + "\ndata: " + data + "\n\n")
}
