package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shiki/internal/storage"
)

// WorkerPool drives background event processing. A notification listener
// wakes workers the moment an event is queued; a periodic poll sweeps up
// events whose notification was lost and failed events that still have
// attempts left. Both feed the same claim-based processor, so overlap is
// harmless.
type WorkerPool struct {
	db           *storage.DB
	processor    *Processor
	workers      int
	pollInterval time.Duration
	maxAttempts  int
	logger       *slog.Logger
}

// NewWorkerPool creates an event worker pool.
func NewWorkerPool(db *storage.DB, processor *Processor, workers int, pollInterval time.Duration, maxAttempts int, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		db:           db,
		processor:    processor,
		workers:      workers,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		logger:       logger,
	}
}

// Run blocks until ctx is canceled, processing events as they arrive.
func (w *WorkerPool) Run(ctx context.Context) error {
	ids := make(chan uuid.UUID, w.workers*4)

	g, ctx := errgroup.WithContext(ctx)

	if w.db.HasNotifyConn() {
		g.Go(func() error { return w.listenLoop(ctx, ids) })
	} else {
		w.logger.Warn("event workers running without notify connection, poll only")
	}
	g.Go(func() error { return w.pollLoop(ctx, ids) })

	for i := 0; i < w.workers; i++ {
		g.Go(func() error { return w.workLoop(ctx, ids) })
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *WorkerPool) listenLoop(ctx context.Context, ids chan<- uuid.UUID) error {
	if err := w.db.Listen(ctx, storage.ChannelEvents); err != nil {
		return err
	}
	for {
		channel, payload, err := w.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("event notification wait failed", "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if channel != storage.ChannelEvents {
			continue
		}
		id, err := uuid.Parse(payload)
		if err != nil {
			w.logger.Warn("event notification with bad payload", "payload", payload)
			continue
		}
		select {
		case ids <- id:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WorkerPool) pollLoop(ctx context.Context, ids chan<- uuid.UUID) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pending, err := w.db.ListClaimableEventIDs(ctx, w.maxAttempts, cap(ids))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("event poll failed", "error", err)
			continue
		}
		for _, id := range pending {
			select {
			case ids <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *WorkerPool) workLoop(ctx context.Context, ids <-chan uuid.UUID) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-ids:
			if err := w.processor.Process(ctx, id); err != nil {
				w.logger.Warn("event processing failed", "event_id", id, "error", err)
			}
		}
	}
}
