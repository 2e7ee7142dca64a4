package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiki/internal/model"
)

const eventColumns = `id, kind, dedupe_key, agent_id, payload, status, attempts, last_error, created_at, processed_at`

func scanEvent(row pgx.Row) (model.Event, error) {
	var e model.Event
	err := row.Scan(
		&e.ID, &e.Kind, &e.DedupeKey, &e.AgentID, &e.Payload,
		&e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.ProcessedAt,
	)
	return e, err
}

// InsertEvent stores an inbound event in the pending state, deduplicating on
// dedupe_key. When a duplicate arrives the previously stored event is returned
// with duplicate=true and nothing is written.
func (db *DB) InsertEvent(ctx context.Context, kind model.EventKind, dedupeKey string, agentID *uuid.UUID, payload map[string]any) (model.Event, bool, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	e := model.Event{
		ID:        uuid.New(),
		Kind:      kind,
		DedupeKey: dedupeKey,
		AgentID:   agentID,
		Payload:   payload,
		Status:    model.EventPending,
		CreatedAt: time.Now().UTC(),
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO events (id, kind, dedupe_key, agent_id, payload, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		e.ID, string(e.Kind), e.DedupeKey, e.AgentID, e.Payload, string(e.Status), e.CreatedAt,
	)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("storage: insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanEvent(db.pool.QueryRow(ctx,
			`SELECT `+eventColumns+` FROM events WHERE dedupe_key = $1`, dedupeKey,
		))
		if err != nil {
			return model.Event{}, false, fmt.Errorf("storage: fetch duplicate event: %w", err)
		}
		return existing, true, nil
	}
	return e, false, nil
}

// GetEvent retrieves an event by ID.
func (db *DB) GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error) {
	e, err := scanEvent(db.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("storage: get event: %w", err)
	}
	return e, nil
}

// ClaimEvent locks an event row, bumps its attempt counter, and transitions it
// to processing. Returns ErrNotClaimable when the event is already processed,
// currently held by another worker, or out of attempts. A processed event is a
// terminal no-op for every later delivery of the same dedupe key.
func (db *DB) ClaimEvent(ctx context.Context, id uuid.UUID, maxAttempts int) (model.Event, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: begin claim event: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE SKIP LOCKED`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotClaimable
		}
		return model.Event{}, fmt.Errorf("storage: lock event: %w", err)
	}

	switch e.Status {
	case model.EventProcessed, model.EventProcessing:
		return model.Event{}, ErrNotClaimable
	case model.EventPending, model.EventFailed:
	default:
		return model.Event{}, ErrNotClaimable
	}
	if e.Attempts >= maxAttempts {
		return model.Event{}, ErrNotClaimable
	}

	e.Attempts++
	e.Status = model.EventProcessing
	e.LastError = nil
	if _, err := tx.Exec(ctx,
		`UPDATE events SET status = 'processing', attempts = $1, last_error = NULL WHERE id = $2`,
		e.Attempts, e.ID,
	); err != nil {
		return model.Event{}, fmt.Errorf("storage: claim event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Event{}, fmt.Errorf("storage: commit claim event: %w", err)
	}
	return e, nil
}

// MarkEventProcessed transitions a processing event to its terminal state.
func (db *DB) MarkEventProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE events SET status = 'processed', last_error = NULL, processed_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEventFailed records a processing failure. The event stays retryable
// until its attempt budget is spent.
func (db *DB) MarkEventFailed(ctx context.Context, id uuid.UUID, cause string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE events SET status = 'failed', last_error = $1 WHERE id = $2 AND status = 'processing'`,
		cause, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClaimableEventIDs returns IDs of events eligible for processing, oldest
// first. Used by the poll fallback when notifications are missed.
func (db *DB) ListClaimableEventIDs(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM events
		 WHERE status IN ('pending', 'failed') AND attempts < $1
		 ORDER BY created_at ASC LIMIT $2`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list claimable events: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
