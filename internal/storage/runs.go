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

const runColumns = `id, agent_id, conversation_id, status, response_id, error, started_at, completed_at, metadata, created_at`

func scanRun(row pgx.Row) (model.AgentRun, error) {
	var r model.AgentRun
	err := row.Scan(
		&r.ID, &r.AgentID, &r.ConversationID, &r.Status, &r.ResponseID,
		&r.Error, &r.StartedAt, &r.CompletedAt, &r.Metadata, &r.CreatedAt,
	)
	return r, err
}

// CreateRun inserts a run in the running state.
func (db *DB) CreateRun(ctx context.Context, agentID, conversationID uuid.UUID, metadata map[string]any) (model.AgentRun, error) {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]any{}
	}
	r := model.AgentRun{
		ID:             uuid.New(),
		AgentID:        agentID,
		ConversationID: conversationID,
		Status:         model.RunStatusRunning,
		StartedAt:      now,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, agent_id, conversation_id, status, started_at, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.AgentID, r.ConversationID, string(r.Status), r.StartedAt, r.Metadata, r.CreatedAt,
	)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	r, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, ErrNotFound
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// CompleteRun transitions a running run to a terminal status. A run that has
// already reached a terminal status is left untouched.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, responseID *string, runErr *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET status = $1, response_id = COALESCE($2, response_id), error = $3, completed_at = now()
		 WHERE id = $4 AND status = 'running'`,
		string(status), responseID, runErr, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunsByAgent returns an agent's runs, newest first.
func (db *DB) ListRunsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.AgentRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE agent_id = $1`, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// ListRunsByConversation returns a conversation's runs, newest first.
func (db *DB) ListRunsByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.AgentRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE conversation_id = $1`, conversationID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
