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

const conversationColumns = `id, agent_id, external_id, status, title, metadata, created_at, updated_at`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(
		&c.ID, &c.AgentID, &c.ExternalID, &c.Status, &c.Title,
		&c.Metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// CreateConversation inserts a new conversation for an agent.
func (db *DB) CreateConversation(ctx context.Context, agentID uuid.UUID, externalID *string, metadata map[string]any) (model.Conversation, error) {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]any{}
	}
	c := model.Conversation{
		ID:         uuid.New(),
		AgentID:    agentID,
		ExternalID: externalID,
		Status:     model.ConversationActive,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, agent_id, external_id, status, title, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.AgentID, c.ExternalID, string(c.Status), c.Title, c.Metadata, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return c, nil
}

// GetConversation retrieves a conversation by ID.
func (db *DB) GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// FindConversationByCorrelationKey looks up an agent's conversation whose
// metadata carries the given caller-correlation key.
func (db *DB) FindConversationByCorrelationKey(ctx context.Context, agentID uuid.UUID, key string) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE agent_id = $1 AND metadata->>'correlation_key' = $2
		 ORDER BY created_at DESC LIMIT 1`,
		agentID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: find conversation by correlation key: %w", err)
	}
	return c, nil
}

// FindConversationByExternalID looks up an agent's conversation by external ID.
func (db *DB) FindConversationByExternalID(ctx context.Context, agentID uuid.UUID, externalID string) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE agent_id = $1 AND external_id = $2`,
		agentID, externalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("storage: find conversation by external id: %w", err)
	}
	return c, nil
}

// TouchConversation merges metadata into the conversation and bumps updated_at.
func (db *DB) TouchConversation(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET metadata = metadata || $1, updated_at = now() WHERE id = $2`,
		metadata, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversationsByAgent returns an agent's conversations, newest first.
func (db *DB) ListConversationsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.Conversation, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE agent_id = $1`, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count conversations: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE agent_id = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, total, rows.Err()
}
