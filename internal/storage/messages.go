package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/shiki/internal/model"
)

const messageColumns = `id, conversation_id, role, content, source_message_id, metadata, created_at`

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Role, &m.Content,
		&m.SourceMessageID, &m.Metadata, &m.CreatedAt,
	)
	return m, err
}

// InsertMessage persists a conversation message and enqueues it for search
// indexing in the same transaction. The embedding is computed asynchronously
// by the outbox worker.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, role, content, source_message_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.SourceMessageID, m.Metadata, m.CreatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: insert message: %w", err)
	}

	// Only user/assistant text is worth indexing for search.
	if m.Role == model.RoleUser || m.Role == model.RoleAssistant {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (message_id, operation) VALUES ($1, 'upsert')`, m.ID,
		); err != nil {
			return model.Message{}, fmt.Errorf("storage: enqueue message for indexing: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, m.ConversationID,
	); err != nil {
		return model.Message{}, fmt.Errorf("storage: touch conversation on message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, fmt.Errorf("storage: commit insert message: %w", err)
	}
	return m, nil
}

// GetMessage retrieves a message by ID.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM conversation_messages WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// FindMessageBySourceID looks up a message by its external source ID within a
// conversation. Used for ingestion dedup.
func (db *DB) FindMessageBySourceID(ctx context.Context, conversationID uuid.UUID, sourceID string) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM conversation_messages
		 WHERE conversation_id = $1 AND source_message_id = $2`,
		conversationID, sourceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("storage: find message by source id: %w", err)
	}
	return m, nil
}

// ListRecentMessages returns the last limit messages of a conversation in
// chronological order.
func (db *DB) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+` FROM conversation_messages
		     WHERE conversation_id = $1
		     ORDER BY created_at DESC, id DESC
		     LIMIT $2
		 ) recent ORDER BY created_at ASC, id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListMessages returns a page of a conversation's messages in chronological order.
func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, int, error) {
	if limit <= 0 {
		limit = 100
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = $1`, conversationID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count messages: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM conversation_messages
		 WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, total, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (db *DB) CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = $1`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count messages: %w", err)
	}
	return n, nil
}

// ListOldestMessages returns the oldest limit messages of a conversation in
// chronological order. Used by truncation to pick the summarization batch.
func (db *DB) ListOldestMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM conversation_messages
		 WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list oldest messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessages removes the given messages and any stale outbox entries
// pointing at them.
func (db *DB) DeleteMessages(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete messages: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM search_outbox WHERE message_id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: delete outbox entries: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_messages WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: delete messages: %w", err)
	}
	return tx.Commit(ctx)
}

// SetMessageEmbedding stores the computed embedding for a message.
func (db *DB) SetMessageEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversation_messages SET embedding = $1 WHERE id = $2`,
		pgvector.NewVector(embedding), id,
	)
	if err != nil {
		return fmt.Errorf("storage: set message embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchMessagesByEmbedding performs cosine-distance ANN over message
// embeddings in Postgres. Used as the fallback when no external index is
// configured.
func (db *DB) SearchMessagesByEmbedding(ctx context.Context, agentID *uuid.UUID, embedding []float32, limit int) ([]model.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT m.id, m.conversation_id, m.role, m.content, m.source_message_id, m.metadata, m.created_at,
		       1 - (m.embedding <=> $1) AS score
		FROM conversation_messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.embedding IS NOT NULL`
	args := []any{pgvector.NewVector(embedding)}
	if agentID != nil {
		query += ` AND c.agent_id = $2`
		args = append(args, *agentID)
	}
	query += fmt.Sprintf(` ORDER BY m.embedding <=> $1 LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search messages: %w", err)
	}
	defer rows.Close()

	var hits []model.SearchHit
	for rows.Next() {
		var h model.SearchHit
		if err := rows.Scan(
			&h.Message.ID, &h.Message.ConversationID, &h.Message.Role, &h.Message.Content,
			&h.Message.SourceMessageID, &h.Message.Metadata, &h.Message.CreatedAt, &h.Score,
		); err != nil {
			return nil, fmt.Errorf("storage: scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
