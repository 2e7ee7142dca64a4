package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/shiki/internal/model"
)

// CreatePromptTemplate inserts a named instruction template.
func (db *DB) CreatePromptTemplate(ctx context.Context, name, body string, variables map[string]any) (model.PromptTemplate, error) {
	now := time.Now().UTC()
	if variables == nil {
		variables = map[string]any{}
	}
	t := model.PromptTemplate{
		ID:        uuid.New(),
		Name:      name,
		Body:      body,
		Variables: variables,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO prompt_templates (id, name, body, variables, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Body, t.Variables, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.PromptTemplate{}, ErrAlreadyExists
		}
		return model.PromptTemplate{}, fmt.Errorf("storage: create prompt template: %w", err)
	}
	return t, nil
}

// GetPromptTemplate retrieves a template by ID.
func (db *DB) GetPromptTemplate(ctx context.Context, id uuid.UUID) (model.PromptTemplate, error) {
	var t model.PromptTemplate
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, body, variables, created_at, updated_at FROM prompt_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Body, &t.Variables, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromptTemplate{}, ErrNotFound
		}
		return model.PromptTemplate{}, fmt.Errorf("storage: get prompt template: %w", err)
	}
	return t, nil
}
