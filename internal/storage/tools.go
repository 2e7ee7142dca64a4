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

const toolDefColumns = `id, name, description, parameters, type, handler_ref, endpoint, enabled, metadata, created_at, updated_at`

func scanToolDef(row pgx.Row) (model.ToolDefinition, error) {
	var d model.ToolDefinition
	err := row.Scan(
		&d.ID, &d.Name, &d.Description, &d.Parameters, &d.Type,
		&d.HandlerRef, &d.Endpoint, &d.Enabled, &d.Metadata,
		&d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// CreateToolDefinition inserts a stored function tool.
func (db *DB) CreateToolDefinition(ctx context.Context, d model.ToolDefinition) (model.ToolDefinition, error) {
	now := time.Now().UTC()
	d.ID = uuid.New()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Type == "" {
		d.Type = model.ToolTypeFunction
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	if len(d.Parameters) == 0 {
		d.Parameters = []byte(`{}`)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_definitions (id, name, description, parameters, type, handler_ref, endpoint, enabled, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Name, d.Description, d.Parameters, string(d.Type),
		d.HandlerRef, d.Endpoint, d.Enabled, d.Metadata, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.ToolDefinition{}, ErrAlreadyExists
		}
		return model.ToolDefinition{}, fmt.Errorf("storage: create tool definition: %w", err)
	}
	return d, nil
}

// GetToolDefinitionByName retrieves an enabled tool definition by name.
func (db *DB) GetToolDefinitionByName(ctx context.Context, name string) (model.ToolDefinition, error) {
	d, err := scanToolDef(db.pool.QueryRow(ctx,
		`SELECT `+toolDefColumns+` FROM tool_definitions WHERE name = $1 AND enabled`, name,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ToolDefinition{}, ErrNotFound
		}
		return model.ToolDefinition{}, fmt.Errorf("storage: get tool definition: %w", err)
	}
	return d, nil
}

// ListToolDefinitions returns all enabled tool definitions.
func (db *DB) ListToolDefinitions(ctx context.Context) ([]model.ToolDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolDefColumns+` FROM tool_definitions WHERE enabled ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.ToolDefinition
	for rows.Next() {
		d, err := scanToolDef(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}
