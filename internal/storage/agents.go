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

const agentColumns = `id, slug, name, model, instructions, template_id, status, role, api_key_hash, tools, metadata, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.Slug, &a.Name, &a.Model, &a.Instructions, &a.TemplateID,
		&a.Status, &a.Role, &a.APIKeyHash, &a.Tools, &a.Metadata,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAgent inserts a new agent definition and returns it.
func (db *DB) CreateAgent(ctx context.Context, req model.CreateAgentRequest, apiKeyHash *string) (model.Agent, error) {
	now := time.Now().UTC()
	agent := model.Agent{
		ID:           uuid.New(),
		Slug:         req.Slug,
		Name:         req.Name,
		Model:        req.Model,
		Instructions: req.Instructions,
		TemplateID:   req.TemplateID,
		Status:       model.AgentStatusActive,
		Role:         req.Role,
		APIKeyHash:   apiKeyHash,
		Tools:        req.Tools,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if agent.Role == "" {
		agent.Role = model.RoleAgent
	}
	if agent.Tools == nil {
		agent.Tools = []string{}
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, slug, name, model, instructions, template_id, status, role, api_key_hash, tools, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		agent.ID, agent.Slug, agent.Name, agent.Model, agent.Instructions, agent.TemplateID,
		string(agent.Status), string(agent.Role), agent.APIKeyHash, agent.Tools, agent.Metadata,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Agent{}, ErrAlreadyExists
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentBySlug retrieves an agent by its unique slug.
func (db *DB) GetAgentBySlug(ctx context.Context, slug string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE slug = $1`, slug,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by slug: %w", err)
	}
	return a, nil
}

// ListAgents returns agents ordered by creation time, newest first.
func (db *DB) ListAgents(ctx context.Context, limit, offset int) ([]model.Agent, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count agents: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, total, rows.Err()
}

// SetAgentStatus updates an agent's lifecycle status.
func (db *DB) SetAgentStatus(ctx context.Context, id uuid.UUID, status model.AgentStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("storage: set agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgentTools returns the enabled tool attachments for an agent.
func (db *DB) ListAgentTools(ctx context.Context, agentID uuid.UUID) ([]model.AgentTool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, tool_name, enabled, metadata, created_at
		 FROM agent_tools WHERE agent_id = $1 AND enabled ORDER BY created_at`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent tools: %w", err)
	}
	defer rows.Close()

	var tools []model.AgentTool
	for rows.Next() {
		var t model.AgentTool
		if err := rows.Scan(&t.ID, &t.AgentID, &t.ToolName, &t.Enabled, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// UpsertAgentTool attaches a tool to an agent, replacing the metadata and
// enabled flag if the attachment already exists.
func (db *DB) UpsertAgentTool(ctx context.Context, agentID uuid.UUID, toolName string, enabled bool, metadata map[string]any) (model.AgentTool, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	t := model.AgentTool{
		ID:        uuid.New(),
		AgentID:   agentID,
		ToolName:  toolName,
		Enabled:   enabled,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO agent_tools (id, agent_id, tool_name, enabled, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id, tool_name)
		 DO UPDATE SET enabled = EXCLUDED.enabled, metadata = EXCLUDED.metadata
		 RETURNING id, created_at`,
		t.ID, t.AgentID, t.ToolName, t.Enabled, t.Metadata, t.CreatedAt,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return model.AgentTool{}, fmt.Errorf("storage: upsert agent tool: %w", err)
	}
	return t, nil
}
