package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// InsertUsageLog persists a per-run token usage record with its computed cost.
func (db *DB) InsertUsageLog(ctx context.Context, l model.UsageLog) (model.UsageLog, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_logs (id, agent_id, run_id, conversation_id, model, prompt_tokens, completion_tokens, total_tokens, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.AgentID, l.RunID, l.ConversationID, l.Model,
		l.PromptTokens, l.CompletionTokens, l.TotalTokens, l.Cost, l.CreatedAt,
	)
	if err != nil {
		return model.UsageLog{}, fmt.Errorf("storage: insert usage log: %w", err)
	}
	return l, nil
}

// InsertToolUsageLog persists a record of one executed tool call.
func (db *DB) InsertToolUsageLog(ctx context.Context, l model.ToolUsageLog) (model.ToolUsageLog, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_usage_logs (id, run_id, agent_id, tool_name, duration_ms, success, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.RunID, l.AgentID, l.ToolName, l.DurationMs, l.Success, l.Error, l.CreatedAt,
	)
	if err != nil {
		return model.ToolUsageLog{}, fmt.Errorf("storage: insert tool usage log: %w", err)
	}
	return l, nil
}

// AgentUsageTotals is aggregate token and cost consumption for one agent.
type AgentUsageTotals struct {
	AgentID          uuid.UUID `json:"agent_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	Runs             int64     `json:"runs"`
}

// AgentUsageSince aggregates an agent's usage from the given time onward.
func (db *DB) AgentUsageSince(ctx context.Context, agentID uuid.UUID, since time.Time) (AgentUsageTotals, error) {
	t := AgentUsageTotals{AgentID: agentID}
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0), COUNT(*)
		 FROM usage_logs WHERE agent_id = $1 AND created_at >= $2`,
		agentID, since,
	).Scan(&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.Cost, &t.Runs)
	if err != nil {
		return AgentUsageTotals{}, fmt.Errorf("storage: aggregate agent usage: %w", err)
	}
	return t, nil
}
