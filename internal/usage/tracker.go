// Package usage persists the append-only token and tool usage ledgers. It
// never aggregates; aggregation is a read-side concern.
package usage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/pricing"
	"github.com/ashita-ai/shiki/internal/tools"
)

// usageStore is the persistence surface the tracker writes to.
type usageStore interface {
	InsertUsageLog(ctx context.Context, l model.UsageLog) (model.UsageLog, error)
	InsertToolUsageLog(ctx context.Context, l model.ToolUsageLog) (model.ToolUsageLog, error)
}

// Publisher broadcasts lifecycle events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, kind model.EventKind, payload map[string]any)
}

// Tracker records usage rows and announces them.
type Tracker struct {
	store     usageStore
	publisher Publisher
	prices    pricing.Table
}

// NewTracker creates a usage tracker priced by the given table.
func NewTracker(store usageStore, publisher Publisher, prices pricing.Table) *Tracker {
	return &Tracker{store: store, publisher: publisher, prices: prices}
}

// Record persists one usage row for a model call, pricing it by the table,
// and emits a usage.recorded event.
func (t *Tracker) Record(ctx context.Context, agentID uuid.UUID, runID, conversationID *uuid.UUID, modelName string, u model.Usage) (model.UsageLog, error) {
	cost := t.prices.Cost(modelName, u)
	logged, err := t.store.InsertUsageLog(ctx, model.UsageLog{
		AgentID:          agentID,
		RunID:            runID,
		ConversationID:   conversationID,
		Model:            modelName,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Cost:             cost,
	})
	if err != nil {
		return model.UsageLog{}, fmt.Errorf("usage: record: %w", err)
	}

	payload := map[string]any{
		"agent_id":          agentID.String(),
		"model":             modelName,
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
		"cost":              cost,
	}
	if runID != nil {
		payload["run_id"] = runID.String()
	}
	if conversationID != nil {
		payload["conversation_id"] = conversationID.String()
	}
	t.publisher.Publish(ctx, model.EventUsageRecorded, payload)
	return logged, nil
}

// RecordToolCall persists one tool ledger row.
func (t *Tracker) RecordToolCall(ctx context.Context, runID, agentID uuid.UUID, toolName string, res tools.Result) error {
	row := model.ToolUsageLog{
		RunID:      runID,
		AgentID:    agentID,
		ToolName:   toolName,
		DurationMs: res.Duration.Milliseconds(),
		Success:    res.Err == nil,
	}
	if res.Err != nil {
		msg := tools.TruncateError(res.Err.Error())
		row.Error = &msg
	}
	if _, err := t.store.InsertToolUsageLog(ctx, row); err != nil {
		return fmt.Errorf("usage: record tool call: %w", err)
	}
	return nil
}
