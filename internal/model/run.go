package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// AgentRun is one execution of an agent against a conversation.
type AgentRun struct {
	ID             uuid.UUID      `json:"id"`
	AgentID        uuid.UUID      `json:"agent_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Status         RunStatus      `json:"status"`
	ResponseID     *string        `json:"response_id,omitempty"`
	Error          *string        `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Usage is the token consumption of one or more model responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage across the responses of a tool loop.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// UsageLog is a persisted per-run usage record with computed cost.
type UsageLog struct {
	ID               uuid.UUID  `json:"id"`
	AgentID          uuid.UUID  `json:"agent_id"`
	RunID            *uuid.UUID `json:"run_id,omitempty"`
	ConversationID   *uuid.UUID `json:"conversation_id,omitempty"`
	Model            string     `json:"model"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	Cost             float64    `json:"cost"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ToolUsageLog is a persisted record of one executed tool call.
type ToolUsageLog struct {
	ID         uuid.UUID `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	AgentID    uuid.UUID `json:"agent_id"`
	ToolName   string    `json:"tool_name"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
