package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the lifecycle state of an agent definition.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// AgentRole represents the RBAC role assigned to an API caller.
type AgentRole string

const (
	RoleAdmin  AgentRole = "admin"
	RoleAgent  AgentRole = "agent"
	RoleReader AgentRole = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role has at least the privileges of min.
func RoleAtLeast(role, min AgentRole) bool {
	return RoleRank(role) >= RoleRank(min)
}

// Agent is a runnable agent definition: which model it uses, what it is
// told to do, and which tools it may call.
type Agent struct {
	ID           uuid.UUID      `json:"id"`
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Model        string         `json:"model"`
	Instructions *string        `json:"instructions,omitempty"`
	TemplateID   *uuid.UUID     `json:"template_id,omitempty"`
	Status       AgentStatus    `json:"status"`
	Role         AgentRole      `json:"role"`
	APIKeyHash   *string        `json:"-"`
	Tools        []string       `json:"tools"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AgentTool is a per-agent tool attachment row. Metadata carries
// tool-specific configuration such as vector_store_ids for file_search.
type AgentTool struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   uuid.UUID      `json:"agent_id"`
	ToolName  string         `json:"tool_name"`
	Enabled   bool           `json:"enabled"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// PromptTemplate is a named instruction template with {{var}} placeholders.
type PromptTemplate struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Body      string         `json:"body"`
	Variables map[string]any `json:"variables"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
