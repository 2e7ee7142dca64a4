package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// CorrelationKeyField is the metadata key callers use to correlate their own
// identifiers with a conversation. Conversation resolution falls back to it
// before external_id.
const CorrelationKeyField = "correlation_key"

// Conversation is a durable multi-turn exchange between a caller and an agent.
type Conversation struct {
	ID         uuid.UUID          `json:"id"`
	AgentID    uuid.UUID          `json:"agent_id"`
	ExternalID *string            `json:"external_id,omitempty"`
	Status     ConversationStatus `json:"status"`
	Title      *string            `json:"title,omitempty"`
	Metadata   map[string]any     `json:"metadata"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// MessageRole is the author role of a conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is a single persisted conversation message.
type Message struct {
	ID              uuid.UUID      `json:"id"`
	ConversationID  uuid.UUID      `json:"conversation_id"`
	Role            MessageRole    `json:"role"`
	Content         string         `json:"content"`
	SourceMessageID *string        `json:"source_message_id,omitempty"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
}

// IsTruncationSummary reports whether a system message is a generated
// truncation summary. Only these system messages are eligible for model
// history; all other system messages are operator annotations.
func (m Message) IsTruncationSummary() bool {
	if m.Role != RoleSystem {
		return false
	}
	gen, _ := m.Metadata["generated"].(bool)
	src, _ := m.Metadata["source"].(string)
	return gen && src == "truncation"
}

// HistoryMessage is the flattened role+text form sent to the model.
type HistoryMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}
