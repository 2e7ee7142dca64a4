package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of lifecycle event names the runtime emits and
// accepts for ingestion. Dispatch switches over this type exhaustively; an
// unknown kind is an explicit failure, never a silent success.
type EventKind string

const (
	// Ingestion upserts.
	EventConversationUpsert EventKind = "conversation.upsert"
	EventMessageUpsert      EventKind = "message.upsert"
	EventUsageRecorded      EventKind = "usage.recorded"

	// Run lifecycle.
	EventRunStarted   EventKind = "run.started"
	EventRunCompleted EventKind = "run.completed"
	EventRunFailed    EventKind = "run.failed"

	// Tool lifecycle.
	EventToolCallStarted   EventKind = "tool.call.started"
	EventToolCallCompleted EventKind = "tool.call.completed"

	// Conversation lifecycle.
	EventConversationCreated EventKind = "conversation.created"
	EventConversationUpdated EventKind = "conversation.updated"

	// Message lifecycle. Every append emits message.added; a user-authored
	// append additionally emits user.message.added.
	EventMessageAdded     EventKind = "message.added"
	EventUserMessageAdded EventKind = "user.message.added"
)

// KnownEventKind reports whether k is a member of the closed event-kind set.
func KnownEventKind(k EventKind) bool {
	switch k {
	case EventConversationUpsert, EventMessageUpsert, EventUsageRecorded,
		EventRunStarted, EventRunCompleted, EventRunFailed,
		EventToolCallStarted, EventToolCallCompleted,
		EventConversationCreated, EventConversationUpdated,
		EventMessageAdded, EventUserMessageAdded:
		return true
	default:
		return false
	}
}

// RunLifecycleKind reports whether k creates or updates a run row when
// processed (started/completed/failed). Tool call events attach to an
// existing run but never create one.
func RunLifecycleKind(k EventKind) bool {
	switch k {
	case EventRunStarted, EventRunCompleted, EventRunFailed:
		return true
	default:
		return false
	}
}

// EventStatus is the processing state of an ingested event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// Event is a durably stored inbound lifecycle event.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	Kind        EventKind      `json:"kind"`
	DedupeKey   string         `json:"dedupe_key"`
	AgentID     *uuid.UUID     `json:"agent_id,omitempty"`
	Payload     map[string]any `json:"payload"`
	Status      EventStatus    `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// SourceMessageIDFields is the ordered list of payload fields consulted when
// deduplicating message.upsert events against previously ingested messages.
var SourceMessageIDFields = []string{"source_message_id", "message_id", "external_message_id", "id"}
