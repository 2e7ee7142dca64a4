package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text. These keep a single oversized
// field from filling Postgres TEXT columns or inflating model input.
const (
	MaxInputLen        = 256 * 1024 // 256 KB
	MaxInstructionsLen = 64 * 1024  // 64 KB
	MaxSlugLen         = 200
)

// APIResponse is the standard envelope for single-object responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstreamError = "UPSTREAM_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentSlug string `json:"agent_slug"`
	APIKey    string `json:"api_key"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Model        string         `json:"model"`
	Instructions *string        `json:"instructions,omitempty"`
	TemplateID   *uuid.UUID     `json:"template_id,omitempty"`
	Role         AgentRole      `json:"role,omitempty"`
	APIKey       string         `json:"api_key,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks field lengths and required fields.
func (r CreateAgentRequest) Validate() error {
	if strings.TrimSpace(r.Slug) == "" {
		return fmt.Errorf("slug is required")
	}
	if len(r.Slug) > MaxSlugLen {
		return fmt.Errorf("slug exceeds maximum length of %d characters", MaxSlugLen)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if r.Instructions != nil && len(*r.Instructions) > MaxInstructionsLen {
		return fmt.Errorf("instructions exceed maximum length of %d bytes", MaxInstructionsLen)
	}
	return nil
}

// ResolveAgentRequest is the request body for POST /v1/agents/resolve.
type ResolveAgentRequest struct {
	ID   *uuid.UUID `json:"id,omitempty"`
	Slug *string    `json:"slug,omitempty"`
}

// RunRequest is the request body for POST /v1/runs and POST /v1/runs/stream.
type RunRequest struct {
	AgentID        *uuid.UUID     `json:"agent_id,omitempty"`
	AgentSlug      *string        `json:"agent_slug,omitempty"`
	ConversationID *uuid.UUID     `json:"conversation_id,omitempty"`
	ExternalID     *string        `json:"external_id,omitempty"`
	CorrelationKey *string        `json:"correlation_key,omitempty"`
	Input          string         `json:"input"`
	Instructions   *string        `json:"instructions,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the run request.
func (r RunRequest) Validate() error {
	if r.AgentID == nil && (r.AgentSlug == nil || strings.TrimSpace(*r.AgentSlug) == "") {
		return fmt.Errorf("agent_id or agent_slug is required")
	}
	if strings.TrimSpace(r.Input) == "" {
		return fmt.Errorf("input is required")
	}
	if len(r.Input) > MaxInputLen {
		return fmt.Errorf("input exceeds maximum length of %d bytes", MaxInputLen)
	}
	if r.Instructions != nil && len(*r.Instructions) > MaxInstructionsLen {
		return fmt.Errorf("instructions exceed maximum length of %d bytes", MaxInstructionsLen)
	}
	return nil
}

// RunResult is the response body for POST /v1/runs.
type RunResult struct {
	RunID          uuid.UUID `json:"run_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Output         string    `json:"output"`
	ResponseID     string    `json:"response_id,omitempty"`
	Usage          Usage     `json:"usage"`
	Cost           float64   `json:"cost"`
}

// IngestEventRequest is the request body for POST /v1/events.
type IngestEventRequest struct {
	Kind           EventKind      `json:"kind"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	AgentID        *uuid.UUID     `json:"agent_id,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// Validate checks the ingestion request.
func (r IngestEventRequest) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !KnownEventKind(r.Kind) {
		return fmt.Errorf("unknown event kind: %s", r.Kind)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// IngestEventResponse is the response body for POST /v1/events.
type IngestEventResponse struct {
	ID        uuid.UUID   `json:"id"`
	Status    EventStatus `json:"status"`
	Duplicate bool        `json:"duplicate"`
}

// SearchConversationsRequest is the request body for POST /v1/conversations/search.
type SearchConversationsRequest struct {
	Query   string     `json:"query"`
	AgentID *uuid.UUID `json:"agent_id,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// SearchHit is one result of a conversation message search.
type SearchHit struct {
	Message Message `json:"message"`
	Score   float32 `json:"score"`
}
