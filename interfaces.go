package shiki

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/shiki/internal/tools"
)

// ToolCall is the side-channel information passed to a tool handler alongside
// the model-provided arguments. It never appears in the argument schema the
// model sees.
type ToolCall struct {
	AgentID        string
	AgentSlug      string
	ConversationID string
	RunID          string
	ToolName       string
}

// ToolHandler is an in-process tool implementation. The returned value is
// serialized to JSON and fed back to the model. A returned error fails the
// whole run; it is never shown to the model.
type ToolHandler func(ctx context.Context, args json.RawMessage, call ToolCall) (any, error)

// Tool is one tool registered with WithTool. Parameters is a JSON Schema
// object describing the arguments; when empty, an argument-free schema is
// used.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     ToolHandler
}

// adaptToolHandler bridges the public handler signature to the internal one.
func adaptToolHandler(h ToolHandler) tools.Handler {
	if h == nil {
		return nil
	}
	return func(ctx context.Context, args json.RawMessage, call tools.CallContext) (any, error) {
		return h(ctx, args, ToolCall{
			AgentID:        call.AgentID,
			AgentSlug:      call.AgentSlug,
			ConversationID: call.ConversationID,
			RunID:          call.RunID,
			ToolName:       call.ToolName,
		})
	}
}
