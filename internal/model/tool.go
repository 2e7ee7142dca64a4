package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolDefinitionType distinguishes how a stored function tool is executed.
type ToolDefinitionType string

const (
	// ToolTypeFunction executes through a registered in-process handler.
	ToolTypeFunction ToolDefinitionType = "function"
	// ToolTypeAPI executes by POSTing arguments to a remote endpoint.
	ToolTypeAPI ToolDefinitionType = "api"
)

// ToolDefinition is a stored function tool: its schema plus how to run it.
type ToolDefinition struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  json.RawMessage    `json:"parameters"`
	Type        ToolDefinitionType `json:"type"`
	HandlerRef  *string            `json:"handler_ref,omitempty"`
	Endpoint    *string            `json:"endpoint,omitempty"`
	Enabled     bool               `json:"enabled"`
	Metadata    map[string]any     `json:"metadata"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// BuiltinToolTypes is the set of provider-hosted tool types an agent may
// enable by name without a stored definition.
var BuiltinToolTypes = map[string]bool{
	"file_search":                     true,
	"web_search_preview":              true,
	"web_search_preview_2025_03_11":   true,
	"code_interpreter":                true,
	"image_generation":                true,
	"mcp":                             true,
	"custom":                          true,
	"computer_use_preview":            true,
	"shell":                           true,
	"apply_patch":                     true,
}

// IsBuiltinToolType reports whether name is a provider-hosted tool type.
func IsBuiltinToolType(name string) bool {
	return BuiltinToolTypes[name]
}
