// Package tools resolves the capability set an agent may call and executes
// tool invocations during a run.
package tools

import (
	"context"
	"encoding/json"
	"sync"
)

// CallContext is the side-channel information passed to a handler alongside
// the model-provided arguments. It never appears in the argument schema the
// model sees.
type CallContext struct {
	AgentID        string
	AgentSlug      string
	ConversationID string
	RunID          string
	ToolName       string
}

// Handler is an in-process tool implementation. The returned value is
// serialized to JSON and fed back to the model.
type Handler func(ctx context.Context, args json.RawMessage, call CallContext) (any, error)

// Registration is one programmatically registered tool.
type Registration struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     Handler
}

// Registry holds programmatically registered tools. It is constructed at
// startup and passed explicitly to whoever needs it; there is no package
// global.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Registration
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Registration)}
}

// Register adds or replaces a tool. Registration order is preserved for
// resolution output.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[reg.Name]; !exists {
		r.order = append(r.order, reg.Name)
	}
	if len(reg.Parameters) == 0 {
		reg.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	r.tools[reg.Name] = reg
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// List returns all registrations in registration order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}
