package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// HandlerKind is the closed set of ways an executable tool runs.
type HandlerKind string

const (
	// HandlerFunc invokes an in-process handler from the registry.
	HandlerFunc HandlerKind = "func"
	// HandlerHTTP posts the arguments to a remote endpoint.
	HandlerHTTP HandlerKind = "http"
)

// Executable is a resolved tool the runner can invoke.
type Executable struct {
	Name     string
	Kind     HandlerKind
	Handler  Handler // set when Kind is HandlerFunc
	Endpoint string  // set when Kind is HandlerHTTP
}

// ResolvedSet is the outcome of tool resolution for one agent: the descriptor
// list sent to the model and the executables keyed by name.
type ResolvedSet struct {
	ResponseTools []map[string]any
	Executables   map[string]Executable
}

// toolStore is the persistence surface resolution reads from.
type toolStore interface {
	ListAgentTools(ctx context.Context, agentID uuid.UUID) ([]model.AgentTool, error)
	GetToolDefinitionByName(ctx context.Context, name string) (model.ToolDefinition, error)
}

// Resolver merges persisted agent tools, registry tools, and provider
// builtins into one deduplicated tool set.
type Resolver struct {
	store    toolStore
	registry *Registry
}

// NewResolver creates a resolver over the given store and registry.
func NewResolver(store toolStore, registry *Registry) *Resolver {
	return &Resolver{store: store, registry: registry}
}

// ResolveForAgent builds the tool set for a run. Precedence on name
// collisions: a stored definition wins over a registry registration.
func (r *Resolver) ResolveForAgent(ctx context.Context, agent model.Agent) (ResolvedSet, error) {
	set := ResolvedSet{Executables: make(map[string]Executable)}
	seen := make(map[string]bool)
	named := make(map[string]bool)

	add := func(descriptor map[string]any) {
		key := canonicalKey(descriptor)
		if seen[key] {
			return
		}
		seen[key] = true
		set.ResponseTools = append(set.ResponseTools, descriptor)
	}

	attachments, err := r.store.ListAgentTools(ctx, agent.ID)
	if err != nil {
		return ResolvedSet{}, fmt.Errorf("tools: list agent tools: %w", err)
	}

	for _, at := range attachments {
		if model.IsBuiltinToolType(at.ToolName) {
			if desc, ok := builtinDescriptor(at.ToolName, at.Metadata, agent.Metadata); ok {
				add(desc)
			}
			continue
		}

		def, err := r.store.GetToolDefinitionByName(ctx, at.ToolName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return ResolvedSet{}, fmt.Errorf("tools: load definition %q: %w", at.ToolName, err)
		}

		exec, ok, err := r.executableFor(def)
		if err != nil {
			return ResolvedSet{}, err
		}
		if !ok {
			continue
		}
		add(functionDescriptor(def.Name, def.Description, def.Parameters))
		set.Executables[def.Name] = exec
		named[def.Name] = true
	}

	// Registry tools not already claimed by a stored definition.
	for _, reg := range r.registry.List() {
		if named[reg.Name] {
			continue
		}
		add(functionDescriptor(reg.Name, reg.Description, reg.Parameters))
		set.Executables[reg.Name] = Executable{Name: reg.Name, Kind: HandlerFunc, Handler: reg.Handler}
	}

	// The agent's denormalized tool list may name extra provider builtins.
	for _, name := range agent.Tools {
		if !model.IsBuiltinToolType(name) {
			continue
		}
		if desc, ok := builtinDescriptor(name, nil, agent.Metadata); ok {
			add(desc)
		}
	}

	return set, nil
}

// executableFor maps a stored definition onto a handler kind. Definitions
// whose handler cannot be bound (unknown registry ref, missing endpoint) are
// skipped rather than failing resolution.
func (r *Resolver) executableFor(def model.ToolDefinition) (Executable, bool, error) {
	switch def.Type {
	case model.ToolTypeFunction:
		if def.HandlerRef == nil {
			return Executable{}, false, nil
		}
		reg, ok := r.registry.Get(*def.HandlerRef)
		if !ok {
			return Executable{}, false, nil
		}
		return Executable{Name: def.Name, Kind: HandlerFunc, Handler: reg.Handler}, true, nil
	case model.ToolTypeAPI:
		if def.Endpoint == nil || *def.Endpoint == "" {
			return Executable{}, false, nil
		}
		return Executable{Name: def.Name, Kind: HandlerHTTP, Endpoint: *def.Endpoint}, true, nil
	default:
		return Executable{}, false, fmt.Errorf("tools: unhandled definition type %q for %q", def.Type, def.Name)
	}
}

// builtinDescriptor maps a provider-builtin tool name onto its native
// descriptor. file_search needs at least one vector store id, sourced from
// the attachment metadata first and the agent metadata second; without one
// the tool is skipped silently.
func builtinDescriptor(name string, toolMeta, agentMeta map[string]any) (map[string]any, bool) {
	if name == "file_search" {
		ids := vectorStoreIDs(toolMeta)
		if len(ids) == 0 {
			ids = vectorStoreIDs(agentMeta)
		}
		if len(ids) == 0 {
			return nil, false
		}
		return map[string]any{"type": "file_search", "vector_store_ids": ids}, true
	}
	return map[string]any{"type": name}, true
}

func vectorStoreIDs(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	raw, ok := meta["vector_store_ids"].([]any)
	if !ok {
		return nil
	}
	var ids []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

func functionDescriptor(name, description string, parameters json.RawMessage) map[string]any {
	params := any(map[string]any{"type": "object", "properties": map[string]any{}})
	if len(parameters) > 0 {
		var decoded any
		if err := json.Unmarshal(parameters, &decoded); err == nil {
			params = decoded
		}
	}
	return map[string]any{
		"type":        "function",
		"name":        name,
		"description": description,
		"parameters":  params,
	}
}

// canonicalKey renders a descriptor as JSON with sorted keys so structurally
// equal descriptors collapse to one entry.
func canonicalKey(descriptor map[string]any) string {
	keys := make([]string, 0, len(descriptor))
	for k := range descriptor {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, descriptor[k])
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return fmt.Sprint(descriptor)
	}
	return string(b)
}
