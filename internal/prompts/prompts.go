// Package prompts resolves the instruction text an agent runs with. Request
// instructions win outright; otherwise the agent's template is interpolated,
// falling back to the agent's static instructions.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Interpolate substitutes {{var}} placeholders in a template body. Unknown
// placeholders are left in place so missing variables surface in the output
// instead of silently disappearing.
func Interpolate(body string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		if v, ok := vars[name]; ok {
			return fmt.Sprint(v)
		}
		return match
	})
}

// TemplateGetter loads prompt templates.
type TemplateGetter interface {
	GetPromptTemplate(ctx context.Context, id uuid.UUID) (model.PromptTemplate, error)
}

// Resolver assembles the effective instructions for a run.
type Resolver struct {
	store TemplateGetter
}

// NewResolver creates a prompt resolver backed by the given template store.
func NewResolver(store TemplateGetter) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the instruction text for a run. Precedence: explicit
// request instructions, then the agent's template interpolated with the
// merged variables (template defaults overridden by request variables), then
// the agent's static instructions. A missing template falls through to the
// static instructions rather than failing the run.
func (r *Resolver) Resolve(ctx context.Context, agent model.Agent, requestInstructions string, requestVars map[string]any) (string, error) {
	if requestInstructions != "" {
		return requestInstructions, nil
	}

	if agent.TemplateID != nil {
		tpl, err := r.store.GetPromptTemplate(ctx, *agent.TemplateID)
		switch {
		case err == nil:
			vars := make(map[string]any, len(tpl.Variables)+len(requestVars))
			for k, v := range tpl.Variables {
				vars[k] = v
			}
			for k, v := range requestVars {
				vars[k] = v
			}
			return Interpolate(tpl.Body, vars), nil
		case errors.Is(err, storage.ErrNotFound):
		default:
			return "", fmt.Errorf("prompts: load template: %w", err)
		}
	}

	if agent.Instructions != nil {
		return *agent.Instructions, nil
	}
	return "", nil
}
