package prompts

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

func TestInterpolate(t *testing.T) {
	tests := []struct {
		name string
		body string
		vars map[string]any
		want string
	}{
		{
			name: "basic substitution",
			body: "Hello {{name}}, welcome to {{product}}.",
			vars: map[string]any{"name": "Ada", "product": "Shiki"},
			want: "Hello Ada, welcome to Shiki.",
		},
		{
			name: "whitespace inside braces",
			body: "Hi {{ name }}!",
			vars: map[string]any{"name": "Ada"},
			want: "Hi Ada!",
		},
		{
			name: "unknown placeholder stays put",
			body: "Hello {{name}} from {{city}}",
			vars: map[string]any{"name": "Ada"},
			want: "Hello Ada from {{city}}",
		},
		{
			name: "non-string values",
			body: "retries={{count}} enabled={{flag}}",
			vars: map[string]any{"count": 3, "flag": true},
			want: "retries=3 enabled=true",
		},
		{
			name: "no placeholders",
			body: "plain text",
			vars: map[string]any{"name": "Ada"},
			want: "plain text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.body, tt.vars))
		})
	}
}

type fakeTemplateStore struct {
	templates map[uuid.UUID]model.PromptTemplate
}

func (f *fakeTemplateStore) GetPromptTemplate(_ context.Context, id uuid.UUID) (model.PromptTemplate, error) {
	tpl, ok := f.templates[id]
	if !ok {
		return model.PromptTemplate{}, storage.ErrNotFound
	}
	return tpl, nil
}

func TestResolveRequestInstructionsWin(t *testing.T) {
	r := NewResolver(&fakeTemplateStore{})
	static := "static instructions"
	agent := model.Agent{Instructions: &static}

	got, err := r.Resolve(context.Background(), agent, "override", nil)
	require.NoError(t, err)
	assert.Equal(t, "override", got)
}

func TestResolveTemplateWithMergedVariables(t *testing.T) {
	tplID := uuid.New()
	store := &fakeTemplateStore{templates: map[uuid.UUID]model.PromptTemplate{
		tplID: {
			ID:        tplID,
			Body:      "You are {{persona}} helping with {{topic}}.",
			Variables: map[string]any{"persona": "a librarian", "topic": "books"},
		},
	}}
	r := NewResolver(store)
	agent := model.Agent{TemplateID: &tplID}

	// Request variables override template defaults.
	got, err := r.Resolve(context.Background(), agent, "", map[string]any{"topic": "archives"})
	require.NoError(t, err)
	assert.Equal(t, "You are a librarian helping with archives.", got)
}

func TestResolveMissingTemplateFallsBack(t *testing.T) {
	tplID := uuid.New()
	static := "fallback instructions"
	r := NewResolver(&fakeTemplateStore{})
	agent := model.Agent{TemplateID: &tplID, Instructions: &static}

	got, err := r.Resolve(context.Background(), agent, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback instructions", got)
}

func TestResolveNoInstructionSources(t *testing.T) {
	r := NewResolver(&fakeTemplateStore{})

	got, err := r.Resolve(context.Background(), model.Agent{}, "", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
