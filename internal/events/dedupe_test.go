package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/shiki/internal/model"
)

func TestDedupeKeyPrefersIdempotencyKey(t *testing.T) {
	key := "caller-key-1"
	req := model.IngestEventRequest{
		Kind:           model.EventMessageUpsert,
		IdempotencyKey: &key,
		Payload:        map[string]any{"content": "hi"},
	}
	assert.Equal(t, "caller-key-1", DedupeKey(req))
}

func TestDedupeKeyContentHashIgnoresKeyOrder(t *testing.T) {
	agentID := uuid.New()
	a := model.IngestEventRequest{
		Kind:    model.EventMessageUpsert,
		AgentID: &agentID,
		Payload: map[string]any{"content": "hi", "role": "user", "nested": map[string]any{"a": 1, "b": 2}},
	}
	b := model.IngestEventRequest{
		Kind:    model.EventMessageUpsert,
		AgentID: &agentID,
		Payload: map[string]any{"nested": map[string]any{"b": 2, "a": 1}, "role": "user", "content": "hi"},
	}
	assert.Equal(t, DedupeKey(a), DedupeKey(b))
}

func TestDedupeKeyDistinguishesContent(t *testing.T) {
	agentID := uuid.New()
	base := model.IngestEventRequest{
		Kind:    model.EventMessageUpsert,
		AgentID: &agentID,
		Payload: map[string]any{"content": "hi"},
	}

	differentPayload := base
	differentPayload.Payload = map[string]any{"content": "bye"}
	assert.NotEqual(t, DedupeKey(base), DedupeKey(differentPayload))

	differentKind := base
	differentKind.Kind = model.EventConversationUpsert
	assert.NotEqual(t, DedupeKey(base), DedupeKey(differentKind))

	otherAgent := uuid.New()
	differentAgent := base
	differentAgent.AgentID = &otherAgent
	assert.NotEqual(t, DedupeKey(base), DedupeKey(differentAgent))
}

func TestDedupeKeyEmptyIdempotencyKeyFallsBack(t *testing.T) {
	empty := ""
	req := model.IngestEventRequest{
		Kind:           model.EventMessageUpsert,
		IdempotencyKey: &empty,
		Payload:        map[string]any{"content": "hi"},
	}
	assert.Len(t, DedupeKey(req), 64, "expected a sha256 hex digest")
}
