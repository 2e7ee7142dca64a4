package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/openai"
	"github.com/ashita-ai/shiki/internal/storage"
)

// fakeDB is an in-memory conversationStore.
type fakeDB struct {
	conversations map[uuid.UUID]model.Conversation
	messages      map[uuid.UUID][]model.Message
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		conversations: make(map[uuid.UUID]model.Conversation),
		messages:      make(map[uuid.UUID][]model.Message),
	}
}

func (f *fakeDB) GetConversation(_ context.Context, id uuid.UUID) (model.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return model.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeDB) FindConversationByCorrelationKey(_ context.Context, agentID uuid.UUID, key string) (model.Conversation, error) {
	for _, c := range f.conversations {
		if c.AgentID == agentID && c.Metadata[model.CorrelationKeyField] == key {
			return c, nil
		}
	}
	return model.Conversation{}, storage.ErrNotFound
}

func (f *fakeDB) FindConversationByExternalID(_ context.Context, agentID uuid.UUID, externalID string) (model.Conversation, error) {
	for _, c := range f.conversations {
		if c.AgentID == agentID && c.ExternalID != nil && *c.ExternalID == externalID {
			return c, nil
		}
	}
	return model.Conversation{}, storage.ErrNotFound
}

func (f *fakeDB) CreateConversation(_ context.Context, agentID uuid.UUID, externalID *string, metadata map[string]any) (model.Conversation, error) {
	c := model.Conversation{
		ID:         uuid.New(),
		AgentID:    agentID,
		ExternalID: externalID,
		Status:     model.ConversationActive,
		Metadata:   metadata,
	}
	f.conversations[c.ID] = c
	return c, nil
}

func (f *fakeDB) InsertMessage(_ context.Context, m model.Message) (model.Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	return m, nil
}

func (f *fakeDB) ListRecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	msgs := f.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeDB) CountMessages(_ context.Context, conversationID uuid.UUID) (int, error) {
	return len(f.messages[conversationID]), nil
}

func (f *fakeDB) ListOldestMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	msgs := f.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeDB) DeleteMessages(_ context.Context, ids []uuid.UUID) error {
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for convID, msgs := range f.messages {
		var kept []model.Message
		for _, m := range msgs {
			if !drop[m.ID] {
				kept = append(kept, m)
			}
		}
		f.messages[convID] = kept
	}
	return nil
}

// fakePublisher records published events.
type fakePublisher struct {
	kinds    []model.EventKind
	payloads []map[string]any
}

func (f *fakePublisher) Publish(_ context.Context, kind model.EventKind, payload map[string]any) {
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
}

// fakeSummarizer answers every response request with a fixed summary.
type fakeSummarizer struct {
	calls int
	text  string
}

func (f *fakeSummarizer) CreateResponse(_ context.Context, _ openai.Request) (openai.Response, error) {
	f.calls++
	return openai.Response{
		ID: "resp_sum",
		Output: []openai.OutputItem{{
			Type:    "message",
			Content: []openai.ContentPart{{Type: "output_text", Text: f.text}},
		}},
	}, nil
}

func testStore(db *fakeDB, pub *fakePublisher, sum *fakeSummarizer) *Store {
	return NewStore(db, pub, sum, Config{
		HistoryWindow: 3,
		BatchMax:      5,
		SummaryModel:  "gpt-4.1-nano",
	}, slog.New(slog.DiscardHandler))
}

func TestResolveFallbackOrder(t *testing.T) {
	db := newFakeDB()
	pub := &fakePublisher{}
	s := testStore(db, pub, &fakeSummarizer{text: "summary"})
	agent := model.Agent{ID: uuid.New()}
	ctx := context.Background()

	// First call creates and announces the conversation.
	created, err := s.Resolve(ctx, agent, Criteria{CorrelationKey: "sess-1", ExternalID: "ext-1"})
	require.NoError(t, err)
	assert.Equal(t, []model.EventKind{model.EventConversationCreated}, pub.kinds)
	assert.Equal(t, "sess-1", created.Metadata[model.CorrelationKeyField])

	// Correlation key resolves to the same conversation.
	byCorr, err := s.Resolve(ctx, agent, Criteria{CorrelationKey: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, byCorr.ID)

	// So does the external id.
	byExt, err := s.Resolve(ctx, agent, Criteria{ExternalID: "ext-1"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, byExt.ID)

	// And the direct id.
	byID, err := s.Resolve(ctx, agent, Criteria{ConversationID: &created.ID})
	require.NoError(t, err)
	assert.Equal(t, created.ID, byID.ID)

	// Only the creation published an event.
	assert.Len(t, pub.kinds, 1)
}

func TestAppendMessageEmitsEvents(t *testing.T) {
	db := newFakeDB()
	pub := &fakePublisher{}
	s := testStore(db, pub, &fakeSummarizer{})
	convID := uuid.New()
	ctx := context.Background()

	userMsg, err := s.AppendMessage(ctx, convID, model.RoleUser, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, []model.EventKind{model.EventMessageAdded, model.EventUserMessageAdded}, pub.kinds)
	assert.Equal(t, userMsg.ID.String(), pub.payloads[0]["message_id"])
	assert.Equal(t, convID.String(), pub.payloads[0]["conversation_id"])
	assert.Equal(t, "user", pub.payloads[1]["role"])

	// Assistant appends get only the generic event.
	_, err = s.AppendMessage(ctx, convID, model.RoleAssistant, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, []model.EventKind{
		model.EventMessageAdded, model.EventUserMessageAdded, model.EventMessageAdded,
	}, pub.kinds)
}

func TestResolveUnknownIDFails(t *testing.T) {
	s := testStore(newFakeDB(), &fakePublisher{}, &fakeSummarizer{})
	missing := uuid.New()
	_, err := s.Resolve(context.Background(), model.Agent{ID: uuid.New()}, Criteria{ConversationID: &missing})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlattenHistory(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "raw operator note"},
		{Role: model.RoleSystem, Content: "earlier summary", Metadata: map[string]any{"generated": true, "source": "truncation"}},
		{Role: model.RoleUser, Content: "  hello  "},
		{Role: model.RoleAssistant, Content: ""},
		{Role: model.RoleAssistant, Content: "hi there"},
		{Role: model.RoleTool, Content: "tool output"},
	}

	got := FlattenHistory(msgs)
	require.Len(t, got, 3)
	assert.Equal(t, model.RoleSystem, got[0].Role)
	assert.Equal(t, "earlier summary", got[0].Content)
	assert.Equal(t, "hello", got[1].Content)
	assert.Equal(t, "hi there", got[2].Content)
}

func TestHistoryForModelWindow(t *testing.T) {
	db := newFakeDB()
	s := testStore(db, &fakePublisher{}, &fakeSummarizer{})
	convID := uuid.New()
	ctx := context.Background()

	for i := range 5 {
		_, err := db.InsertMessage(ctx, model.Message{
			ConversationID: convID,
			Role:           model.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}

	hist, err := s.HistoryForModel(ctx, convID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "m2", hist[0].Content)
	assert.Equal(t, "m4", hist[2].Content)
}

func TestTruncateIfNeeded(t *testing.T) {
	db := newFakeDB()
	sum := &fakeSummarizer{text: "they discussed seven things"}
	s := testStore(db, &fakePublisher{}, sum)
	convID := uuid.New()
	ctx := context.Background()

	for i := range 7 {
		_, err := db.InsertMessage(ctx, model.Message{
			ConversationID: convID,
			Role:           model.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}

	// 7 messages > batchMax 5: the oldest 7-3=4 get summarized and removed.
	require.NoError(t, s.TruncateIfNeeded(ctx, convID))
	assert.Equal(t, 1, sum.calls)

	msgs := db.messages[convID]
	require.Len(t, msgs, 4, "3 retained originals plus 1 summary")

	var summaries, originals int
	for _, m := range msgs {
		if m.IsTruncationSummary() {
			summaries++
			assert.Equal(t, "they discussed seven things", m.Content)
		} else {
			originals++
			assert.False(t, strings.HasPrefix(m.Content, "m0"), "oldest messages must be gone")
		}
	}
	assert.Equal(t, 1, summaries)
	assert.Equal(t, 3, originals)

	// Under the threshold nothing further happens.
	require.NoError(t, s.TruncateIfNeeded(ctx, convID))
	assert.Equal(t, 1, sum.calls)
}

func TestTruncateBelowThresholdIsNoop(t *testing.T) {
	db := newFakeDB()
	sum := &fakeSummarizer{text: "unused"}
	s := testStore(db, &fakePublisher{}, sum)
	convID := uuid.New()

	for i := range 5 {
		_, err := db.InsertMessage(context.Background(), model.Message{
			ConversationID: convID, Role: model.RoleUser, Content: fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.TruncateIfNeeded(context.Background(), convID))
	assert.Zero(t, sum.calls)
	assert.Len(t, db.messages[convID], 5)
}
