package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func createTestAgent(t *testing.T, slug string) model.Agent {
	t.Helper()
	agent, err := testDB.CreateAgent(context.Background(), model.CreateAgentRequest{
		Slug:  slug,
		Name:  "Test Agent",
		Model: "gpt-4.1-mini",
	}, nil)
	require.NoError(t, err)
	return agent
}

func TestCreateAndGetAgent(t *testing.T) {
	ctx := context.Background()

	agent := createTestAgent(t, "support-bot")
	assert.Equal(t, model.AgentStatusActive, agent.Status)
	assert.Equal(t, model.RoleAgent, agent.Role)

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "support-bot", got.Slug)

	bySlug, err := testDB.GetAgentBySlug(ctx, "support-bot")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, bySlug.ID)
}

func TestCreateAgentDuplicateSlug(t *testing.T) {
	createTestAgent(t, "dup-slug")

	_, err := testDB.CreateAgent(context.Background(), model.CreateAgentRequest{
		Slug: "dup-slug", Name: "Other", Model: "gpt-4.1",
	}, nil)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestSetAgentStatus(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "status-agent")

	require.NoError(t, testDB.SetAgentStatus(ctx, agent.ID, model.AgentStatusInactive))

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusInactive, got.Status)

	assert.ErrorIs(t, testDB.SetAgentStatus(ctx, uuid.New(), model.AgentStatusActive), storage.ErrNotFound)
}

func TestUpsertAgentTool(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "tool-agent")

	first, err := testDB.UpsertAgentTool(ctx, agent.ID, "file_search", true, map[string]any{
		"vector_store_ids": []any{"vs_1"},
	})
	require.NoError(t, err)

	second, err := testDB.UpsertAgentTool(ctx, agent.ID, "file_search", true, map[string]any{
		"vector_store_ids": []any{"vs_1", "vs_2"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "upsert must reuse the existing attachment row")

	tools, err := testDB.ListAgentTools(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "file_search", tools[0].ToolName)

	// Disabled attachments are excluded from the enabled listing.
	_, err = testDB.UpsertAgentTool(ctx, agent.ID, "file_search", false, nil)
	require.NoError(t, err)
	tools, err = testDB.ListAgentTools(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestConversationResolutionLookups(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "conv-agent")

	extID := "thread-42"
	conv, err := testDB.CreateConversation(ctx, agent.ID, &extID, map[string]any{
		model.CorrelationKeyField: "caller-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConversationActive, conv.Status)

	byCorr, err := testDB.FindConversationByCorrelationKey(ctx, agent.ID, "caller-abc")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, byCorr.ID)

	byExt, err := testDB.FindConversationByExternalID(ctx, agent.ID, "thread-42")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, byExt.ID)

	// Lookups are agent scoped.
	other := createTestAgent(t, "conv-agent-other")
	_, err = testDB.FindConversationByCorrelationKey(ctx, other.ID, "caller-abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.FindConversationByExternalID(ctx, other.ID, "thread-42")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertAndListMessages(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "msg-agent")
	conv, err := testDB.CreateConversation(ctx, agent.ID, nil, nil)
	require.NoError(t, err)

	for i := range 5 {
		_, err := testDB.InsertMessage(ctx, model.Message{
			ConversationID: conv.ID,
			Role:           model.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}

	recent, err := testDB.ListRecentMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "message 2", recent[0].Content, "recent window must be chronological")
	assert.Equal(t, "message 4", recent[2].Content)

	n, err := testDB.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	oldest, err := testDB.ListOldestMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "message 0", oldest[0].Content)

	ids := []uuid.UUID{oldest[0].ID, oldest[1].ID}
	require.NoError(t, testDB.DeleteMessages(ctx, ids))

	n, err = testDB.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFindMessageBySourceID(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "source-agent")
	conv, err := testDB.CreateConversation(ctx, agent.ID, nil, nil)
	require.NoError(t, err)

	srcID := "ext-msg-1"
	inserted, err := testDB.InsertMessage(ctx, model.Message{
		ConversationID:  conv.ID,
		Role:            model.RoleUser,
		Content:         "hello",
		SourceMessageID: &srcID,
	})
	require.NoError(t, err)

	got, err := testDB.FindMessageBySourceID(ctx, conv.ID, "ext-msg-1")
	require.NoError(t, err)
	assert.Equal(t, inserted.ID, got.ID)

	_, err = testDB.FindMessageBySourceID(ctx, conv.ID, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessageEmbeddingRoundtrip(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "embed-agent")
	conv, err := testDB.CreateConversation(ctx, agent.ID, nil, nil)
	require.NoError(t, err)

	msg, err := testDB.InsertMessage(ctx, model.Message{
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		Content:        "the answer is 42",
	})
	require.NoError(t, err)

	emb := make([]float32, 1536)
	emb[0] = 1
	require.NoError(t, testDB.SetMessageEmbedding(ctx, msg.ID, emb))

	hits, err := testDB.SearchMessagesByEmbedding(ctx, &agent.ID, emb, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, msg.ID, hits[0].Message.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 0.001)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "run-agent")
	conv, err := testDB.CreateConversation(ctx, agent.ID, nil, nil)
	require.NoError(t, err)

	run, err := testDB.CreateRun(ctx, agent.ID, conv.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	respID := "resp_123"
	require.NoError(t, testDB.CompleteRun(ctx, run.ID, model.RunStatusCompleted, &respID, nil))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.ResponseID)
	assert.Equal(t, "resp_123", *got.ResponseID)
	assert.NotNil(t, got.CompletedAt)

	// A terminal run cannot transition again.
	errMsg := "late failure"
	assert.ErrorIs(t, testDB.CompleteRun(ctx, run.ID, model.RunStatusFailed, nil, &errMsg), storage.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "list-run-agent")
	conv, err := testDB.CreateConversation(ctx, agent.ID, nil, nil)
	require.NoError(t, err)

	for range 3 {
		_, err := testDB.CreateRun(ctx, agent.ID, conv.ID, nil)
		require.NoError(t, err)
	}

	byAgent, total, err := testDB.ListRunsByAgent(ctx, agent.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, byAgent, 3)

	byConv, total, err := testDB.ListRunsByConversation(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, byConv, 2)
}

func TestInsertUsageLog(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "usage-agent")
	conv, err := testDB.CreateConversation(ctx, agent.ID, nil, nil)
	require.NoError(t, err)
	run, err := testDB.CreateRun(ctx, agent.ID, conv.ID, nil)
	require.NoError(t, err)

	_, err = testDB.InsertUsageLog(ctx, model.UsageLog{
		AgentID:          agent.ID,
		RunID:            &run.ID,
		ConversationID:   &conv.ID,
		Model:            "gpt-4.1",
		PromptTokens:     1_000_000,
		CompletionTokens: 500_000,
		TotalTokens:      1_500_000,
		Cost:             3.0,
	})
	require.NoError(t, err)

	totals, err := testDB.AgentUsageSince(ctx, agent.ID, run.CreatedAt.Add(-1))
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), totals.TotalTokens)
	assert.InDelta(t, 3.0, totals.Cost, 1e-9)
	assert.Equal(t, int64(1), totals.Runs)
}

func TestInsertToolUsageLog(t *testing.T) {
	ctx := context.Background()
	agent := createTestAgent(t, "tool-usage-agent")
	conv, err := testDB.CreateConversation(ctx, agent.ID, nil, nil)
	require.NoError(t, err)
	run, err := testDB.CreateRun(ctx, agent.ID, conv.ID, nil)
	require.NoError(t, err)

	logged, err := testDB.InsertToolUsageLog(ctx, model.ToolUsageLog{
		RunID:      run.ID,
		AgentID:    agent.ID,
		ToolName:   "lookup_order",
		DurationMs: 42,
		Success:    true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, logged.ID)
}

func TestInsertEventDedupe(t *testing.T) {
	ctx := context.Background()

	first, dup, err := testDB.InsertEvent(ctx, model.EventMessageUpsert, "dedupe-key-1", nil, map[string]any{"x": float64(1)})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, model.EventPending, first.Status)

	second, dup, err := testDB.InsertEvent(ctx, model.EventMessageUpsert, "dedupe-key-1", nil, map[string]any{"x": float64(2)})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID, "duplicate delivery must return the original event")
}

func TestClaimEventLifecycle(t *testing.T) {
	ctx := context.Background()

	ev, _, err := testDB.InsertEvent(ctx, model.EventConversationUpsert, "claim-key-1", nil, nil)
	require.NoError(t, err)

	claimed, err := testDB.ClaimEvent(ctx, ev.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, model.EventProcessing, claimed.Status)

	// A processing event cannot be claimed again.
	_, err = testDB.ClaimEvent(ctx, ev.ID, 5)
	assert.ErrorIs(t, err, storage.ErrNotClaimable)

	require.NoError(t, testDB.MarkEventProcessed(ctx, ev.ID))

	// Processed is terminal: later claims are no-ops.
	_, err = testDB.ClaimEvent(ctx, ev.ID, 5)
	assert.ErrorIs(t, err, storage.ErrNotClaimable)
}

func TestClaimEventRetryBudget(t *testing.T) {
	ctx := context.Background()

	ev, _, err := testDB.InsertEvent(ctx, model.EventUsageRecorded, "retry-key-1", nil, nil)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		claimed, err := testDB.ClaimEvent(ctx, ev.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, i, claimed.Attempts)
		require.NoError(t, testDB.MarkEventFailed(ctx, ev.ID, "boom"))
	}

	_, err = testDB.ClaimEvent(ctx, ev.ID, 2)
	assert.ErrorIs(t, err, storage.ErrNotClaimable)

	got, err := testDB.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
}

func TestClaimEventClearsPreviousError(t *testing.T) {
	ctx := context.Background()

	ev, _, err := testDB.InsertEvent(ctx, model.EventUsageRecorded, "reclaim-key-1", nil, nil)
	require.NoError(t, err)

	claimed, err := testDB.ClaimEvent(ctx, ev.ID, 5)
	require.NoError(t, err)
	require.NoError(t, testDB.MarkEventFailed(ctx, claimed.ID, "transient outage"))

	// Reclaiming wipes the stale error along with the status transition.
	reclaimed, err := testDB.ClaimEvent(ctx, ev.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Nil(t, reclaimed.LastError)

	got, err := testDB.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastError)
	assert.Equal(t, model.EventProcessing, got.Status)

	require.NoError(t, testDB.MarkEventProcessed(ctx, ev.ID))
}

func TestListClaimableEventIDs(t *testing.T) {
	ctx := context.Background()

	ev, _, err := testDB.InsertEvent(ctx, model.EventRunStarted, "poll-key-1", nil, nil)
	require.NoError(t, err)

	ids, err := testDB.ListClaimableEventIDs(ctx, 5, 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, ev.ID)

	claimed, err := testDB.ClaimEvent(ctx, ev.ID, 5)
	require.NoError(t, err)
	require.NoError(t, testDB.MarkEventProcessed(ctx, claimed.ID))

	ids, err = testDB.ListClaimableEventIDs(ctx, 5, 1000)
	require.NoError(t, err)
	assert.NotContains(t, ids, ev.ID)
}

func TestPromptTemplateRoundtrip(t *testing.T) {
	ctx := context.Background()

	tpl, err := testDB.CreatePromptTemplate(ctx, "greeting", "Hello {{name}}, welcome to {{product}}.", nil)
	require.NoError(t, err)

	got, err := testDB.GetPromptTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", got.Name)

	_, err = testDB.CreatePromptTemplate(ctx, "greeting", "other", nil)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestToolDefinitions(t *testing.T) {
	ctx := context.Background()

	handler := "orders.lookup"
	def, err := testDB.CreateToolDefinition(ctx, model.ToolDefinition{
		Name:        "lookup_order",
		Description: "Look up an order by ID",
		Parameters:  []byte(`{"type":"object","properties":{"order_id":{"type":"string"}}}`),
		Type:        model.ToolTypeFunction,
		HandlerRef:  &handler,
		Enabled:     true,
	})
	require.NoError(t, err)

	got, err := testDB.GetToolDefinitionByName(ctx, "lookup_order")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, model.ToolTypeFunction, got.Type)

	// Disabled definitions are invisible to resolution.
	_, err = testDB.CreateToolDefinition(ctx, model.ToolDefinition{
		Name: "disabled_tool", Type: model.ToolTypeFunction, Enabled: false,
	})
	require.NoError(t, err)
	_, err = testDB.GetToolDefinitionByName(ctx, "disabled_tool")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
