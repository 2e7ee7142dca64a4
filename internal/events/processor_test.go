package events_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/events"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/testutil"
)

var (
	testDB        *storage.DB
	testProcessor *events.Processor
	testIngestor  *events.Ingestor
)

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

	logger := testutil.TestLogger()
	publisher := events.NewPublisher(testDB, logger)
	testProcessor = events.NewProcessor(testDB, publisher, 5, logger)
	testIngestor = events.NewIngestor(testDB, testProcessor, logger)

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func createAgent(t *testing.T, slug string) model.Agent {
	t.Helper()
	agent, err := testDB.CreateAgent(context.Background(), model.CreateAgentRequest{
		Slug: slug, Name: "Events Agent", Model: "gpt-4.1-mini",
	}, nil)
	require.NoError(t, err)
	return agent
}

func ingest(t *testing.T, req model.IngestEventRequest) model.IngestEventResponse {
	t.Helper()
	resp, err := testIngestor.Ingest(context.Background(), req, false)
	require.NoError(t, err)
	return resp
}

func TestIngestDuplicateDetection(t *testing.T) {
	agent := createAgent(t, "ev-dup-agent")
	key := "idem-1"
	req := model.IngestEventRequest{
		Kind:           model.EventConversationUpsert,
		IdempotencyKey: &key,
		AgentID:        &agent.ID,
		Payload:        map[string]any{"external_id": "dup-conv"},
	}

	first := ingest(t, req)
	assert.False(t, first.Duplicate)
	assert.Equal(t, model.EventPending, first.Status)

	second := ingest(t, req)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
}

func TestIngestProcessNow(t *testing.T) {
	agent := createAgent(t, "ev-now-agent")
	resp, err := testIngestor.Ingest(context.Background(), model.IngestEventRequest{
		Kind:    model.EventConversationUpsert,
		AgentID: &agent.ID,
		Payload: map[string]any{"external_id": "now-conv"},
	}, true)
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, model.EventProcessed, resp.Status)

	conv, err := testDB.FindConversationByExternalID(context.Background(), agent.ID, "now-conv")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationActive, conv.Status)
}

func TestProcessConversationUpsertMergesMetadata(t *testing.T) {
	ctx := context.Background()
	agent := createAgent(t, "ev-conv-agent")

	resp := ingest(t, model.IngestEventRequest{
		Kind:    model.EventConversationUpsert,
		AgentID: &agent.ID,
		Payload: map[string]any{
			"external_id": "meta-conv",
			"metadata":    map[string]any{"channel": "email"},
		},
	})
	require.NoError(t, testProcessor.Process(ctx, resp.ID))

	conv, err := testDB.FindConversationByExternalID(ctx, agent.ID, "meta-conv")
	require.NoError(t, err)
	assert.Equal(t, "email", conv.Metadata["channel"])

	ev, err := testDB.GetEvent(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventProcessed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
}

func TestProcessMessageUpsertSourceDedup(t *testing.T) {
	ctx := context.Background()
	agent := createAgent(t, "ev-msg-agent")

	// Same external message delivered under two different envelopes and two
	// different provenance field names.
	first := ingest(t, model.IngestEventRequest{
		Kind:    model.EventMessageUpsert,
		AgentID: &agent.ID,
		Payload: map[string]any{
			"external_id":       "msg-conv",
			"role":              "user",
			"content":           "hello from outside",
			"source_message_id": "ext-77",
		},
	})
	require.NoError(t, testProcessor.Process(ctx, first.ID))

	second := ingest(t, model.IngestEventRequest{
		Kind:    model.EventMessageUpsert,
		AgentID: &agent.ID,
		Payload: map[string]any{
			"external_id": "msg-conv",
			"role":        "user",
			"content":     "hello from outside, redelivered",
			"message_id":  "ext-77",
		},
	})
	require.NoError(t, testProcessor.Process(ctx, second.ID))

	conv, err := testDB.FindConversationByExternalID(ctx, agent.ID, "msg-conv")
	require.NoError(t, err)
	n, err := testDB.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "same source message must not be inserted twice")

	// The dedup event itself still ends processed.
	ev, err := testDB.GetEvent(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventProcessed, ev.Status)
}

func TestProcessUsageRecorded(t *testing.T) {
	ctx := context.Background()
	agent := createAgent(t, "ev-usage-agent")

	resp := ingest(t, model.IngestEventRequest{
		Kind:    model.EventUsageRecorded,
		AgentID: &agent.ID,
		Payload: map[string]any{
			"model":             "gpt-4.1",
			"prompt_tokens":     float64(100),
			"completion_tokens": float64(50),
			"cost":              0.0006,
		},
	})
	require.NoError(t, testProcessor.Process(ctx, resp.ID))

	totals, err := testDB.AgentUsageSince(ctx, agent.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(150), totals.TotalTokens)
}

func TestProcessRunLifecycleLazyCreate(t *testing.T) {
	ctx := context.Background()
	agent := createAgent(t, "ev-run-agent")

	started := ingest(t, model.IngestEventRequest{
		Kind:    model.EventRunStarted,
		AgentID: &agent.ID,
		Payload: map[string]any{"external_id": "run-conv"},
	})
	require.NoError(t, testProcessor.Process(ctx, started.ID))

	runs, total, err := testDB.ListRunsByAgent(ctx, agent.ID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, model.RunStatusRunning, runs[0].Status)

	completed := ingest(t, model.IngestEventRequest{
		Kind:    model.EventRunCompleted,
		AgentID: &agent.ID,
		Payload: map[string]any{"run_id": runs[0].ID.String(), "response_id": "resp_ext"},
	})
	require.NoError(t, testProcessor.Process(ctx, completed.ID))

	run, err := testDB.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.ResponseID)
	assert.Equal(t, "resp_ext", *run.ResponseID)
}

func TestProcessFailureStateMachine(t *testing.T) {
	ctx := context.Background()
	agent := createAgent(t, "ev-fail-agent")

	// message.upsert without content fails handling.
	resp := ingest(t, model.IngestEventRequest{
		Kind:    model.EventMessageUpsert,
		AgentID: &agent.ID,
		Payload: map[string]any{"external_id": "fail-conv"},
	})

	err := testProcessor.Process(ctx, resp.ID)
	require.Error(t, err)

	ev, err := testDB.GetEvent(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventFailed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "content")

	// Failed events stay claimable, so a retry runs handling again.
	err = testProcessor.Process(ctx, resp.ID)
	require.Error(t, err)
	ev, err = testDB.GetEvent(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Attempts)
}

func TestProcessProcessedIsTerminalNoop(t *testing.T) {
	ctx := context.Background()
	agent := createAgent(t, "ev-term-agent")

	resp := ingest(t, model.IngestEventRequest{
		Kind:    model.EventConversationUpsert,
		AgentID: &agent.ID,
		Payload: map[string]any{"external_id": "term-conv"},
	})
	require.NoError(t, testProcessor.Process(ctx, resp.ID))

	// Reprocessing a processed event changes nothing.
	require.NoError(t, testProcessor.Process(ctx, resp.ID))

	ev, err := testDB.GetEvent(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventProcessed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
}
