package runner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/conversation"
	"github.com/ashita-ai/shiki/internal/events"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/openai"
	"github.com/ashita-ai/shiki/internal/pricing"
	"github.com/ashita-ai/shiki/internal/prompts"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/runner"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/testutil"
	"github.com/ashita-ai/shiki/internal/tools"
	"github.com/ashita-ai/shiki/internal/usage"
)

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

// turn scripts one provider round-trip.
type turn struct {
	resp  openai.Response
	check func(t *testing.T, req openai.Request)
}

// scriptedProvider is a fake Responses API answering scripted turns for both
// the blocking and streaming endpoints. Past the end of the script the last
// turn repeats.
type scriptedProvider struct {
	t     *testing.T
	mu    sync.Mutex
	calls int
	turns []turn
}

func (p *scriptedProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/responses" {
		http.NotFound(w, r)
		return
	}
	var req openai.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	tn := p.turns[idx]
	if tn.check != nil {
		tn.check(p.t, req)
	}

	if !req.Stream {
		_ = json.NewEncoder(w).Encode(tn.resp)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	fl := w.(http.Flusher)
	if text := tn.resp.OutputText(); text != "" {
		delta, _ := json.Marshal(map[string]any{"type": openai.FrameOutputTextDelta, "delta": text})
		fmt.Fprintf(w, "data: %s\n\n", delta)
		fl.Flush()
	}
	done, _ := json.Marshal(map[string]any{"type": openai.FrameCompleted, "response": tn.resp})
	fmt.Fprintf(w, "data: %s\n\n", done)
	fmt.Fprint(w, "data: [DONE]\n\n")
	fl.Flush()
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(id, text string, in, out int) openai.Response {
	return openai.Response{
		ID: id,
		Output: []openai.OutputItem{{
			Type:    "message",
			Role:    "assistant",
			Content: []openai.ContentPart{{Type: "output_text", Text: text}},
		}},
		Usage: openai.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

func toolCallResponse(id, callID, name, args string, in, out int) openai.Response {
	return openai.Response{
		ID: id,
		Output: []openai.OutputItem{{
			Type: "function_call", CallID: callID, Name: name, Arguments: args,
		}},
		Usage: openai.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

type env struct {
	runner   *runner.Runner
	provider *scriptedProvider
	registry *tools.Registry
	limiter  ratelimit.Limiter
}

func newEnv(t *testing.T, turns []turn) *env {
	t.Helper()
	logger := testutil.TestLogger()

	provider := &scriptedProvider{t: t, turns: turns}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)
	client := openai.NewClient(srv.URL, "test-key")

	registry := tools.NewRegistry()
	publisher := events.NewPublisher(testDB, logger)
	convs := conversation.NewStore(testDB, publisher, client, conversation.Config{
		HistoryWindow: 30,
		BatchMax:      80,
		SummaryModel:  "gpt-4.1-nano",
	}, logger)
	tracker := usage.NewTracker(testDB, publisher, pricing.DefaultTable())
	limiter := ratelimit.NewSlidingLimiter(time.Minute, 30)
	t.Cleanup(func() { _ = limiter.Close() })

	r := runner.New(
		testDB,
		convs,
		prompts.NewResolver(testDB),
		tools.NewResolver(testDB, registry),
		tools.NewExecutor(nil),
		client,
		limiter,
		tracker,
		publisher,
		runner.Config{DefaultModel: "gpt-4.1-mini", MaxToolIterations: 8},
		logger,
	)
	return &env{runner: r, provider: provider, registry: registry, limiter: limiter}
}

func createAgent(t *testing.T, slug string) model.Agent {
	t.Helper()
	instructions := "You are a test agent."
	agent, err := testDB.CreateAgent(context.Background(), model.CreateAgentRequest{
		Slug:         slug,
		Name:         "Runner Agent",
		Model:        "gpt-4.1",
		Instructions: &instructions,
	}, nil)
	require.NoError(t, err)
	return agent
}

func TestRunSimpleTurn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{{
		resp: textResponse("resp_1", "the answer", 1_000_000, 500_000),
		check: func(t *testing.T, req openai.Request) {
			assert.Equal(t, "gpt-4.1", req.Model)
			assert.Equal(t, "You are a test agent.", req.Instructions)
			require.NotEmpty(t, req.Input)
			last := req.Input[len(req.Input)-1]
			assert.Equal(t, "user", last.Role)
			assert.Equal(t, "what is the answer?", last.Content)
		},
	}})
	agent := createAgent(t, "run-simple")

	key := "sess-simple"
	result, err := e.runner.Run(ctx, agent, model.RunRequest{
		AgentID:        &agent.ID,
		Input:          "what is the answer?",
		CorrelationKey: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Output)
	assert.Equal(t, "resp_1", result.ResponseID)
	assert.Equal(t, 1_500_000, result.Usage.TotalTokens)
	assert.InDelta(t, 3.0, result.Cost, 1e-9, "1M prompt + 500K completion on gpt-4.1")

	run, err := testDB.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	// Exactly one user and one assistant message were appended.
	msgs, _, err := testDB.ListMessages(ctx, result.ConversationID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)

	// Same correlation key resolves to the same conversation.
	result2, err := e.runner.Run(ctx, agent, model.RunRequest{
		AgentID:        &agent.ID,
		Input:          "and again?",
		CorrelationKey: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, result.ConversationID, result2.ConversationID)
}

func TestRunToolLoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{
		{resp: toolCallResponse("resp_1", "call_1", "get_time", `{}`, 10, 5)},
		{
			resp: textResponse("resp_2", "it is noon", 20, 10),
			check: func(t *testing.T, req openai.Request) {
				assert.Equal(t, "resp_1", req.PreviousResponseID)
				require.Len(t, req.Input, 1)
				assert.Equal(t, "function_call_output", req.Input[0].Type)
				assert.Equal(t, "call_1", req.Input[0].CallID)
				assert.JSONEq(t, `{"time":"12:00"}`, req.Input[0].Output)
			},
		},
	})
	e.registry.Register(tools.Registration{
		Name:        "get_time",
		Description: "current time",
		Handler: func(_ context.Context, _ json.RawMessage, call tools.CallContext) (any, error) {
			assert.Equal(t, "get_time", call.ToolName)
			return map[string]any{"time": "12:00"}, nil
		},
	})
	agent := createAgent(t, "run-tools")

	result, err := e.runner.Run(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "what time is it?"})
	require.NoError(t, err)
	assert.Equal(t, "it is noon", result.Output)
	assert.Equal(t, 45, result.Usage.TotalTokens, "usage must sum across loop iterations")
	assert.Equal(t, 2, e.provider.callCount())
}

func TestRunToolErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{
		{resp: toolCallResponse("resp_1", "call_1", "explode", `{}`, 10, 5)},
	})
	e.registry.Register(tools.Registration{
		Name: "explode",
		Handler: func(_ context.Context, _ json.RawMessage, _ tools.CallContext) (any, error) {
			return nil, fmt.Errorf("database on fire")
		},
	})
	agent := createAgent(t, "run-tool-fail")

	_, err := e.runner.Run(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database on fire")
	assert.Equal(t, 1, e.provider.callCount(), "tool errors are not retried in-loop")

	runs, _, err := testDB.ListRunsByAgent(ctx, agent.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].Error)
	assert.Contains(t, *runs[0].Error, "database on fire")
}

func TestRunToolLoopIterationCap(t *testing.T) {
	ctx := context.Background()
	// The model always wants another tool call.
	e := newEnv(t, []turn{
		{resp: toolCallResponse("resp_loop", "call_n", "again", `{}`, 1, 1)},
	})
	e.registry.Register(tools.Registration{
		Name: "again",
		Handler: func(_ context.Context, _ json.RawMessage, _ tools.CallContext) (any, error) {
			return map[string]any{"more": true}, nil
		},
	})
	agent := createAgent(t, "run-loop-cap")

	_, err := e.runner.Run(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "loop forever"})
	require.ErrorIs(t, err, runner.ErrToolLoopExceeded)
	assert.Equal(t, 8, e.provider.callCount(), "exactly the iteration cap of model round-trips")
}

func TestRunUnknownToolIsFatal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{
		{resp: toolCallResponse("resp_1", "call_1", "no_such_tool", `{}`, 1, 1)},
	})
	agent := createAgent(t, "run-unknown-tool")

	_, err := e.runner.Run(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestRunRateLimited(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{{resp: textResponse("resp_1", "ok", 1, 1)}})

	// Swap in a one-request limiter.
	strict := ratelimit.NewSlidingLimiter(time.Minute, 1)
	t.Cleanup(func() { _ = strict.Close() })
	agent := createAgent(t, "run-limited")

	logger := testutil.TestLogger()
	publisher := events.NewPublisher(testDB, logger)
	srv := httptest.NewServer(e.provider)
	t.Cleanup(srv.Close)
	client := openai.NewClient(srv.URL, "k")
	convs := conversation.NewStore(testDB, publisher, client, conversation.Config{
		HistoryWindow: 30, BatchMax: 80, SummaryModel: "gpt-4.1-nano",
	}, logger)
	limited := runner.New(
		testDB, convs, prompts.NewResolver(testDB),
		tools.NewResolver(testDB, tools.NewRegistry()), tools.NewExecutor(nil),
		client, strict, usage.NewTracker(testDB, publisher, pricing.DefaultTable()),
		publisher, runner.Config{DefaultModel: "gpt-4.1-mini", MaxToolIterations: 8}, logger,
	)

	_, err := limited.Run(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "first"})
	require.NoError(t, err)

	_, err = limited.Run(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "second"})
	require.ErrorIs(t, err, runner.ErrRateLimited)

	// The rejected request left no run behind.
	_, total, err := testDB.ListRunsByAgent(ctx, agent.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRunInactiveAgent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{{resp: textResponse("resp_1", "ok", 1, 1)}})
	agent := createAgent(t, "run-inactive")
	require.NoError(t, testDB.SetAgentStatus(ctx, agent.ID, model.AgentStatusInactive))
	agent.Status = model.AgentStatusInactive

	_, err := e.runner.Run(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "hi"})
	require.ErrorIs(t, err, runner.ErrAgentInactive)
	assert.Zero(t, e.provider.callCount())
}

func TestStreamSimpleTurn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{{resp: textResponse("resp_s1", "streamed answer", 30, 12)}})
	agent := createAgent(t, "stream-simple")

	rs, err := e.runner.Stream(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "stream it"})
	require.NoError(t, err)

	var frameTypes []string
	for f := range rs.Frames() {
		frameTypes = append(frameTypes, f.Type)
	}
	result, err := rs.Result()
	require.NoError(t, err)

	assert.Contains(t, frameTypes, openai.FrameOutputTextDelta)
	assert.Contains(t, frameTypes, openai.FrameCompleted)
	assert.Equal(t, "streamed answer", result.Output)
	assert.Equal(t, 42, result.Usage.TotalTokens)

	run, err := testDB.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	msgs, _, err := testDB.ListMessages(ctx, result.ConversationID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "streamed answer", msgs[1].Content)
}

func TestStreamWithToolCalls(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{
		{resp: toolCallResponse("resp_s1", "call_1", "lookup", `{"k":"v"}`, 5, 3)},
		{
			resp: textResponse("resp_s2", "found it", 8, 4),
			check: func(t *testing.T, req openai.Request) {
				assert.Equal(t, "resp_s1", req.PreviousResponseID)
			},
		},
	})
	e.registry.Register(tools.Registration{
		Name: "lookup",
		Handler: func(_ context.Context, _ json.RawMessage, _ tools.CallContext) (any, error) {
			return map[string]any{"found": true}, nil
		},
	})
	agent := createAgent(t, "stream-tools")

	rs, err := e.runner.Stream(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "find it"})
	require.NoError(t, err)

	var frameTypes []string
	for f := range rs.Frames() {
		frameTypes = append(frameTypes, f.Type)
	}
	result, err := rs.Result()
	require.NoError(t, err)

	assert.Equal(t, "found it", result.Output)
	assert.Contains(t, frameTypes, string(model.EventToolCallStarted))
	assert.Contains(t, frameTypes, string(model.EventToolCallCompleted))
	assert.Equal(t, 2, e.provider.callCount())
	assert.Equal(t, 20, result.Usage.TotalTokens)
}

func TestStreamFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, []turn{
		{resp: toolCallResponse("resp_s1", "call_1", "missing_tool", `{}`, 1, 1)},
	})
	agent := createAgent(t, "stream-fail")

	rs, err := e.runner.Stream(ctx, agent, model.RunRequest{AgentID: &agent.ID, Input: "go"})
	require.NoError(t, err)

	for range rs.Frames() {
	}
	_, err = rs.Result()
	require.Error(t, err)

	runs, _, err := testDB.ListRunsByAgent(ctx, agent.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
}
