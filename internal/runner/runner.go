// Package runner drives agent runs: it resolves the conversation, admits the
// request, executes the model/tool loop to completion, and persists the run
// record, messages, and usage along the way.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/conversation"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/openai"
	"github.com/ashita-ai/shiki/internal/prompts"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/tools"
	"github.com/ashita-ai/shiki/internal/usage"
)

// Sentinel errors surfaced to the HTTP layer for status mapping.
var (
	ErrRateLimited      = errors.New("runner: rate limit exceeded")
	ErrAgentInactive    = errors.New("runner: agent is inactive")
	ErrToolLoopExceeded = errors.New("runner: tool loop exceeded iteration limit")
)

// Publisher broadcasts lifecycle events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, kind model.EventKind, payload map[string]any)
}

// modelClient is the slice of the provider client the runner drives.
type modelClient interface {
	CreateResponse(ctx context.Context, req openai.Request) (openai.Response, error)
	StreamResponse(ctx context.Context, req openai.Request) (*openai.Stream, error)
}

// Config bounds the run loop.
type Config struct {
	DefaultModel      string
	MaxToolIterations int
}

// Runner executes agent runs.
type Runner struct {
	db        *storage.DB
	convs     *conversation.Store
	prompts   *prompts.Resolver
	tools     *tools.Resolver
	executor  *tools.Executor
	client    modelClient
	limiter   ratelimit.Limiter
	tracker   *usage.Tracker
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
}

// New creates a runner.
func New(
	db *storage.DB,
	convs *conversation.Store,
	promptResolver *prompts.Resolver,
	toolResolver *tools.Resolver,
	executor *tools.Executor,
	client modelClient,
	limiter ratelimit.Limiter,
	tracker *usage.Tracker,
	publisher Publisher,
	cfg Config,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		db:        db,
		convs:     convs,
		prompts:   promptResolver,
		tools:     toolResolver,
		executor:  executor,
		client:    client,
		limiter:   limiter,
		tracker:   tracker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// runState carries everything the loop phases share.
type runState struct {
	agent        model.Agent
	conv         model.Conversation
	run          model.AgentRun
	modelName    string
	instructions string
	toolSet      tools.ResolvedSet
	usage        model.Usage
	responseID   string
	output       string
}

// Run executes one blocking agent turn.
func (r *Runner) Run(ctx context.Context, agent model.Agent, req model.RunRequest) (model.RunResult, error) {
	st, err := r.setup(ctx, agent, req)
	if err != nil {
		return model.RunResult{}, err
	}

	if err := r.blockingLoop(ctx, st); err != nil {
		r.failRun(ctx, st, err)
		return model.RunResult{}, err
	}
	return r.finish(ctx, st)
}

// setup performs the shared preamble of both variants: admission, conversation
// resolution, run creation, and recording the user message. Admission runs
// before anything is persisted so a rejected request leaves no trace.
func (r *Runner) setup(ctx context.Context, agent model.Agent, req model.RunRequest) (*runState, error) {
	if agent.Status != model.AgentStatusActive {
		return nil, ErrAgentInactive
	}

	if err := r.admit(ctx, agent, req); err != nil {
		return nil, err
	}

	criteria := conversation.Criteria{
		ConversationID: req.ConversationID,
		Metadata:       req.Metadata,
	}
	if req.CorrelationKey != nil {
		criteria.CorrelationKey = *req.CorrelationKey
	}
	if req.ExternalID != nil {
		criteria.ExternalID = *req.ExternalID
	}
	conv, err := r.convs.Resolve(ctx, agent, criteria)
	if err != nil {
		return nil, err
	}

	modelName := agent.Model
	if modelName == "" {
		modelName = r.cfg.DefaultModel
	}

	var reqInstructions string
	if req.Instructions != nil {
		reqInstructions = *req.Instructions
	}
	instructions, err := r.prompts.Resolve(ctx, agent, reqInstructions, req.Variables)
	if err != nil {
		return nil, err
	}

	toolSet, err := r.tools.ResolveForAgent(ctx, agent)
	if err != nil {
		return nil, err
	}

	run, err := r.db.CreateRun(ctx, agent.ID, conv.ID, map[string]any{"model": modelName})
	if err != nil {
		return nil, fmt.Errorf("runner: create run: %w", err)
	}
	r.publisher.Publish(ctx, model.EventRunStarted, map[string]any{
		"run_id":          run.ID.String(),
		"agent_id":        agent.ID.String(),
		"conversation_id": conv.ID.String(),
	})

	if _, err := r.convs.AppendMessage(ctx, conv.ID, model.RoleUser, req.Input, nil); err != nil {
		st := &runState{agent: agent, conv: conv, run: run}
		r.failRun(ctx, st, err)
		return nil, err
	}

	return &runState{
		agent:        agent,
		conv:         conv,
		run:          run,
		modelName:    modelName,
		instructions: instructions,
		toolSet:      toolSet,
	}, nil
}

func (r *Runner) admit(ctx context.Context, agent model.Agent, req model.RunRequest) error {
	scope := ratelimit.Scope{Agent: agent.ID.String()}
	if req.CorrelationKey != nil {
		scope.User = *req.CorrelationKey
	}
	allowed, err := r.limiter.Allow(ctx, ratelimit.ScopeKey(scope))
	if err != nil {
		// Admission control is a heuristic; a broken limiter must not take
		// the service down with it.
		r.logger.Warn("rate limiter failed, admitting request", "error", err)
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// blockingLoop drives model round-trips until the model answers without
// requesting tools, or the iteration cap is hit.
func (r *Runner) blockingLoop(ctx context.Context, st *runState) error {
	req, err := r.initialRequest(ctx, st)
	if err != nil {
		return err
	}

	for iteration := 0; iteration < r.cfg.MaxToolIterations; iteration++ {
		resp, err := r.client.CreateResponse(ctx, req)
		if err != nil {
			return fmt.Errorf("runner: model call: %w", err)
		}
		st.usage.Add(model.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		})
		st.responseID = resp.ID

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			st.output = resp.OutputText()
			return nil
		}

		outputs, err := r.executeCalls(ctx, st, calls, nil)
		if err != nil {
			return err
		}
		req = openai.Request{
			Model:              st.modelName,
			Tools:              st.toolSet.ResponseTools,
			PreviousResponseID: resp.ID,
			Input:              outputs,
		}
	}
	return ErrToolLoopExceeded
}

// initialRequest builds the first round-trip from the projected history.
func (r *Runner) initialRequest(ctx context.Context, st *runState) (openai.Request, error) {
	history, err := r.convs.HistoryForModel(ctx, st.conv.ID)
	if err != nil {
		return openai.Request{}, err
	}
	input := make([]openai.InputItem, 0, len(history))
	for _, h := range history {
		input = append(input, openai.MessageInput(string(h.Role), h.Content))
	}
	return openai.Request{
		Model:        st.modelName,
		Instructions: st.instructions,
		Input:        input,
		Tools:        st.toolSet.ResponseTools,
	}, nil
}

// executeCalls runs each requested tool sequentially. A tool failure is fatal
// to the run: the error is recorded in the ledger and aborts the loop rather
// than being fed back to the model. emit, when set, receives synthetic
// lifecycle frames for streaming consumers.
func (r *Runner) executeCalls(ctx context.Context, st *runState, calls []openai.FunctionCall, emit func(Frame)) ([]openai.InputItem, error) {
	outputs := make([]openai.InputItem, 0, len(calls))
	for _, call := range calls {
		exec, ok := st.toolSet.Executables[call.Name]
		if !ok {
			return nil, fmt.Errorf("runner: model requested unknown tool %q", call.Name)
		}

		callPayload := map[string]any{
			"run_id":  st.run.ID.String(),
			"tool":    call.Name,
			"call_id": call.CallID,
		}
		r.publisher.Publish(ctx, model.EventToolCallStarted, callPayload)
		if emit != nil {
			emit(syntheticFrame(model.EventToolCallStarted, callPayload))
		}

		res := r.executor.Execute(ctx, exec, json.RawMessage(call.Arguments), tools.CallContext{
			AgentID:        st.agent.ID.String(),
			AgentSlug:      st.agent.Slug,
			ConversationID: st.conv.ID.String(),
			RunID:          st.run.ID.String(),
			ToolName:       call.Name,
		})
		if err := r.tracker.RecordToolCall(ctx, st.run.ID, st.agent.ID, call.Name, res); err != nil {
			r.logger.Error("record tool call", "tool", call.Name, "error", err)
		}

		donePayload := map[string]any{
			"run_id":      st.run.ID.String(),
			"tool":        call.Name,
			"call_id":     call.CallID,
			"success":     res.Err == nil,
			"duration_ms": res.Duration.Milliseconds(),
		}
		r.publisher.Publish(ctx, model.EventToolCallCompleted, donePayload)
		if emit != nil {
			emit(syntheticFrame(model.EventToolCallCompleted, donePayload))
		}

		if res.Err != nil {
			return nil, res.Err
		}
		outputs = append(outputs, openai.FunctionCallOutput(call.CallID, res.Output))
	}
	return outputs, nil
}

// finish persists the successful outcome and reports it.
func (r *Runner) finish(ctx context.Context, st *runState) (model.RunResult, error) {
	if _, err := r.convs.AppendMessage(ctx, st.conv.ID, model.RoleAssistant, st.output, map[string]any{
		"run_id":      st.run.ID.String(),
		"response_id": st.responseID,
	}); err != nil {
		r.failRun(ctx, st, err)
		return model.RunResult{}, err
	}

	logged, err := r.tracker.Record(ctx, st.agent.ID, &st.run.ID, &st.conv.ID, st.modelName, st.usage)
	if err != nil {
		r.failRun(ctx, st, err)
		return model.RunResult{}, err
	}

	var respID *string
	if st.responseID != "" {
		respID = &st.responseID
	}
	if err := r.db.CompleteRun(ctx, st.run.ID, model.RunStatusCompleted, respID, nil); err != nil {
		return model.RunResult{}, fmt.Errorf("runner: complete run: %w", err)
	}

	r.publisher.Publish(ctx, model.EventConversationUpdated, map[string]any{
		"conversation_id": st.conv.ID.String(),
	})
	r.publisher.Publish(ctx, model.EventRunCompleted, map[string]any{
		"run_id":          st.run.ID.String(),
		"agent_id":        st.agent.ID.String(),
		"conversation_id": st.conv.ID.String(),
		"response_id":     st.responseID,
	})

	if err := r.convs.TruncateIfNeeded(ctx, st.conv.ID); err != nil {
		// The turn already succeeded; a failed summarization only delays
		// truncation until the next run.
		r.logger.Warn("conversation truncation failed", "conversation_id", st.conv.ID, "error", err)
	}

	return model.RunResult{
		RunID:          st.run.ID,
		ConversationID: st.conv.ID,
		Output:         st.output,
		ResponseID:     st.responseID,
		Usage:          st.usage,
		Cost:           logged.Cost,
	}, nil
}

// failRun marks the run failed and announces it. The original error is
// reported by the caller; failures here are only logged.
func (r *Runner) failRun(ctx context.Context, st *runState, cause error) {
	msg := tools.TruncateError(cause.Error())
	if err := r.db.CompleteRun(ctx, st.run.ID, model.RunStatusFailed, nil, &msg); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Error("mark run failed", "run_id", st.run.ID, "error", err)
	}
	r.publisher.Publish(ctx, model.EventRunFailed, map[string]any{
		"run_id":          st.run.ID.String(),
		"agent_id":        st.agent.ID.String(),
		"conversation_id": st.conv.ID.String(),
		"error":           msg,
	})
}

// GetRun loads a run by id.
func (r *Runner) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	return r.db.GetRun(ctx, id)
}
