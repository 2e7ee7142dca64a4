package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/openai"
)

// Frame is one outbound event of a streamed run: either an upstream provider
// frame relayed verbatim, or a synthetic tool lifecycle frame.
type Frame struct {
	Type string
	Data json.RawMessage
}

// RunStream is a live streamed run. Frames delivers outbound frames in order
// and closes when the run ends; Result is valid after that.
type RunStream struct {
	frames chan Frame
	result model.RunResult
	err    error
}

// Frames returns the outbound frame channel.
func (s *RunStream) Frames() <-chan Frame { return s.frames }

// Result returns the run outcome. Only valid after Frames has closed.
func (s *RunStream) Result() (model.RunResult, error) { return s.result, s.err }

// Stream executes one streaming agent turn. Setup failures (admission,
// resolution) are returned synchronously before any frame flows. Canceling
// ctx tears down the upstream provider stream; the frame channel always
// closes when the run ends either way.
func (r *Runner) Stream(ctx context.Context, agent model.Agent, req model.RunRequest) (*RunStream, error) {
	st, err := r.setup(ctx, agent, req)
	if err != nil {
		return nil, err
	}

	rs := &RunStream{frames: make(chan Frame, 32)}
	go func() {
		defer close(rs.frames)
		rs.result, rs.err = r.streamLoop(ctx, st, rs)
	}()
	return rs, nil
}

// streamLoop is the streaming variant of the tool loop: each iteration opens
// a streamed provider request, relays every frame verbatim while observing
// text deltas and the completed frame, then executes any pending function
// calls and chains the next request off the previous response id.
func (r *Runner) streamLoop(ctx context.Context, st *runState, rs *RunStream) (model.RunResult, error) {
	req, err := r.initialRequest(ctx, st)
	if err != nil {
		r.failRun(ctx, st, err)
		return model.RunResult{}, err
	}

	emit := func(f Frame) {
		select {
		case rs.frames <- f:
		case <-ctx.Done():
		}
	}

	var answer []byte
	for iteration := 0; iteration < r.cfg.MaxToolIterations; iteration++ {
		completed, err := r.streamOnce(ctx, req, emit, &answer)
		if err != nil {
			r.failRun(ctx, st, err)
			return model.RunResult{}, err
		}

		st.usage.Add(model.Usage{
			PromptTokens:     completed.Usage.InputTokens,
			CompletionTokens: completed.Usage.OutputTokens,
			TotalTokens:      completed.Usage.TotalTokens,
		})
		st.responseID = completed.ID

		calls := completed.FunctionCalls()
		if len(calls) == 0 {
			if text := completed.OutputText(); text != "" {
				st.output = text
			} else {
				st.output = string(answer)
			}
			return r.finish(ctx, st)
		}

		outputs, err := r.executeCalls(ctx, st, calls, emit)
		if err != nil {
			r.failRun(ctx, st, err)
			return model.RunResult{}, err
		}
		req = openai.Request{
			Model:              st.modelName,
			Tools:              st.toolSet.ResponseTools,
			PreviousResponseID: completed.ID,
			Input:              outputs,
		}
	}

	r.failRun(ctx, st, ErrToolLoopExceeded)
	return model.RunResult{}, ErrToolLoopExceeded
}

// streamOnce relays one provider stream to the consumer and returns the
// completed response. Every frame is forwarded as it arrives; only text
// deltas and the completed frame are observed on the way through.
func (r *Runner) streamOnce(ctx context.Context, req openai.Request, emit func(Frame), answer *[]byte) (*openai.Response, error) {
	stream, err := r.client.StreamResponse(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("runner: open model stream: %w", err)
	}
	defer stream.Close()

	var completed *openai.Response
	for f := range stream.Frames() {
		emit(Frame{Type: f.Type, Data: f.Raw})
		switch f.Type {
		case openai.FrameOutputTextDelta:
			*answer = append(*answer, f.Delta...)
		case openai.FrameCompleted:
			completed = f.Response
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("runner: model stream: %w", err)
	}
	if completed == nil {
		return nil, fmt.Errorf("runner: model stream ended without completion")
	}
	return completed, nil
}

func syntheticFrame(kind model.EventKind, payload map[string]any) Frame {
	body := map[string]any{"type": string(kind)}
	for k, v := range payload {
		body[k] = v
	}
	body["emitted_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"type":%q}`, kind))
	}
	return Frame{Type: string(kind), Data: b}
}
