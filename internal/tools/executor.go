package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxToolErrorLen bounds error text stored in the tool usage ledger.
const maxToolErrorLen = 500

// Result is the outcome of one tool invocation.
type Result struct {
	Output   string
	Duration time.Duration
	Err      error
}

// Executor runs resolved tools.
type Executor struct {
	httpc *http.Client
}

// NewExecutor creates an executor. Remote calls use the provided HTTP client,
// or a 30 second default when nil.
func NewExecutor(httpc *http.Client) *Executor {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{httpc: httpc}
}

// Execute invokes a tool with the model-supplied arguments. The call context
// travels out of band: in-process handlers receive it as a parameter, remote
// endpoints receive it as headers. Success means the handler returned without
// error, the result is not error shaped, and a remote call answered 2xx.
func (e *Executor) Execute(ctx context.Context, exec Executable, args json.RawMessage, call CallContext) Result {
	start := time.Now()
	output, err := e.dispatch(ctx, exec, args, call)
	return Result{Output: output, Duration: time.Since(start), Err: err}
}

func (e *Executor) dispatch(ctx context.Context, exec Executable, args json.RawMessage, call CallContext) (string, error) {
	switch exec.Kind {
	case HandlerFunc:
		return e.runFunc(ctx, exec, args, call)
	case HandlerHTTP:
		return e.runHTTP(ctx, exec, args, call)
	default:
		return "", fmt.Errorf("tools: unhandled handler kind %q for %q", exec.Kind, exec.Name)
	}
}

func (e *Executor) runFunc(ctx context.Context, exec Executable, args json.RawMessage, call CallContext) (string, error) {
	if exec.Handler == nil {
		return "", fmt.Errorf("tools: %q has no handler bound", exec.Name)
	}
	result, err := exec.Handler(ctx, args, call)
	if err != nil {
		return "", fmt.Errorf("tools: %q: %w", exec.Name, err)
	}
	out, err := encodeResult(result)
	if err != nil {
		return "", fmt.Errorf("tools: encode %q result: %w", exec.Name, err)
	}
	if errMsg, shaped := errorShaped(out); shaped {
		return "", fmt.Errorf("tools: %q returned error result: %s", exec.Name, errMsg)
	}
	return out, nil
}

func (e *Executor) runHTTP(ctx context.Context, exec Executable, args json.RawMessage, call CallContext) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, exec.Endpoint, bytes.NewReader(args))
	if err != nil {
		return "", fmt.Errorf("tools: build request for %q: %w", exec.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tool-Name", call.ToolName)
	req.Header.Set("X-Agent-ID", call.AgentID)
	req.Header.Set("X-Run-ID", call.RunID)
	if call.ConversationID != "" {
		req.Header.Set("X-Conversation-ID", call.ConversationID)
	}

	resp, err := e.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("tools: call %q: %w", exec.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", fmt.Errorf("tools: read %q response: %w", exec.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("tools: %q returned status %d: %s", exec.Name, resp.StatusCode, TruncateError(string(body)))
	}
	return string(body), nil
}

func encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// errorShaped reports whether a JSON object output carries a top-level
// "error" field, which tool authors use to signal failure in-band.
func errorShaped(out string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out), &obj); err != nil {
		return "", false
	}
	raw, ok := obj["error"]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	return string(raw), true
}

// TruncateError bounds an error message for ledger storage.
func TruncateError(msg string) string {
	if len(msg) <= maxToolErrorLen {
		return msg
	}
	return msg[:maxToolErrorLen]
}
