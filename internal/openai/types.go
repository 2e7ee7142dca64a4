// Package openai is a minimal client for the OpenAI Responses API covering
// the surface the runtime needs: blocking and streamed response creation,
// embeddings, and vector store management. The wire format here is the
// contract the rest of the system builds on, so the types mirror the API
// schema directly.
package openai

import "encoding/json"

// Request is the body of POST /responses.
type Request struct {
	Model              string           `json:"model"`
	Input              []InputItem      `json:"input,omitempty"`
	Instructions       string           `json:"instructions,omitempty"`
	Tools              []map[string]any `json:"tools,omitempty"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Stream             bool             `json:"stream,omitempty"`
}

// InputItem is one element of a request's input list. Message items carry
// Role and Content; function_call_output items carry CallID and Output.
type InputItem struct {
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Output  string `json:"output,omitempty"`
}

// MessageInput builds a role+text message item.
func MessageInput(role, content string) InputItem {
	return InputItem{Type: "message", Role: role, Content: content}
}

// FunctionCallOutput builds the item that feeds a tool result back into the
// next loop iteration.
func FunctionCallOutput(callID, output string) InputItem {
	return InputItem{Type: "function_call_output", CallID: callID, Output: output}
}

// Response is the body of a completed response.
type Response struct {
	ID     string       `json:"id"`
	Model  string       `json:"model,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output"`
	Usage  Usage        `json:"usage"`
}

// OutputItem is one element of a response's output list.
type OutputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
}

// ContentPart is one piece of a message output item's content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage is the token accounting of a single response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FunctionCall is a pending tool invocation extracted from a response.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// OutputText concatenates the text of all message output items.
func (r Response) OutputText() string {
	var out string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				out += part.Text
			}
		}
	}
	return out
}

// FunctionCalls extracts the function_call items of a response in order.
func (r Response) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, item := range r.Output {
		if item.Type != "function_call" {
			continue
		}
		calls = append(calls, FunctionCall{
			CallID:    item.CallID,
			Name:      item.Name,
			Arguments: item.Arguments,
		})
	}
	return calls
}

// Frame is one server-sent event from a streamed response. Raw preserves the
// upstream JSON byte for byte so consumers can re-emit it unmodified.
type Frame struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	Response *Response       `json:"response,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// Frame types the runtime inspects. Everything else passes through opaquely.
const (
	FrameOutputTextDelta = "response.output_text.delta"
	FrameCompleted       = "response.completed"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "openai: request failed"
	}
	return "openai: " + e.Message
}

// EmbeddingRequest is the body of POST /embeddings.
type EmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// EmbeddingResponse is the answer to an embedding request.
type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// VectorStore is a hosted file-search store.
type VectorStore struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// FileObject is a hosted file.
type FileObject struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}
