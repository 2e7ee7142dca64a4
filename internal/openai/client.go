package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Client talks to an OpenAI-compatible API over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Streaming callers
// should not set a client timeout; per-request deadlines come from the
// context.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a Responses API client.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateResponse issues a blocking response request and decodes the result.
func (c *Client) CreateResponse(ctx context.Context, req Request) (Response, error) {
	req.Stream = false
	var resp Response
	if err := c.postJSON(ctx, "/responses", req, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// CreateEmbeddings computes embeddings for a batch of inputs, returned in
// input order.
func (c *Client) CreateEmbeddings(ctx context.Context, req EmbeddingRequest) ([][]float32, error) {
	var resp EmbeddingResponse
	if err := c.postJSON(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// CreateVectorStore creates a hosted file-search store.
func (c *Client) CreateVectorStore(ctx context.Context, name string) (VectorStore, error) {
	var vs VectorStore
	if err := c.postJSON(ctx, "/vector_stores", map[string]any{"name": name}, &vs); err != nil {
		return VectorStore{}, err
	}
	return vs, nil
}

// UploadFile uploads file content for the given purpose.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, purpose string) (FileObject, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", purpose); err != nil {
		return FileObject{}, fmt.Errorf("openai: write purpose field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return FileObject{}, fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return FileObject{}, fmt.Errorf("openai: copy file content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return FileObject{}, fmt.Errorf("openai: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return FileObject{}, fmt.Errorf("openai: build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(httpReq)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return FileObject{}, fmt.Errorf("openai: upload file: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return FileObject{}, err
	}
	var f FileObject
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return FileObject{}, fmt.Errorf("openai: decode file object: %w", err)
	}
	return f, nil
}

// AttachFileToVectorStore adds an uploaded file to a vector store.
func (c *Client) AttachFileToVectorStore(ctx context.Context, storeID, fileID string) error {
	return c.postJSON(ctx, "/vector_stores/"+storeID+"/files", map[string]any{"file_id": fileID}, nil)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		c.logger.Warn("upstream request failed",
			"path", path,
			"status", resp.StatusCode,
			"duration", time.Since(start),
		)
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai: decode %s response: %w", path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &wrapper) == nil && wrapper.Error.Message != "" {
		apiErr.Message = wrapper.Error.Message
		apiErr.Type = wrapper.Error.Type
	} else {
		apiErr.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return apiErr
}
