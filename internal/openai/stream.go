package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Stream is a live streamed response. Frames delivers decoded server-sent
// events in arrival order; the channel closes when the upstream stream ends
// or the context is canceled. After the channel closes, Err reports how the
// stream terminated.
type Stream struct {
	frames chan Frame
	err    error
	cancel context.CancelFunc
}

// Frames returns the frame channel.
func (s *Stream) Frames() <-chan Frame { return s.frames }

// Err returns the terminal error of the stream, nil on clean completion.
// Only valid after Frames is closed.
func (s *Stream) Err() error { return s.err }

// Close tears down the upstream connection. Safe to call multiple times.
func (s *Stream) Close() { s.cancel() }

// StreamResponse issues a streaming response request and decodes the SSE
// frames as they arrive. Canceling ctx closes the upstream connection and the
// frame channel.
func (c *Client) StreamResponse(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	s := &Stream{
		frames: make(chan Frame, 16),
		cancel: cancel,
	}
	go func() {
		defer close(s.frames)
		defer resp.Body.Close()
		s.err = decodeFrames(streamCtx, resp.Body, s.frames)
	}()
	return s, nil
}

// decodeFrames reads SSE lines of the form "data: <json>" and delivers each
// decoded frame. The "[DONE]" sentinel ends the stream cleanly.
func decodeFrames(ctx context.Context, body io.Reader, out chan<- Frame) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data: ")))
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("openai: decode stream frame: %w", err)
		}
		frame.Raw = append(json.RawMessage(nil), data...)

		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("openai: read stream: %w", err)
	}
	// Upstream closed without the done sentinel. Treat EOF after a completed
	// frame the same as a clean end; the consumer validates completion.
	return nil
}
