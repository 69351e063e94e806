// Package proxy implements the downstream compatibility server: it
// consumes the native bridge protocol and re-emits it as Ollama-style
// NDJSON and OpenAI-style chat completions.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/lmbridge/lmbridge/pkg/bridge"
	"github.com/lmbridge/lmbridge/pkg/config"
	"github.com/lmbridge/lmbridge/pkg/provider"
	"github.com/lmbridge/lmbridge/pkg/sse"
)

// BridgeError is a bridge-reported failure normalized to a stable
// message per status class.
type BridgeError struct {
	StatusCode int
	Message    string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.StatusCode, e.Message)
}

var bridgeErrorMessages = map[int]string{
	400: "Invalid request sent to bridge",
	401: "Bridge authentication failed",
	403: "Bridge denied the request",
	404: "Requested resource not available",
	413: "Prompt payload too large",
	429: "Bridge quota exceeded",
	499: "Bridge cancelled the request",
	503: "Bridge service unavailable",
}

// normalizeBridgeError maps a bridge HTTP status onto the fixed message
// table, preferring a message carried in the response body.
func normalizeBridgeError(status int, body string) *BridgeError {
	msg, ok := bridgeErrorMessages[status]
	if !ok {
		status, msg = 502, "Bridge request failed"
	}
	body = strings.TrimSpace(body)
	if body != "" {
		var parsed struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(body), &parsed); err == nil {
			if parsed.Error != "" {
				msg = parsed.Error
			} else if parsed.Message != "" {
				msg = parsed.Message
			}
		}
	}
	return &BridgeError{StatusCode: status, Message: msg}
}

// Client speaks the native bridge wire protocol.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(cfg config.ProxyConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BridgeURL, "/"),
		token:   cfg.BridgeToken,
		// No overall timeout: chat streams are open-ended.
		http: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) ListModels(ctx context.Context) ([]provider.Model, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge models request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, normalizeBridgeError(resp.StatusCode, string(b))
	}
	var models []provider.Model
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("decode bridge models: %w", err)
	}
	return models, nil
}

// ChatJSONResponse is the bridge's buffered chat body.
type ChatJSONResponse struct {
	Status string `json:"status"`
	Output string `json:"output"`
}

func (c *Client) ChatJSON(ctx context.Context, payload bridge.ChatRequest) (ChatJSONResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ChatJSONResponse{}, fmt.Errorf("encode chat payload: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return ChatJSONResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return ChatJSONResponse{}, fmt.Errorf("bridge chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ChatJSONResponse{}, normalizeBridgeError(resp.StatusCode, string(b))
	}
	var out ChatJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChatJSONResponse{}, fmt.Errorf("decode bridge chat response: %w", err)
	}
	return out, nil
}

// ChatStream opens a streaming chat. The caller owns the returned body
// and must close it.
func (c *Client) ChatStream(ctx context.Context, payload bridge.ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat payload: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge chat stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, normalizeBridgeError(resp.StatusCode, string(b))
	}
	return resp.Body, nil
}

// ChatResult is a fully-consumed chat session.
type ChatResult struct {
	Output      string
	Status      sse.Status
	Chunks      int
	OutputChars int
}

// Chat consumes a streaming session into one result, falling back to a
// buffered request when the stream breaks with a server-class fault.
// Client-class faults propagate as-is: retrying would not change them.
func (c *Client) Chat(ctx context.Context, payload bridge.ChatRequest) (ChatResult, error) {
	body, err := c.ChatStream(ctx, payload)
	if err != nil {
		var be *BridgeError
		if errors.As(err, &be) && be.StatusCode < 500 {
			return ChatResult{}, err
		}
		return c.chatBuffered(ctx, payload)
	}
	defer body.Close()

	res := ChatResult{Status: sse.StatusCompleted}
	var sb strings.Builder
	sr := sse.NewStreamReader(sse.NewDecoder(body))
	for {
		ev, err := sr.Next()
		if errors.Is(err, io.EOF) {
			res.Output = sb.String()
			res.OutputChars = utf8.RuneCountInString(res.Output)
			return res, nil
		}
		var fault *sse.FaultError
		if errors.As(err, &fault) {
			if fault.StatusCode < 500 {
				return ChatResult{}, &BridgeError{StatusCode: fault.StatusCode, Message: fault.Message}
			}
			return c.chatBuffered(ctx, payload)
		}
		if err != nil {
			return ChatResult{}, err
		}
		switch ev.Kind {
		case sse.KindChunk:
			res.Chunks++
			sb.WriteString(ev.Text)
		case sse.KindDone:
			res.Status = ev.Status
		}
	}
}

func (c *Client) chatBuffered(ctx context.Context, payload bridge.ChatRequest) (ChatResult, error) {
	out, err := c.ChatJSON(ctx, payload)
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{
		Output:      out.Output,
		Status:      sse.StatusCompleted,
		OutputChars: utf8.RuneCountInString(out.Output),
	}, nil
}
