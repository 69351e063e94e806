package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lmbridge/lmbridge/pkg/config"
)

// OpenAIProvider drives any OpenAI-compatible chat endpoint as the
// upstream model capability.
type OpenAIProvider struct {
	client *openai.Client
	vendor string
}

func NewOpenAI(cfg config.UpstreamConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}
	clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(timeout) * time.Second}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		vendor: "openai",
	}
}

func (p *OpenAIProvider) SelectModels(ctx context.Context, sel Selector) ([]Model, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	out := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		vendor := strings.TrimSpace(m.OwnedBy)
		if vendor == "" {
			vendor = p.vendor
		}
		card := Model{
			ID:     m.ID,
			Vendor: vendor,
			Family: modelFamily(m.ID),
		}
		if sel.Matches(card) {
			out = append(out, card)
		}
	}
	return out, nil
}

func (p *OpenAIProvider) SendRequest(ctx context.Context, modelID string, msgs []Message, opts *Options) (<-chan string, <-chan error, error) {
	req := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: make([]openai.ChatCompletionMessage, 0, len(msgs)),
		Stream:   true,
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	if opts != nil {
		if opts.Temperature != nil {
			req.Temperature = float32(*opts.Temperature)
		}
		if opts.MaxOutputTokens != nil {
			req.MaxTokens = *opts.MaxOutputTokens
		}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, nil, mapAPIError(err)
	}

	fragments := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(fragments)
		defer close(errs)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- mapAPIError(err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			text := resp.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case fragments <- text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return fragments, errs, nil
}

// mapAPIError folds the OpenAI client's error types onto the provider
// code vocabulary so callers see one taxonomy.
func mapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := CodeUnknown
		switch apiErr.HTTPStatusCode {
		case http.StatusNotFound:
			code = CodeModelNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			code = CodeNoPermissions
		case http.StatusTooManyRequests:
			code = CodeQuotaExceeded
		}
		return &Error{Code: code, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Code: CodeUnknown, Message: reqErr.Error()}
	}
	return err
}

// modelFamily derives a coarse family name from a model id, e.g.
// "gpt-4o-mini" -> "gpt", "llama3:8b" -> "llama3".
func modelFamily(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
