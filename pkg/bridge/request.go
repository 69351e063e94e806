package bridge

import (
	"fmt"
	"math"

	"github.com/lmbridge/lmbridge/pkg/provider"
)

// ChatMessage is one entry of an inbound message list.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatOptions struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// ChatRequest is the native bridge chat payload. At least one of Prompt
// and Messages must be present.
type ChatRequest struct {
	Prompt   string             `json:"prompt,omitempty"`
	Messages []ChatMessage      `json:"messages,omitempty"`
	Model    *provider.Selector `json:"model,omitempty"`
	Options  *ChatOptions       `json:"options,omitempty"`
}

type fieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (r *ChatRequest) validate() []fieldError {
	var errs []fieldError
	if r.Prompt == "" && len(r.Messages) == 0 {
		errs = append(errs, fieldError{Path: "", Message: "prompt or messages is required"})
	}
	for i, m := range r.Messages {
		if m.Content == "" {
			errs = append(errs, fieldError{Path: fmt.Sprintf("messages.%d.content", i), Message: "content is required"})
		}
	}
	if r.Options != nil {
		if t := r.Options.Temperature; t != nil && (math.IsNaN(*t) || math.IsInf(*t, 0)) {
			errs = append(errs, fieldError{Path: "options.temperature", Message: "temperature must be finite"})
		}
		if n := r.Options.MaxOutputTokens; n != nil && *n <= 0 {
			errs = append(errs, fieldError{Path: "options.maxOutputTokens", Message: "maxOutputTokens must be positive"})
		}
	}
	return errs
}

// buildMessages derives the upstream message list. Messages map 1:1
// preserving order, with any role other than assistant treated as user;
// a bare prompt becomes a single user message.
func (r *ChatRequest) buildMessages() []provider.Message {
	if len(r.Messages) > 0 {
		out := make([]provider.Message, 0, len(r.Messages))
		for _, m := range r.Messages {
			if m.Content == "" {
				continue
			}
			role := provider.RoleUser
			if m.Role == string(provider.RoleAssistant) {
				role = provider.RoleAssistant
			}
			out = append(out, provider.Message{Role: role, Content: m.Content})
		}
		return out
	}
	if r.Prompt != "" {
		return []provider.Message{{Role: provider.RoleUser, Content: r.Prompt}}
	}
	return nil
}

func (r *ChatRequest) buildOptions() *provider.Options {
	if r.Options == nil {
		return nil
	}
	if r.Options.Temperature == nil && r.Options.MaxOutputTokens == nil {
		return nil
	}
	return &provider.Options{
		Temperature:     r.Options.Temperature,
		MaxOutputTokens: r.Options.MaxOutputTokens,
	}
}

func (r *ChatRequest) selector() provider.Selector {
	if r.Model == nil {
		return provider.Selector{}
	}
	return *r.Model
}
