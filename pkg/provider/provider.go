// Package provider defines the upstream model capability the bridge
// gateway drives: enumerate chat models and turn a message list into an
// asynchronous sequence of text fragments.
package provider

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Model describes one chat model offered by the upstream.
type Model struct {
	ID             string `json:"id"`
	Vendor         string `json:"vendor"`
	Family         string `json:"family,omitempty"`
	Version        string `json:"version,omitempty"`
	MaxInputTokens int    `json:"maxInputTokens,omitempty"`
}

// Selector narrows the model list. Empty fields match everything.
type Selector struct {
	ID      string `json:"id,omitempty"`
	Vendor  string `json:"vendor,omitempty"`
	Family  string `json:"family,omitempty"`
	Version string `json:"version,omitempty"`
}

func (s Selector) Matches(m Model) bool {
	if s.ID != "" && s.ID != m.ID {
		return false
	}
	if s.Vendor != "" && !strings.EqualFold(s.Vendor, m.Vendor) {
		return false
	}
	if s.Family != "" && !strings.EqualFold(s.Family, m.Family) {
		return false
	}
	if s.Version != "" && !strings.EqualFold(s.Version, m.Version) {
		return false
	}
	return true
}

type Options struct {
	Temperature     *float64
	MaxOutputTokens *int
}

// Provider is the upstream collaborator contract. SendRequest returns a
// fragment channel and an error channel; the fragment channel is closed on
// exhaustion, after which at most one error is readable. Cancelling ctx
// aborts the upstream call.
type Provider interface {
	SelectModels(ctx context.Context, sel Selector) ([]Model, error)
	SendRequest(ctx context.Context, modelID string, msgs []Message, opts *Options) (<-chan string, <-chan error, error)
}

// Provider-reported failure codes, mirrored from the upstream error
// vocabulary.
const (
	CodeModelNotFound   = "model_not_found"
	CodeNoPermissions   = "no_permissions"
	CodeConsentRequired = "consent_required"
	CodeQuotaExceeded   = "quota_exceeded"
	CodeBlocked         = "blocked"
	CodeUnknown         = "unknown"
)

// Error is a typed provider failure carrying an upstream code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Code, e.Message)
}

// NormalizedError is the single shape provider failures take on before
// reaching any downstream protocol.
type NormalizedError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// Normalize maps a provider failure onto an HTTP-style status class.
// Non-provider errors are treated as internal faults.
func Normalize(err error) NormalizedError {
	if pe, ok := err.(*Error); ok {
		switch pe.Code {
		case CodeModelNotFound:
			return NormalizedError{StatusCode: 404, Message: "Requested model not available"}
		case CodeNoPermissions, CodeConsentRequired:
			return NormalizedError{StatusCode: 403, Message: "Model access not permitted"}
		case CodeQuotaExceeded, CodeBlocked:
			return NormalizedError{StatusCode: 429, Message: "Quota exceeded"}
		default:
			return NormalizedError{StatusCode: 502, Message: "Language model request failed"}
		}
	}
	return NormalizedError{StatusCode: 500, Message: "Internal Server Error"}
}
