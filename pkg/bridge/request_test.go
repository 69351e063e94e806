package bridge

import (
	"testing"

	"github.com/lmbridge/lmbridge/pkg/provider"
)

func TestBuildMessagesFromPrompt(t *testing.T) {
	r := &ChatRequest{Prompt: "hi"}
	msgs := r.buildMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != provider.RoleUser || msgs[0].Content != "hi" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestBuildMessagesPreservesOrderAndMapsRoles(t *testing.T) {
	r := &ChatRequest{Messages: []ChatMessage{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "system", Content: "c"},
		{Role: "tool", Content: "d"},
	}}
	msgs := r.buildMessages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	wantRoles := []provider.Role{provider.RoleUser, provider.RoleAssistant, provider.RoleUser, provider.RoleUser}
	wantContent := []string{"a", "b", "c", "d"}
	for i := range msgs {
		if msgs[i].Role != wantRoles[i] || msgs[i].Content != wantContent[i] {
			t.Fatalf("message %d: got %+v", i, msgs[i])
		}
	}
}

func TestValidateRequiresPromptOrMessages(t *testing.T) {
	r := &ChatRequest{}
	errs := r.validate()
	if len(errs) == 0 {
		t.Fatal("expected validation failure for empty request")
	}
}

func TestValidateRejectsBlankMessageContent(t *testing.T) {
	r := &ChatRequest{Messages: []ChatMessage{{Role: "user", Content: ""}}}
	errs := r.validate()
	if len(errs) == 0 {
		t.Fatal("expected validation failure for blank content")
	}
	if errs[0].Path != "messages.0.content" {
		t.Fatalf("unexpected error path: %q", errs[0].Path)
	}
}

func TestValidateRejectsNonPositiveMaxTokens(t *testing.T) {
	n := 0
	r := &ChatRequest{Prompt: "x", Options: &ChatOptions{MaxOutputTokens: &n}}
	if errs := r.validate(); len(errs) == 0 {
		t.Fatal("expected validation failure for maxOutputTokens=0")
	}
}

func TestBuildOptionsOmittedWhenEmpty(t *testing.T) {
	r := &ChatRequest{Prompt: "x", Options: &ChatOptions{}}
	if got := r.buildOptions(); got != nil {
		t.Fatalf("expected nil options, got %+v", got)
	}
	temp := 0.2
	r = &ChatRequest{Prompt: "x", Options: &ChatOptions{Temperature: &temp}}
	got := r.buildOptions()
	if got == nil || got.Temperature == nil || *got.Temperature != 0.2 {
		t.Fatalf("expected temperature carried over, got %+v", got)
	}
}
