package proxy

import (
	"math"
	"strings"

	"github.com/lmbridge/lmbridge/pkg/bridge"
)

// OllamaChatMessage is one inbound message on the Ollama-compatible
// chat surface.
type OllamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// mapOllamaOptions carries over the option subset the bridge
// understands; everything else is dropped.
func mapOllamaOptions(opts map[string]any) *bridge.ChatOptions {
	if len(opts) == 0 {
		return nil
	}
	out := &bridge.ChatOptions{}
	if t, ok := opts["temperature"].(float64); ok {
		out.Temperature = &t
	}
	if n, ok := opts["num_predict"].(float64); ok {
		v := int(math.Floor(n))
		if v < 1 {
			v = 1
		}
		out.MaxOutputTokens = &v
	}
	if out.Temperature == nil && out.MaxOutputTokens == nil {
		return nil
	}
	return out
}

// foldSystemIntoPrompt prefixes a generate prompt with its system
// instruction, since the bridge prompt form has no separate system slot.
func foldSystemIntoPrompt(system, prompt string) string {
	sys := strings.TrimSpace(system)
	if sys == "" {
		return prompt
	}
	if prompt == "" {
		return "System: " + sys
	}
	return "System: " + sys + "\n\n" + prompt
}

// mapChatMessages converts an Ollama-style message list to the bridge's
// two-role vocabulary. System messages buffer up and prefix the next
// non-system message; tool output becomes a prefixed user message; a
// trailing system run with nothing after it is promoted to a leading
// user message so its content is not lost.
func mapChatMessages(messages []OllamaChatMessage) []bridge.ChatMessage {
	out := make([]bridge.ChatMessage, 0, len(messages))
	systemBuffer := ""

	for _, m := range messages {
		if m.Role == "system" {
			if systemBuffer != "" {
				systemBuffer += "\n"
			}
			systemBuffer += m.Content
			continue
		}
		content := m.Content
		if systemBuffer != "" {
			content = "System: " + systemBuffer + "\n\n" + content
			systemBuffer = ""
		}
		switch m.Role {
		case "assistant":
			out = append(out, bridge.ChatMessage{Role: "assistant", Content: content})
		case "tool":
			out = append(out, bridge.ChatMessage{Role: "user", Content: "Tool: " + content})
		case "user":
			out = append(out, bridge.ChatMessage{Role: "user", Content: content})
		}
	}

	if systemBuffer != "" {
		out = append([]bridge.ChatMessage{{Role: "user", Content: "System: " + systemBuffer}}, out...)
	}
	return out
}
