package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lmbridge/lmbridge/pkg/sse"
)

const systemFingerprint = "bridge-proxy"

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// estimateCompletionTokens approximates token usage from character
// count, one token per four characters with a floor of one. Prompt-side
// counts are not reported: the proxy never sees the upstream tokenizer.
func estimateCompletionTokens(text string) int {
	n := (utf8.RuneCountInString(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

type chunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	Logprobs     any        `json:"logprobs"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []chunkChoice `json:"choices"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Created           int64              `json:"created"`
	Model             string             `json:"model"`
	SystemFingerprint string             `json:"system_fingerprint"`
	Choices           []completionChoice `json:"choices"`
	Usage             completionUsage    `json:"usage"`
}

type openaiErrorBody struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

func newCompletionResponse(modelID, output string) completionResponse {
	tokens := estimateCompletionTokens(output)
	return completionResponse{
		ID:                newCompletionID(),
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             modelID,
		SystemFingerprint: systemFingerprint,
		Choices: []completionChoice{{
			Index:        0,
			Message:      completionMessage{Role: "assistant", Content: output},
			FinishReason: "stop",
		}},
		Usage: completionUsage{
			PromptTokens:     0,
			CompletionTokens: tokens,
			TotalTokens:      tokens,
		},
	}
}

// TranslateOpenAI folds a bridge event stream into OpenAI-style
// completion chunks on sw. One completion id and created timestamp span
// the whole session; the first forwardable event carries the assistant
// role delta, and exactly one [DONE] sentinel terminates the stream,
// fault or not.
func TranslateOpenAI(r io.Reader, modelID string, sw *sse.Writer) (StreamResult, error) {
	id := newCompletionID()
	created := time.Now().Unix()
	res := StreamResult{Status: sse.StatusCompleted}
	model := modelID
	roleSent, doneSent := false, false

	writeChunk := func(delta chunkDelta, finish *string) error {
		b, err := json.Marshal(completionChunk{
			ID:                id,
			Object:            "chat.completion.chunk",
			Created:           created,
			Model:             model,
			SystemFingerprint: systemFingerprint,
			Choices:           []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		})
		if err != nil {
			return err
		}
		return sw.WriteData(string(b))
	}
	ensureRole := func() error {
		if roleSent {
			return nil
		}
		roleSent = true
		empty := ""
		return writeChunk(chunkDelta{Role: "assistant", Content: &empty}, nil)
	}

	sr := sse.NewStreamReader(sse.NewDecoder(r))
	for {
		ev, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		var fault *sse.FaultError
		if errors.As(err, &fault) {
			res.Status = sse.StatusFailed
			code := fmt.Sprintf("bridge_%d", fault.StatusCode)
			b, _ := json.Marshal(openaiErrorBody{Error: openaiErrorDetail{
				Message: fault.Message,
				Code:    &code,
				Type:    "proxy_error",
			}})
			_ = sw.WriteData(string(b))
			if !doneSent {
				_ = sw.WriteData("[DONE]")
			}
			return res, nil
		}
		if err != nil {
			// A malformed frame still terminates the stream in-band; the
			// error goes to the caller, never a silent truncation.
			res.Status = sse.StatusFailed
			b, _ := json.Marshal(openaiErrorBody{Error: openaiErrorDetail{
				Message: "Bridge stream translation failed",
				Type:    "proxy_error",
			}})
			_ = sw.WriteData(string(b))
			if !doneSent {
				_ = sw.WriteData("[DONE]")
			}
			return res, err
		}

		switch ev.Kind {
		case sse.KindMetadata:
			if mid := metadataModelID(ev.Metadata); mid != "" {
				model = mid
			}
			if err := ensureRole(); err != nil {
				return res, err
			}
		case sse.KindChunk:
			if err := ensureRole(); err != nil {
				return res, err
			}
			if ev.Text == "" {
				continue
			}
			res.Chunks++
			res.OutputChars += utf8.RuneCountInString(ev.Text)
			text := ev.Text
			if err := writeChunk(chunkDelta{Content: &text}, nil); err != nil {
				return res, err
			}
		case sse.KindDone:
			res.Status = ev.Status
			finish := finishReason(ev.Status)
			if err := writeChunk(chunkDelta{}, &finish); err != nil {
				return res, err
			}
			doneSent = true
			_ = sw.WriteData("[DONE]")
		}
	}
}

func metadataModelID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var meta struct {
		Model struct {
			ID string `json:"id"`
		} `json:"model"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.Model.ID
}

func finishReason(status sse.Status) string {
	switch status {
	case sse.StatusCancelled:
		return "cancelled"
	case sse.StatusFailed:
		return "error"
	default:
		return "stop"
	}
}
