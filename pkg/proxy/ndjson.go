package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"github.com/lmbridge/lmbridge/pkg/sse"
)

// StreamKind picks the Ollama wire shape a bridge stream is folded into.
type StreamKind string

const (
	KindGenerate StreamKind = "generate"
	KindChat     StreamKind = "chat"
)

// StreamResult summarizes one fully-translated stream.
type StreamResult struct {
	Chunks      int
	OutputChars int
	Status      sse.Status
}

type ndjsonMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Images  any    `json:"images"`
}

type generateLine struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type chatLine struct {
	Model     string         `json:"model"`
	CreatedAt string         `json:"created_at"`
	Message   *ndjsonMessage `json:"message,omitempty"`
	Done      bool           `json:"done"`
}

// TranslateNDJSON folds a bridge event stream into Ollama-style NDJSON
// lines on w. Metadata events are absorbed; chunk events become
// done:false lines; the terminal event becomes a done:true line. A
// bridge fault has no NDJSON representation, so it still terminates the
// output with a best-effort done:true line rather than leaving the
// consumer hanging on a half-finished stream.
func TranslateNDJSON(r io.Reader, kind StreamKind, modelID string, w io.Writer) (StreamResult, error) {
	enc := json.NewEncoder(w)
	res := StreamResult{Status: sse.StatusCompleted}
	sr := sse.NewStreamReader(sse.NewDecoder(r))

	for {
		ev, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		var fault *sse.FaultError
		if errors.As(err, &fault) {
			res.Status = sse.StatusFailed
			_ = writeNDJSONDone(enc, kind, modelID)
			return res, nil
		}
		if err != nil {
			// A malformed frame still terminates the output; the error
			// goes to the caller, never a silent truncation.
			res.Status = sse.StatusFailed
			_ = writeNDJSONDone(enc, kind, modelID)
			return res, err
		}

		switch ev.Kind {
		case sse.KindChunk:
			res.Chunks++
			res.OutputChars += utf8.RuneCountInString(ev.Text)
			if err := writeNDJSONChunk(enc, kind, modelID, ev.Text); err != nil {
				return res, err
			}
		case sse.KindDone:
			res.Status = ev.Status
			if err := writeNDJSONDone(enc, kind, modelID); err != nil {
				return res, err
			}
		}
	}
}

func writeNDJSONChunk(enc *json.Encoder, kind StreamKind, modelID, text string) error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if kind == KindGenerate {
		return enc.Encode(generateLine{Model: modelID, CreatedAt: ts, Response: text})
	}
	return enc.Encode(chatLine{
		Model:     modelID,
		CreatedAt: ts,
		Message:   &ndjsonMessage{Role: "assistant", Content: text},
	})
}

// writeNDJSONDone emits the terminal line: generate streams carry an
// empty response field, chat streams omit the message entirely.
func writeNDJSONDone(enc *json.Encoder, kind StreamKind, modelID string) error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if kind == KindGenerate {
		return enc.Encode(generateLine{Model: modelID, CreatedAt: ts, Done: true})
	}
	return enc.Encode(chatLine{Model: modelID, CreatedAt: ts, Done: true})
}
