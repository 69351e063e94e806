package sse

import (
	"encoding/json"
	"fmt"
)

// Event names of the native bridge chat stream.
const (
	EventMetadata = "metadata"
	EventChunk    = "chunk"
	EventDone     = "done"
	EventError    = "error"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ParseStatus maps unrecognized values to completed, matching what the
// gateway would have meant by a bare done event.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return Status(raw)
	default:
		return StatusCompleted
	}
}

// FaultError is an upstream error event surfaced through the stream. It is
// an error, not a terminal event, so consumers can tell "ended because
// upstream said done" apart from "ended because upstream broke" and decide
// whether to fall back to a buffered request.
type FaultError struct {
	StatusCode int
	Message    string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("stream fault %d: %s", e.StatusCode, e.Message)
}

// DecodeError reports a malformed payload inside a named event.
type DecodeError struct {
	EventName string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid %s event payload: %v", e.EventName, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamEvent is one typed event of a bridge chat stream. Exactly one of
// the payload fields is meaningful, keyed by Kind.
type StreamEvent struct {
	Kind EventKind

	Metadata json.RawMessage // KindMetadata
	Text     string          // KindChunk
	Status   Status          // KindDone

	// Unknown events are preserved verbatim for forward compatibility.
	Name string
	Data string
}

type EventKind int

const (
	KindMetadata EventKind = iota
	KindChunk
	KindDone
	KindOther
)

// StreamReader folds decoded records into typed stream events. Protocol
// translators consume this instead of re-deriving the line splitting.
type StreamReader struct {
	dec *Decoder
}

func NewStreamReader(dec *Decoder) *StreamReader {
	return &StreamReader{dec: dec}
}

// Next returns the next typed event, io.EOF at the end of the stream, a
// *FaultError for an upstream error event, or a *DecodeError for a payload
// that fails to parse.
func (s *StreamReader) Next() (StreamEvent, error) {
	ev, err := s.dec.Next()
	if err != nil {
		return StreamEvent{}, err
	}

	var payload map[string]any
	if ev.Data != "" {
		var parsed any
		if err := json.Unmarshal([]byte(ev.Data), &parsed); err != nil {
			return StreamEvent{}, &DecodeError{EventName: ev.Name, Err: err}
		}
		// A non-object payload is valid JSON with no usable fields, not a
		// decode failure.
		payload, _ = parsed.(map[string]any)
	}

	switch ev.Name {
	case EventMetadata:
		return StreamEvent{Kind: KindMetadata, Metadata: json.RawMessage(ev.Data), Name: ev.Name}, nil
	case EventChunk:
		// A missing or non-string text field is tolerated as empty.
		text, _ := payload["text"].(string)
		return StreamEvent{Kind: KindChunk, Text: text, Name: ev.Name}, nil
	case EventDone:
		raw, _ := payload["status"].(string)
		return StreamEvent{Kind: KindDone, Status: ParseStatus(raw), Name: ev.Name}, nil
	case EventError:
		fault := &FaultError{StatusCode: 502, Message: "Bridge streaming error"}
		if code, ok := payload["statusCode"].(float64); ok {
			fault.StatusCode = int(code)
		}
		if msg, ok := payload["message"].(string); ok && msg != "" {
			fault.Message = msg
		}
		return StreamEvent{}, fault
	default:
		return StreamEvent{Kind: KindOther, Name: ev.Name, Data: ev.Data}, nil
	}
}
