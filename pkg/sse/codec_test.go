package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func collectEvents(t *testing.T, r io.Reader) []Event {
	t.Helper()
	dec := NewDecoder(r)
	var out []Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, ev)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	if err := w.WriteEvent("metadata", map[string]string{"a": "b"}); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := w.WriteEvent("chunk", map[string]string{"text": "Hello"}); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if err := w.WriteEvent("done", map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("write done: %v", err)
	}

	events := collectEvents(t, strings.NewReader(rec.Body.String()))
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	names := []string{"metadata", "chunk", "done"}
	for i, want := range names {
		if events[i].Name != want {
			t.Fatalf("event %d: expected name %q, got %q", i, want, events[i].Name)
		}
	}
	if events[1].Data != `{"text":"Hello"}` {
		t.Fatalf("unexpected chunk data: %q", events[1].Data)
	}
}

// chunkedReader yields the underlying bytes in fixed-size reads to
// simulate arbitrary network fragmentation.
type chunkedReader struct {
	data []byte
	size int
	pos  int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data)-c.pos {
		n = len(c.data) - c.pos
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func TestDecodeInvariantUnderChunkSplitting(t *testing.T) {
	raw := "event: metadata\ndata: {\"model\":{\"id\":\"m1\"}}\n\n" +
		"event: chunk\ndata: {\"text\":\"Hello\"}\n\n" +
		"event: chunk\ndata: {\"text\":\" World\"}\n\n" +
		"event: done\ndata: {\"status\":\"completed\"}\n\n"

	want := collectEvents(t, strings.NewReader(raw))
	for _, size := range []int{1, 2, 3, 7, 16, len(raw)} {
		got := collectEvents(t, &chunkedReader{data: []byte(raw), size: size})
		if len(got) != len(want) {
			t.Fatalf("size %d: expected %d events, got %d", size, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("size %d: event %d differs: %+v vs %+v", size, i, got[i], want[i])
			}
		}
	}
}

func TestDecodeMultiLineDataJoined(t *testing.T) {
	raw := "event: chunk\ndata: line one\ndata: line two\n\n"
	events := collectEvents(t, strings.NewReader(raw))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data != "line one\nline two" {
		t.Fatalf("expected joined data, got %q", events[0].Data)
	}
}

func TestDecodeSkipsCommentsAndBlankRecords(t *testing.T) {
	raw := ": keepalive\n\n" +
		"\n\n" +
		"event: chunk\n: interleaved comment\ndata: {\"text\":\"x\"}\n\n"
	events := collectEvents(t, strings.NewReader(raw))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	if events[0].Name != "chunk" {
		t.Fatalf("expected chunk, got %q", events[0].Name)
	}
}

func TestDecodeCRLFNormalization(t *testing.T) {
	raw := "event: chunk\r\ndata: {\"text\":\"a\"}\r\n\r\nevent: done\r\ndata: {}\r\n\r\n"
	for _, size := range []int{1, 5, len(raw)} {
		events := collectEvents(t, &chunkedReader{data: []byte(raw), size: size})
		if len(events) != 2 {
			t.Fatalf("size %d: expected 2 events, got %d", size, len(events))
		}
		if events[0].Name != "chunk" || events[1].Name != "done" {
			t.Fatalf("size %d: unexpected names: %+v", size, events)
		}
	}
}

func TestDecodeFlushesFinalUnterminatedRecord(t *testing.T) {
	raw := "event: chunk\ndata: {\"text\":\"a\"}\n\nevent: done\ndata: {\"status\":\"completed\"}"
	events := collectEvents(t, strings.NewReader(raw))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Name != "done" {
		t.Fatalf("expected trailing done event, got %+v", events[1])
	}
}

func TestDecodeDefaultsMissingEventName(t *testing.T) {
	events := collectEvents(t, strings.NewReader("data: hi\n\n"))
	if len(events) != 1 || events[0].Name != "message" {
		t.Fatalf("expected one message event, got %+v", events)
	}
}

func TestStreamReaderTypedFold(t *testing.T) {
	raw := "event: metadata\ndata: {\"model\":{\"id\":\"m1\"}}\n\n" +
		"event: chunk\ndata: {\"text\":\"Hi\"}\n\n" +
		"event: ping\ndata: {}\n\n" +
		"event: done\ndata: {\"status\":\"cancelled\"}\n\n"
	sr := NewStreamReader(NewDecoder(strings.NewReader(raw)))

	ev, err := sr.Next()
	if err != nil || ev.Kind != KindMetadata {
		t.Fatalf("expected metadata, got %+v err=%v", ev, err)
	}
	ev, err = sr.Next()
	if err != nil || ev.Kind != KindChunk || ev.Text != "Hi" {
		t.Fatalf("expected chunk Hi, got %+v err=%v", ev, err)
	}
	ev, err = sr.Next()
	if err != nil || ev.Kind != KindOther || ev.Name != "ping" {
		t.Fatalf("expected unknown event preserved, got %+v err=%v", ev, err)
	}
	ev, err = sr.Next()
	if err != nil || ev.Kind != KindDone || ev.Status != StatusCancelled {
		t.Fatalf("expected done cancelled, got %+v err=%v", ev, err)
	}
	if _, err = sr.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamReaderFaultEvent(t *testing.T) {
	raw := "event: error\ndata: {\"statusCode\":429,\"message\":\"quota\"}\n\n"
	sr := NewStreamReader(NewDecoder(strings.NewReader(raw)))
	_, err := sr.Next()
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected FaultError, got %v", err)
	}
	if fault.StatusCode != 429 || fault.Message != "quota" {
		t.Fatalf("unexpected fault: %+v", fault)
	}
}

func TestStreamReaderFaultDefaults(t *testing.T) {
	raw := "event: error\ndata: {}\n\n"
	sr := NewStreamReader(NewDecoder(strings.NewReader(raw)))
	_, err := sr.Next()
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected FaultError, got %v", err)
	}
	if fault.StatusCode != 502 || fault.Message != "Bridge streaming error" {
		t.Fatalf("unexpected fault defaults: %+v", fault)
	}
}

func TestStreamReaderDecodeError(t *testing.T) {
	raw := "event: chunk\ndata: {not json\n\n"
	sr := NewStreamReader(NewDecoder(strings.NewReader(raw)))
	_, err := sr.Next()
	var dec *DecodeError
	if !errors.As(err, &dec) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if dec.EventName != "chunk" {
		t.Fatalf("expected chunk event name, got %q", dec.EventName)
	}
}

func TestStreamReaderToleratesNonObjectPayload(t *testing.T) {
	raw := "event: chunk\ndata: 123\n\n" +
		"event: done\ndata: \"finished\"\n\n"
	sr := NewStreamReader(NewDecoder(strings.NewReader(raw)))

	ev, err := sr.Next()
	if err != nil || ev.Kind != KindChunk || ev.Text != "" {
		t.Fatalf("expected empty chunk for non-object payload, got %+v err=%v", ev, err)
	}
	ev, err = sr.Next()
	if err != nil || ev.Kind != KindDone || ev.Status != StatusCompleted {
		t.Fatalf("expected done completed, got %+v err=%v", ev, err)
	}
}

func TestParseStatusDefaultsToCompleted(t *testing.T) {
	for raw, want := range map[string]Status{
		"completed": StatusCompleted,
		"cancelled": StatusCancelled,
		"failed":    StatusFailed,
		"":          StatusCompleted,
		"bogus":     StatusCompleted,
	} {
		if got := ParseStatus(raw); got != want {
			t.Fatalf("ParseStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestRoundTripManyEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	const n = 50
	for i := 0; i < n; i++ {
		if err := w.WriteEvent("chunk", map[string]int{"i": i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	events := collectEvents(t, strings.NewReader(rec.Body.String()))
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	for i, ev := range events {
		if ev.Data != fmt.Sprintf(`{"i":%d}`, i) {
			t.Fatalf("event %d out of order: %q", i, ev.Data)
		}
	}
}
