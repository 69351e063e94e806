// Package sse implements the wire framing shared by the bridge gateway and
// every downstream translator: encoding named events onto an HTTP response
// and incrementally decoding an arbitrary byte stream back into discrete
// events, regardless of how TCP or HTTP chunking split it.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one decoded record. Data is the joined payload of all data:
// lines, unparsed.
type Event struct {
	Name string
	Data string
}

// Writer serializes events onto an HTTP response, flushing after each
// record so downstream readers see tokens as they arrive.
type Writer struct {
	w     io.Writer
	flush http.Flusher
}

func NewWriter(w http.ResponseWriter) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f
	}
	return sw
}

// SetHeaders applies the standard event-stream response headers. Must be
// called before the first write.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func (w *Writer) WriteEvent(name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush.Flush()
	}
	return nil
}

// WriteData emits a bare data-only record. Used by the OpenAI-compatible
// stream, whose frames carry no event name.
func (w *Writer) WriteData(raw string) error {
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush.Flush()
	}
	return nil
}

// Decoder splits a byte stream into events. It is tolerant of arbitrary
// read-chunk boundaries: records only surface once their blank-line
// terminator (or the end of the stream) has been seen.
type Decoder struct {
	r       io.Reader
	pending string
	carryCR bool
	eof     bool
	readBuf []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, readBuf: make([]byte, 4096)}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
// Whitespace-only records are skipped; a missing event: line defaults the
// name to "message".
func (d *Decoder) Next() (Event, error) {
	for {
		for {
			idx := strings.Index(d.pending, "\n\n")
			if idx < 0 {
				break
			}
			raw := d.pending[:idx]
			d.pending = d.pending[idx+2:]
			if ev, ok := parseRecord(raw); ok {
				return ev, nil
			}
		}

		if d.eof {
			if strings.TrimSpace(d.pending) != "" {
				raw := d.pending
				d.pending = ""
				if ev, ok := parseRecord(raw); ok {
					return ev, nil
				}
			}
			return Event{}, io.EOF
		}

		n, err := d.r.Read(d.readBuf)
		if n > 0 {
			d.append(d.readBuf[:n])
		}
		if err == io.EOF {
			d.eof = true
			if d.carryCR {
				d.pending += "\r"
				d.carryCR = false
			}
			continue
		}
		if err != nil {
			return Event{}, err
		}
	}
}

// append normalizes \r\n to \n. A trailing \r is held back until the next
// read in case its \n arrives in the following chunk.
func (d *Decoder) append(p []byte) {
	s := string(p)
	if d.carryCR {
		s = "\r" + s
		d.carryCR = false
	}
	if strings.HasSuffix(s, "\r") {
		d.carryCR = true
		s = s[:len(s)-1]
	}
	d.pending += strings.ReplaceAll(s, "\r\n", "\n")
}

func parseRecord(raw string) (Event, bool) {
	if strings.TrimSpace(raw) == "" {
		return Event{}, false
	}
	name := "message"
	var dataLines []string
	for _, line := range strings.Split(raw, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		sep := strings.IndexByte(line, ':')
		if sep < 0 {
			continue
		}
		field := strings.TrimSpace(line[:sep])
		value := line[sep+1:]
		// At most one leading space belongs to the separator, not the value.
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	return Event{Name: name, Data: strings.Join(dataLines, "\n")}, true
}
