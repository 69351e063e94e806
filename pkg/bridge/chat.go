package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/charmbracelet/log"

	"github.com/lmbridge/lmbridge/pkg/provider"
	"github.com/lmbridge/lmbridge/pkg/sse"
)

// StatusClientClosedRequest is the terminal status for a session whose
// client disconnected before delivery started.
const StatusClientClosedRequest = 499

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	wantsStream := prefersEventStream(r.Header.Get("Accept"))
	delivery := "json"
	if wantsStream {
		delivery = "stream"
	}

	payload, ok := s.readChatPayload(w, r)
	if !ok {
		return
	}

	// Validation and auth are settled; only now is an admission slot
	// taken. A client that gives up while queued surfaces as busy.
	if err := s.gate.Acquire(r.Context()); err != nil {
		log.Warn("rejecting chat: admission wait abandoned", "err", err)
		http.Error(w, "Server Busy", http.StatusServiceUnavailable)
		return
	}
	defer s.gate.Release()

	id := s.sessionIDs.Add(1)
	startedAt := time.Now()
	messageCount := len(payload.Messages)
	if messageCount == 0 && payload.Prompt != "" {
		messageCount = 1
	}
	log.Info("chat.request.started",
		"id", id,
		"delivery", delivery,
		"hasPrompt", payload.Prompt != "",
		"messageCount", messageCount,
	)

	outcome := s.runChatSession(w, r, id, payload, wantsStream)

	duration := time.Since(startedAt)
	s.metrics.Sessions.WithLabelValues(string(outcome.Status), delivery).Inc()
	s.metrics.Duration.WithLabelValues(delivery).Observe(duration.Seconds())

	kv := []any{
		"id", id,
		"delivery", delivery,
		"status", string(outcome.Status),
		"durationMs", duration.Milliseconds(),
	}
	if outcome.OutputChars > 0 || outcome.Status == sse.StatusCompleted {
		kv = append(kv, "outputChars", outcome.OutputChars)
	}
	if outcome.trackChunks {
		kv = append(kv, "chunks", outcome.Chunks)
	}
	if outcome.Err != nil {
		kv = append(kv, "errorStatus", outcome.Err.StatusCode, "errorMessage", outcome.Err.Message)
	}
	switch outcome.Status {
	case sse.StatusFailed:
		log.Error("chat.request.finished", kv...)
	case sse.StatusCancelled:
		log.Warn("chat.request.finished", kv...)
	default:
		log.Info("chat.request.finished", kv...)
	}
}

// readChatPayload reads, size-limits, parses, and validates the request
// body, writing the terminal error response itself on failure.
func (s *Server) readChatPayload(w http.ResponseWriter, r *http.Request) (*ChatRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxRequestBody {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	if len(body) == 0 {
		http.Error(w, "Empty request", http.StatusBadRequest)
		return nil, false
	}

	var payload ChatRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("failed to parse chat payload", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request payload"})
		return nil, false
	}
	if fieldErrs := payload.validate(); len(fieldErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request payload",
			"details": fieldErrs,
		})
		return nil, false
	}
	return &payload, true
}

// runChatSession drives one admitted session to a terminal state:
// model selection, message building, then buffered or streaming delivery.
func (s *Server) runChatSession(w http.ResponseWriter, r *http.Request, id uint64, payload *ChatRequest, wantsStream bool) *Outcome {
	ctx := r.Context()

	models, err := s.provider.SelectModels(ctx, payload.selector())
	if err != nil {
		outcome := newOutcome(false)
		norm := provider.Normalize(err)
		outcome.fail(norm)
		http.Error(w, norm.Message, norm.StatusCode)
		return outcome
	}
	if len(models) == 0 {
		outcome := newOutcome(false)
		outcome.fail(provider.NormalizedError{StatusCode: http.StatusNotFound, Message: "Requested model not available"})
		http.Error(w, "Requested model not available", http.StatusNotFound)
		return outcome
	}
	model := models[0]
	log.Debug("chat.request.modelSelected",
		"id", id,
		"modelId", model.ID,
		"vendor", model.Vendor,
		"family", model.Family,
	)

	msgs := payload.buildMessages()
	if len(msgs) == 0 {
		outcome := newOutcome(false)
		outcome.fail(provider.NormalizedError{StatusCode: http.StatusBadRequest, Message: "Prompt resulted in empty message list"})
		http.Error(w, "Prompt resulted in empty message list", http.StatusBadRequest)
		return outcome
	}
	opts := payload.buildOptions()

	if wantsStream {
		return s.deliverStream(ctx, w, model, msgs, opts, payload)
	}
	return s.deliverJSON(ctx, w, model, msgs, opts)
}

// deliverJSON drains the whole upstream stream into one buffered
// response body.
func (s *Server) deliverJSON(ctx context.Context, w http.ResponseWriter, model provider.Model, msgs []provider.Message, opts *provider.Options) *Outcome {
	outcome := newOutcome(false)

	fragments, errs, err := s.provider.SendRequest(ctx, model.ID, msgs, opts)
	if err != nil {
		return s.finishJSONError(ctx, w, outcome, err)
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			outcome.Status = sse.StatusCancelled
			http.Error(w, "Client Closed Request", StatusClientClosedRequest)
			return outcome
		case frag, ok := <-fragments:
			if !ok {
				if err := <-errs; err != nil {
					return s.finishJSONError(ctx, w, outcome, err)
				}
				output := sb.String()
				outcome.Status = sse.StatusCompleted
				outcome.OutputChars = utf8.RuneCountInString(output)
				writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "output": output})
				return outcome
			}
			sb.WriteString(frag)
		}
	}
}

// finishJSONError distinguishes client-initiated aborts from genuine
// upstream failures: if cancellation already happened, the surfaced error
// is incidental and the session is cancelled, not failed.
func (s *Server) finishJSONError(ctx context.Context, w http.ResponseWriter, outcome *Outcome, err error) *Outcome {
	if ctx.Err() != nil {
		outcome.Status = sse.StatusCancelled
		http.Error(w, "Client Closed Request", StatusClientClosedRequest)
		return outcome
	}
	norm := provider.Normalize(err)
	outcome.fail(norm)
	log.Error("chat request failed", "err", err)
	http.Error(w, norm.Message, norm.StatusCode)
	return outcome
}

type streamMetadata struct {
	Model   streamMetadataModel   `json:"model"`
	Request streamMetadataRequest `json:"request"`
}

type streamMetadataModel struct {
	ID      string `json:"id"`
	Vendor  string `json:"vendor"`
	Family  string `json:"family,omitempty"`
	Version string `json:"version,omitempty"`
}

type streamMetadataRequest struct {
	HasPrompt    bool `json:"hasPrompt"`
	MessageCount int  `json:"messageCount"`
}

// deliverStream realizes the session as an SSE stream: one metadata
// event, zero or more chunks, and exactly one terminal done or error
// event. Cancellation is checked before and after every chunk boundary.
func (s *Server) deliverStream(ctx context.Context, w http.ResponseWriter, model provider.Model, msgs []provider.Message, opts *provider.Options, payload *ChatRequest) *Outcome {
	outcome := newOutcome(true)
	sw := sse.NewWriter(w)

	fragments, errs, err := s.provider.SendRequest(ctx, model.ID, msgs, opts)
	if err != nil {
		norm := provider.Normalize(err)
		outcome.fail(norm)
		log.Error("streaming chat failed to start", "err", err)
		sse.SetHeaders(w)
		w.WriteHeader(http.StatusOK)
		_ = sw.WriteEvent(sse.EventError, norm)
		return outcome
	}

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	_ = sw.WriteEvent(sse.EventMetadata, streamMetadata{
		Model: streamMetadataModel{
			ID:      model.ID,
			Vendor:  model.Vendor,
			Family:  model.Family,
			Version: model.Version,
		},
		Request: streamMetadataRequest{
			HasPrompt:    payload.Prompt != "",
			MessageCount: len(msgs),
		},
	})

	for {
		// Checked before blocking so a chunk is never emitted after
		// cancellation was requested mid-iteration.
		select {
		case <-ctx.Done():
			return s.finishStreamCancelled(sw, outcome)
		default:
		}

		select {
		case <-ctx.Done():
			return s.finishStreamCancelled(sw, outcome)
		case frag, ok := <-fragments:
			if !ok {
				if err := <-errs; err != nil {
					if ctx.Err() != nil {
						return s.finishStreamCancelled(sw, outcome)
					}
					norm := provider.Normalize(err)
					outcome.fail(norm)
					log.Error("streaming chat failed", "err", err)
					_ = sw.WriteEvent(sse.EventError, norm)
					return outcome
				}
				// Catches cancellation requested exactly at the last
				// fragment.
				if ctx.Err() != nil {
					return s.finishStreamCancelled(sw, outcome)
				}
				outcome.Status = sse.StatusCompleted
				_ = sw.WriteEvent(sse.EventDone, map[string]string{"status": string(sse.StatusCompleted)})
				log.Debug("completed streaming chat response")
				return outcome
			}
			outcome.addChunk(frag)
			s.metrics.Chunks.Inc()
			_ = sw.WriteEvent(sse.EventChunk, map[string]string{"text": frag})
		}
	}
}

func (s *Server) finishStreamCancelled(sw *sse.Writer, outcome *Outcome) *Outcome {
	log.Info("streaming chat cancelled by client")
	outcome.Status = sse.StatusCancelled
	_ = sw.WriteEvent(sse.EventDone, map[string]string{"status": string(sse.StatusCancelled)})
	return outcome
}

func prefersEventStream(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(part)), "text/event-stream") {
			return true
		}
	}
	return false
}
