package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lmbridge/lmbridge/pkg/bridge"
	"github.com/lmbridge/lmbridge/pkg/config"
	"github.com/lmbridge/lmbridge/pkg/provider"
	"github.com/lmbridge/lmbridge/pkg/sse"
)

// Server is the downstream compatibility server: Ollama NDJSON and
// OpenAI chat-completion surfaces, both backed by one bridge upstream.
type Server struct {
	cfg        config.ProxyConfig
	client     *Client
	selector   *ModelSelector
	httpServer *http.Server
}

func NewServer(cfg config.ProxyConfig) *Server {
	client := NewClient(cfg)
	s := &Server{
		cfg:      cfg,
		client:   client,
		selector: NewModelSelector(client, time.Duration(cfg.ModelCacheTTLSeconds)*time.Second),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/api/tags", s.handleTags)
	r.Post("/api/generate", s.handleGenerate)
	r.Post("/api/chat", s.handleOllamaChat)
	r.Get("/v1/models", s.handleOpenAIModels)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("proxy listening", "addr", ln.Addr().String(), "bridge", s.cfg.BridgeURL)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "lmbridge-proxy",
		"upstream": s.cfg.BridgeURL,
	})
}

type tagDetails struct {
	Format            any `json:"format"`
	Family            any `json:"family"`
	Families          any `json:"families"`
	ParameterSize     any `json:"parameter_size"`
	QuantizationLevel any `json:"quantization_level"`
}

type tagModel struct {
	Name       string     `json:"name"`
	ModifiedAt any        `json:"modified_at"`
	Size       any        `json:"size"`
	Digest     any        `json:"digest"`
	Details    tagDetails `json:"details"`
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	models, err := s.selector.Models(r.Context())
	if err != nil {
		writeBridgeFailure(w, err)
		return
	}
	tags := make([]tagModel, 0, len(models))
	for _, m := range models {
		t := tagModel{Name: m.ID}
		if m.Family != "" {
			t.Details.Family = m.Family
		}
		tags = append(tags, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": tags})
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system"`
	Stream  *bool          `json:"stream"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req ollamaGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request payload"})
		return
	}

	sel, err := s.selector.Select(r.Context(), req.Model)
	if err != nil {
		writeBridgeFailure(w, err)
		return
	}
	payload := bridge.ChatRequest{
		Prompt:  foldSystemIntoPrompt(req.System, req.Prompt),
		Options: mapOllamaOptions(req.Options),
	}
	if sel.ResolvedID != "" {
		payload.Model = &provider.Selector{ID: sel.ResolvedID}
	}
	display := displayModel(sel, req.Model)

	if streamWanted(req.Stream) {
		s.streamNDJSON(w, r, payload, KindGenerate, display)
		return
	}
	out, err := s.client.ChatJSON(r.Context(), payload)
	if err != nil {
		s.noteChatFailure(err)
		writeBridgeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateLine{
		Model:     display,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Response:  out.Output,
		Done:      true,
	})
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []OllamaChatMessage `json:"messages"`
	Stream   *bool               `json:"stream"`
	Options  map[string]any      `json:"options"`
}

func (s *Server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	var req ollamaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request payload"})
		return
	}

	sel, err := s.selector.Select(r.Context(), req.Model)
	if err != nil {
		writeBridgeFailure(w, err)
		return
	}
	payload := bridge.ChatRequest{
		Messages: mapChatMessages(req.Messages),
		Options:  mapOllamaOptions(req.Options),
	}
	if sel.ResolvedID != "" {
		payload.Model = &provider.Selector{ID: sel.ResolvedID}
	}
	display := displayModel(sel, req.Model)

	if streamWanted(req.Stream) {
		s.streamNDJSON(w, r, payload, KindChat, display)
		return
	}
	out, err := s.client.ChatJSON(r.Context(), payload)
	if err != nil {
		s.noteChatFailure(err)
		writeBridgeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatLine{
		Model:     display,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Message:   &ndjsonMessage{Role: "assistant", Content: out.Output},
		Done:      true,
	})
}

func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request, payload bridge.ChatRequest, kind StreamKind, display string) {
	body, err := s.client.ChatStream(r.Context(), payload)
	if err != nil {
		s.noteChatFailure(err)
		writeBridgeFailure(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	res, err := TranslateNDJSON(body, kind, display, flushWriter{w})
	if err != nil {
		// Stream already underway; nothing left to write but the log.
		log.Error("ndjson translation aborted", "kind", string(kind), "err", err)
		return
	}
	log.Debug("ndjson stream finished",
		"kind", string(kind),
		"status", string(res.Status),
		"chunks", res.Chunks,
		"outputChars", res.OutputChars,
	)
}

type openaiModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.selector.Models(r.Context())
	if err != nil {
		writeOpenAIBridgeFailure(w, err)
		return
	}
	created := time.Now().Unix()
	data := make([]openaiModelEntry, 0, len(models))
	for _, m := range models {
		owned := m.Vendor
		if owned == "" {
			owned = "library"
		}
		data = append(data, openaiModelEntry{ID: m.ID, Object: "model", Created: created, OwnedBy: owned})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

type openaiChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openaiChatRequest struct {
	Model               string              `json:"model"`
	Messages            []openaiChatMessage `json:"messages"`
	Stream              bool                `json:"stream"`
	N                   *int                `json:"n"`
	Tools               json.RawMessage     `json:"tools"`
	Functions           json.RawMessage     `json:"functions"`
	ToolChoice          json.RawMessage     `json:"tool_choice"`
	ResponseFormat      json.RawMessage     `json:"response_format"`
	Temperature         *float64            `json:"temperature"`
	MaxTokens           *int                `json:"max_tokens"`
	MaxCompletionTokens *int                `json:"max_completion_tokens"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaiChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "Invalid request payload", "invalid_json")
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "messages is required", "missing_messages")
		return
	}
	if req.N != nil && *req.N != 1 {
		writeOpenAIError(w, http.StatusBadRequest, "Only n=1 is supported", "n_not_supported")
		return
	}
	if rawPresent(req.Tools) || rawPresent(req.Functions) || rawPresent(req.ToolChoice) {
		writeOpenAIError(w, http.StatusBadRequest, "Tool and function calling are not supported", "tools_not_supported")
		return
	}
	if rawPresent(req.ResponseFormat) {
		writeOpenAIError(w, http.StatusBadRequest, "response_format is not supported", "response_format_not_supported")
		return
	}

	inbound := make([]OllamaChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "tool" || m.Role == "function" {
			writeOpenAIError(w, http.StatusBadRequest, "Tool and function calling are not supported", "tools_not_supported")
			return
		}
		var content string
		if err := json.Unmarshal(m.Content, &content); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "Message content must be a string", "invalid_content")
			return
		}
		inbound = append(inbound, OllamaChatMessage{Role: m.Role, Content: content})
	}

	sel, err := s.selector.Select(r.Context(), req.Model)
	if err != nil {
		writeOpenAIBridgeFailure(w, err)
		return
	}
	payload := bridge.ChatRequest{
		Messages: mapChatMessages(inbound),
		Options:  openaiOptions(req),
	}
	if sel.ResolvedID != "" {
		payload.Model = &provider.Selector{ID: sel.ResolvedID}
	}
	display := displayModel(sel, req.Model)

	if !req.Stream {
		out, err := s.client.ChatJSON(r.Context(), payload)
		if err != nil {
			s.noteChatFailure(err)
			writeOpenAIBridgeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newCompletionResponse(display, out.Output))
		return
	}

	body, err := s.client.ChatStream(r.Context(), payload)
	if err != nil {
		s.noteChatFailure(err)
		writeOpenAIBridgeFailure(w, err)
		return
	}
	defer body.Close()

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	res, err := TranslateOpenAI(body, display, sse.NewWriter(w))
	if err != nil {
		log.Error("completion stream translation aborted", "err", err)
		return
	}
	log.Debug("completion stream finished",
		"status", string(res.Status),
		"chunks", res.Chunks,
		"outputChars", res.OutputChars,
	)
}

func openaiOptions(req openaiChatRequest) *bridge.ChatOptions {
	maxTokens := req.MaxCompletionTokens
	if maxTokens == nil {
		maxTokens = req.MaxTokens
	}
	if req.Temperature == nil && maxTokens == nil {
		return nil
	}
	out := &bridge.ChatOptions{Temperature: req.Temperature}
	if maxTokens != nil && *maxTokens > 0 {
		out.MaxOutputTokens = maxTokens
	}
	if out.Temperature == nil && out.MaxOutputTokens == nil {
		return nil
	}
	return out
}

func rawPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// noteChatFailure drops the cached model list when the bridge reports
// the chat target missing: the resolved id was probably stale.
func (s *Server) noteChatFailure(err error) {
	var be *BridgeError
	if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
		s.selector.Invalidate()
	}
}

func streamWanted(stream *bool) bool {
	return stream == nil || *stream
}

func displayModel(sel Selection, requested string) string {
	if sel.UsedID != "" {
		return sel.UsedID
	}
	return requested
}

// writeBridgeFailure reports a bridge error on the Ollama surface, which
// has a bare {"error": ...} shape.
func writeBridgeFailure(w http.ResponseWriter, err error) {
	var be *BridgeError
	if errors.As(err, &be) {
		writeJSON(w, be.StatusCode, map[string]any{"error": be.Message})
		return
	}
	log.Error("bridge request failed", "err", err)
	writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Bridge request failed"})
}

func writeOpenAIBridgeFailure(w http.ResponseWriter, err error) {
	var be *BridgeError
	if errors.As(err, &be) {
		code := fmt.Sprintf("bridge_%d", be.StatusCode)
		writeJSON(w, be.StatusCode, openaiErrorBody{Error: openaiErrorDetail{
			Message: be.Message,
			Type:    "proxy_error",
			Code:    &code,
		}})
		return
	}
	log.Error("bridge request failed", "err", err)
	writeJSON(w, http.StatusBadGateway, openaiErrorBody{Error: openaiErrorDetail{
		Message: "Bridge request failed",
		Type:    "proxy_error",
	}})
}

func writeOpenAIError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, openaiErrorBody{Error: openaiErrorDetail{
		Message: message,
		Type:    "invalid_request_error",
		Code:    &code,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// flushWriter flushes after every write so NDJSON lines reach the
// client as they are produced.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
