// Package bridge implements the gateway server speaking the native
// JSON/SSE chat protocol: admission control, model selection, and
// buffered or streaming delivery of one upstream chat call per request.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lmbridge/lmbridge/pkg/admission"
	"github.com/lmbridge/lmbridge/pkg/config"
	"github.com/lmbridge/lmbridge/pkg/metrics"
	"github.com/lmbridge/lmbridge/pkg/provider"
)

type Server struct {
	cfg        config.BridgeConfig
	provider   provider.Provider
	gate       *admission.Gate
	metrics    *metrics.Metrics
	httpServer *http.Server
	sessionIDs atomic.Uint64
	boundAddr  atomic.Pointer[net.TCPAddr]
}

func NewServer(cfg config.BridgeConfig, prov provider.Provider) *Server {
	gate := admission.New(cfg.MaxConcurrent)
	s := &Server{
		cfg:      cfg,
		provider: prov,
		gate:     gate,
		metrics: metrics.New(
			func() float64 { return float64(gate.Active()) },
			func() float64 { return float64(gate.Queued()) },
		),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/models", s.handleModels)
	r.Post("/chat", s.handleChat)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
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
		return fmt.Errorf("bridge listen: %w", err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.boundAddr.Store(addr)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("bridge server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.waitForIdle(30 * time.Second)
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

func (s *Server) waitForIdle(budget time.Duration) {
	deadline := time.Now().Add(budget)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.gate.Active()
		if active <= 0 || time.Now().After(deadline) {
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active chat sessions", "active", active)
			lastLog = time.Now()
		}
		<-t.C
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
				log.Warn("unauthorized request", "path", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	host, port := s.address()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"host":           host,
		"port":           port,
		"activeRequests": s.gate.Active(),
		"queuedRequests": s.gate.Queued(),
	})
}

func (s *Server) address() (string, int) {
	if addr := s.boundAddr.Load(); addr != nil {
		host := addr.IP.String()
		switch host {
		case "::", "0.0.0.0", "<nil>":
			host, _, _ = net.SplitHostPort(s.cfg.ListenAddr)
		case "::1":
			host = "127.0.0.1"
		}
		return host, addr.Port
	}
	host, portStr, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		return s.cfg.ListenAddr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Acquire(r.Context()); err != nil {
		http.Error(w, "Server Busy", http.StatusServiceUnavailable)
		return
	}
	defer s.gate.Release()

	models, err := s.provider.SelectModels(r.Context(), provider.Selector{})
	if err != nil {
		log.Error("failed to enumerate models", "err", err)
		http.Error(w, "Language model API unavailable", http.StatusServiceUnavailable)
		return
	}
	if models == nil {
		models = []provider.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
