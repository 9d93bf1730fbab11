package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iuriikogan/rlm-repl/internal/client"
	"github.com/iuriikogan/rlm-repl/internal/eventing"
	"github.com/iuriikogan/rlm-repl/internal/observability"
	"github.com/iuriikogan/rlm-repl/internal/rlm"
	"github.com/iuriikogan/rlm-repl/internal/types"
)

type completionRequest struct {
	Prompt         string `json:"prompt"`
	Context        any    `json:"context,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	Model          string `json:"model,omitempty"`
	RecursiveModel string `json:"recursive_model,omitempty"`
}

type queryRequest struct {
	Context        any    `json:"context"`
	Query          string `json:"query"`
	Model          string `json:"model,omitempty"`
	RecursiveModel string `json:"recursive_model,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
}

type server struct {
	engine *rlm.RLM
	sink   eventing.Sink
	logger *slog.Logger
}

func newServer(engine *rlm.RLM, sink eventing.Sink, logger *slog.Logger) *server {
	if sink == nil {
		sink = eventing.Noop
	}
	return &server{engine: engine, sink: sink, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", s.instrument(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/completion", s.instrument(http.HandlerFunc(s.handleCompletion)))
	mux.Handle("/api/query", s.instrument(http.HandlerFunc(s.handleQuery)))
	return mux
}

func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			duration := time.Since(start).Seconds()
			observability.HttpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(rw.status)).Inc()
			observability.HttpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			s.logger.Info("Request handled", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration", duration)
		}()

		next.ServeHTTP(rw, r)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "Prompt is required")
		return
	}
	if req.MaxIterations < 0 {
		respondError(w, http.StatusBadRequest, "max_iterations must not be negative")
		return
	}

	engine := s.engine.With(
		rlm.WithEventSink(s.sink),
		rlm.WithMaxIterations(req.MaxIterations),
		rlm.WithModels(req.Model, req.RecursiveModel),
	)
	resp := engine.Completion(r.Context(), req.Prompt, req.Context)

	code := statusFor(resp)
	if code != http.StatusOK {
		s.logger.Error("RLM Completion failed", "session_id", resp.SessionID, "error", resp.Error)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// statusFor maps a terminal session to an HTTP status. Exhausted sessions
// still carry a best-effort answer and are reported as 200.
func statusFor(resp *types.RLMChatCompletion) int {
	err := resp.Err()
	var perr *client.ProviderError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, rlm.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleQuery streams session events as Server-Sent Events, ending with a
// "complete" or "error" message.
func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if isEmpty(req.Context) || req.Query == "" {
		respondError(w, http.StatusBadRequest, "Context and query are required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	stream := eventing.NewStream(eventing.DefaultStreamBuffer)
	engine := s.engine.With(
		rlm.WithEventSink(eventing.Multi(s.sink, stream)),
		rlm.WithMaxIterations(req.MaxIterations),
		rlm.WithModels(req.Model, req.RecursiveModel),
	)

	done := make(chan *types.RLMChatCompletion, 1)
	go func() {
		defer stream.Close()
		done <- engine.Completion(r.Context(), req.Query, req.Context)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range stream.Events() {
		writeSSE(w, ev)
		flusher.Flush()
	}

	resp := <-done
	if err := resp.Err(); err != nil {
		writeSSE(w, map[string]string{"type": "error", "error": err.Error()})
	} else {
		writeSSE(w, map[string]any{
			"type":     "complete",
			"answer":   resp.Response,
			"status":   resp.Status,
			"terminal": resp.Terminal,
		})
	}
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func isEmpty(v any) bool {
	switch c := v.(type) {
	case nil:
		return true
	case string:
		return c == ""
	case []any:
		return len(c) == 0
	case map[string]any:
		return len(c) == 0
	}
	return false
}

func respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Custom ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
