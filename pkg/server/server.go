// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the chat API over HTTP: turn submission, task
// status, session reads, and the live SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/galenhq/galen/pkg/bus"
	"github.com/galenhq/galen/pkg/config"
	"github.com/galenhq/galen/pkg/observability"
	"github.com/galenhq/galen/pkg/storage"
	"github.com/galenhq/galen/pkg/tasks"
)

// DefaultPollInterval bounds how long the SSE forwarder waits on the bus
// before re-checking the durable row, keeping the stream interruptible.
const DefaultPollInterval = time.Second

// Server is the HTTP front end.
type Server struct {
	cfg        config.ServerConfig
	store      *storage.Store
	bus        *bus.Bus
	supervisor *tasks.Supervisor
	metrics    *observability.Metrics
	httpServer *http.Server
	poll       time.Duration
}

// New assembles the server. Metrics may be nil, which removes the
// /metrics endpoint.
func New(cfg config.ServerConfig, store *storage.Store, eventBus *bus.Bus, supervisor *tasks.Supervisor, metrics *observability.Metrics) *Server {
	poll := cfg.SSEPollInterval
	if poll <= 0 || poll > DefaultPollInterval {
		poll = DefaultPollInterval
	}
	s := &Server{
		cfg:        cfg,
		store:      store,
		bus:        eventBus,
		supervisor: supervisor,
		metrics:    metrics,
		poll:       poll,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logging)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleSendTurn)
		r.Get("/chat/{messageID}/events", s.handleEvents)
		r.Get("/tasks/{taskID}", s.handleTaskStatus)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}/messages", s.handleListMessages)
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "address", s.cfg.Address())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started))
	})
}

func (s *Server) handleSendTurn(w http.ResponseWriter, r *http.Request) {
	var req tasks.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	receipt, err := s.supervisor.SendTurn(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.supervisor.Status(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListSessionMessages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
