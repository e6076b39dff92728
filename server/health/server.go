// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxqueue/broker"
	"github.com/absmach/fluxqueue/queue"
)

// maxFillBody bounds a bulk fill request.
const maxFillBody = 16 << 20

// Config holds health check server configuration.
type Config struct {
	Address         string
	NodeID          string
	ShutdownTimeout time.Duration
}

// Broker is the view of the broker the probes need.
type Broker interface {
	Ready() bool
	Stats() broker.Stats
}

// Queues is the view of the queue registry the endpoints need.
type Queues interface {
	Find(name string) *queue.Queue
	Stats() []queue.Stats
}

// Server exposes liveness and readiness probes, queue statistics and bulk
// fill for seeding queues.
type Server struct {
	config Config
	broker Broker
	queues Queues
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, b Broker, q Queues, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		queues: q,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /queues", s.handleQueues)
	mux.HandleFunc("GET /queues/{name}", s.handleQueue)
	mux.HandleFunc("POST /queues/{name}/fill", s.handleFill)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health check server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health check server shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.broker == nil || s.queues == nil:
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "broker not initialized"})
	case !s.broker.Ready():
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "shutting down"})
	default:
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
	}
}

// StatsResponse summarizes the node.
type StatsResponse struct {
	NodeID string       `json:"node_id"`
	Queues int          `json:"queues"`
	Broker broker.Stats `json:"broker"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{NodeID: s.config.NodeID}
	if s.broker != nil {
		resp.Broker = s.broker.Stats()
	}
	if s.queues != nil {
		resp.Queues = len(s.queues.Stats())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats := []queue.Stats{}
	if s.queues != nil {
		stats = append(stats, s.queues.Stats()...)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := s.find(w, r)
	if q == nil {
		return
	}
	writeJSON(w, http.StatusOK, q.Stats())
}

// FillResponse reports a bulk fill.
type FillResponse struct {
	Added  int    `json:"added"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// handleFill seeds a queue from a JSON array. With format=strings every
// element must be a string and becomes the raw payload; otherwise every
// element is stored as its JSON encoding.
func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	q := s.find(w, r)
	if q == nil {
		return
	}

	priority, _ := strconv.ParseBool(r.URL.Query().Get("priority"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFillBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FillResponse{Error: err.Error()})
		return
	}

	var res queue.FillResult
	switch r.URL.Query().Get("format") {
	case "strings":
		var items []string
		if err := json.Unmarshal(body, &items); err != nil {
			writeJSON(w, http.StatusBadRequest, FillResponse{Error: err.Error()})
			return
		}
		res, err = q.FillStrings(r.Context(), items, priority)
	default:
		var items []any
		if err := json.Unmarshal(body, &items); err != nil {
			writeJSON(w, http.StatusBadRequest, FillResponse{Error: err.Error()})
			return
		}
		res, err = q.FillJSON(r.Context(), items, priority)
	}

	resp := FillResponse{Added: res.Added, Result: res.Result.String()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	s.logger.Info("queue filled",
		slog.String("queue", q.Name()),
		slog.Int("added", res.Added),
		slog.String("result", resp.Result))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) find(w http.ResponseWriter, r *http.Request) *queue.Queue {
	var q *queue.Queue
	if s.queues != nil {
		q = s.queues.Find(r.PathValue("name"))
	}
	if q == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": queue.ErrQueueNotFound.Error()})
	}
	return q
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
