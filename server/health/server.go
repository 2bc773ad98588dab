// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Check reports the state of one dependency and whether it is usable.
type Check func() (state string, ready bool)

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config Config
	logger *slog.Logger
	server *http.Server

	mu       sync.RWMutex
	checks   map[string]Check
	listener net.Listener
}

// New creates a new health check server. checks are keyed by broker name.
func New(cfg Config, checks map[string]Check, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checks == nil {
		checks = make(map[string]Check)
	}

	s := &Server{
		config: cfg,
		checks: checks,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/brokers/status", s.handleBrokerStatus)
	return mux
}

// Register adds or replaces a named check.
func (s *Server) Register(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Addr returns the listener's network address.
// Returns an empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("health check server shutdown initiated")
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

// handleHealth implements liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready when at least one broker is usable, since a
// dispatch succeeds as soon as one broker accepts it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.statuses()
	if len(statuses) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "no brokers configured",
		})
		return
	}

	for _, st := range statuses {
		if st.Ready {
			writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
		Status:  "not_ready",
		Details: "no broker is ready",
	})
}

// BrokerStatus is one entry of the broker status response.
type BrokerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Ready bool   `json:"ready"`
}

// BrokerStatusResponse lists the state of every broker.
type BrokerStatusResponse struct {
	Brokers []BrokerStatus `json:"brokers"`
}

func (s *Server) handleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, BrokerStatusResponse{Brokers: s.statuses()})
}

func (s *Server) statuses() []BrokerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BrokerStatus, 0, len(s.checks))
	for name, check := range s.checks {
		state, ready := check()
		out = append(out, BrokerStatus{Name: name, State: state, Ready: ready})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
