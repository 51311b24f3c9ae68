// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxlink/connectivity"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	NodeID          string
	// AcksBackend names the acknowledgement label registry in use.
	AcksBackend string
}

// Connections is the view of the connectivity manager the probes need.
type Connections interface {
	Ready() bool
	Statuses() []connectivity.Status
}

// Leadership is implemented by replicated label registries.
type Leadership interface {
	IsLeader() bool
	Leader() (id, addr string)
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config      Config
	connections Connections
	leadership  Leadership
	logger      *slog.Logger
	server      *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. leadership may be nil.
func New(cfg Config, conns Connections, leadership Leadership, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:      cfg,
		connections: conns,
		leadership:  leadership,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/connections/status", s.handleConnectionsStatus)
	mux.HandleFunc("/acks/status", s.handleAcksStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

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
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
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

// handleReady returns 200 OK once every open connection is connected and
// none is degraded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.connections == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "connectivity not initialized",
		})
		return
	}
	if !s.connections.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "connections not established",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// ConnectionsStatusResponse lists every connection of the node.
type ConnectionsStatusResponse struct {
	NodeID      string                `json:"node_id"`
	Connections []connectivity.Status `json:"connections"`
}

func (s *Server) handleConnectionsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ConnectionsStatusResponse{NodeID: s.config.NodeID, Connections: []connectivity.Status{}}
	if s.connections != nil {
		resp.Connections = s.connections.Statuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

// AcksStatusResponse describes the acknowledgement label registry.
type AcksStatusResponse struct {
	NodeID     string `json:"node_id"`
	Backend    string `json:"backend"`
	Replicated bool   `json:"replicated"`
	IsLeader   bool   `json:"is_leader"`
	LeaderID   string `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

func (s *Server) handleAcksStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := AcksStatusResponse{NodeID: s.config.NodeID, Backend: s.config.AcksBackend}
	if s.leadership != nil {
		resp.Replicated = true
		resp.IsLeader = s.leadership.IsLeader()
		resp.LeaderID, resp.LeaderAddr = s.leadership.Leader()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
