// Package httpapi implements the broker's HTTP status surface (spec
// §6 Observability, SPEC_FULL.md's httpapi entry): /ready, /metrics,
// /status, and /workers. Modeled on the teacher's internal/api/server.go
// (gorilla/mux router, promhttp.Handler for /metrics, a small set of
// GET-only JSON endpoints) with the tenant CRUD surface and the admin
// dashboard dropped — the broker has no tenant registry and no UI, only
// status to report.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/compilerpool/compilerpool/internal/metrics"
)

// Broker is the subset of *broker.Broker this package depends on,
// kept narrow so internal/httpapi doesn't import internal/broker
// directly and can be unit-tested against a fake.
type Broker interface {
	LiveWorkers() int
	ClientCount() int
	Addr() string
}

// Server is the broker's HTTP status server.
type Server struct {
	broker     Broker
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an HTTP status server for b.
func NewServer(b Broker, m *metrics.Collector) *Server {
	return &Server{broker: b, metrics: m, startTime: time.Now()}
}

// Start listens on addr in the background. A non-nil error means the
// listener itself failed to bind; errors during the server's lifetime
// are only logged (matching the teacher's api.Server.Start).
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/workers", s.workersHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	slog.Info("broker HTTP status server listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("httpapi server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.broker.LiveWorkers() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "no live workers"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type statusResponse struct {
	Addr        string `json:"addr"`
	UptimeSecs  int64  `json:"uptime_seconds"`
	LiveWorkers int    `json:"live_workers"`
	Clients     int    `json:"client_count"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Addr:        s.broker.Addr(),
		UptimeSecs:  int64(time.Since(s.startTime).Seconds()),
		LiveWorkers: s.broker.LiveWorkers(),
		Clients:     s.broker.ClientCount(),
	})
}

func (s *Server) workersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"live_workers": s.broker.LiveWorkers()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
