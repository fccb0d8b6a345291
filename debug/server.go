// Package debug exposes an operator-facing HTTP surface: liveness,
// per-session status, and Prometheus metrics. Routed with
// github.com/go-chi/chi/v5, which the teacher repository declares as a
// dependency but never wires to a concrete router; this package is that
// wiring, generalized from cmd/relay-server/admin.go's handler style
// (a small struct holding references to the live managers it reports on,
// each exposed as a plain net/http.HandlerFunc).
package debug

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionInfo is a snapshot of one live session for the /status endpoint.
type SessionInfo struct {
	ID          uint64 `json:"id"`
	PeerService string `json:"peer_service"`
	ActivePipes int    `json:"active_pipes"`
}

// SessionLister is satisfied by anything that can enumerate its current
// sessions (typically the process's session.Dispatcher wrapper).
type SessionLister interface {
	ListSessions() []SessionInfo
}

// Server is the debug HTTP surface.
type Server struct {
	startTime time.Time
	sessions  SessionLister
	router    chi.Router
}

// New builds a Server routing /healthz, /status, and /metrics.
func New(sessions SessionLister) *Server {
	s := &Server{startTime: time.Now(), sessions: sessions, router: chi.NewRouter()}
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var sessions []SessionInfo
	if s.sessions != nil {
		sessions = s.sessions.ListSessions()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessions": sessions,
	})
}
