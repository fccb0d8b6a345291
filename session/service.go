// Package session implements the Dispatcher/Handshake and Session
// components (spec.md §4.5, §4.6): service registration, the SyncSession
// exchange that authenticates a Wire and turns it into a Session, and the
// per-Session pipe table that routes Open/Block/Close messages to running
// handlers.
//
// The session table's mutex-guarded map idiom is grounded on
// portal/session_v2.go's SessionManagerV2; the single-threaded cooperative
// dispatch loop and worker-pool handoff for handlers follow spec.md §4.6
// directly, since the teacher's own session loop is a TTL-sweep goroutine
// rather than a per-message router and does not itself need generalizing
// for that part.
package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/pipe"
)

// Handler implements one RPC function exposed by a Service.
type Handler func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error)

// Service is a named collection of functions dispatched by FunctionID.
type Service struct {
	ID        string
	Functions map[uint16]Handler
}

// NewService creates an empty Service with the given id.
func NewService(id string) *Service {
	return &Service{ID: id, Functions: make(map[uint16]Handler)}
}

// Register adds fn as the handler for functionID.
func (s *Service) Register(functionID uint16, fn Handler) {
	s.Functions[functionID] = fn
}

// ErrServiceNotFound/ErrFunctionNotFound mirror the Close codes spec.md
// §4.6 sends back to the caller when a service or function lookup fails.
var (
	ErrServiceNotFound  = errors.New("session: service not found")
	ErrFunctionNotFound = errors.New("session: function not found")
)

// Registry is the dispatcher's service_id -> Service table (spec.md §4.5:
// "it owns (a) a registry service_id -> Service").
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Add registers svc, replacing any existing service with the same ID.
func (r *Registry) Add(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.ID] = svc
}

// Lookup returns the service registered under id, if any.
func (r *Registry) Lookup(id string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}
