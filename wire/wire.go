// Package wire implements the Wire component (spec.md §4.3): the glue
// between a byte transport and the rest of the system. A Wire owns an
// inbound and an outbound message queue and a transport driver goroutine
// that encodes/decodes frames and honors back-pressure in both directions.
//
// The driver loop and close-listener bookkeeping follow the teacher's
// stream abstraction in portal/transport.go (Session/Stream) and the
// in-memory test double in portal/transport_pipe.go (PipeSession /
// bufferedPipeStream).
package wire

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/queue"
)

// Role records which side of the handshake opened this Wire (spec.md §4.3:
// "isPrimary is set by the accepting side; it controls pipe-id MSB and
// session-id generation during handshake"). The accepting side is primary;
// the dialing side is secondary.
type Role int

const (
	// RolePrimary is the accepting side of a connection.
	RolePrimary Role = iota
	// RoleSecondary is the dialing side of a connection.
	RoleSecondary
)

// IsPrimary reports whether this is the primary role.
func (r Role) IsPrimary() bool { return r == RolePrimary }

// ErrWireClosed is returned by operations attempted after Close.
var ErrWireClosed = errors.New("wire: closed")

// PeerSession carries the negotiated TLS identity of a Wire's underlying
// connection, when the transport runs over TLS (spec.md §4.3: "an optional
// PeerSession view containing negotiated cipher/peer cert chain ... None
// for plain transport").
type PeerSession struct {
	CipherSuite     uint16
	PeerCertificates []*x509.Certificate
}

// FromTLSState builds a PeerSession from a completed TLS handshake, or
// returns nil if state is the zero value (no handshake occurred).
func FromTLSState(state *tls.ConnectionState) *PeerSession {
	if state == nil || !state.HandshakeComplete {
		return nil
	}
	return &PeerSession{
		CipherSuite:      state.CipherSuite,
		PeerCertificates: state.PeerCertificates,
	}
}

// CloseListener is notified exactly once when a Wire transitions to closed.
type CloseListener func(w *Wire, cause error)

// Wire is the transport-facing glue described by spec.md §4.3. It is
// transport-agnostic: construct one over any io.ReadWriteCloser via
// NewWire, then call Run to start the transport driver goroutine.
type Wire struct {
	role Role

	Inbound  *queue.MessageQueue
	Outbound *queue.MessageQueue

	peer *PeerSession

	mu            sync.Mutex
	closed        bool
	closeErr      error
	closeListeners []CloseListener

	conn io.ReadWriteCloser
}

// NewWire constructs a Wire around conn with the given role and queue
// capacities (spec.md §4.3: "Constructed with (role, inbound queue
// capacity, outbound queue capacity)").
func NewWire(conn io.ReadWriteCloser, role Role, peer *PeerSession, inboundCap, outboundCap int) *Wire {
	return &Wire{
		role:     role,
		Inbound:  queue.NewMessageQueue(inboundCap),
		Outbound: queue.NewMessageQueue(outboundCap),
		peer:     peer,
		conn:     conn,
	}
}

// Role reports whether this Wire is primary or secondary.
func (w *Wire) Role() Role { return w.role }

// PeerSession returns the negotiated TLS identity, or nil for plain
// transport.
func (w *Wire) PeerSession() *PeerSession { return w.peer }

// AddCloseListener registers fn to run once, when the Wire closes. If the
// Wire is already closed, fn runs synchronously before this call returns.
func (w *Wire) AddCloseListener(fn CloseListener) {
	w.mu.Lock()
	if w.closed {
		cause := w.closeErr
		w.mu.Unlock()
		fn(w, cause)
		return
	}
	w.closeListeners = append(w.closeListeners, fn)
	w.mu.Unlock()
}

// Close idempotently closes the Wire: the underlying connection, both
// queues, and fires every registered close listener exactly once.
func (w *Wire) Close(cause error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.closeErr = cause
	listeners := w.closeListeners
	w.closeListeners = nil
	w.mu.Unlock()

	w.Inbound.Close()
	w.Outbound.Close()
	err := w.conn.Close()

	for _, fn := range listeners {
		safeNotifyClose(fn, w, cause)
	}
	return err
}

func safeNotifyClose(fn CloseListener, w *Wire, cause error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("wire: close listener panicked")
		}
	}()
	fn(w, cause)
}

// Closed reports whether Close has run.
func (w *Wire) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
