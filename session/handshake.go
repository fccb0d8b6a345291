package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/wire"
)

// ErrProtocol is returned when the peer's first message isn't
// Control(SyncSession) (spec.md §4.5 step 2).
var ErrProtocol = errors.New("session: protocol violation during handshake")

// ErrAuthentication is returned when envelope/certificate verification
// fails during the handshake (spec.md §4.5 step 3).
var ErrAuthentication = errors.New("session: authentication failed")

// Authenticator verifies a peer's sealed certificate during handshake. A
// real implementation (TrustAuthenticator) wraps trust.Context.VerifyChain
// plus envelope signature checking (spec.md §4.5 step 3); tests may supply
// a stub.
type Authenticator interface {
	Authenticate(sealedCert []byte, peer *wire.PeerSession) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(sealedCert []byte, peer *wire.PeerSession) error

func (f AuthenticatorFunc) Authenticate(sealedCert []byte, peer *wire.PeerSession) error {
	return f(sealedCert, peer)
}

// Dispatcher serves many concurrent Wires, turning each into an
// authenticated Session via the SyncSession exchange (spec.md §4.5).
type Dispatcher struct {
	Registry         *Registry
	SealedCertificate []byte
	ServiceID        string
	Auth             Authenticator

	DefaultPingSeconds    uint32
	DefaultSessionTimeout uint32

	mu        sync.Mutex
	sessionIDsInUse map[uint64]bool
}

// NewDispatcher constructs a Dispatcher. auth may be nil, in which case
// every handshake authenticates trivially (useful for tests and for a
// plain-transport deployment that relies on transport-level trust only).
func NewDispatcher(registry *Registry, sealedCert []byte, serviceID string, auth Authenticator) *Dispatcher {
	if auth == nil {
		auth = AuthenticatorFunc(func([]byte, *wire.PeerSession) error { return nil })
	}
	return &Dispatcher{
		Registry:              registry,
		SealedCertificate:     sealedCert,
		ServiceID:             serviceID,
		Auth:                  auth,
		DefaultPingSeconds:    10,
		DefaultSessionTimeout: 30,
		sessionIDsInUse:       make(map[uint64]bool),
	}
}

// Handshake runs the SyncSession exchange over w and, on success, returns
// a live Session (spec.md §4.5 steps 1-5).
func (d *Dispatcher) Handshake(w *wire.Wire) (*Session, error) {
	local := &message.SyncSession{
		Version:           1,
		SealedCertificate: d.SealedCertificate,
		ServiceID:         d.ServiceID,
		UTCMillis:         uint64(time.Now().UnixMilli()),
		Config: map[string]string{
			"ping":           itoa(d.DefaultPingSeconds),
			"sessionTimeout": itoa(d.DefaultSessionTimeout),
		},
	}
	localBody, err := local.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "session: encode local SyncSession")
	}
	if !w.Outbound.Offer(message.NewControlSyncSession(localBody)) {
		w.Close(ErrProtocol)
		return nil, errors.Wrap(ErrProtocol, "session: could not send SyncSession")
	}

	first, ok := pollBlocking(w)
	if !ok {
		w.Close(ErrProtocol)
		return nil, errors.Wrap(ErrProtocol, "session: wire closed before handshake completed")
	}

	if first.Kind != message.KindControlMsg || first.ControlKind != message.ControlSyncSession {
		w.Outbound.Offer(message.NewControlClose())
		w.Close(ErrProtocol)
		return nil, ErrProtocol
	}

	remote, err := message.DecodeSyncSession(first.ControlBody)
	if err != nil {
		w.Close(ErrProtocol)
		return nil, errors.Wrap(ErrProtocol, "session: malformed SyncSession")
	}

	if err := d.Auth.Authenticate(remote.SealedCertificate, w.PeerSession()); err != nil {
		w.Close(ErrAuthentication)
		return nil, errors.Wrap(ErrAuthentication, err.Error())
	}

	sessionID := d.allocateSessionID(w.Role())

	pingSeconds := negotiateMin(local.Config["ping"], remote.Config["ping"], d.DefaultPingSeconds)
	timeoutSeconds := negotiateMin(local.Config["sessionTimeout"], remote.Config["sessionTimeout"], d.DefaultSessionTimeout)

	svc, _ := d.Registry.Lookup(remote.ServiceID)

	sess := newSession(sessionID, remote.ServiceID, w, svc, time.Duration(pingSeconds)*time.Second, time.Duration(timeoutSeconds)*time.Second)
	return sess, nil
}

// pollBlocking polls w.Inbound until a message arrives or the queue
// closes.
func pollBlocking(w *wire.Wire) (message.Message, bool) {
	for {
		if m, ok := w.Inbound.Poll(); ok {
			return m, true
		}
		if w.Inbound.Closed() {
			return message.Message{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *Dispatcher) allocateSessionID(role wire.Role) uint64 {
	if role == wire.RoleSecondary {
		// SyncSession carries no session id field, so the primary's id is
		// never sent to the secondary: a secondary Session's ID is always
		// 0.
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			log.Error().Err(err).Msg("session: failed to read random session id, retrying")
			continue
		}
		id := binary.LittleEndian.Uint64(b[:])
		if id != 0 && !d.sessionIDsInUse[id] {
			d.sessionIDsInUse[id] = true
			return id
		}
	}
}

func negotiateMin(local, remote string, fallback uint32) uint32 {
	l, lok := parseUint(local)
	r, rok := parseUint(remote)
	switch {
	case lok && rok:
		if l < r {
			return l
		}
		return r
	case lok:
		return l
	case rok:
		return r
	default:
		return fallback
	}
}

func parseUint(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var v uint32
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint32(c-'0')
	}
	return v, true
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
