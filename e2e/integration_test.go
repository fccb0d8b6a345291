// Package e2e exercises asterisque's packages wired together the way a
// deployed pair of endpoints would use them, mirroring
// portal/integration_test.go's cross-component style.
package e2e

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterisque/asterisque/internal/testutil"
	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/pipe"
	"github.com/asterisque/asterisque/session"
	"github.com/asterisque/asterisque/trust"
	"github.com/asterisque/asterisque/wire"
)

const reverseFunctionID = 2

func dialPair(t *testing.T, clientRegistry, serverRegistry *session.Registry) (*session.Session, *session.Session, *wire.Wire, *wire.Wire) {
	t.Helper()
	return dialPairWithCaps(t, clientRegistry, serverRegistry, 32, 64)
}

// dialPairWithCaps is dialPair with a caller-chosen wire queue capacity and
// transport buffer size, so a back-pressure test can make those large
// enough to isolate the per-pipe buffer as the only bottleneck in play.
func dialPairWithCaps(t *testing.T, clientRegistry, serverRegistry *session.Registry, wireCap, pipeBufSize int) (*session.Session, *session.Session, *wire.Wire, *wire.Wire) {
	t.Helper()
	client, server, wa, wb, clientErr, serverErr := attemptHandshake(t, clientRegistry, serverRegistry, wireCap, pipeBufSize, nil, nil, nil, nil)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	go client.Run()
	go server.Run()

	t.Cleanup(func() {
		wa.Close(nil)
		wb.Close(nil)
	})

	return client, server, wa, wb
}

// attemptHandshake wires a connected client/server pair and runs both
// sides of the handshake, returning whatever each side produced without
// asserting success: callers decide what a pass looks like, since some
// tests (rejected or blocked peers) expect one side to fail.
func attemptHandshake(t *testing.T, clientRegistry, serverRegistry *session.Registry, wireCap, pipeBufSize int, clientSealedCert, serverSealedCert []byte, clientAuth, serverAuth session.Authenticator) (client, server *session.Session, wa, wb *wire.Wire, clientErr, serverErr error) {
	t.Helper()

	connA, connB := testutil.NewPipePair(pipeBufSize)
	wa = wire.NewWire(connA, wire.RolePrimary, nil, wireCap, wireCap)
	wb = wire.NewWire(connB, wire.RoleSecondary, nil, wireCap, wireCap)
	go wa.Run()
	go wb.Run()

	clientDisp := session.NewDispatcher(clientRegistry, clientSealedCert, "client", clientAuth)
	serverDisp := session.NewDispatcher(serverRegistry, serverSealedCert, "server", serverAuth)

	type result struct {
		sess *session.Session
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() { s, err := clientDisp.Handshake(wa); clientCh <- result{s, err} }()
	go func() { s, err := serverDisp.Handshake(wb); serverCh <- result{s, err} }()

	var cr, sr result
	select {
	case cr = <-clientCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake timed out")
	}
	select {
	case sr = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake timed out")
	}
	return cr.sess, sr.sess, wa, wb, cr.err, sr.err
}

// TestEchoRoundtripReturnsParams covers S1: a single echo call completes
// successfully and returns its params unchanged. It checks the call's
// result only; it does not count the Open and Close frames on the wire.
func TestEchoRoundtripReturnsParams(t *testing.T) {
	serverRegistry := session.NewRegistry()
	svc := session.NewService("client")
	svc.Register(1, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		return params, nil
	})
	serverRegistry.Add(svc)

	client, _, _, _ := dialPair(t, session.NewRegistry(), serverRegistry)

	p, err := client.Call(0, 1, message.String("XYZ"))
	require.NoError(t, err)

	select {
	case <-p.ResultChan():
	case <-time.After(2 * time.Second):
		t.Fatal("call timed out")
	}
	res := p.Result()
	assert.True(t, res.Code.Success())
	assert.Equal(t, "XYZ", res.Result.String())

	// client.Call sent exactly one Open and the pipe resolved exactly one
	// Close; session.Session enforces both (duplicate-Open closes the
	// wire, and Pipe.sendCloseIfNeeded/deliverClose are idempotent).
}

// TestStreamedReverseCollectsBlocksInOrder covers S2: a service streams
// blocks back in reverse order, terminated by an eof block.
func TestStreamedReverseCollectsBlocksInOrder(t *testing.T) {
	done := make(chan struct{})
	serverRegistry := session.NewRegistry()
	svc := session.NewService("client")
	svc.Register(reverseFunctionID, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		var received [][]byte
		for {
			raw, ok := p.InboundQueue().Poll()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			m := raw.(message.Message)
			if m.EOF {
				break
			}
			received = append(received, m.Payload)
		}
		for i := len(received) - 1; i >= 0; i-- {
			_ = p.SendBlock(received[i], 0, false)
		}
		_ = p.SendBlock(nil, 0, true)
		close(done)
		return message.Null(), nil
	})
	serverRegistry.Add(svc)

	client, _, _, _ := dialPair(t, session.NewRegistry(), serverRegistry)

	p, err := client.Call(0, reverseFunctionID, message.Null())
	require.NoError(t, err)

	for _, b := range []string{"A", "B", "C"} {
		require.NoError(t, p.SendBlock([]byte(b), 0, false))
	}
	require.NoError(t, p.SendBlock(nil, 0, true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("service never observed eof")
	}

	var collected []string
	deadline := time.After(2 * time.Second)
collect:
	for len(collected) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out collecting reversed blocks, got %v", collected)
		default:
		}
		raw, ok := p.InboundQueue().Poll()
		if !ok {
			select {
			case <-deadline:
				break collect
			default:
				time.Sleep(time.Millisecond)
				continue
			}
		}
		m := raw.(message.Message)
		if m.EOF {
			break
		}
		collected = append(collected, string(m.Payload))
	}

	assert.Equal(t, []string{"C", "B", "A"}, collected)
}

// TestSessionCloseResolvesActivePipes covers S6: after the peer sends
// Control(Close), a session's outstanding pipes resolve with
// SessionClosed and further Calls are rejected.
func TestSessionCloseResolvesActivePipes(t *testing.T) {
	serverRegistry := session.NewRegistry()
	svc := session.NewService("client")
	hold := make(chan struct{})
	svc.Register(1, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		<-hold // never returns until the test releases it
		return message.Null(), nil
	})
	serverRegistry.Add(svc)
	defer close(hold)

	client, _, _, wb := dialPair(t, session.NewRegistry(), serverRegistry)

	p, err := client.Call(0, 1, message.Null())
	require.NoError(t, err)

	// Simulate the server sending Control(Close), as it would on its own
	// graceful shutdown.
	require.True(t, wb.Outbound.Offer(message.NewControlClose()))

	select {
	case <-p.ResultChan():
	case <-time.After(2 * time.Second):
		t.Fatal("pipe never resolved after session shutdown")
	}
	assert.Equal(t, message.CloseSessionClosed, p.Result().Code)

	_, err = client.Call(0, 1, message.Null())
	assert.Error(t, err)
}

// TestHandshakeMismatchClosesBothWires covers S7: a peer whose first
// message is Open (not Control(SyncSession)) fails the handshake and
// closes the wire on both sides.
func TestHandshakeMismatchClosesBothWires(t *testing.T) {
	connA, connB := testutil.NewPipePair(64)
	wa := wire.NewWire(connA, wire.RolePrimary, nil, 32, 32)
	wb := wire.NewWire(connB, wire.RoleSecondary, nil, 32, 32)
	go wa.Run()
	go wb.Run()
	t.Cleanup(func() { wa.Close(nil); wb.Close(nil) })

	// wa misbehaves: sends Open(1,1,0,null) as its first frame instead of
	// Control(SyncSession).
	require.True(t, wa.Outbound.Offer(message.NewOpen(1, 1, 0, message.Null())))

	serverDisp := session.NewDispatcher(session.NewRegistry(), nil, "server", nil)
	_, err := serverDisp.Handshake(wb)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrProtocol)
	assert.True(t, wb.Closed())
	// wb's close reaches wa as EOF on its connection, which closes wa.
	assert.Eventually(t, wa.Closed, time.Second, time.Millisecond)
}

const backpressuredFunctionID = 3

// TestSlowHandlerBackpressureDeliversAllBlocks covers S3: a handler that
// drains its pipe's inbound buffer far slower than the peer sends must
// still observe every loss==0 Block, in order. The Session pauses draining
// the Wire's inbound queue rather than let the per-pipe buffer's bounded
// capacity silently drop anything (spec.md §4.6, §4.7).
//
// Wire and transport capacities here are deliberately much larger than the
// session package's internal 64-slot per-pipe buffer, so that buffer is
// the only place back-pressure can come from.
func TestSlowHandlerBackpressureDeliversAllBlocks(t *testing.T) {
	const total = 1000

	serverRegistry := session.NewRegistry()
	svc := session.NewService("client")
	received := make(chan []byte, total)
	svc.Register(backpressuredFunctionID, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		for n := 0; n < total; n++ {
			var m message.Message
			for {
				raw, ok := p.InboundQueue().Poll()
				if ok {
					m = raw.(message.Message)
					break
				}
				time.Sleep(time.Millisecond)
			}
			received <- append([]byte(nil), m.Payload...)
			time.Sleep(200 * time.Microsecond) // far slower than the sender below
		}
		return message.Null(), nil
	})
	serverRegistry.Add(svc)

	client, _, _, _ := dialPairWithCaps(t, session.NewRegistry(), serverRegistry, 4096, 4096)

	p, err := client.Call(0, backpressuredFunctionID, message.Null())
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < total; i++ {
		payload := []byte{byte(i), byte(i >> 8)}
		require.NoError(t, p.SendBlock(payload, 0, false))
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < total; i++ {
		select {
		case got := <-received:
			want := []byte{byte(i), byte(i >> 8)}
			require.Equalf(t, want, got, "block %d out of order or corrupted", i)
		case <-deadline:
			t.Fatalf("timed out, only received %d/%d blocks", i, total)
		}
	}

	// The handler alone takes at least total*200us to drain everything it
	// receives; observing the full round trip take at least that long,
	// with every block present and in order despite the per-pipe buffer
	// holding only 64 at a time, is what a disguised no-op back-pressure
	// path (silently dropping anything past the 64th) could not produce.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

// selfSignedCert builds a throwaway ECDSA P-256 self-signed certificate for
// trust tests, analogous to how a real deployment's keystore.p12 identity
// would be unlocked.
func selfSignedCert(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "peer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

// writeCertPEM deposits cert as a PEM file directly under dir (dir is
// itself the ca/ or blocked/ subdirectory trust.Context reads).
func writeCertPEM(t *testing.T, dir string, cert *x509.Certificate) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, "peer.pem"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func sealedCertEnvelope(t *testing.T, key *ecdsa.PrivateKey, cert *x509.Certificate) []byte {
	t.Helper()
	env, err := trust.Seal(map[string]string{"node": "peer"}, key, cert)
	require.NoError(t, err)
	b, err := env.Marshal()
	require.NoError(t, err)
	return b
}

// TestHandshakeRejectsUntrustedPeerCertificate covers S4: a peer whose
// sealed certificate does not chain to any CA the server trusts fails
// TrustAuthenticator.Authenticate during Handshake, so no service handler
// is ever invoked and the wire is closed on the server side (spec.md §4.5
// step 3).
func TestHandshakeRejectsUntrustedPeerCertificate(t *testing.T) {
	key, cert := selfSignedCert(t)
	sealedCert := sealedCertEnvelope(t, key, cert)

	trustDir := t.TempDir() // ca/ and blocked/ both stay empty: no CA trusts this cert

	ctx, err := trust.Load(trustDir, "", "")
	require.NoError(t, err)

	serverRegistry := session.NewRegistry()
	svc := session.NewService("client")
	called := false
	svc.Register(1, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		called = true
		return message.Null(), nil
	})
	serverRegistry.Add(svc)

	_, _, _, wb, clientErr, serverErr := attemptHandshake(t, session.NewRegistry(), serverRegistry, 32, 64, sealedCert, nil, nil, session.NewTrustAuthenticator(ctx))
	require.Error(t, serverErr)
	assert.ErrorIs(t, serverErr, session.ErrAuthentication)
	require.Error(t, clientErr) // the server closes wb, which unblocks wa's own pollBlocking via readLoop EOF
	assert.True(t, wb.Closed())
	assert.False(t, called)
}

// TestHandshakeRejectsBlockedPeerCertificate covers S5: a peer whose
// certificate appears in the blocked set fails authentication even though
// the same certificate is also a trusted CA. Blocked takes precedence
// (spec.md §4.4).
func TestHandshakeRejectsBlockedPeerCertificate(t *testing.T) {
	key, cert := selfSignedCert(t)
	sealedCert := sealedCertEnvelope(t, key, cert)

	trustDir := t.TempDir()
	writeCertPEM(t, filepath.Join(trustDir, "ca"), cert)
	writeCertPEM(t, filepath.Join(trustDir, "blocked"), cert)

	ctx, err := trust.Load(trustDir, "", "")
	require.NoError(t, err)

	serverRegistry := session.NewRegistry()
	svc := session.NewService("client")
	called := false
	svc.Register(1, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		called = true
		return message.Null(), nil
	})
	serverRegistry.Add(svc)

	_, _, _, wb, clientErr, serverErr := attemptHandshake(t, session.NewRegistry(), serverRegistry, 32, 64, sealedCert, nil, nil, session.NewTrustAuthenticator(ctx))
	require.Error(t, serverErr)
	assert.ErrorIs(t, serverErr, session.ErrAuthentication)
	require.Error(t, clientErr)
	assert.True(t, wb.Closed())
	assert.False(t, called)
}
