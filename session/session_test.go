package session

import (
	"context"
	"testing"
	"time"

	"github.com/asterisque/asterisque/internal/testutil"
	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/pipe"
	"github.com/asterisque/asterisque/wire"
)

func dialHandshakePair(t *testing.T, clientRegistry, serverRegistry *Registry) (*Session, *Session) {
	t.Helper()

	connA, connB := testutil.NewPipePair(64)
	wa := wire.NewWire(connA, wire.RolePrimary, nil, 32, 32)
	wb := wire.NewWire(connB, wire.RoleSecondary, nil, 32, 32)
	go wa.Run()
	go wb.Run()

	clientDisp := NewDispatcher(clientRegistry, []byte("client-cert"), "client-svc", nil)
	serverDisp := NewDispatcher(serverRegistry, []byte("server-cert"), "server-svc", nil)

	type result struct {
		sess *Session
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		s, err := clientDisp.Handshake(wa)
		clientCh <- result{s, err}
	}()
	go func() {
		s, err := serverDisp.Handshake(wb)
		serverCh <- result{s, err}
	}()

	var client, server result
	select {
	case client = <-clientCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake timed out")
	}
	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake timed out")
	}

	if client.err != nil {
		t.Fatalf("client handshake: %v", client.err)
	}
	if server.err != nil {
		t.Fatalf("server handshake: %v", server.err)
	}

	go client.sess.Run()
	go server.sess.Run()

	t.Cleanup(func() {
		wa.Close(nil)
		wb.Close(nil)
	})

	return client.sess, server.sess
}

func echoService() *Registry {
	reg := NewRegistry()
	svc := NewService("client-svc")
	svc.Register(1, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		return params, nil
	})
	reg.Add(svc)
	return reg
}

func TestHandshakeProducesLiveSessions(t *testing.T) {
	client, server := dialHandshakePair(t, NewRegistry(), NewRegistry())
	if client.ID == 0 {
		t.Fatal("expected a non-zero session id on the primary side")
	}
	_ = server
}

func TestEchoCallRoundTrips(t *testing.T) {
	// The server dispatcher runs on the secondary wire here. Handshake
	// looks the service up by the remote peer's declared ServiceID
	// (spec.md §4.5: "look up the service by the session's negotiated
	// service_id"), so the server's Session.service is resolved from the
	// server's own registry keyed by the client's declared ServiceID
	// ("client-svc"), which is where echoService registers the function.
	serverRegistry := echoService()
	client, server := dialHandshakePair(t, NewRegistry(), serverRegistry)
	_ = server

	p, err := client.Call(0, 1, message.String("hello"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	select {
	case <-p.ResultChan():
	case <-time.After(2 * time.Second):
		t.Fatal("call result timed out")
	}

	res := p.Result()
	if !res.Code.Success() {
		t.Fatalf("expected success, got code=%d", res.Code)
	}
	if !res.Result.Equal(message.String("hello")) {
		t.Fatalf("got %+v, want echoed string", res.Result)
	}
}

func TestCallToUnknownFunctionGetsFunctionNotFound(t *testing.T) {
	serverRegistry := echoService()
	client, server := dialHandshakePair(t, NewRegistry(), serverRegistry)
	_ = server

	p, err := client.Call(0, 99, message.Null())
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	select {
	case <-p.ResultChan():
	case <-time.After(2 * time.Second):
		t.Fatal("call result timed out")
	}

	res := p.Result()
	if res.Code != message.CloseFunctionNotFound {
		t.Fatalf("got code=%d, want CloseFunctionNotFound", res.Code)
	}
}
