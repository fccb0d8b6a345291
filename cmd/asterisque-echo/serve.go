package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asterisque/asterisque/debug"
	"github.com/asterisque/asterisque/kv"
	"github.com/asterisque/asterisque/message"
	"github.com/asterisque/asterisque/pipe"
	"github.com/asterisque/asterisque/session"
	"github.com/asterisque/asterisque/wire"
)

const echoFunctionID = 1

var (
	flagServeAddr  string
	flagDebugAddr  string
	flagServiceID  string
	flagStoreURI   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "accept connections and serve the echo function",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&flagServeAddr, "addr", ":4800", "TCP listen address")
	flags.StringVar(&flagDebugAddr, "debug-addr", ":4801", "debug HTTP listen address (/healthz, /status, /metrics)")
	flags.StringVar(&flagServiceID, "service-id", "echo", "service id this process exposes")
	flags.StringVar(&flagStoreURI, "store", "mem:", "kv store URI (mem: or pebble:/path)")
}

// sessionTracker adapts a live set of *session.Session into debug.SessionLister.
type sessionTracker struct {
	mu       sync.Mutex
	sessions map[uint64]*session.Session
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{sessions: make(map[uint64]*session.Session)}
}

func (t *sessionTracker) add(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID] = s
}

func (t *sessionTracker) remove(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s.ID)
}

func (t *sessionTracker) ListSessions() []debug.SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]debug.SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, debug.SessionInfo{ID: s.ID, PeerService: s.PeerService, ActivePipes: s.ActivePipes()})
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := kv.Open(flagStoreURI)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := session.NewRegistry()
	svc := session.NewService(flagServiceID)
	svc.Register(echoFunctionID, func(ctx context.Context, p *pipe.Pipe, params message.Value) (message.Value, error) {
		log.Info().Str("params", params.String()).Msg("[serve] echo call")
		return params, nil
	})
	registry.Add(svc)

	dispatcher := session.NewDispatcher(registry, nil, flagServiceID, nil)

	tracker := newSessionTracker()
	dbg := debug.New(tracker)
	go func() {
		log.Info().Str("addr", flagDebugAddr).Msg("[serve] debug server listening")
		if err := http.ListenAndServe(flagDebugAddr, dbg); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[serve] debug server error")
		}
	}()

	ln, err := net.Listen("tcp", flagServeAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", flagServeAddr).Str("service_id", flagServiceID).Msg("[serve] listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Error().Err(err).Msg("[serve] accept error")
				return err
			}
		}
		go handleConn(conn, dispatcher, tracker)
	}
}

func handleConn(conn net.Conn, dispatcher *session.Dispatcher, tracker *sessionTracker) {
	w := wire.AcceptTCP(conn, 64, 64)
	go w.Run()

	sess, err := dispatcher.Handshake(w)
	if err != nil {
		log.Warn().Err(err).Msg("[serve] handshake failed")
		w.Close(err)
		return
	}

	tracker.add(sess)
	log.Info().Uint64("session_id", sess.ID).Str("peer_service", sess.PeerService).Msg("[serve] session established")
	sess.Run()
	tracker.remove(sess)
	log.Info().Uint64("session_id", sess.ID).Msg("[serve] session closed")
}
