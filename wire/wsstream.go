package wire

import (
	"io"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	xnetws "golang.org/x/net/websocket"
)

// wsConn is the subset of *websocket.Conn used by wsClientStream, narrowed
// so tests can substitute a fake. Grounded on
// portal/utils/wsstream/wsstream.go's webSocketConn interface.
type wsConn interface {
	NextReader() (int, io.Reader, error)
	WriteMessage(int, []byte) error
	Close() error
}

// wsClientStream adapts a gorilla/websocket client connection to
// io.ReadWriteCloser, message-framing transparently (spec.md's Wire sits on
// top of a byte stream, not a message-oriented one). Adapted directly from
// portal/utils/wsstream/wsstream.go.
type wsClientStream struct {
	conn          wsConn
	currentReader io.Reader
	readMu        sync.Mutex
	writeMu       sync.Mutex
}

// newWSClientStream wraps a dialed gorilla/websocket connection.
func newWSClientStream(conn *websocket.Conn) *wsClientStream {
	return &wsClientStream{conn: conn}
}

func (s *wsClientStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	for {
		if s.currentReader == nil {
			_, reader, err := s.conn.NextReader()
			if err != nil {
				if isWSClose(err) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.currentReader = reader
		}

		n, err := s.currentReader.Read(p)
		if err == io.EOF {
			s.currentReader = nil
			continue
		}
		if isWSClose(err) {
			return 0, io.EOF
		}
		return n, err
	}
}

func (s *wsClientStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		if isWSClose(err) {
			return 0, io.EOF
		}
		return 0, err
	}
	return len(p), nil
}

func (s *wsClientStream) Close() error { return s.conn.Close() }

func isWSClose(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "websocket: close ")
}

// DialWS opens a client-side WebSocket connection (via gorilla/websocket,
// matching the library the teacher pack already uses client-side) and
// wraps it as a secondary Wire.
func DialWS(url string, header map[string][]string, inboundCap, outboundCap int) (*Wire, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return NewWire(newWSClientStream(conn), RoleSecondary, nil, inboundCap, outboundCap), nil
}

// wsServerStream adapts an x/net/websocket server-side connection, which is
// already a plain io.ReadWriteCloser when opened in binary PayloadType —
// used for the accept side so the module exercises both WebSocket
// libraries present in the teacher's dependency pack (gorilla client-side,
// x/net/websocket server-side).
type wsServerStream struct {
	conn *xnetws.Conn
}

func (s *wsServerStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *wsServerStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *wsServerStream) Close() error                { return s.conn.Close() }

// AcceptWS wraps an x/net/websocket server connection as a primary Wire.
// It sets conn.PayloadType to websocket.BinaryFrame so every write goes out
// as a binary frame.
func AcceptWS(conn *xnetws.Conn, inboundCap, outboundCap int) *Wire {
	conn.PayloadType = xnetws.BinaryFrame
	return NewWire(&wsServerStream{conn: conn}, RolePrimary, nil, inboundCap, outboundCap)
}

// Handler returns an x/net/websocket.Handler that builds a Wire from each
// accepted connection via AcceptWS and then runs its transport driver,
// handing the running Wire to onWire before blocking on Run.
func Handler(inboundCap, outboundCap int, onWire func(*Wire)) xnetws.Handler {
	return func(conn *xnetws.Conn) {
		w := AcceptWS(conn, inboundCap, outboundCap)
		if onWire != nil {
			onWire(w)
		}
		w.Run()
	}
}
