package wire

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/cockroachdb/errors"
)

// DialTCP opens a plain or TLS TCP connection and wraps it as a secondary
// (dialing) Wire. If tlsConfig is non-nil the connection is upgraded to TLS
// before the Wire is constructed, and its negotiated PeerSession is
// populated from the completed handshake.
func DialTCP(addr string, tlsConfig *tls.Config, inboundCap, outboundCap int) (*Wire, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "wire: dial tcp")
	}

	if tlsConfig == nil {
		return NewWire(conn, RoleSecondary, nil, inboundCap, outboundCap), nil
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "wire: tls handshake")
	}
	state := tlsConn.ConnectionState()
	return NewWire(tlsConn, RoleSecondary, FromTLSState(&state), inboundCap, outboundCap), nil
}

// AcceptTCP wraps an already-accepted net.Conn (plain or already-upgraded
// *tls.Conn) as a primary (accepting) Wire.
func AcceptTCP(conn net.Conn, inboundCap, outboundCap int) *Wire {
	var peer *PeerSession
	if tlsConn, ok := conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		peer = FromTLSState(&state)
	}
	return NewWire(conn, RolePrimary, peer, inboundCap, outboundCap)
}
