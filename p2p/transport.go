package p2p

import (
	"context"
	"time"
)

// Conn is an authenticated, framed connection produced by a Transport.
// RemoteID must be the identity proven during the handshake.
type Conn interface {
	RemoteID() NodeID
	RemoteAddr() string
	ReadFrame() (Frame, error)
	WriteFrame(ctx context.Context, frame Frame) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Listener yields inbound connections that already completed the handshake.
type Listener interface {
	Accept() (Conn, error)
	Addr() string
	Close() error
}

// Transport performs the encrypted dial and accept handshakes.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
	Listen(addr string) (Listener, error)
}
