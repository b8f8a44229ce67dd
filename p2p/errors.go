package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrSlotsFull is returned when admission would exceed the slot budget.
	ErrSlotsFull = errors.New("p2p: slots full")
	// ErrSessionClosed is returned for operations on a session that has gone away.
	// Disconnect races are expected and callers treat this as benign.
	ErrSessionClosed = errors.New("p2p: session closed")
	// ErrProtocolNotOpen is returned when sending on a protocol the session has not opened.
	ErrProtocolNotOpen = errors.New("p2p: protocol not open")
	ErrSendQueueFull   = errors.New("p2p: session send queue full")

	ErrAlreadyConnected  = errors.New("p2p: peer already connected")
	ErrPeerUnknown       = errors.New("p2p: unknown peer")
	ErrPeerBanned        = errors.New("p2p: peer is banned")
	ErrSelfDial          = errors.New("p2p: refusing to connect to self")
	ErrInvalidAddress    = errors.New("p2p: invalid address")
	ErrDuplicateProtocol = errors.New("p2p: protocol already registered")
	ErrRouterSealed      = errors.New("p2p: router already started")
	ErrNotRunning        = errors.New("p2p: network not running")
	ErrAlreadyRunning    = errors.New("p2p: network already running")
)

// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
var ErrInvalidPayload = errors.New("p2p: invalid payload")

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

// DialError wraps a failed outbound connection attempt. The dial scheduler
// retries the peer later; it is never fatal.
type DialError struct {
	Peer NodeID
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("p2p: dial %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("p2p: dial %s at %s: %v", e.Peer, e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// PersistenceError reports a durable-store failure. The peer store keeps
// operating in memory when it sees one.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("p2p: persist %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
