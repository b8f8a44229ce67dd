package p2p

import (
	"fmt"
	"strings"
	"time"
)

// NodeID is the stable identifier a peer proves during the transport handshake.
type NodeID string

func (id NodeID) String() string { return string(id) }

// SessionID identifies one live connection for the lifetime of the process.
// Identifiers are never reused.
type SessionID uint64

// ProtocolID tags every frame exchanged on a session.
type ProtocolID uint16

const (
	ProtocolPing      ProtocolID = 1
	ProtocolDiscovery ProtocolID = 2
	ProtocolIdentify  ProtocolID = 3

	// ProtocolSyncBase is the first identifier available to the block and
	// transaction sync collaborator.
	ProtocolSyncBase ProtocolID = 100
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolPing:
		return "ping"
	case ProtocolDiscovery:
		return "discovery"
	case ProtocolIdentify:
		return "identify"
	default:
		return fmt.Sprintf("protocol-%d", uint16(p))
	}
}

// Direction records who initiated a connection.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionInbound
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "none"
	}
}

// Frame is the unit exchanged with the transport: a protocol tag and an opaque
// payload owned by the handler registered for that protocol.
type Frame struct {
	Protocol ProtocolID `json:"protocol"`
	Payload  []byte     `json:"payload,omitempty"`
}

// DisconnectReason explains why a session was torn down.
type DisconnectReason string

const (
	ReasonShutdown          DisconnectReason = "shutdown"
	ReasonUnresponsive      DisconnectReason = "unresponsive"
	ReasonProtocolViolation DisconnectReason = "protocol_violation"
	ReasonBanned            DisconnectReason = "banned"
	ReasonReadError         DisconnectReason = "read_error"
	ReasonWriteError        DisconnectReason = "write_error"
	ReasonDuplicate         DisconnectReason = "duplicate"
	ReasonFeeler            DisconnectReason = "feeler"
	ReasonRequested         DisconnectReason = "requested"
)

// PeerRecord is the in-memory view of everything known about one peer.
type PeerRecord struct {
	ID          NodeID        `json:"id"`
	Addrs       []string      `json:"addrs"`
	Score       int           `json:"score"`
	LastSeen    time.Time     `json:"lastSeen"`
	LastAttempt time.Time     `json:"lastAttempt"`
	Direction   Direction     `json:"direction"`
	LatencyEWMA time.Duration `json:"latency"`
	Fails       int           `json:"fails"`
}

// Connected reports whether the peer currently holds a session.
func (r PeerRecord) Connected() bool { return r.Direction != DirectionNone }

// DialAddr returns the address the dialer should try first.
func (r PeerRecord) DialAddr() string {
	if len(r.Addrs) == 0 {
		return ""
	}
	return r.Addrs[0]
}

func (r PeerRecord) clone() PeerRecord {
	r.Addrs = append([]string(nil), r.Addrs...)
	return r
}

// PeerAddr pairs a peer identity with a dialable address. It is the unit of
// bootnode configuration, DNS seeding and discovery gossip.
type PeerAddr struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"`
}

func (p PeerAddr) String() string { return string(p.ID) + "@" + p.Addr }

// ParsePeerAddr parses the id@host:port notation used in configuration and seed records.
func ParsePeerAddr(raw string) (PeerAddr, error) {
	trimmed := strings.TrimSpace(raw)
	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return PeerAddr{}, fmt.Errorf("%w: %q must be id@host:port", ErrInvalidAddress, raw)
	}
	id := normalizeNodeID(trimmed[:at])
	addr, err := normalizeAddr(trimmed[at+1:])
	if err != nil {
		return PeerAddr{}, fmt.Errorf("peer address %q: %w", raw, err)
	}
	return PeerAddr{ID: id, Addr: addr}, nil
}

// NormalizeNodeID lower-cases an identifier and ensures the 0x prefix.
func NormalizeNodeID(value string) NodeID { return normalizeNodeID(value) }

func normalizeNodeID(value string) NodeID {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "0x") {
		trimmed = "0x" + trimmed
	}
	return NodeID(trimmed)
}
