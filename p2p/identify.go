package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"chainnet/observability/logging"
)

const maxIdentifyAddrs = 16

type identifyMessage struct {
	NodeID        NodeID       `json:"nodeId"`
	Network       string       `json:"network"`
	ClientVersion string       `json:"clientVersion"`
	ListenAddrs   []string     `json:"listenAddrs"`
	Protocols     []ProtocolID `json:"protocols"`
}

// addrObserver records addresses learned from peers.
type addrObserver interface {
	Observe(id NodeID, addr string) (PeerRecord, error)
}

type sessionAnnotator interface {
	Annotate(id SessionID, supported []ProtocolID, clientVersion string) error
}

// IdentifyService exchanges self-reported metadata when a session opens.
// Peer-supplied metadata is untrusted: bad data costs score, never the session.
type IdentifyService struct {
	self          NodeID
	network       string
	clientVersion string
	listenAddrs   func() []string
	protocols     func() []ProtocolID
	penalty       int

	peers     addrObserver
	bans      func(id NodeID, addr string) bool
	annotator sessionAnnotator
	logger    *slog.Logger
}

// IdentifyDeps carries the collaborators of the identify protocol.
type IdentifyDeps struct {
	Self        NodeID
	ListenAddrs func() []string
	Protocols   func() []ProtocolID
	Peers       addrObserver
	Banned      func(id NodeID, addr string) bool
	Annotator   sessionAnnotator
	Logger      *slog.Logger
}

func NewIdentifyService(cfg Config, deps IdentifyDeps) *IdentifyService {
	cfg.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentifyService{
		self:          deps.Self,
		network:       cfg.NetworkID,
		clientVersion: cfg.ClientVersion,
		listenAddrs:   deps.ListenAddrs,
		protocols:     deps.Protocols,
		penalty:       cfg.Penalties.BadIdentify,
		peers:         deps.Peers,
		bans:          deps.Banned,
		annotator:     deps.Annotator,
		logger:        logger.With(slog.String("component", "p2p_identify")),
	}
}

func (s *IdentifyService) Protocol() ProtocolID { return ProtocolIdentify }

func (s *IdentifyService) Connected(h *ProtocolHandle, info SessionInfo) {
	msg := identifyMessage{
		NodeID:        s.self,
		Network:       s.network,
		ClientVersion: s.clientVersion,
	}
	if s.listenAddrs != nil {
		msg.ListenAddrs = s.listenAddrs()
	}
	if s.protocols != nil {
		msg.Protocols = s.protocols()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := h.Send(info.ID, payload); err != nil {
		s.logger.Debug("Identify not sent", slog.Uint64("session", uint64(info.ID)), slog.Any("error", err))
	}
}

func (s *IdentifyService) Disconnected(h *ProtocolHandle, info SessionInfo) {}

func (s *IdentifyService) Received(h *ProtocolHandle, id SessionID, payload []byte) error {
	info, ok := h.Session(id)
	if !ok {
		return nil
	}
	var msg identifyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.reject(h, info, fmt.Errorf("decode: %w", err))
		return nil
	}
	if normalizeNodeID(string(msg.NodeID)) != info.Peer {
		s.reject(h, info, errors.New("node id does not match authenticated identity"))
		return nil
	}
	if s.network != "" && msg.Network != s.network {
		s.reject(h, info, fmt.Errorf("foreign network %q", msg.Network))
		return nil
	}
	if s.annotator != nil {
		_ = s.annotator.Annotate(id, msg.Protocols, truncate(msg.ClientVersion, 64))
	}

	addrs := msg.ListenAddrs
	var invalid []error
	if len(addrs) > maxIdentifyAddrs {
		invalid = append(invalid, fmt.Errorf("%d listen addresses exceeds %d", len(addrs), maxIdentifyAddrs))
		addrs = addrs[:maxIdentifyAddrs]
	}
	for _, raw := range addrs {
		addr, err := resolveAdvertised(raw, info.RemoteAddr)
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		if s.bans != nil && s.bans(info.Peer, addr) {
			continue
		}
		if s.peers != nil {
			if _, err := s.peers.Observe(info.Peer, addr); err != nil {
				s.logger.Debug("Identify address not recorded", slog.Any("error", err))
			}
		}
	}
	if len(invalid) > 0 {
		s.reject(h, info, errors.Join(invalid...))
	}
	return nil
}

func (s *IdentifyService) reject(h *ProtocolHandle, info SessionInfo, cause error) {
	s.logger.Debug("Invalid identify metadata",
		slog.Uint64("session", uint64(info.ID)),
		logging.MaskField("peer_id", string(info.Peer)),
		slog.Any("error", cause))
	h.Penalize(info.Peer, PenaltyBadIdentify, s.penalty)
}

// resolveAdvertised validates an advertised listen address, substituting the
// observed remote host when the peer advertises an unspecified one.
func resolveAdvertised(raw, remote string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = addrHost(remote)
	}
	return normalizeAddr(net.JoinHostPort(host, port))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
