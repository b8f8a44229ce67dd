package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chainnet/observability/logging"
)

const (
	pingTypePing = "ping"
	pingTypePong = "pong"

	minPingTick = 10 * time.Millisecond
)

type pingMessage struct {
	Type  string `json:"type"`
	Nonce uint64 `json:"nonce"`
}

// latencySink receives liveness results.
type latencySink interface {
	RecordLatency(id NodeID, rtt time.Duration) (PeerRecord, error)
	RecordSuccess(id NodeID) (PeerRecord, error)
}

type pingState struct {
	peer     NodeID
	nonce    uint64
	sentAt   time.Time
	awaiting bool
	failures int
}

// PingService pings every session with a monotonically increasing nonce and
// closes sessions that miss PingFailureThreshold consecutive pongs.
type PingService struct {
	mu       sync.Mutex
	sessions map[SessionID]*pingState

	interval  time.Duration
	timeout   time.Duration
	threshold int
	penalty   int

	peers   latencySink
	clock   clock.Clock
	logger  *slog.Logger
	metrics *networkMetrics
}

func NewPingService(cfg Config, peers latencySink, clk clock.Clock, logger *slog.Logger) *PingService {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PingService{
		sessions:  make(map[SessionID]*pingState),
		interval:  cfg.PingInterval,
		timeout:   cfg.PingTimeout,
		threshold: cfg.PingFailureThreshold,
		penalty:   cfg.Penalties.Unresponsive,
		peers:     peers,
		clock:     clk,
		logger:    logger.With(slog.String("component", "p2p_ping")),
	}
}

func (p *PingService) Protocol() ProtocolID { return ProtocolPing }

func (p *PingService) Connected(h *ProtocolHandle, info SessionInfo) {
	p.mu.Lock()
	p.sessions[info.ID] = &pingState{peer: info.Peer}
	p.mu.Unlock()
}

func (p *PingService) Disconnected(h *ProtocolHandle, info SessionInfo) {
	p.mu.Lock()
	delete(p.sessions, info.ID)
	p.mu.Unlock()
}

func (p *PingService) Received(h *ProtocolHandle, id SessionID, payload []byte) error {
	var msg pingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrInvalidPayload, err)
	}
	switch msg.Type {
	case pingTypePing:
		reply, _ := json.Marshal(pingMessage{Type: pingTypePong, Nonce: msg.Nonce})
		if err := h.Send(id, reply); err != nil {
			p.logger.Debug("Pong not sent", slog.Uint64("session", uint64(id)), slog.Any("error", err))
		}
		return nil
	case pingTypePong:
		p.handlePong(h, id, msg.Nonce)
		return nil
	default:
		return fmt.Errorf("%w: ping: unknown message type %q", ErrInvalidPayload, msg.Type)
	}
}

func (p *PingService) handlePong(h *ProtocolHandle, id SessionID, nonce uint64) {
	now := p.clock.Now()
	p.mu.Lock()
	state, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if !state.awaiting || nonce != state.nonce {
		state.awaiting = false
		state.failures++
		failed := state.failures >= p.threshold
		peer := state.peer
		if failed {
			delete(p.sessions, id)
		}
		p.mu.Unlock()
		p.logger.Debug("Mismatched pong",
			slog.Uint64("session", uint64(id)),
			slog.Uint64("nonce", nonce))
		if failed {
			p.unresponsive(h, id, peer)
		}
		return
	}
	rtt := now.Sub(state.sentAt)
	state.awaiting = false
	state.failures = 0
	peer := state.peer
	p.mu.Unlock()

	p.metrics.recordRTT(rtt)
	if p.peers != nil {
		if _, err := p.peers.RecordLatency(peer, rtt); err != nil {
			p.logger.Debug("Latency not recorded", logging.MaskField("peer_id", string(peer)), slog.Any("error", err))
		}
		_, _ = p.peers.RecordSuccess(peer)
	}
}

// Run drives the ping schedule until ctx is cancelled.
func (p *PingService) Run(ctx context.Context, h *ProtocolHandle) error {
	step := min(p.interval, p.timeout) / 3
	if step < minPingTick {
		step = minPingTick
	}
	ticker := p.clock.Ticker(step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(h, p.clock.Now())
		}
	}
}

// tick expires overdue pings and sends new ones where the interval elapsed.
func (p *PingService) tick(h *ProtocolHandle, now time.Time) {
	type outgoing struct {
		id    SessionID
		nonce uint64
	}
	var (
		pending []outgoing
		failed []SessionID
		peers  = make(map[SessionID]NodeID)
	)
	p.mu.Lock()
	for id, state := range p.sessions {
		if state.awaiting && now.Sub(state.sentAt) >= p.timeout {
			state.awaiting = false
			state.failures++
			if state.failures >= p.threshold {
				failed = append(failed, id)
				peers[id] = state.peer
				delete(p.sessions, id)
				continue
			}
		}
		if !state.awaiting && (state.sentAt.IsZero() || now.Sub(state.sentAt) >= p.interval) {
			state.nonce++
			state.sentAt = now
			state.awaiting = true
			pending = append(pending, outgoing{id: id, nonce: state.nonce})
		}
	}
	p.mu.Unlock()

	for _, id := range failed {
		p.unresponsive(h, id, peers[id])
	}
	for _, pr := range pending {
		payload, _ := json.Marshal(pingMessage{Type: pingTypePing, Nonce: pr.nonce})
		if err := h.Send(pr.id, payload); errors.Is(err, ErrSessionClosed) {
			p.mu.Lock()
			delete(p.sessions, pr.id)
			p.mu.Unlock()
		}
	}
}

func (p *PingService) unresponsive(h *ProtocolHandle, id SessionID, peer NodeID) {
	p.logger.Info("Closing unresponsive session",
		slog.Uint64("session", uint64(id)),
		logging.MaskField("peer_id", string(peer)))
	_ = h.Disconnect(id, ReasonUnresponsive)
	h.Penalize(peer, PenaltyUnresponsive, p.penalty)
}

// Failures returns the consecutive failure count for a session.
func (p *PingService) Failures(id SessionID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.sessions[id]; ok {
		return state.failures
	}
	return 0
}
