package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chainnet/observability/logging"
)

const (
	discoveryTypeGetAddrs = "getaddrs"
	discoveryTypeAddrs    = "addrs"
)

type discoveryMessage struct {
	Type  string     `json:"type"`
	Token string     `json:"token,omitempty"`
	Limit int        `json:"limit,omitempty"`
	Addrs []PeerAddr `json:"addrs,omitempty"`
}

type discoveryState struct {
	peer      NodeID
	dir       Direction
	budget    *rate.Limiter
	token     string
	answered  bool
	overCapAt time.Time
	overCaps  int
}

// addrSource samples addresses to gossip.
type addrSource interface {
	addrObserver
	RandomAddresses(n int, exclude func(NodeID, string) bool) []PeerAddr
}

// DiscoveryService gossips known addresses on a jittered schedule and feeds
// received ones into the peer store. Each peer is limited to
// MaxAddrsPerMessage addresses per message and MaxAddrsPerWindow per
// DiscoveryWindow.
type DiscoveryService struct {
	mu       sync.Mutex
	sessions map[SessionID]*discoveryState

	self      NodeID
	isSelf    func(addr string) bool
	interval  time.Duration
	jitter    time.Duration
	fanout    int
	perGossip int
	perMsg    int
	perWindow int
	window    time.Duration
	penalty   int

	peers   addrSource
	banned  func(id NodeID, addr string) bool
	emit    func(Event)
	clock   clock.Clock
	logger  *slog.Logger
	metrics *networkMetrics
}

// DiscoveryDeps carries the collaborators of the discovery protocol.
type DiscoveryDeps struct {
	Self   NodeID
	IsSelf func(addr string) bool
	Peers  addrSource
	Banned func(id NodeID, addr string) bool
	Emit   func(Event)
	Clock  clock.Clock
	Logger *slog.Logger
}

func NewDiscoveryService(cfg Config, deps DiscoveryDeps) *DiscoveryService {
	cfg.setDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryService{
		sessions:  make(map[SessionID]*discoveryState),
		self:      deps.Self,
		isSelf:    deps.IsSelf,
		interval:  cfg.DiscoveryInterval,
		jitter:    cfg.DiscoveryJitter,
		fanout:    cfg.DiscoveryFanout,
		perGossip: cfg.AddrsPerGossip,
		perMsg:    cfg.MaxAddrsPerMessage,
		perWindow: cfg.MaxAddrsPerWindow,
		window:    cfg.DiscoveryWindow,
		penalty:   cfg.Penalties.DiscoverySpam,
		peers:     deps.Peers,
		banned:    deps.Banned,
		emit:      deps.Emit,
		clock:     clk,
		logger:    logger.With(slog.String("component", "p2p_discovery")),
	}
}

func (d *DiscoveryService) Protocol() ProtocolID { return ProtocolDiscovery }

func (d *DiscoveryService) Connected(h *ProtocolHandle, info SessionInfo) {
	perSecond := rate.Limit(float64(d.perWindow) / d.window.Seconds())
	state := &discoveryState{
		peer:   info.Peer,
		dir:    info.Direction,
		budget: rate.NewLimiter(perSecond, d.perWindow),
	}
	if info.Direction == DirectionOutbound {
		state.token = uuid.NewString()
	}
	d.mu.Lock()
	d.sessions[info.ID] = state
	d.mu.Unlock()

	if state.token != "" {
		payload, _ := json.Marshal(discoveryMessage{Type: discoveryTypeGetAddrs, Token: state.token, Limit: d.perMsg})
		if err := h.Send(info.ID, payload); err != nil {
			d.logger.Debug("Address request not sent", slog.Uint64("session", uint64(info.ID)), slog.Any("error", err))
		}
	}
}

func (d *DiscoveryService) Disconnected(h *ProtocolHandle, info SessionInfo) {
	d.mu.Lock()
	delete(d.sessions, info.ID)
	d.mu.Unlock()
}

func (d *DiscoveryService) Received(h *ProtocolHandle, id SessionID, payload []byte) error {
	var msg discoveryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: discovery: %v", ErrInvalidPayload, err)
	}
	switch msg.Type {
	case discoveryTypeGetAddrs:
		d.answer(h, id, msg)
		return nil
	case discoveryTypeAddrs:
		d.handleAddrs(h, id, msg)
		return nil
	default:
		return fmt.Errorf("%w: discovery: unknown message type %q", ErrInvalidPayload, msg.Type)
	}
}

func (d *DiscoveryService) answer(h *ProtocolHandle, id SessionID, req discoveryMessage) {
	d.mu.Lock()
	state, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	repeat := state.answered
	state.answered = true
	peer := state.peer
	d.mu.Unlock()
	if repeat {
		d.logger.Debug("Ignoring repeated address request", slog.Uint64("session", uint64(id)))
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > d.perMsg {
		limit = d.perMsg
	}
	addrs := d.peers.RandomAddresses(limit, func(candidate NodeID, addr string) bool {
		return candidate == peer || (d.banned != nil && d.banned(candidate, addr))
	})
	payload, _ := json.Marshal(discoveryMessage{Type: discoveryTypeAddrs, Token: req.Token, Addrs: addrs})
	_ = h.Send(id, payload)
}

func (d *DiscoveryService) handleAddrs(h *ProtocolHandle, id SessionID, msg discoveryMessage) {
	now := d.clock.Now()
	d.mu.Lock()
	state, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	if msg.Token != "" && msg.Token == state.token {
		state.token = ""
	}
	addrs := msg.Addrs
	spam := false
	if len(addrs) > d.perMsg {
		if state.overCapAt.IsZero() || now.Sub(state.overCapAt) >= d.window {
			state.overCapAt = now
			state.overCaps = 0
		}
		state.overCaps++
		spam = state.overCaps > 1
		d.metrics.recordDiscovered("dropped", len(addrs)-d.perMsg)
		addrs = addrs[:d.perMsg]
	}
	allowed := 0
	for range addrs {
		if !state.budget.AllowN(now, 1) {
			break
		}
		allowed++
	}
	if allowed < len(addrs) {
		d.metrics.recordDiscovered("throttled", len(addrs)-allowed)
		addrs = addrs[:allowed]
	}
	peer := state.peer
	d.mu.Unlock()

	if spam {
		d.logger.Debug("Repeated oversized address batch",
			slog.Uint64("session", uint64(id)),
			logging.MaskField("peer_id", string(peer)),
			slog.Int("addrs", len(msg.Addrs)))
		h.Penalize(peer, PenaltyDiscoverySpam, d.penalty)
	}

	accepted, rejected := 0, 0
	for _, pa := range addrs {
		if err := d.accept(pa); err != nil {
			rejected++
			d.publish(Event{Kind: EventAddressRejected, Peer: pa.ID, Addr: pa.Addr, Reason: err.Error()})
			continue
		}
		accepted++
		d.publish(Event{Kind: EventAddressAccepted, Peer: pa.ID, Addr: pa.Addr})
	}
	d.metrics.recordDiscovered("accepted", accepted)
	d.metrics.recordDiscovered("rejected", rejected)
}

func (d *DiscoveryService) accept(pa PeerAddr) error {
	if pa.ID == "" || pa.Addr == "" {
		return fmt.Errorf("%w: empty entry", ErrInvalidAddress)
	}
	id := normalizeNodeID(string(pa.ID))
	addr, err := normalizeAddr(pa.Addr)
	if err != nil {
		return err
	}
	if id == d.self || (d.isSelf != nil && d.isSelf(addr)) {
		return ErrSelfDial
	}
	if d.banned != nil && d.banned(id, addr) {
		return ErrPeerBanned
	}
	_, err = d.peers.Observe(id, addr)
	return err
}

func (d *DiscoveryService) publish(ev Event) {
	if d.emit == nil {
		return
	}
	ev.Time = d.clock.Now()
	d.emit(ev)
}

// Run gossips on a jittered interval until ctx is cancelled.
func (d *DiscoveryService) Run(ctx context.Context, h *ProtocolHandle) error {
	for {
		timer := d.clock.Timer(d.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			d.gossip(h)
		}
	}
}

func (d *DiscoveryService) nextDelay() time.Duration {
	if d.jitter <= 0 {
		return d.interval
	}
	offset := time.Duration(rand.Int64N(int64(2*d.jitter))) - d.jitter
	delay := d.interval + offset
	if delay <= 0 {
		delay = d.interval
	}
	return delay
}

// gossip sends a random address sample to up to fanout random sessions.
func (d *DiscoveryService) gossip(h *ProtocolHandle) int {
	targets := h.Sessions()
	rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	if len(targets) > d.fanout {
		targets = targets[:d.fanout]
	}
	sent := 0
	for _, target := range targets {
		addrs := d.peers.RandomAddresses(d.perGossip, func(candidate NodeID, addr string) bool {
			return candidate == target.Peer || (d.banned != nil && d.banned(candidate, addr))
		})
		if len(addrs) == 0 {
			continue
		}
		payload, _ := json.Marshal(discoveryMessage{Type: discoveryTypeAddrs, Addrs: addrs})
		if err := h.Send(target.ID, payload); err == nil {
			sent++
		}
	}
	return sent
}
