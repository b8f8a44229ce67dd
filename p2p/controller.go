package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chainnet/observability/logging"
	"chainnet/storage"
)

const (
	seedCheckInterval  = time.Minute
	seedResolveTimeout = 10 * time.Second
	// minOutboundBeforeSeeding mirrors the point below which DNS seeds are
	// consulted even when the address book is not empty.
	minOutboundBeforeSeeding = 2

	tracerName = "chainnet/p2p"
)

// SeedSource resolves bootstrap peers, typically from signed DNS records.
type SeedSource interface {
	Resolve(ctx context.Context) ([]PeerAddr, error)
}

// Options carries the collaborators of a Controller.
type Options struct {
	Self      NodeID
	Transport Transport
	// Store backs the address book. Nil keeps peer and ban state in memory only.
	Store  storage.Database
	Seeds  SeedSource
	Clock  clock.Clock
	Logger *slog.Logger
	// TracerProvider receives connection spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// PeerStatus joins a live session with its peer record.
type PeerStatus struct {
	SessionInfo
	Score     int     `json:"score"`
	LatencyMS float64 `json:"latencyMs"`
}

// NetInfo summarises the network state for operators.
type NetInfo struct {
	Self        NodeID   `json:"self"`
	Network     string   `json:"network"`
	ListenAddrs []string `json:"listenAddrs"`
	Inbound     int      `json:"inbound"`
	Outbound    int      `json:"outbound"`
	MaxInbound  int      `json:"maxInbound"`
	MaxOutbound int      `json:"maxOutbound"`
	KnownPeers  int      `json:"knownPeers"`
	Bans        int      `json:"bans"`
	Degraded    bool     `json:"storeDegraded"`
}

// Controller owns the network state and drives its lifecycle.
type Controller struct {
	cfg       Config
	self      NodeID
	transport Transport
	seeds     SeedSource

	book      *AddressBook
	peers     *PeerStore
	bans      *BanManager
	sessions  *SessionManager
	router    *Router
	ping      *PingService
	identify  *IdentifyService
	discovery *DiscoveryService
	dialer    *DialScheduler
	events    *eventBus

	clock   clock.Clock
	logger  *slog.Logger
	metrics *networkMetrics
	tracer  trace.Tracer

	mu          sync.Mutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	group       *errgroup.Group
	runCtx      context.Context
	listeners   []Listener
	listenAddrs []string
	// inbound tracks accepted connections that have not yet been admitted.
	inbound sync.WaitGroup

	violationMu sync.Mutex
	violations  map[NodeID][]time.Time
}

// NewController constructs every component of the networking core. The
// returned controller is idle until Start.
func NewController(cfg Config, opts Options) (*Controller, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("p2p config: %w", err)
	}
	if opts.Transport == nil {
		return nil, errors.New("p2p: transport required")
	}
	if opts.Self == "" {
		return nil, errors.New("p2p: local node id required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c := &Controller{
		cfg:        cfg,
		self:       normalizeNodeID(string(opts.Self)),
		transport:  opts.Transport,
		seeds:      opts.Seeds,
		events:     newEventBus(),
		clock:      clk,
		logger:     logger.With(slog.String("component", "p2p_controller")),
		metrics:    newNetworkMetrics(),
		tracer:     tp.Tracer(tracerName),
		violations: make(map[NodeID][]time.Time),
	}
	c.book = NewAddressBook(opts.Store, cfg.PersistTimeout, logger)
	c.peers = NewPeerStore(cfg, c.book, clk, logger)
	c.bans = NewBanManager(c.book, clk, logger)
	c.sessions = NewSessionManager(cfg, SessionHooks{
		Opened: c.sessionOpened,
		Frame:  c.frameReceived,
		Closed: c.sessionClosed,
	}, clk, logger)
	c.router = NewRouter(cfg, c.sessions, c, logger)
	c.ping = NewPingService(cfg, c.peers, clk, logger)
	c.identify = NewIdentifyService(cfg, IdentifyDeps{
		Self:        c.self,
		ListenAddrs: c.advertisedAddrs,
		Protocols:   c.router.Protocols,
		Peers:       c.peers,
		Banned:      c.bans.IsBannedPeer,
		Annotator:   c.sessions,
		Logger:      logger,
	})
	c.discovery = NewDiscoveryService(cfg, DiscoveryDeps{
		Self:   c.self,
		IsSelf: c.isSelfAddr,
		Peers:  c.peers,
		Banned: c.bans.IsBannedPeer,
		Emit:   c.events.publish,
		Clock:  clk,
		Logger: logger,
	})
	c.dialer = NewDialScheduler(cfg, c.self, c.peers, c.bans, c.sessions, c.connect, clk, logger)

	c.peers.setMetrics(c.metrics)
	c.bans.metrics = c.metrics
	c.sessions.metrics = c.metrics
	c.router.metrics = c.metrics
	c.ping.metrics = c.metrics
	c.discovery.metrics = c.metrics
	c.dialer.metrics = c.metrics
	c.events.metrics = c.metrics

	for _, h := range []ProtocolHandler{c.ping, c.discovery, c.identify} {
		if _, err := c.router.Register(h); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterProtocol adds an external protocol handler such as block sync. It
// must be called before Start.
func (c *Controller) RegisterProtocol(handler ProtocolHandler) (*ProtocolHandle, error) {
	return c.router.Register(handler)
}

// Events subscribes to network events. The returned function unsubscribes.
func (c *Controller) Events() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Self returns the local node identity.
func (c *Controller) Self() NodeID { return c.self }

// Start loads persisted state, binds the listeners and launches the periodic
// tasks. Only configuration and listener errors are returned; persistence
// failures are logged and the node runs without durability.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped {
		return ErrAlreadyRunning
	}

	if err := c.bans.Load(); err != nil {
		c.logger.Warn("Loading bans failed", slog.Any("error", err))
	}
	if err := c.peers.Load(); err != nil {
		c.logger.Warn("Loading address book failed", slog.Any("error", err))
	}
	c.metrics.setKnownPeers(c.peers.Len())
	if c.peers.Len() == 0 {
		c.seedBootnodes()
	}

	for _, addr := range c.cfg.ListenAddrs {
		l, err := c.transport.Listen(addr)
		if err != nil {
			for _, opened := range c.listeners {
				_ = opened.Close()
			}
			c.listeners = nil
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		c.listeners = append(c.listeners, l)
		c.listenAddrs = append(c.listenAddrs, l.Addr())
		c.logger.Info("P2P listener bound", slog.String("listen_addr", l.Addr()))
	}
	c.router.Seal()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = group
	c.runCtx = groupCtx
	c.running = true

	for _, l := range c.listeners {
		l := l
		group.Go(func() error { return c.acceptLoop(groupCtx, l) })
	}
	pingHandle, _ := c.router.Handle(ProtocolPing)
	discoveryHandle, _ := c.router.Handle(ProtocolDiscovery)
	group.Go(func() error { return c.dialer.Run(groupCtx) })
	group.Go(func() error { return c.ping.Run(groupCtx, pingHandle) })
	group.Go(func() error { return c.discovery.Run(groupCtx, discoveryHandle) })
	group.Go(func() error { return c.maintenance(groupCtx) })
	if c.seeds != nil {
		group.Go(func() error { return c.seedLoop(groupCtx) })
	}
	c.logger.Info("P2P network started",
		logging.MaskField("node_id", string(c.self)),
		slog.Int("known_peers", c.peers.Len()),
		slog.Int("reserved_peers", len(c.cfg.ReservedPeers)),
		slog.Int("max_inbound", c.cfg.MaxInbound),
		slog.Int("max_outbound", c.cfg.MaxOutbound))
	return nil
}

// Shutdown stops every task, closes all sessions with ReasonShutdown and
// flushes the peer store. Tasks and session goroutines get ShutdownGrace to
// exit; whatever remains after that is abandoned.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	c.stopped = true
	cancel, group, listeners := c.cancel, c.group, c.listeners
	c.listeners = nil
	c.mu.Unlock()

	cancel()
	for _, l := range listeners {
		_ = l.Close()
	}
	c.sessions.Shutdown(ReasonShutdown)

	graceCtx, graceCancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	defer graceCancel()
	var errs []error
	tasksDone := make(chan error, 1)
	go func() { tasksDone <- group.Wait() }()
	select {
	case err := <-tasksDone:
		if err != nil {
			errs = append(errs, err)
		}
		// The accept loops have exited, so no further inbound work is added.
		inboundDone := make(chan struct{})
		go func() {
			c.inbound.Wait()
			close(inboundDone)
		}()
		select {
		case <-inboundDone:
		case <-graceCtx.Done():
			c.logger.Warn("Inbound connections still pending admission at shutdown")
		}
	case <-graceCtx.Done():
		c.logger.Warn("P2P tasks did not stop within the shutdown grace period")
	}
	c.sessions.CloseAll(ReasonShutdown)
	if err := c.sessions.Wait(graceCtx); err != nil {
		c.logger.Warn("Forcing shutdown with session goroutines still running", slog.Any("error", err))
	}

	if err := c.peers.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush peer store: %w", err))
	}
	if err := c.book.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close address book: %w", err))
	}
	c.events.close()
	c.logger.Info("P2P network stopped")
	return errors.Join(errs...)
}

// DialPeer connects to target, given as id@host:port or as the id of a known peer.
func (c *Controller) DialPeer(ctx context.Context, target string) error {
	if !c.isRunning() {
		return ErrNotRunning
	}
	pa, err := c.resolveTarget(target)
	if err != nil {
		return err
	}
	if pa.ID == c.self || c.isSelfAddr(pa.Addr) {
		return ErrSelfDial
	}
	if c.bans.IsBannedPeer(pa.ID, pa.Addr) {
		return ErrPeerBanned
	}
	if _, ok := c.sessions.ByPeer(pa.ID); ok {
		return ErrAlreadyConnected
	}
	if _, err := c.peers.Observe(pa.ID, pa.Addr); err != nil && !isPersistence(err) {
		return err
	}
	_, _ = c.peers.RecordAttempt(pa.ID, c.clock.Now())
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return c.connect(dialCtx, pa, false)
}

func (c *Controller) resolveTarget(target string) (PeerAddr, error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return PeerAddr{}, fmt.Errorf("%w: empty dial target", ErrInvalidAddress)
	}
	if strings.Contains(trimmed, "@") {
		return ParsePeerAddr(trimmed)
	}
	rec, ok := c.peers.Get(normalizeNodeID(trimmed))
	if !ok {
		return PeerAddr{}, ErrPeerUnknown
	}
	if rec.DialAddr() == "" {
		return PeerAddr{}, fmt.Errorf("%w: no known address for %s", ErrInvalidAddress, rec.ID)
	}
	return PeerAddr{ID: rec.ID, Addr: rec.DialAddr()}, nil
}

// BanPeer bans an identity and closes its session.
func (c *Controller) BanPeer(id NodeID, duration time.Duration) error {
	if duration <= 0 {
		duration = c.cfg.DefaultBanDuration
	}
	return c.ban(IDTarget(normalizeNodeID(string(id))), duration, BanReasonOperator)
}

// BanAddr bans a host or host:port and closes sessions coming from it.
func (c *Controller) BanAddr(addr string, duration time.Duration) error {
	if duration <= 0 {
		duration = c.cfg.DefaultBanDuration
	}
	return c.ban(AddrTarget(addr), duration, BanReasonOperator)
}

// Unban lifts a ban.
func (c *Controller) Unban(target BanTarget) error {
	removed, err := c.bans.Unban(target)
	if removed {
		c.events.publish(Event{Kind: EventPeerUnbanned, Time: c.clock.Now(), Target: target})
	}
	return err
}

// Bans lists active bans.
func (c *Controller) Bans() []BanEntry { return c.bans.List() }

// KnownPeers lists the address book in dial-ranking order.
func (c *Controller) KnownPeers() []PeerRecord { return c.peers.Peers() }

// Peers lists live sessions with their reputation.
func (c *Controller) Peers() []PeerStatus {
	sessions := c.sessions.Sessions()
	out := make([]PeerStatus, 0, len(sessions))
	for _, info := range sessions {
		status := PeerStatus{SessionInfo: info}
		if rec, ok := c.peers.Get(info.Peer); ok {
			status.Score = rec.Score
			status.LatencyMS = float64(rec.LatencyEWMA) / float64(time.Millisecond)
		}
		out = append(out, status)
	}
	return out
}

// NetInfo returns the current network summary.
func (c *Controller) NetInfo() NetInfo {
	in, out := c.sessions.Occupancy()
	maxIn, maxOut := c.sessions.Limits()
	return NetInfo{
		Self:        c.self,
		Network:     c.cfg.NetworkID,
		ListenAddrs: c.ListenAddrs(),
		Inbound:     in,
		Outbound:    out,
		MaxInbound:  maxIn,
		MaxOutbound: maxOut,
		KnownPeers:  c.peers.Len(),
		Bans:        len(c.bans.List()),
		Degraded:    c.book.Degraded(),
	}
}

// ListenAddrs returns the bound listener addresses.
func (c *Controller) ListenAddrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.listenAddrs...)
}

// AllowRemote reports whether an unauthenticated connection from addr may
// proceed to the handshake. Transports call it before committing resources.
func (c *Controller) AllowRemote(addr string) bool {
	if c.bans.IsBannedAddr(addr) {
		c.metrics.recordAdmissionRejected("banned")
		return false
	}
	return true
}

// Penalize implements Penalizer. For misbehaviour kinds a score at or below
// BanScore bans the peer; unresponsive peers and failed dials only lose score.
func (c *Controller) Penalize(peer NodeID, kind string, severity int) {
	if peer == "" || severity <= 0 {
		return
	}
	c.metrics.recordPenalty(kind)
	rec, err := c.peers.RecordFailure(peer, severity)
	if err != nil {
		if errors.Is(err, ErrPeerUnknown) {
			return
		}
		c.logger.Debug("Penalty not persisted", slog.Any("error", err))
	}
	c.logger.Debug("Penalized peer",
		logging.MaskField("peer_id", string(peer)),
		slog.String("kind", kind),
		slog.Int("penalty", severity),
		slog.Int("score", rec.Score))
	if rec.Score > c.cfg.BanScore || !scoreBannable(kind) {
		return
	}
	if c.isReserved(peer) {
		c.logger.Info("Reserved peer reached the ban score; keeping it",
			logging.MaskField("peer_id", string(peer)),
			slog.Int("score", rec.Score))
		return
	}
	_ = c.ban(IDTarget(peer), c.cfg.DefaultBanDuration, BanReasonScore)
}

// scoreBannable reports whether a penalty of kind counts as misbehaviour.
func scoreBannable(kind string) bool {
	switch kind {
	case PenaltyUnresponsive, PenaltyDialFailure:
		return false
	default:
		return true
	}
}

// Violation implements Penalizer: the session is closed, the peer penalized,
// and ViolationBanThreshold violations inside ViolationWindow ban it.
func (c *Controller) Violation(id SessionID, peer NodeID, kind string, cause error) {
	_ = c.sessions.Close(id, ReasonProtocolViolation)
	severity := c.cfg.Penalties.ProtocolViolation
	if kind == PenaltyRateLimit {
		severity = c.cfg.Penalties.RateLimit
	}
	c.logger.Info("Closing session after protocol violation",
		slog.Uint64("session", uint64(id)),
		logging.MaskField("peer_id", string(peer)),
		slog.String("kind", kind),
		slog.Any("error", cause))
	if c.recordViolation(peer) {
		_ = c.ban(IDTarget(peer), c.cfg.DefaultBanDuration, BanReasonRepeatedViolation)
	}
	c.Penalize(peer, kind, severity)
}

func (c *Controller) recordViolation(peer NodeID) bool {
	now := c.clock.Now()
	cutoff := now.Add(-c.cfg.ViolationWindow)
	c.violationMu.Lock()
	defer c.violationMu.Unlock()
	recent := c.violations[peer][:0]
	for _, at := range c.violations[peer] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	if len(recent) >= c.cfg.ViolationBanThreshold {
		delete(c.violations, peer)
		return true
	}
	c.violations[peer] = recent
	return false
}

func (c *Controller) ban(target BanTarget, duration time.Duration, reason BanReason) error {
	entry, err := c.bans.Ban(target, duration, reason)
	if entry.Target == "" {
		return err
	}
	ev := Event{Kind: EventPeerBanned, Time: c.clock.Now(), Target: target, Reason: string(reason)}
	if id, ok := strings.CutPrefix(string(target), banIDPrefix); ok {
		ev.Peer = NodeID(id)
	}
	c.events.publish(ev)
	c.closeBanned()
	return err
}

// closeBanned closes every session whose peer or address is banned.
func (c *Controller) closeBanned() int {
	closed := 0
	for _, info := range c.sessions.Sessions() {
		if c.bans.IsBannedPeer(info.Peer, info.RemoteAddr) {
			if c.sessions.Close(info.ID, ReasonBanned) == nil {
				closed++
			}
		}
	}
	return closed
}

// connect dials target and registers the resulting session. Admission happens
// after the handshake so a slot is only held by an authenticated peer.
func (c *Controller) connect(ctx context.Context, target PeerAddr, feeler bool) (err error) {
	ctx, span := c.tracer.Start(ctx, "p2p.connect", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Bool("p2p.feeler", feeler)))
	defer func() { endSpan(span, err) }()

	conn, err := c.transport.Dial(ctx, target.Addr)
	if err != nil {
		return &DialError{Peer: target.ID, Addr: target.Addr, Err: err}
	}
	remote := normalizeNodeID(string(conn.RemoteID()))
	if target.ID != "" && remote != target.ID {
		_ = conn.Close()
		return &DialError{Peer: target.ID, Addr: target.Addr, Err: fmt.Errorf("remote identified as %s", remote)}
	}
	if remote == c.self {
		_ = conn.Close()
		return ErrSelfDial
	}
	if c.bans.IsBannedPeer(remote, target.Addr) {
		_ = conn.Close()
		return ErrPeerBanned
	}
	var res *SlotReservation
	if feeler {
		res, err = c.sessions.AdmitFeeler()
	} else {
		res, err = c.sessions.Admit(DirectionOutbound)
	}
	if err != nil {
		_ = conn.Close()
		return err
	}
	id, err := c.sessions.Register(res, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	span.SetAttributes(attribute.Int64("p2p.session", int64(id)))
	return nil
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *Controller) acceptLoop(ctx context.Context, l Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.logger.Debug("Inbound handshake failed", slog.Any("error", err))
			continue
		}
		c.inbound.Add(1)
		go func() {
			defer c.inbound.Done()
			c.handleInbound(conn)
		}()
	}
}

func (c *Controller) handleInbound(conn Conn) {
	_, span := c.tracer.Start(context.Background(), "p2p.accept", trace.WithSpanKind(trace.SpanKindServer))
	var err error
	defer func() { endSpan(span, err) }()

	remote := normalizeNodeID(string(conn.RemoteID()))
	switch {
	case remote == c.self:
		_ = conn.Close()
		err = ErrSelfDial
		return
	case c.bans.IsBannedPeer(remote, conn.RemoteAddr()):
		c.metrics.recordAdmissionRejected("banned")
		_ = conn.Close()
		err = ErrPeerBanned
		return
	}
	res, err := c.sessions.Admit(DirectionInbound)
	if err != nil {
		_ = conn.Close()
		return
	}
	id, err := c.sessions.Register(res, conn)
	if err != nil {
		_ = conn.Close()
		c.logger.Debug("Inbound session rejected",
			logging.MaskField("peer_id", string(remote)),
			slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("p2p.session", int64(id)))
}

func (c *Controller) sessionOpened(info SessionInfo) {
	if info.Feeler {
		_, _ = c.peers.RecordSuccess(info.Peer)
		_ = c.sessions.Close(info.ID, ReasonFeeler)
		return
	}
	if c.bans.IsBannedPeer(info.Peer, info.RemoteAddr) {
		_ = c.sessions.Close(info.ID, ReasonBanned)
		return
	}
	if _, err := c.peers.Observe(info.Peer, ""); err != nil && errors.Is(err, ErrPeerStoreFull) {
		c.logger.Debug("Peer store full, session kept without a record", logging.MaskField("peer_id", string(info.Peer)))
	}
	_, _ = c.peers.MarkConnected(info.Peer, info.Direction)
	_, _ = c.peers.RecordSuccess(info.Peer)
	c.events.publish(Event{
		Kind:      EventPeerConnected,
		Time:      c.clock.Now(),
		Peer:      info.Peer,
		Session:   info.ID,
		Direction: info.Direction,
		Addr:      info.RemoteAddr,
	})
	c.router.SessionOpened(info)
}

func (c *Controller) frameReceived(id SessionID, frame Frame) {
	c.router.Dispatch(id, frame)
}

func (c *Controller) sessionClosed(info SessionInfo, reason DisconnectReason) {
	if info.Feeler {
		return
	}
	c.router.SessionClosed(info)
	_, _ = c.peers.MarkDisconnected(info.Peer)
	c.events.publish(Event{
		Kind:      EventPeerDisconnected,
		Time:      c.clock.Now(),
		Peer:      info.Peer,
		Session:   info.ID,
		Direction: info.Direction,
		Addr:      info.RemoteAddr,
		Reason:    string(reason),
	})
}

// maintenance sweeps expired bans, re-checks live sessions against the ban
// list and decays scores.
func (c *Controller) maintenance(ctx context.Context) error {
	sweep := c.clock.Ticker(c.cfg.BanSweepInterval)
	defer sweep.Stop()
	decay := c.clock.Ticker(c.cfg.DecayInterval)
	defer decay.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			c.sweepBans()
		case <-decay.C:
			if err := c.peers.Decay(1); err != nil {
				c.logger.Debug("Decayed scores not persisted", slog.Any("error", err))
			}
		}
	}
}

func (c *Controller) sweepBans() {
	now := c.clock.Now()
	for _, entry := range c.bans.Sweep() {
		c.events.publish(Event{Kind: EventPeerUnbanned, Time: now, Target: entry.Target, Reason: string(entry.Reason)})
	}
	if n := c.closeBanned(); n > 0 {
		c.logger.Info("Closed sessions of banned peers", slog.Int("sessions", n))
	}
	c.pruneViolations(now)
}

func (c *Controller) pruneViolations(now time.Time) {
	cutoff := now.Add(-c.cfg.ViolationWindow)
	c.violationMu.Lock()
	defer c.violationMu.Unlock()
	for peer, times := range c.violations {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(c.violations, peer)
		}
	}
}

func (c *Controller) isReserved(id NodeID) bool { return c.peers.IsReserved(id) }

func (c *Controller) seedBootnodes() {
	for _, boot := range c.cfg.Bootnodes {
		if boot.ID == c.self || c.bans.IsBannedPeer(boot.ID, boot.Addr) {
			continue
		}
		if _, err := c.peers.Observe(boot.ID, boot.Addr); err != nil && !isPersistence(err) {
			c.logger.Warn("Bootnode not recorded",
				logging.MaskField("peer_id", string(boot.ID)),
				slog.Any("error", err))
		}
	}
}

// seedLoop consults the seed source at startup when the address book is
// empty and afterwards whenever outbound connectivity is poor.
func (c *Controller) seedLoop(ctx context.Context) error {
	if c.peers.Len() == 0 {
		c.resolveSeeds(ctx)
	}
	ticker := c.clock.Ticker(seedCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, outbound := c.sessions.Occupancy()
			if c.peers.Len() == 0 || outbound < min(minOutboundBeforeSeeding, c.cfg.MaxOutbound) {
				c.resolveSeeds(ctx)
			}
		}
	}
}

func (c *Controller) resolveSeeds(ctx context.Context) int {
	resolveCtx, cancel := context.WithTimeout(ctx, seedResolveTimeout)
	defer cancel()
	seeds, err := c.seeds.Resolve(resolveCtx)
	if err != nil {
		c.logger.Warn("Seed resolution incomplete", slog.Any("error", err))
	}
	added := 0
	for _, seed := range seeds {
		if seed.ID == c.self || c.bans.IsBannedPeer(seed.ID, seed.Addr) {
			continue
		}
		if _, err := c.peers.Observe(seed.ID, seed.Addr); err == nil || isPersistence(err) {
			added++
		}
	}
	c.logger.Debug("Seeded address book", slog.Int("seeds", added))
	return added
}

func (c *Controller) advertisedAddrs() []string {
	if len(c.cfg.AdvertiseAddrs) > 0 {
		return append([]string(nil), c.cfg.AdvertiseAddrs...)
	}
	return c.ListenAddrs()
}

func (c *Controller) isSelfAddr(addr string) bool {
	for _, own := range c.advertisedAddrs() {
		if own == addr {
			return true
		}
	}
	return false
}

func (c *Controller) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func isPersistence(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr)
}
