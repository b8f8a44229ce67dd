package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"chainnet/observability/logging"
)

// Penalty kinds reported to the Penalizer.
const (
	PenaltyUnknownProtocol   = "unknown_protocol"
	PenaltyUnresponsive      = "unresponsive"
	PenaltyBadIdentify       = "bad_identify"
	PenaltyDiscoverySpam     = "discovery_spam"
	PenaltyDialFailure       = "dial_failure"
	PenaltyProtocolViolation = "protocol_violation"
	PenaltyRateLimit         = "rate_limit"
)

var errRateLimited = errors.New("p2p: inbound message rate exceeded")

// ProtocolHandler is implemented by every protocol multiplexed over sessions.
// The set of handlers is fixed once the router starts.
//
// Received runs on the session's reader goroutine. Returning an error that
// wraps ErrInvalidPayload marks the frame as a protocol violation.
type ProtocolHandler interface {
	Protocol() ProtocolID
	Connected(h *ProtocolHandle, info SessionInfo)
	Received(h *ProtocolHandle, id SessionID, payload []byte) error
	Disconnected(h *ProtocolHandle, info SessionInfo)
}

// Penalizer applies reputation consequences on behalf of the router and the
// protocol handlers.
type Penalizer interface {
	// Penalize lowers the peer's score without closing its session.
	Penalize(peer NodeID, kind string, severity int)
	// Violation closes the session as a protocol violation and penalizes the peer.
	Violation(id SessionID, peer NodeID, kind string, cause error)
}

// ProtocolHandle is the send side given to a protocol handler, including the
// external sync collaborator.
type ProtocolHandle struct {
	protocol ProtocolID
	router   *Router
}

// Protocol returns the protocol the handle sends on.
func (h *ProtocolHandle) Protocol() ProtocolID { return h.protocol }

// Send queues payload for one session. ErrSessionClosed and
// ErrProtocolNotOpen are expected under churn.
func (h *ProtocolHandle) Send(id SessionID, payload []byte) error {
	return h.router.Send(id, h.protocol, payload)
}

// Broadcast sends payload to every session with the protocol open except
// skip. It returns the number of sessions the frame was queued for.
func (h *ProtocolHandle) Broadcast(payload []byte, skip SessionID) int {
	sent := 0
	for _, info := range h.Sessions() {
		if info.ID == skip {
			continue
		}
		if err := h.Send(info.ID, payload); err == nil {
			sent++
		}
	}
	return sent
}

// Sessions lists sessions that currently have the protocol open.
func (h *ProtocolHandle) Sessions() []SessionInfo {
	all := h.router.sessions.Sessions()
	out := all[:0]
	for _, info := range all {
		for _, p := range info.Protocols {
			if p == h.protocol {
				out = append(out, info)
				break
			}
		}
	}
	return out
}

// Session returns a snapshot of one session.
func (h *ProtocolHandle) Session(id SessionID) (SessionInfo, bool) {
	return h.router.sessions.Info(id)
}

// Disconnect closes a session.
func (h *ProtocolHandle) Disconnect(id SessionID, reason DisconnectReason) error {
	return h.router.sessions.Close(id, reason)
}

// Penalize lowers the score of peer.
func (h *ProtocolHandle) Penalize(peer NodeID, kind string, severity int) {
	if h.router.penalizer != nil {
		h.router.penalizer.Penalize(peer, kind, severity)
	}
}

// Router demultiplexes inbound frames by (session, protocol) and routes
// outbound payloads to the session writer.
type Router struct {
	mu       sync.RWMutex
	handlers map[ProtocolID]ProtocolHandler
	order    []ProtocolID
	handles  map[ProtocolID]*ProtocolHandle
	sealed   bool

	limitMu  sync.Mutex
	limiters map[SessionID]*rate.Limiter

	sessions  *SessionManager
	penalizer Penalizer
	penalties Penalties
	msgRate   rate.Limit
	msgBurst  int
	logger    *slog.Logger
	metrics   *networkMetrics
}

func NewRouter(cfg Config, sessions *SessionManager, penalizer Penalizer, logger *slog.Logger) *Router {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers:  make(map[ProtocolID]ProtocolHandler),
		handles:   make(map[ProtocolID]*ProtocolHandle),
		limiters:  make(map[SessionID]*rate.Limiter),
		sessions:  sessions,
		penalizer: penalizer,
		penalties: cfg.Penalties,
		msgRate:   rate.Limit(cfg.MessageRate),
		msgBurst:  cfg.MessageBurst,
		logger:    logger.With(slog.String("component", "p2p_router")),
	}
}

// Register adds a handler. It fails once the router has started or when the
// protocol is already taken.
func (r *Router) Register(handler ProtocolHandler) (*ProtocolHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, ErrRouterSealed
	}
	id := handler.Protocol()
	if _, ok := r.handlers[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateProtocol, id)
	}
	r.handlers[id] = handler
	r.order = append(r.order, id)
	h := &ProtocolHandle{protocol: id, router: r}
	r.handles[id] = h
	return h, nil
}

// Seal freezes the handler set.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Handle returns the handle for a registered protocol.
func (r *Router) Handle(protocol ProtocolID) (*ProtocolHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[protocol]
	return h, ok
}

// Protocols lists registered protocols in registration order.
func (r *Router) Protocols() []ProtocolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ProtocolID(nil), r.order...)
}

// Send queues payload on (id, protocol).
func (r *Router) Send(id SessionID, protocol ProtocolID, payload []byte) error {
	if !r.sessions.ProtocolOpen(id, protocol) {
		if _, ok := r.sessions.Info(id); !ok {
			return ErrSessionClosed
		}
		return ErrProtocolNotOpen
	}
	if err := r.sessions.Send(id, Frame{Protocol: protocol, Payload: payload}); err != nil {
		return err
	}
	r.metrics.recordMessage("out", protocol)
	return nil
}

// SessionOpened opens every registered protocol on the session and notifies
// the handlers.
func (r *Router) SessionOpened(info SessionInfo) {
	r.limitMu.Lock()
	r.limiters[info.ID] = rate.NewLimiter(r.msgRate, r.msgBurst)
	r.limitMu.Unlock()

	protocols := r.Protocols()
	for _, p := range protocols {
		if err := r.sessions.OpenProtocol(info.ID, p); err != nil {
			return
		}
	}
	if current, ok := r.sessions.Info(info.ID); ok {
		info = current
	}
	for _, p := range protocols {
		handler, h := r.lookup(p)
		handler.Connected(h, info)
	}
}

// SessionClosed notifies the handlers of every protocol that was open.
func (r *Router) SessionClosed(info SessionInfo) {
	r.limitMu.Lock()
	delete(r.limiters, info.ID)
	r.limitMu.Unlock()

	for _, p := range info.Protocols {
		handler, h := r.lookup(p)
		if handler != nil {
			handler.Disconnected(h, info)
		}
	}
}

// Dispatch delivers one inbound frame.
func (r *Router) Dispatch(id SessionID, frame Frame) {
	info, ok := r.sessions.Info(id)
	if !ok {
		return
	}
	if !r.allow(id) {
		r.violation(id, info.Peer, PenaltyRateLimit, errRateLimited)
		return
	}
	handler, h := r.lookup(frame.Protocol)
	if handler == nil {
		r.logger.Debug("Dropping frame for unknown protocol",
			slog.Uint64("session", uint64(id)),
			logging.MaskField("peer_id", string(info.Peer)),
			slog.Int("protocol", int(frame.Protocol)))
		if r.penalizer != nil {
			r.penalizer.Penalize(info.Peer, PenaltyUnknownProtocol, r.penalties.UnknownProtocol)
		}
		return
	}
	if !r.sessions.ProtocolOpen(id, frame.Protocol) {
		r.logger.Debug("Dropping frame for protocol not open on session",
			slog.Uint64("session", uint64(id)),
			slog.String("protocol", frame.Protocol.String()))
		return
	}
	r.metrics.recordMessage("in", frame.Protocol)
	if err := handler.Received(h, id, frame.Payload); err != nil {
		if IsInvalidPayload(err) {
			r.violation(id, info.Peer, PenaltyProtocolViolation, err)
			return
		}
		r.logger.Debug("Protocol handler error",
			slog.Uint64("session", uint64(id)),
			slog.String("protocol", frame.Protocol.String()),
			slog.Any("error", err))
	}
}

func (r *Router) violation(id SessionID, peer NodeID, kind string, cause error) {
	r.logger.Debug("Protocol violation",
		slog.Uint64("session", uint64(id)),
		logging.MaskField("peer_id", string(peer)),
		slog.String("kind", kind),
		slog.Any("error", cause))
	if r.penalizer != nil {
		r.penalizer.Violation(id, peer, kind, cause)
		return
	}
	_ = r.sessions.Close(id, ReasonProtocolViolation)
}

func (r *Router) allow(id SessionID) bool {
	r.limitMu.Lock()
	limiter := r.limiters[id]
	r.limitMu.Unlock()
	return limiter == nil || limiter.Allow()
}

func (r *Router) lookup(p ProtocolID) (ProtocolHandler, *ProtocolHandle) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[p], r.handles[p]
}
