package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"chainnet/observability/logging"
)

var errReservationSpent = errors.New("p2p: slot reservation already released or used")

const (
	reservationHeld int32 = iota
	reservationReleased
	reservationConsumed
)

// slotCounter enforces occupancy <= max with a compare-and-swap loop so two
// concurrent admissions can never both pass the last free slot.
type slotCounter struct {
	max  int64
	used atomic.Int64
}

func (c *slotCounter) tryAcquire() bool {
	for {
		cur := c.used.Load()
		if cur >= c.max {
			return false
		}
		if c.used.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (c *slotCounter) release() {
	c.used.Add(-1)
}

// SlotReservation is one unit of slot budget held between admission and
// session registration. Release is idempotent and is a no-op once the
// reservation has been handed to a session.
type SlotReservation struct {
	dir   Direction
	slots *slotCounter
	state atomic.Int32
}

// Direction reports which budget the reservation was drawn from.
func (r *SlotReservation) Direction() Direction { return r.dir }

// Release returns the slot to the budget.
func (r *SlotReservation) Release() {
	if r == nil {
		return
	}
	if r.state.CompareAndSwap(reservationHeld, reservationReleased) {
		r.slots.release()
	}
}

func (r *SlotReservation) consume() bool {
	return r.state.CompareAndSwap(reservationHeld, reservationConsumed)
}

// SessionInfo is a point-in-time copy of a session. Holding one does not keep
// the session alive.
type SessionInfo struct {
	ID            SessionID    `json:"id"`
	Peer          NodeID       `json:"peer"`
	Direction     Direction    `json:"direction"`
	RemoteAddr    string       `json:"remoteAddr"`
	Established   time.Time    `json:"established"`
	LastActivity  time.Time    `json:"lastActivity"`
	Protocols     []ProtocolID `json:"protocols"`
	Supported     []ProtocolID `json:"supported,omitempty"`
	ClientVersion string       `json:"clientVersion,omitempty"`
	Feeler        bool         `json:"feeler,omitempty"`
}

// SessionHooks receive session lifecycle callbacks. Frame is invoked from the
// session's single reader goroutine, so frames of one session arrive in order.
type SessionHooks struct {
	Opened func(info SessionInfo)
	Frame  func(id SessionID, frame Frame)
	Closed func(info SessionInfo, reason DisconnectReason)
}

type session struct {
	id          SessionID
	peer        NodeID
	dir         Direction
	remoteAddr  string
	established time.Time
	feeler      bool
	conn        Conn
	slots       *slotCounter

	lastActivity atomic.Int64

	mu            sync.Mutex
	protocols     map[ProtocolID]struct{}
	supported     []ProtocolID
	clientVersion string

	sendq     chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	protocols := make([]ProtocolID, 0, len(s.protocols))
	for p := range s.protocols {
		protocols = append(protocols, p)
	}
	sort.Slice(protocols, func(i, j int) bool { return protocols[i] < protocols[j] })
	return SessionInfo{
		ID:            s.id,
		Peer:          s.peer,
		Direction:     s.dir,
		RemoteAddr:    s.remoteAddr,
		Established:   s.established,
		LastActivity:  time.Unix(0, s.lastActivity.Load()),
		Protocols:     protocols,
		Supported:     append([]ProtocolID(nil), s.supported...),
		ClientVersion: s.clientVersion,
		Feeler:        s.feeler,
	}
}

// SessionManager owns every live session. Other components refer to sessions
// only by SessionID; lookups that race with Close see ErrSessionClosed.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[SessionID]*session
	byPeer   map[NodeID]SessionID
	nextID   atomic.Uint64
	closing  atomic.Bool

	inbound  slotCounter
	outbound slotCounter
	feelers  slotCounter

	sendQueueSize int
	readTimeout   time.Duration
	writeTimeout  time.Duration

	hooks   SessionHooks
	wg      sync.WaitGroup
	clock   clock.Clock
	logger  *slog.Logger
	metrics *networkMetrics
}

func NewSessionManager(cfg Config, hooks SessionHooks, clk clock.Clock, logger *slog.Logger) *SessionManager {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	sm := &SessionManager{
		sessions:      make(map[SessionID]*session),
		byPeer:        make(map[NodeID]SessionID),
		sendQueueSize: cfg.SendQueueSize,
		readTimeout:   cfg.ReadTimeout,
		writeTimeout:  cfg.WriteTimeout,
		hooks:         hooks,
		clock:         clk,
		logger:        logger.With(slog.String("component", "p2p_sessions")),
	}
	sm.inbound.max = int64(cfg.MaxInbound)
	sm.outbound.max = int64(cfg.MaxOutbound)
	sm.feelers.max = int64(max(cfg.FeelerCount, 0))
	return sm
}

// Admit reserves one slot of the budget for dir, or fails with ErrSlotsFull.
// Once Shutdown has begun it fails with ErrNotRunning.
func (sm *SessionManager) Admit(dir Direction) (*SlotReservation, error) {
	if sm.closing.Load() {
		return nil, ErrNotRunning
	}
	slots := sm.slotsFor(dir)
	if slots == nil {
		return nil, fmt.Errorf("p2p: cannot admit direction %s", dir)
	}
	if !slots.tryAcquire() {
		sm.metrics.recordAdmissionRejected("slots_full")
		return nil, ErrSlotsFull
	}
	return &SlotReservation{dir: dir, slots: slots}, nil
}

// AdmitFeeler reserves one of the short-lived feeler slots kept apart from the
// outbound budget.
func (sm *SessionManager) AdmitFeeler() (*SlotReservation, error) {
	if sm.closing.Load() {
		return nil, ErrNotRunning
	}
	if !sm.feelers.tryAcquire() {
		return nil, ErrSlotsFull
	}
	return &SlotReservation{dir: DirectionOutbound, slots: &sm.feelers}, nil
}

func (sm *SessionManager) slotsFor(dir Direction) *slotCounter {
	switch dir {
	case DirectionInbound:
		return &sm.inbound
	case DirectionOutbound:
		return &sm.outbound
	default:
		return nil
	}
}

// Register turns a reservation into a live session for the authenticated
// identity of conn. A second session to an already connected identity is
// rejected with ErrAlreadyConnected and its reservation released.
func (sm *SessionManager) Register(res *SlotReservation, conn Conn) (SessionID, error) {
	if res == nil || conn == nil {
		return 0, errors.New("p2p: register requires a reservation and a connection")
	}
	peer := conn.RemoteID()
	if peer == "" {
		res.Release()
		return 0, fmt.Errorf("%w: connection has no authenticated identity", ErrPeerUnknown)
	}
	now := sm.clock.Now()

	sm.mu.Lock()
	if sm.closing.Load() {
		sm.mu.Unlock()
		res.Release()
		return 0, ErrNotRunning
	}
	if _, ok := sm.byPeer[peer]; ok {
		sm.mu.Unlock()
		res.Release()
		sm.metrics.recordAdmissionRejected("duplicate")
		return 0, ErrAlreadyConnected
	}
	if !res.consume() {
		sm.mu.Unlock()
		return 0, errReservationSpent
	}
	s := &session{
		id:          SessionID(sm.nextID.Add(1)),
		peer:        peer,
		dir:         res.dir,
		remoteAddr:  conn.RemoteAddr(),
		established: now,
		feeler:      res.slots == &sm.feelers,
		conn:        conn,
		slots:       res.slots,
		protocols:   make(map[ProtocolID]struct{}),
		sendq:       make(chan Frame, sm.sendQueueSize),
		done:        make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	sm.sessions[s.id] = s
	sm.byPeer[peer] = s.id
	sm.mu.Unlock()

	sm.updateGauges()
	sm.logger.Debug("Session established",
		slog.Uint64("session", uint64(s.id)),
		logging.MaskField("peer_id", string(peer)),
		logging.MaskField("remote_addr", s.remoteAddr),
		slog.String("direction", s.dir.String()))

	if sm.hooks.Opened != nil {
		sm.hooks.Opened(s.info())
	}
	sm.wg.Add(2)
	go sm.readLoop(s)
	go sm.writeLoop(s)
	return s.id, nil
}

// Close tears a session down: its slot is released exactly once, every open
// protocol is marked closed and the Closed hook fires. Closing an unknown or
// already closed session returns ErrSessionClosed.
func (sm *SessionManager) Close(id SessionID, reason DisconnectReason) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		return ErrSessionClosed
	}
	delete(sm.sessions, id)
	if sm.byPeer[s.peer] == id {
		delete(sm.byPeer, s.peer)
	}
	sm.mu.Unlock()

	var info SessionInfo
	s.closeOnce.Do(func() {
		info = s.info()
		close(s.done)
		_ = s.conn.Close()
		s.slots.release()
		s.mu.Lock()
		s.protocols = make(map[ProtocolID]struct{})
		s.mu.Unlock()
	})
	sm.updateGauges()
	sm.metrics.recordDisconnect(reason)
	sm.logger.Debug("Session closed",
		slog.Uint64("session", uint64(id)),
		logging.MaskField("peer_id", string(s.peer)),
		slog.String("reason", string(reason)))
	if sm.hooks.Closed != nil {
		sm.hooks.Closed(info, reason)
	}
	return nil
}

// CloseAll closes every live session with reason.
func (sm *SessionManager) CloseAll(reason DisconnectReason) {
	for _, id := range sm.ids() {
		_ = sm.Close(id, reason)
	}
}

// Shutdown stops admitting and registering sessions, then closes every live
// one. A Register racing with Shutdown either fails with ErrNotRunning or
// registers a session that this call closes.
func (sm *SessionManager) Shutdown(reason DisconnectReason) {
	sm.closing.Store(true)
	sm.CloseAll(reason)
}

// Wait blocks until every session goroutine has exited or ctx is done.
func (sm *SessionManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues frame on the session's writer. It never blocks: a full queue
// yields ErrSendQueueFull.
func (sm *SessionManager) Send(id SessionID, frame Frame) error {
	s := sm.lookup(id)
	if s == nil {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendq <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// OpenProtocol marks protocol as open on the session.
func (sm *SessionManager) OpenProtocol(id SessionID, protocol ProtocolID) error {
	s := sm.lookup(id)
	if s == nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.protocols[protocol] = struct{}{}
	s.mu.Unlock()
	return nil
}

// CloseProtocol marks protocol as closed. It reports whether it was open.
func (sm *SessionManager) CloseProtocol(id SessionID, protocol ProtocolID) bool {
	s := sm.lookup(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.protocols[protocol]
	delete(s.protocols, protocol)
	return ok
}

// ProtocolOpen reports whether protocol is open on a live session.
func (sm *SessionManager) ProtocolOpen(id SessionID, protocol ProtocolID) bool {
	s := sm.lookup(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.protocols[protocol]
	return ok
}

// Annotate records identify metadata on the session.
func (sm *SessionManager) Annotate(id SessionID, supported []ProtocolID, clientVersion string) error {
	s := sm.lookup(id)
	if s == nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.supported = append([]ProtocolID(nil), supported...)
	s.clientVersion = clientVersion
	s.mu.Unlock()
	return nil
}

// Info returns a snapshot of one session.
func (sm *SessionManager) Info(id SessionID) (SessionInfo, bool) {
	s := sm.lookup(id)
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// ByPeer returns the session currently held with peer.
func (sm *SessionManager) ByPeer(peer NodeID) (SessionID, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	id, ok := sm.byPeer[peer]
	return id, ok
}

// Sessions returns snapshots of every live session ordered by id.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.RLock()
	list := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		list = append(list, s)
	}
	sm.mu.RUnlock()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Occupancy returns the inbound and outbound slots currently held, including
// outstanding reservations.
func (sm *SessionManager) Occupancy() (inbound, outbound int) {
	return int(sm.inbound.used.Load()), int(sm.outbound.used.Load())
}

// Limits returns the configured slot maxima.
func (sm *SessionManager) Limits() (inbound, outbound int) {
	return int(sm.inbound.max), int(sm.outbound.max)
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *SessionManager) ids() []SessionID {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]SessionID, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (sm *SessionManager) lookup(id SessionID) *session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

func (sm *SessionManager) updateGauges() {
	in, out := sm.Occupancy()
	sm.metrics.setSessions(in, out)
}

func (sm *SessionManager) readLoop(s *session) {
	defer sm.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(sm.readTimeout)); err != nil {
			_ = sm.Close(s.id, ReasonReadError)
			return
		}
		frame, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			sm.logger.Debug("Session read failed",
				slog.Uint64("session", uint64(s.id)),
				logging.MaskField("peer_id", string(s.peer)),
				slog.Any("error", err))
			_ = sm.Close(s.id, ReasonReadError)
			return
		}
		s.lastActivity.Store(sm.clock.Now().UnixNano())
		if sm.hooks.Frame != nil {
			sm.hooks.Frame(s.id, frame)
		}
	}
}

func (sm *SessionManager) writeLoop(s *session) {
	defer sm.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.sendq:
			ctx, cancel := context.WithTimeout(context.Background(), sm.writeTimeout)
			err := s.conn.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				select {
				case <-s.done:
					return
				default:
				}
				sm.logger.Debug("Session write failed",
					slog.Uint64("session", uint64(s.id)),
					logging.MaskField("peer_id", string(s.peer)),
					slog.Any("error", err))
				_ = sm.Close(s.id, ReasonWriteError)
				return
			}
		}
	}
}
