package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testID(n int) NodeID {
	return NodeID(fmt.Sprintf("0x%040x", n))
}

func testAddr(n int) string {
	return fmt.Sprintf("10.0.%d.%d:30303", n/250, n%250+1)
}

// pipeConn is an in-memory Conn. Frames written to one end are read from the
// other; an unpaired conn collects its writes in out.
type pipeConn struct {
	id   NodeID
	addr string

	in     chan Frame
	out    chan Frame
	peer   *pipeConn
	closed chan struct{}
	once   sync.Once
}

func newTestConn(id NodeID, addr string) *pipeConn {
	return &pipeConn{
		id:     id,
		addr:   addr,
		in:     make(chan Frame, 1024),
		out:    make(chan Frame, 1024),
		closed: make(chan struct{}),
	}
}

// connPair returns the dialer's and the listener's ends of one connection.
func connPair(dialer, listener NodeID, dialerAddr, listenerAddr string) (*pipeConn, *pipeConn) {
	local := newTestConn(listener, listenerAddr)
	remote := newTestConn(dialer, dialerAddr)
	local.peer = remote
	remote.peer = local
	return local, remote
}

func (c *pipeConn) RemoteID() NodeID { return c.id }

func (c *pipeConn) RemoteAddr() string { return c.addr }

func (c *pipeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *pipeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

func (c *pipeConn) WriteFrame(ctx context.Context, frame Frame) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	target := c.out
	var peerClosed chan struct{}
	if c.peer != nil {
		target = c.peer.in
		peerClosed = c.peer.closed
	}
	select {
	case target <- frame:
		return nil
	case <-peerClosed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.shut()
	if c.peer != nil {
		c.peer.shut()
	}
	return nil
}

func (c *pipeConn) shut() {
	c.once.Do(func() { close(c.closed) })
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// nextFrame waits for the next frame written to an unpaired conn.
func (c *pipeConn) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame written to %s", c.id)
		return Frame{}
	}
}

// framesFor drains written frames and returns those on protocol.
func (c *pipeConn) framesFor(t *testing.T, protocol ProtocolID, want int) []Frame {
	t.Helper()
	var out []Frame
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case f := <-c.out:
			if f.Protocol == protocol {
				out = append(out, f)
			}
		case <-deadline:
			t.Fatalf("expected %d frames on %s, got %d", want, protocol, len(out))
		}
	}
	return out
}

// memNetwork routes dials between in-process listeners.
type memNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	// dialGate, when set, blocks every dial until it is closed.
	dialGate chan struct{}
	dials    int
}

func newMemNetwork() *memNetwork {
	return &memNetwork{listeners: make(map[string]*memListener)}
}

func (n *memNetwork) transport(id NodeID, addr string) *memTransport {
	return &memTransport{net: n, id: id, addr: addr}
}

func (n *memNetwork) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

type memTransport struct {
	net  *memNetwork
	id   NodeID
	addr string
}

func (t *memTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.net.mu.Lock()
	t.net.dials++
	gate := t.net.dialGate
	l := t.net.listeners[addr]
	t.net.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l == nil {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	local, remote := connPair(t.id, l.id, t.addr, addr)
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.closed:
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *memTransport) Listen(addr string) (Listener, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.listeners[addr]; ok {
		return nil, errors.New("address already in use")
	}
	l := &memListener{net: t.net, id: t.id, addr: addr, accept: make(chan Conn, 16), closed: make(chan struct{})}
	t.net.listeners[addr] = l
	return l, nil
}

type memListener struct {
	net    *memNetwork
	id     NodeID
	addr   string
	accept chan Conn
	closed chan struct{}
	once   sync.Once
}

func (l *memListener) Accept() (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
	})
	return nil
}

type penaltyRecord struct {
	peer     NodeID
	kind     string
	severity int
}

// recordingPenalizer captures penalties; violations close the session the
// same way the controller does.
type recordingPenalizer struct {
	mu         sync.Mutex
	sessions   *SessionManager
	penalties  []penaltyRecord
	violations []penaltyRecord
}

func (p *recordingPenalizer) Penalize(peer NodeID, kind string, severity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.penalties = append(p.penalties, penaltyRecord{peer: peer, kind: kind, severity: severity})
}

func (p *recordingPenalizer) Violation(id SessionID, peer NodeID, kind string, cause error) {
	if p.sessions != nil {
		_ = p.sessions.Close(id, ReasonProtocolViolation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.violations = append(p.violations, penaltyRecord{peer: peer, kind: kind})
}

func (p *recordingPenalizer) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.penalties {
		if rec.kind == kind {
			n++
		}
	}
	return n
}

func (p *recordingPenalizer) violationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.violations)
}

// routerHarness wires a SessionManager and a Router the way the controller
// does, without the dialer or persistence.
type routerHarness struct {
	sessions  *SessionManager
	router    *Router
	penalizer *recordingPenalizer
	clock     *clock.Mock
	closed    chan DisconnectReason
}

func newRouterHarness(t *testing.T, cfg Config, handlers ...ProtocolHandler) *routerHarness {
	t.Helper()
	return newRouterHarnessWith(t, cfg, func(*routerHarness) []ProtocolHandler { return handlers })
}

// newRouterHarnessWith lets handlers be built against the harness clock.
func newRouterHarnessWith(t *testing.T, cfg Config, build func(h *routerHarness) []ProtocolHandler) *routerHarness {
	t.Helper()
	h := &routerHarness{
		clock:     clock.NewMock(),
		penalizer: &recordingPenalizer{},
		closed:    make(chan DisconnectReason, 64),
	}
	h.clock.Set(time.Unix(1_700_000_000, 0))
	h.sessions = NewSessionManager(cfg, SessionHooks{
		Opened: func(info SessionInfo) { h.router.SessionOpened(info) },
		Frame:  func(id SessionID, f Frame) { h.router.Dispatch(id, f) },
		Closed: func(info SessionInfo, reason DisconnectReason) {
			h.router.SessionClosed(info)
			h.closed <- reason
		},
	}, h.clock, testLogger())
	h.penalizer.sessions = h.sessions
	h.router = NewRouter(cfg, h.sessions, h.penalizer, testLogger())
	for _, handler := range build(h) {
		if _, err := h.router.Register(handler); err != nil {
			t.Fatalf("register %s: %v", handler.Protocol(), err)
		}
	}
	h.router.Seal()
	t.Cleanup(func() {
		h.sessions.CloseAll(ReasonShutdown)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sessions.Wait(ctx)
	})
	return h
}

// open registers an unpaired test conn for peer and returns its session.
func (h *routerHarness) open(t *testing.T, peer NodeID, dir Direction) (SessionID, *pipeConn) {
	t.Helper()
	conn := newTestConn(peer, "192.0.2.10:40000")
	res, err := h.sessions.Admit(dir)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	id, err := h.sessions.Register(res, conn)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return id, conn
}

func (h *routerHarness) handle(t *testing.T, protocol ProtocolID) *ProtocolHandle {
	t.Helper()
	handle, ok := h.router.Handle(protocol)
	if !ok {
		t.Fatalf("protocol %s not registered", protocol)
	}
	return handle
}

func (h *routerHarness) waitClosed(t *testing.T) DisconnectReason {
	t.Helper()
	select {
	case reason := <-h.closed:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not closed")
		return ""
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
