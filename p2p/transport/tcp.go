// Package transport is the TCP implementation of p2p.Transport. Each side
// sends a secp256k1 signed hello on connect; frames afterwards are JSON
// objects, one per line.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chainnet/observability/logging"
	"chainnet/p2p"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxClockSkew     = 5 * time.Minute
	DefaultMaxFrameSize     = 4 << 20
	DefaultMaxPending       = 64

	replayCacheSize = 8192

	tracerName = "chainnet/p2p/transport"
)

// Config tunes the TCP transport.
type Config struct {
	Network          string
	HandshakeTimeout time.Duration
	MaxClockSkew     time.Duration
	MaxFrameSize     int
	// MaxPending bounds handshakes running concurrently on one listener.
	MaxPending int
	// AllowRemote, when set, is consulted with the remote host:port of every
	// accepted connection. A false result closes the connection before any
	// hello is exchanged.
	AllowRemote func(addr string) bool
	Clock       clock.Clock
	Logger      *slog.Logger
	// TracerProvider receives handshake spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// TCP dials and accepts authenticated connections.
type TCP struct {
	cfg      Config
	identity *Identity
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer

	replayMu sync.Mutex
	replay   *expirable.LRU[string, struct{}]
}

var _ p2p.Transport = (*TCP)(nil)

// New returns a transport proving identity to its peers.
func New(identity *Identity, cfg Config) (*TCP, error) {
	if identity == nil || identity.Key == nil {
		return nil, errors.New("transport: identity required")
	}
	if cfg.Network == "" {
		return nil, errors.New("transport: network name required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return &TCP{
		cfg:      cfg,
		identity: identity,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(slog.String("component", "p2p_transport")),
		tracer:   cfg.TracerProvider.Tracer(tracerName),
		// Nonces older than twice the skew allowance fail the timestamp check anyway.
		replay: expirable.NewLRU[string, struct{}](replayCacheSize, nil, 2*cfg.MaxClockSkew),
	}, nil
}

// ID returns the local node identifier.
func (t *TCP) ID() p2p.NodeID { return t.identity.ID }

// Dial connects to addr and completes the handshake.
func (t *TCP) Dial(ctx context.Context, addr string) (p2p.Conn, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := t.handshake(ctx, raw, trace.SpanKindClient)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Listen binds addr and returns a listener that yields only connections
// whose handshake succeeded.
func (t *TCP) Listen(addr string) (p2p.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &listener{
		transport: t,
		ln:        ln,
		ready:     make(chan *conn),
		pending:   make(chan struct{}, t.cfg.MaxPending),
		done:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (t *TCP) handshake(ctx context.Context, raw net.Conn, kind trace.SpanKind) (_ *conn, err error) {
	ctx, span := t.tracer.Start(ctx, "p2p.handshake", trace.WithSpanKind(kind),
		trace.WithAttributes(attribute.String("p2p.network", t.cfg.Network)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	c := newConn(raw, t.cfg.MaxFrameSize)
	local, err := t.buildHello()
	if err != nil {
		return nil, err
	}
	if err := c.writeJSON(ctx, local); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	line, err := c.readLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var remote helloPacket
	if err := json.Unmarshal(line, &remote); err != nil {
		return nil, fmt.Errorf("%w: decode hello: %v", ErrHandshake, err)
	}
	id, err := t.verifyHello(&remote)
	if err != nil {
		return nil, err
	}
	c.remoteID = id
	return c, nil
}

type listener struct {
	transport *TCP
	ln        net.Listener
	ready     chan *conn
	pending   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (l *listener) acceptLoop() {
	defer l.wg.Done()
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.transport.logger.Warn("Accept failed", slog.Any("error", err))
			select {
			case <-l.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if allow := l.transport.cfg.AllowRemote; allow != nil && !allow(raw.RemoteAddr().String()) {
			l.transport.logger.Debug("Rejected connection before handshake",
				logging.MaskField("remote_addr", raw.RemoteAddr().String()))
			_ = raw.Close()
			continue
		}
		select {
		case l.pending <- struct{}{}:
		default:
			l.transport.logger.Debug("Too many pending handshakes; dropping connection",
				logging.MaskField("remote_addr", raw.RemoteAddr().String()))
			_ = raw.Close()
			continue
		}
		l.wg.Add(1)
		go l.serve(raw)
	}
}

func (l *listener) serve(raw net.Conn) {
	defer l.wg.Done()
	defer func() { <-l.pending }()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-l.done:
			_ = raw.Close()
		case <-finished:
		}
	}()

	c, err := l.transport.handshake(context.Background(), raw, trace.SpanKindServer)
	if err != nil {
		l.transport.logger.Debug("Inbound handshake failed",
			logging.MaskField("remote_addr", raw.RemoteAddr().String()),
			slog.Any("error", err))
		_ = raw.Close()
		return
	}
	select {
	case l.ready <- c:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *listener) Accept() (p2p.Conn, error) {
	select {
	case c := <-l.ready:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *listener) Addr() string { return l.ln.Addr().String() }

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

// conn frames p2p.Frame values as JSON lines over a TCP stream.
type conn struct {
	raw      net.Conn
	reader   *bufio.Reader
	maxFrame int
	remoteID p2p.NodeID

	writeMu sync.Mutex
}

func newConn(raw net.Conn, maxFrame int) *conn {
	return &conn{raw: raw, reader: bufio.NewReaderSize(raw, 64<<10), maxFrame: maxFrame}
}

func (c *conn) RemoteID() p2p.NodeID { return c.remoteID }

func (c *conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }

func (c *conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

func (c *conn) Close() error { return c.raw.Close() }

func (c *conn) ReadFrame() (p2p.Frame, error) {
	line, err := c.readLine(context.Background())
	if err != nil {
		return p2p.Frame{}, err
	}
	var frame p2p.Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return p2p.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

func (c *conn) WriteFrame(ctx context.Context, frame p2p.Frame) error {
	return c.writeJSON(ctx, frame)
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > c.maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), c.maxFrame)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.raw.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	_, err = c.raw.Write(append(data, '\n'))
	return err
}

// readLine reads one newline-terminated frame, refusing lines longer than
// maxFrame. A deadline on ctx bounds the read.
func (c *conn) readLine(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.raw.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer c.raw.SetReadDeadline(time.Time{})
	}
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > c.maxFrame+1 {
			return nil, fmt.Errorf("frame exceeds limit %d", c.maxFrame)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}
