package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"chainnet/p2p"
)

func newTestTransport(t *testing.T, network string, clk clock.Clock) *TCP {
	t.Helper()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	tr, err := New(id, Config{
		Network:          network,
		HandshakeTimeout: 2 * time.Second,
		Clock:            clk,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return tr
}

func listen(t *testing.T, tr *TCP) p2p.Listener {
	t.Helper()
	ln, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestDialAcceptExchangesFrames(t *testing.T) {
	server := newTestTransport(t, "chainnet-test", nil)
	client := newTestTransport(t, "chainnet-test", nil)
	ln := listen(t, server)

	accepted := make(chan p2p.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := client.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer out.Close()
	require.Equal(t, server.ID(), out.RemoteID())

	var in p2p.Conn
	select {
	case in = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound connection")
	}
	defer in.Close()
	require.Equal(t, client.ID(), in.RemoteID())

	payload := []byte(strings.Repeat("x", 100_000))
	require.NoError(t, out.WriteFrame(ctx, p2p.Frame{Protocol: p2p.ProtocolSyncBase, Payload: payload}))
	frame, err := in.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, p2p.ProtocolSyncBase, frame.Protocol)
	require.Equal(t, payload, frame.Payload)

	require.NoError(t, in.WriteFrame(ctx, p2p.Frame{Protocol: p2p.ProtocolPing}))
	frame, err = out.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, p2p.ProtocolPing, frame.Protocol)
	require.Empty(t, frame.Payload)
}

func TestDialRejectsOtherNetwork(t *testing.T) {
	server := newTestTransport(t, "mainnet", nil)
	client := newTestTransport(t, "testnet", nil)
	ln := listen(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, ln.Addr())
	require.ErrorIs(t, err, ErrHandshake)
}

func TestHelloReplayAndSkew(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	local := newTestTransport(t, "chainnet-test", clk)
	remote := newTestTransport(t, "chainnet-test", clk)

	hello, err := remote.buildHello()
	require.NoError(t, err)
	id, err := local.verifyHello(hello)
	require.NoError(t, err)
	require.Equal(t, remote.ID(), id)

	_, err = local.verifyHello(hello)
	require.ErrorIs(t, err, ErrHandshake)
	require.ErrorContains(t, err, "replay")

	stale, err := remote.buildHello()
	require.NoError(t, err)
	clk.Add(DefaultMaxClockSkew + time.Minute)
	_, err = local.verifyHello(stale)
	require.ErrorContains(t, err, "skew")
}

func TestHelloRejectsTampering(t *testing.T) {
	local := newTestTransport(t, "chainnet-test", nil)
	remote := newTestTransport(t, "chainnet-test", nil)
	other := newTestTransport(t, "chainnet-test", nil)

	hello, err := remote.buildHello()
	require.NoError(t, err)
	forged, err := other.buildHello()
	require.NoError(t, err)
	// Claim remote's key with a signature made by other.
	hello.Signature = forged.Signature
	_, err = local.verifyHello(hello)
	require.ErrorIs(t, err, ErrHandshake)

	self, err := local.buildHello()
	require.NoError(t, err)
	_, err = local.verifyHello(self)
	require.True(t, errors.Is(err, ErrHandshake))
	require.ErrorContains(t, err, p2p.ErrSelfDial.Error())
}

func TestListenerDropsGarbageClients(t *testing.T) {
	server := newTestTransport(t, "chainnet-test", nil)
	client := newTestTransport(t, "chainnet-test", nil)
	ln := listen(t, server)

	garbage, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	_, err = garbage.Write([]byte("not a hello\n"))
	require.NoError(t, err)
	defer garbage.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := client.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer out.Close()

	c, err := ln.Accept()
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, client.ID(), c.RemoteID())
}

// readAll drains raw until the server closes it.
func readAll(t *testing.T, raw net.Conn) []byte {
	t.Helper()
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := io.ReadAll(raw)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("server kept the connection open")
	}
	return data
}

func TestListenerRejectsDisallowedRemoteBeforeHello(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	seen := make(chan string, 4)
	server, err := New(id, Config{
		Network:     "chainnet-test",
		AllowRemote: func(addr string) bool { seen <- addr; return false },
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ln := listen(t, server)

	raw, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	defer raw.Close()
	require.Empty(t, readAll(t, raw), "no hello may be sent to a rejected remote")
	require.Equal(t, raw.LocalAddr().String(), <-seen)

	client := newTestTransport(t, "chainnet-test", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.Dial(ctx, ln.Addr())
	require.Error(t, err)
}

func TestBannedAddressNeverLearnsNodeID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	id, err := GenerateIdentity()
	require.NoError(t, err)
	var ctrl *p2p.Controller
	tr, err := New(id, Config{
		Network:     "chainnet-test",
		AllowRemote: func(addr string) bool { return ctrl.AllowRemote(addr) },
		Logger:      logger,
	})
	require.NoError(t, err)
	cfg := p2p.DefaultConfig()
	cfg.NetworkID = "chainnet-test"
	cfg.ListenAddrs = []string{"127.0.0.1:0"}
	ctrl, err = p2p.NewController(cfg, p2p.Options{Self: id.ID, Transport: tr, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	listenAddr := ctrl.ListenAddrs()[0]

	client := newTestTransport(t, "chainnet-test", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	allowed, err := client.Dial(ctx, listenAddr)
	require.NoError(t, err)
	require.Equal(t, id.ID, allowed.RemoteID())
	_ = allowed.Close()

	require.NoError(t, ctrl.BanAddr("127.0.0.1", time.Hour))
	raw, err := net.Dial("tcp", listenAddr)
	require.NoError(t, err)
	defer raw.Close()
	require.Empty(t, readAll(t, raw))

	conn, err := client.Dial(ctx, listenAddr)
	require.Error(t, err)
	require.Nil(t, conn)
}

func TestAcceptAfterCloseReturnsErrClosed(t *testing.T) {
	server := newTestTransport(t, "chainnet-test", nil)
	ln, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	_, err = ln.Accept()
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestOversizedFrameRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	writer := newConn(a, 64)
	err := writer.WriteFrame(context.Background(), p2p.Frame{Protocol: 1, Payload: make([]byte, 128)})
	require.ErrorContains(t, err, "exceeds limit")

	reader := newConn(b, 16)
	go func() { _, _ = a.Write([]byte(strings.Repeat("y", 64) + "\n")) }()
	_, err = reader.ReadFrame()
	require.ErrorContains(t, err, "exceeds limit")
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.True(t, strings.HasPrefix(string(first.ID), "0x"))
	require.Len(t, string(first.ID), 66)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	legacy := filepath.Join(t.TempDir(), "legacy.key")
	require.NoError(t, os.WriteFile(legacy, []byte("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318\n"), 0o600))
	id, err := LoadOrCreateIdentity(legacy)
	require.NoError(t, err)
	require.NotEmpty(t, id.ID)

	bad := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(bad, []byte("{\"privateKey\":\"zz\"}"), 0o600))
	_, err = LoadOrCreateIdentity(bad)
	require.Error(t, err)
}

func TestHandshakeSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	id, err := GenerateIdentity()
	require.NoError(t, err)
	client, err := New(id, Config{
		Network:        "chainnet-test",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		TracerProvider: provider,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	good := listen(t, newTestTransport(t, "chainnet-test", nil))
	go func() {
		if c, err := good.Accept(); err == nil {
			_ = c.Close()
		}
	}()
	conn, err := client.Dial(ctx, good.Addr())
	require.NoError(t, err)
	_ = conn.Close()

	other := listen(t, newTestTransport(t, "mainnet", nil))
	_, err = client.Dial(ctx, other.Addr())
	require.ErrorIs(t, err, ErrHandshake)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		require.Equal(t, "p2p.handshake", span.Name())
		require.Equal(t, trace.SpanKindClient, span.SpanKind())
	}
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.NotEmpty(t, spans[1].Events(), "the handshake error is recorded on the span")
}
