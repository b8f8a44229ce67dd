package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainnet/p2p"
)

type fakeNetwork struct {
	dialErr  error
	banErr   error
	unbanErr error
	dialed   []string
	banned   []p2p.BanTarget
	unbanned []p2p.BanTarget
}

func (f *fakeNetwork) NetInfo() p2p.NetInfo {
	return p2p.NetInfo{Self: "0x01", Network: "chainnet-test", Outbound: 2, MaxOutbound: 8}
}

func (f *fakeNetwork) Peers() []p2p.PeerStatus {
	return []p2p.PeerStatus{{SessionInfo: p2p.SessionInfo{ID: 7, Peer: "0x02"}, Score: 3}}
}

func (f *fakeNetwork) KnownPeers() []p2p.PeerRecord { return nil }

func (f *fakeNetwork) Bans() []p2p.BanEntry {
	return []p2p.BanEntry{{Target: p2p.IDTarget("0x03"), Reason: p2p.BanReasonOperator}}
}

func (f *fakeNetwork) DialPeer(_ context.Context, target string) error {
	f.dialed = append(f.dialed, target)
	return f.dialErr
}

func (f *fakeNetwork) BanPeer(id p2p.NodeID, _ time.Duration) error {
	f.banned = append(f.banned, p2p.IDTarget(id))
	return f.banErr
}

func (f *fakeNetwork) BanAddr(addr string, _ time.Duration) error {
	f.banned = append(f.banned, p2p.AddrTarget(addr))
	return f.banErr
}

func (f *fakeNetwork) Unban(target p2p.BanTarget) error {
	f.unbanned = append(f.unbanned, target)
	return f.unbanErr
}

func newTestAdmin(net *fakeNetwork) http.Handler {
	return newAdminRouter(net, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminReadEndpoints(t *testing.T) {
	h := newTestAdmin(&fakeNetwork{})

	rec := do(t, h, http.MethodGet, "/p2p/netinfo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info p2p.NetInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "chainnet-test", info.Network)
	require.Equal(t, 2, info.Outbound)

	rec = do(t, h, http.MethodGet, "/p2p/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var peers []p2p.PeerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers, 1)
	require.Equal(t, p2p.NodeID("0x02"), peers[0].Peer)

	rec = do(t, h, http.MethodGet, "/p2p/bans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "id:0x03")

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDialMapsErrors(t *testing.T) {
	net := &fakeNetwork{}
	h := newTestAdmin(net)

	rec := do(t, h, http.MethodPost, "/p2p/dial", `{"target":"0x09@10.0.0.9:30303"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"0x09@10.0.0.9:30303"}, net.dialed)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/p2p/dial", `{}`).Code)

	cases := map[error]int{
		p2p.ErrPeerBanned: http.StatusForbidden,
		p2p.ErrSlotsFull:  http.StatusConflict,
		&p2p.DialError{Addr: "10.0.0.9:30303", Err: context.DeadlineExceeded}: http.StatusBadGateway,
	}
	for err, status := range cases {
		net.dialErr = err
		rec := do(t, h, http.MethodPost, "/p2p/dial", `{"target":"0x09"}`)
		require.Equal(t, status, rec.Code, "error %v", err)
	}
}

func TestAdminBanAndUnban(t *testing.T) {
	net := &fakeNetwork{}
	h := newTestAdmin(net)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/p2p/bans", `{"peer":"ABC","durationSeconds":60}`).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/p2p/bans", `{"addr":"10.0.0.5"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/p2p/bans", `{"peer":"0x1","addr":"10.0.0.5"}`).Code)
	require.Equal(t, []p2p.BanTarget{p2p.IDTarget("0xabc"), p2p.AddrTarget("10.0.0.5")}, net.banned)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/p2p/bans/id:0xabc", "").Code)
	require.Equal(t, []p2p.BanTarget{"id:0xabc"}, net.unbanned)
}

func TestAdminUnbanNormalisesTarget(t *testing.T) {
	net := &fakeNetwork{}
	h := newTestAdmin(net)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/p2p/bans/addr:Node-1.Example.ORG", "").Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/p2p/bans/id:ABC", "").Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/p2p/bans/addr:10.0.0.5:30303", "").Code)
	require.Equal(t, []p2p.BanTarget{
		p2p.AddrTarget("node-1.example.org"),
		p2p.IDTarget("0xabc"),
		p2p.AddrTarget("10.0.0.5:30303"),
	}, net.unbanned)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodDelete, "/p2p/bans/10.0.0.5", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodDelete, "/p2p/bans/addr:", "").Code)
	require.Len(t, net.unbanned, 3)
}

func TestAdminBanWithoutDurability(t *testing.T) {
	degraded := &p2p.PersistenceError{Op: "put", Key: "ban:id:0xabc", Err: errors.New("disk unavailable")}
	net := &fakeNetwork{banErr: degraded, unbanErr: degraded}
	h := newTestAdmin(net)

	rec := do(t, h, http.MethodPost, "/p2p/bans", `{"peer":"0xabc"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		Persisted bool   `json:"persisted"`
		Error     string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Persisted)
	require.Contains(t, body.Error, "disk unavailable")
	require.Equal(t, []p2p.BanTarget{p2p.IDTarget("0xabc")}, net.banned)

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodDelete, "/p2p/bans/id:0xabc", "").Code)

	net.banErr = errors.New("boom")
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/p2p/bans", `{"addr":"10.0.0.5"}`).Code)
}
