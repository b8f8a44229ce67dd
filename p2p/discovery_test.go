package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type discoveryHarness struct {
	*routerHarness
	peers  *PeerStore
	svc    *DiscoveryService
	mu     sync.Mutex
	events []Event
}

func newDiscoveryHarness(t *testing.T, cfg Config, banned func(NodeID, string) bool) *discoveryHarness {
	t.Helper()
	d := &discoveryHarness{}
	d.routerHarness = newRouterHarnessWith(t, cfg, func(h *routerHarness) []ProtocolHandler {
		d.peers = NewPeerStore(cfg, NewAddressBook(nil, 0, testLogger()), h.clock, testLogger())
		d.svc = NewDiscoveryService(cfg, DiscoveryDeps{
			Self:   testID(0),
			IsSelf: func(addr string) bool { return addr == "198.51.100.1:30303" },
			Peers:  d.peers,
			Banned: banned,
			Emit: func(ev Event) {
				d.mu.Lock()
				d.events = append(d.events, ev)
				d.mu.Unlock()
			},
			Clock:  h.clock,
			Logger: testLogger(),
		})
		return []ProtocolHandler{d.svc}
	})
	return d
}

func (d *discoveryHarness) countEvents(kind EventKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ev := range d.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func addrsPayload(t *testing.T, offset, n int) []byte {
	t.Helper()
	addrs := make([]PeerAddr, 0, n)
	for i := 0; i < n; i++ {
		addrs = append(addrs, PeerAddr{ID: testID(1000 + offset + i), Addr: testAddr(offset + i)})
	}
	payload, err := json.Marshal(discoveryMessage{Type: discoveryTypeAddrs, Addrs: addrs})
	if err != nil {
		t.Fatalf("encode addrs: %v", err)
	}
	return payload
}

func TestDiscoveryOversizedBatchTruncatedAndPenalizedOnRepeat(t *testing.T) {
	d := newDiscoveryHarness(t, DefaultConfig(), nil)
	id, _ := d.open(t, testID(1), DirectionInbound)

	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: addrsPayload(t, 0, 500)})
	if d.peers.Len() != 50 {
		t.Fatalf("expected 50 addresses processed, got %d", d.peers.Len())
	}
	if got := d.penalizer.count(PenaltyDiscoverySpam); got != 0 {
		t.Fatalf("first oversized batch must not be penalized, got %d", got)
	}

	d.clock.Add(10 * time.Second)
	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: addrsPayload(t, 500, 500)})
	if d.peers.Len() != 100 {
		t.Fatalf("expected 100 addresses after second batch, got %d", d.peers.Len())
	}
	if got := d.penalizer.count(PenaltyDiscoverySpam); got != 1 {
		t.Fatalf("repeated oversized batch should be penalized once, got %d", got)
	}
	if _, ok := d.sessions.Info(id); !ok {
		t.Fatalf("oversized batches must not close the session")
	}

	d.clock.Add(2 * time.Minute)
	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: addrsPayload(t, 1000, 500)})
	if got := d.penalizer.count(PenaltyDiscoverySpam); got != 1 {
		t.Fatalf("oversized batch in a fresh window must not be penalized, got %d", got)
	}
}

func TestDiscoveryWindowBudget(t *testing.T) {
	d := newDiscoveryHarness(t, DefaultConfig(), nil)
	id, _ := d.open(t, testID(1), DirectionInbound)
	for i := 0; i < 5; i++ {
		d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: addrsPayload(t, i*50, 50)})
	}
	if d.peers.Len() != 200 {
		t.Fatalf("expected window budget of 200 addresses, got %d", d.peers.Len())
	}
	d.clock.Add(time.Minute)
	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: addrsPayload(t, 400, 50)})
	if d.peers.Len() != 250 {
		t.Fatalf("expected budget to refill after the window, got %d", d.peers.Len())
	}
}

func TestDiscoveryRejectsSelfAndBanned(t *testing.T) {
	banned := func(id NodeID, addr string) bool { return id == testID(5) }
	d := newDiscoveryHarness(t, DefaultConfig(), banned)
	id, _ := d.open(t, testID(1), DirectionInbound)
	payload, _ := json.Marshal(discoveryMessage{Type: discoveryTypeAddrs, Addrs: []PeerAddr{
		{ID: testID(0), Addr: "10.9.9.9:30303"},
		{ID: testID(4), Addr: "198.51.100.1:30303"},
		{ID: testID(5), Addr: "10.9.9.10:30303"},
		{ID: testID(6), Addr: "0.0.0.0:30303"},
		{ID: testID(7), Addr: "10.9.9.11:30303"},
	}})
	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: payload})
	if d.peers.Len() != 1 {
		t.Fatalf("expected only one acceptable address, got %d", d.peers.Len())
	}
	if _, ok := d.peers.Get(testID(7)); !ok {
		t.Fatalf("expected valid address recorded")
	}
	if got := d.countEvents(EventAddressRejected); got != 4 {
		t.Fatalf("expected 4 rejection events, got %d", got)
	}
	if got := d.countEvents(EventAddressAccepted); got != 1 {
		t.Fatalf("expected 1 acceptance event, got %d", got)
	}
}

func TestDiscoveryOutboundRequestsAddresses(t *testing.T) {
	d := newDiscoveryHarness(t, DefaultConfig(), nil)
	_, conn := d.open(t, testID(1), DirectionOutbound)
	var msg discoveryMessage
	if err := json.Unmarshal(conn.framesFor(t, ProtocolDiscovery, 1)[0].Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != discoveryTypeGetAddrs || msg.Token == "" || msg.Limit != 50 {
		t.Fatalf("unexpected request %+v", msg)
	}
}

func TestDiscoveryAnswersOncePerSession(t *testing.T) {
	d := newDiscoveryHarness(t, DefaultConfig(), nil)
	for i := 2; i <= 6; i++ {
		if _, err := d.peers.Observe(testID(i), testAddr(i)); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	if _, err := d.peers.Observe(testID(1), testAddr(1)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	id, conn := d.open(t, testID(1), DirectionInbound)
	req, _ := json.Marshal(discoveryMessage{Type: discoveryTypeGetAddrs, Token: "abc", Limit: 3})
	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: req})
	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: req})

	var resp discoveryMessage
	if err := json.Unmarshal(conn.framesFor(t, ProtocolDiscovery, 1)[0].Payload, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Type != discoveryTypeAddrs || resp.Token != "abc" || len(resp.Addrs) != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
	for _, pa := range resp.Addrs {
		if pa.ID == testID(1) {
			t.Fatalf("requester must not receive its own address")
		}
	}
	select {
	case f := <-conn.out:
		t.Fatalf("second request must not be answered, got %s", f.Protocol)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDiscoveryGossipFanout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiscoveryFanout = 2
	d := newDiscoveryHarness(t, cfg, nil)
	for i := 10; i < 20; i++ {
		_, _ = d.peers.Observe(testID(i), testAddr(i))
	}
	for i := 1; i <= 4; i++ {
		d.open(t, testID(i), DirectionInbound)
	}
	handle := d.handle(t, ProtocolDiscovery)
	if sent := d.svc.gossip(handle); sent != 2 {
		t.Fatalf("expected gossip to 2 sessions, got %d", sent)
	}
}

func TestDiscoveryGarbageIsViolation(t *testing.T) {
	d := newDiscoveryHarness(t, DefaultConfig(), nil)
	id, _ := d.open(t, testID(1), DirectionInbound)
	d.router.Dispatch(id, Frame{Protocol: ProtocolDiscovery, Payload: []byte(fmt.Sprintf(`{"type":%d}`, 5))})
	if reason := d.waitClosed(t); reason != ReasonProtocolViolation {
		t.Fatalf("expected protocol violation, got %s", reason)
	}
}
