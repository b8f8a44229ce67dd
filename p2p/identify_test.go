package p2p

import (
	"encoding/json"
	"sync"
	"testing"
)

type observedAddrs struct {
	mu    sync.Mutex
	addrs []PeerAddr
}

func (o *observedAddrs) Observe(id NodeID, addr string) (PeerRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.addrs = append(o.addrs, PeerAddr{ID: id, Addr: addr})
	return PeerRecord{ID: id, Addrs: []string{addr}}, nil
}

func (o *observedAddrs) list() []PeerAddr {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PeerAddr(nil), o.addrs...)
}

func newIdentifyHarness(t *testing.T, banned func(NodeID, string) bool) (*routerHarness, *observedAddrs) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NetworkID = "chainnet-test"
	cfg.ClientVersion = "chainnet/test"
	observed := &observedAddrs{}
	h := newRouterHarnessWith(t, cfg, func(h *routerHarness) []ProtocolHandler {
		return []ProtocolHandler{NewIdentifyService(cfg, IdentifyDeps{
			Self:        testID(0),
			ListenAddrs: func() []string { return []string{"198.51.100.1:30303"} },
			Protocols:   func() []ProtocolID { return []ProtocolID{ProtocolIdentify} },
			Peers:       observed,
			Banned:      banned,
			Annotator:   h.sessions,
			Logger:      testLogger(),
		})}
	})
	return h, observed
}

func identifyPayload(t *testing.T, msg identifyMessage) []byte {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode identify: %v", err)
	}
	return payload
}

func TestIdentifySentOnConnect(t *testing.T) {
	h, _ := newIdentifyHarness(t, nil)
	_, conn := h.open(t, testID(1), DirectionOutbound)
	f := conn.framesFor(t, ProtocolIdentify, 1)[0]
	var msg identifyMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.NodeID != testID(0) || msg.Network != "chainnet-test" || msg.ClientVersion != "chainnet/test" {
		t.Fatalf("unexpected identify %+v", msg)
	}
	if len(msg.ListenAddrs) != 1 || msg.ListenAddrs[0] != "198.51.100.1:30303" {
		t.Fatalf("unexpected listen addrs %v", msg.ListenAddrs)
	}
}

func TestIdentifyRecordsMetadata(t *testing.T) {
	h, observed := newIdentifyHarness(t, nil)
	id, _ := h.open(t, testID(1), DirectionInbound)
	h.router.Dispatch(id, Frame{Protocol: ProtocolIdentify, Payload: identifyPayload(t, identifyMessage{
		NodeID:        testID(1),
		Network:       "chainnet-test",
		ClientVersion: "peer/1.2",
		ListenAddrs:   []string{"0.0.0.0:30303", "203.0.113.5:30304"},
		Protocols:     []ProtocolID{ProtocolPing, ProtocolIdentify},
	})})

	info, ok := h.sessions.Info(id)
	if !ok {
		t.Fatalf("session closed")
	}
	if info.ClientVersion != "peer/1.2" || len(info.Supported) != 2 {
		t.Fatalf("session not annotated: %+v", info)
	}
	got := observed.list()
	if len(got) != 2 {
		t.Fatalf("expected two observed addresses, got %v", got)
	}
	if got[0].Addr != "192.0.2.10:30303" {
		t.Fatalf("unspecified host should resolve to the remote host, got %s", got[0].Addr)
	}
	if h.penalizer.count(PenaltyBadIdentify) != 0 {
		t.Fatalf("valid identify must not be penalized")
	}
}

func TestIdentifyInvalidMetadataPenalizesWithoutDisconnect(t *testing.T) {
	cases := map[string][]byte{
		"garbage":        []byte("{oops"),
		"wrong identity": identifyPayload(t, identifyMessage{NodeID: testID(7), Network: "chainnet-test"}),
		"wrong network":  identifyPayload(t, identifyMessage{NodeID: testID(1), Network: "othernet"}),
		"bad address":    identifyPayload(t, identifyMessage{NodeID: testID(1), Network: "chainnet-test", ListenAddrs: []string{"nonsense"}}),
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			h, _ := newIdentifyHarness(t, nil)
			id, _ := h.open(t, testID(1), DirectionInbound)
			h.router.Dispatch(id, Frame{Protocol: ProtocolIdentify, Payload: payload})
			if got := h.penalizer.count(PenaltyBadIdentify); got != 1 {
				t.Fatalf("expected one bad identify penalty, got %d", got)
			}
			if _, ok := h.sessions.Info(id); !ok {
				t.Fatalf("invalid identify must not close the session")
			}
			if h.penalizer.violationCount() != 0 {
				t.Fatalf("invalid identify must not count as a violation")
			}
		})
	}
}

func TestIdentifySkipsBannedAddresses(t *testing.T) {
	banned := func(id NodeID, addr string) bool { return addr == "203.0.113.5:30304" }
	h, observed := newIdentifyHarness(t, banned)
	id, _ := h.open(t, testID(1), DirectionInbound)
	h.router.Dispatch(id, Frame{Protocol: ProtocolIdentify, Payload: identifyPayload(t, identifyMessage{
		NodeID:      testID(1),
		Network:     "chainnet-test",
		ListenAddrs: []string{"203.0.113.5:30304", "203.0.113.6:30304"},
	})})
	got := observed.list()
	if len(got) != 1 || got[0].Addr != "203.0.113.6:30304" {
		t.Fatalf("expected banned address skipped, got %v", got)
	}
}
