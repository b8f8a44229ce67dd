package p2p

import (
	"sync"
	"time"
)

// EventKind classifies a network event delivered to the host process.
type EventKind string

const (
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventPeerBanned       EventKind = "peer_banned"
	EventPeerUnbanned     EventKind = "peer_unbanned"
	EventAddressAccepted  EventKind = "address_accepted"
	EventAddressRejected  EventKind = "address_rejected"
)

const eventBufferSize = 256

// Event is a host-facing notification. Fields that do not apply to a kind are
// left empty.
type Event struct {
	Kind      EventKind
	Time      time.Time
	Peer      NodeID
	Session   SessionID
	Direction Direction
	Addr      string
	Target    BanTarget
	Reason    string
}

// eventBus fans events out to subscribers without ever blocking the
// publisher. A subscriber that falls behind loses events.
type eventBus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	metrics *networkMetrics
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, eventBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.metrics.recordEventDropped()
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
