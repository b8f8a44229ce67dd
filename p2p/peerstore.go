package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chainnet/observability/logging"
)

const latencyAlpha = 0.2

// ErrPeerStoreFull is returned when a new peer cannot be admitted because every
// tracked peer is connected and therefore not evictable.
var ErrPeerStoreFull = errors.New("p2p: peer store full")

// CandidateFilter narrows CandidatesForDial. Connected peers are always excluded.
type CandidateFilter struct {
	// Banned reports whether the identity or its dial address is banned.
	Banned func(id NodeID, addr string) bool
	// Skip excludes peers for other reasons, such as a dial already in flight.
	Skip func(id NodeID) bool
	// AttemptedBefore, when set, excludes peers whose last attempt is at or after it.
	AttemptedBefore time.Time
}

// PeerStore is the single source of truth for admission and dial decisions.
// Writes are serialized and persisted through the AddressBook before the lock
// is released, so a reader never observes state the store has not committed.
type PeerStore struct {
	mu sync.RWMutex

	peers    map[NodeID]*PeerRecord
	ranked   []NodeID
	reserved map[NodeID]struct{}

	capacity      int
	minScore      int
	maxScore      int
	successReward int

	book    *AddressBook
	clock   clock.Clock
	logger  *slog.Logger
	metrics *networkMetrics
}

// NewPeerStore builds an empty store. Call Load to seed it from the address book.
func NewPeerStore(cfg Config, book *AddressBook, clk clock.Clock, logger *slog.Logger) *PeerStore {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	reserved := make(map[NodeID]struct{}, len(cfg.ReservedPeers))
	for _, pa := range cfg.ReservedPeers {
		reserved[pa.ID] = struct{}{}
	}
	return &PeerStore{
		peers:         make(map[NodeID]*PeerRecord),
		reserved:      reserved,
		capacity:      cfg.AddressBookSize,
		minScore:      cfg.MinScore,
		maxScore:      cfg.MaxScore,
		successReward: cfg.SuccessReward,
		book:          book,
		clock:         clk,
		logger:        logger.With(slog.String("component", "p2p_peerstore")),
	}
}

func (ps *PeerStore) setMetrics(m *networkMetrics) {
	ps.metrics = m
	ps.book.setMetrics(m)
}

// Load replaces the in-memory state with the persisted address book.
func (ps *PeerStore) Load() error {
	records, err := ps.book.LoadPeers()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i := range records {
		rec := records[i]
		if rec.ID == "" {
			continue
		}
		rec.Score = ps.clamp(rec.Score)
		rec.Direction = DirectionNone
		ps.peers[rec.ID] = &rec
	}
	ps.invalidateLocked()
	return err
}

// Flush rewrites every record to durable storage.
func (ps *PeerStore) Flush() error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var errs []error
	for _, rec := range ps.peers {
		if err := ps.book.PutPeer(*rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observe records or refreshes a candidate: unknown identities are inserted,
// known ones have addr merged into their address set.
func (ps *PeerStore) Observe(id NodeID, addr string) (PeerRecord, error) {
	if id == "" {
		return PeerRecord{}, fmt.Errorf("%w: empty identity", ErrPeerUnknown)
	}
	if addr != "" {
		normalized, err := normalizeAddr(addr)
		if err != nil {
			return PeerRecord{}, err
		}
		addr = normalized
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec, ok := ps.peers[id]
	if ok {
		if addr == "" || containsAddr(rec.Addrs, addr) {
			return rec.clone(), nil
		}
		rec.Addrs = dedupeAddrs(rec.Addrs, addr)
		return ps.commitLocked(rec)
	}
	if len(ps.peers) >= ps.capacity {
		if err := ps.evictLocked(); err != nil {
			return PeerRecord{}, err
		}
	}
	rec = &PeerRecord{ID: id, Score: ps.clamp(0)}
	if addr != "" {
		rec.Addrs = []string{addr}
	}
	ps.peers[id] = rec
	ps.metrics.setKnownPeers(len(ps.peers))
	return ps.commitLocked(rec)
}

// RecordSuccess rewards a successful interaction and refreshes last-seen.
func (ps *PeerStore) RecordSuccess(id NodeID) (PeerRecord, error) {
	return ps.update(id, func(rec *PeerRecord) {
		rec.Score = ps.clamp(rec.Score + ps.successReward)
		rec.LastSeen = ps.clock.Now()
		rec.Fails = 0
	})
}

// RecordFailure lowers the score by severity, saturating at the minimum.
func (ps *PeerStore) RecordFailure(id NodeID, severity int) (PeerRecord, error) {
	if severity < 0 {
		severity = -severity
	}
	return ps.update(id, func(rec *PeerRecord) {
		rec.Score = ps.clamp(rec.Score - severity)
		rec.Fails++
	})
}

// RecordAttempt stamps the last dial attempt. The dialer calls it before the
// dial completes so concurrent passes do not pick the same peer twice.
func (ps *PeerStore) RecordAttempt(id NodeID, at time.Time) (PeerRecord, error) {
	return ps.update(id, func(rec *PeerRecord) {
		rec.LastAttempt = at
	})
}

// RecordLatency folds an RTT sample into the latency moving average.
func (ps *PeerStore) RecordLatency(id NodeID, rtt time.Duration) (PeerRecord, error) {
	if rtt <= 0 {
		rtt = time.Microsecond
	}
	return ps.update(id, func(rec *PeerRecord) {
		if rec.LatencyEWMA <= 0 {
			rec.LatencyEWMA = rtt
			return
		}
		rec.LatencyEWMA += time.Duration(latencyAlpha * float64(rtt-rec.LatencyEWMA))
	})
}

// MarkConnected annotates the peer with a live session direction.
func (ps *PeerStore) MarkConnected(id NodeID, dir Direction) (PeerRecord, error) {
	return ps.update(id, func(rec *PeerRecord) {
		rec.Direction = dir
		rec.LastSeen = ps.clock.Now()
	})
}

// MarkDisconnected clears the live session annotation.
func (ps *PeerStore) MarkDisconnected(id NodeID) (PeerRecord, error) {
	rec, err := ps.update(id, func(rec *PeerRecord) {
		rec.Direction = DirectionNone
		rec.LastSeen = ps.clock.Now()
	})
	ps.metrics.removePeer(id)
	return rec, err
}

// Decay moves every score one step toward zero and persists the records
// whose score changed in a single batch. A persistence failure leaves the
// decayed scores in memory and is returned for logging.
func (ps *PeerStore) Decay(step int) error {
	if step <= 0 {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var changed []PeerRecord
	for _, rec := range ps.peers {
		switch {
		case rec.Score > 0:
			rec.Score -= min(step, rec.Score)
		case rec.Score < 0:
			rec.Score += min(step, -rec.Score)
		default:
			continue
		}
		changed = append(changed, rec.clone())
	}
	if len(changed) == 0 {
		return nil
	}
	ps.invalidateLocked()
	return ps.book.PutPeers(changed)
}

// Get returns a copy of the record for id.
func (ps *PeerStore) Get(id NodeID) (PeerRecord, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec, ok := ps.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return rec.clone(), true
}

// Len returns the number of tracked peers.
func (ps *PeerStore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Peers returns every record in dial-ranking order.
func (ps *PeerStore) Peers() []PeerRecord {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ranked := ps.rankedLocked()
	out := make([]PeerRecord, 0, len(ranked))
	for _, id := range ranked {
		out = append(out, ps.peers[id].clone())
	}
	return out
}

// CandidatesForDial returns up to n dialable peers ordered by score
// (descending), then last attempt (oldest first), then latency (lowest first,
// unknown last). Connected and banned peers are never returned.
func (ps *PeerStore) CandidatesForDial(n int, filter CandidateFilter) []PeerRecord {
	if n <= 0 {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]PeerRecord, 0, n)
	for _, id := range ps.rankedLocked() {
		rec := ps.peers[id]
		if rec.Connected() || len(rec.Addrs) == 0 {
			continue
		}
		if !filter.AttemptedBefore.IsZero() && !rec.LastAttempt.IsZero() && !rec.LastAttempt.Before(filter.AttemptedBefore) {
			continue
		}
		if filter.Skip != nil && filter.Skip(id) {
			continue
		}
		if filter.Banned != nil && filter.Banned(id, rec.DialAddr()) {
			continue
		}
		out = append(out, rec.clone())
		if len(out) == n {
			break
		}
	}
	return out
}

// RandomAddresses samples up to n known dialable addresses for gossip,
// leaving out the identities for which exclude returns true.
func (ps *PeerStore) RandomAddresses(n int, exclude func(NodeID, string) bool) []PeerAddr {
	if n <= 0 {
		return nil
	}
	ps.mu.RLock()
	pool := make([]PeerAddr, 0, len(ps.peers))
	for id, rec := range ps.peers {
		if len(rec.Addrs) == 0 || rec.Score < 0 {
			continue
		}
		pool = append(pool, PeerAddr{ID: id, Addr: rec.DialAddr()})
	}
	ps.mu.RUnlock()

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	out := make([]PeerAddr, 0, min(n, len(pool)))
	for _, pa := range pool {
		if exclude != nil && exclude(pa.ID, pa.Addr) {
			continue
		}
		out = append(out, pa)
		if len(out) == n {
			break
		}
	}
	return out
}

func (ps *PeerStore) update(id NodeID, mutate func(*PeerRecord)) (PeerRecord, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec, ok := ps.peers[id]
	if !ok {
		return PeerRecord{}, fmt.Errorf("%w: %s", ErrPeerUnknown, id)
	}
	mutate(rec)
	return ps.commitLocked(rec)
}

// commitLocked persists rec and invalidates the ranking cache. A persistence
// failure leaves the in-memory change in place (degraded mode) and is
// returned to the caller for logging.
func (ps *PeerStore) commitLocked(rec *PeerRecord) (PeerRecord, error) {
	ps.invalidateLocked()
	err := ps.book.PutPeer(*rec)
	if rec.Connected() {
		ps.metrics.observePeer(*rec)
	}
	return rec.clone(), err
}

// IsReserved reports whether id is one of the configured reserved peers.
func (ps *PeerStore) IsReserved(id NodeID) bool {
	_, ok := ps.reserved[id]
	return ok
}

// evictLocked removes the lowest-scored disconnected peer, breaking ties by
// oldest last-seen. Reserved peers are never evicted. Storage is updated
// before memory.
func (ps *PeerStore) evictLocked() error {
	var victim *PeerRecord
	for _, rec := range ps.peers {
		if rec.Connected() || ps.IsReserved(rec.ID) {
			continue
		}
		if victim == nil || evictBefore(rec, victim) {
			victim = rec
		}
	}
	if victim == nil {
		return ErrPeerStoreFull
	}
	if err := ps.book.DeletePeer(victim.ID); err != nil {
		ps.logger.Warn("Evicted peer could not be removed from storage",
			logging.MaskField("peer_id", string(victim.ID)),
			slog.Any("error", err))
	}
	delete(ps.peers, victim.ID)
	ps.invalidateLocked()
	ps.metrics.setKnownPeers(len(ps.peers))
	ps.logger.Debug("Evicted peer from address book",
		logging.MaskField("peer_id", string(victim.ID)),
		slog.Int("score", victim.Score))
	return nil
}

func evictBefore(a, b *PeerRecord) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.Before(b.LastSeen)
	}
	return a.ID < b.ID
}

func (ps *PeerStore) invalidateLocked() {
	ps.ranked = nil
}

func (ps *PeerStore) rankedLocked() []NodeID {
	if ps.ranked != nil {
		return ps.ranked
	}
	ranked := make([]NodeID, 0, len(ps.peers))
	for id := range ps.peers {
		ranked = append(ranked, id)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return rankBefore(ps.peers[ranked[i]], ps.peers[ranked[j]])
	})
	ps.ranked = ranked
	return ranked
}

func rankBefore(a, b *PeerRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.LastAttempt.Equal(b.LastAttempt) {
		return a.LastAttempt.Before(b.LastAttempt)
	}
	if a.LatencyEWMA != b.LatencyEWMA {
		switch {
		case a.LatencyEWMA <= 0:
			return false
		case b.LatencyEWMA <= 0:
			return true
		default:
			return a.LatencyEWMA < b.LatencyEWMA
		}
	}
	return a.ID < b.ID
}

func (ps *PeerStore) clamp(score int) int {
	if score < ps.minScore {
		return ps.minScore
	}
	if score > ps.maxScore {
		return ps.maxScore
	}
	return score
}

func containsAddr(addrs []string, addr string) bool {
	for _, have := range addrs {
		if have == addr {
			return true
		}
	}
	return false
}
