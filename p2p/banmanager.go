package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chainnet/observability/logging"
)

// BanTarget names what a ban applies to: a node identity ("id:<node>") or a
// network address ("addr:<host>" or "addr:<host:port>").
type BanTarget string

const (
	banIDPrefix   = "id:"
	banAddrPrefix = "addr:"
)

// IDTarget bans a node identity.
func IDTarget(id NodeID) BanTarget { return BanTarget(banIDPrefix + string(id)) }

// AddrTarget bans an address. A bare host bans every port on it.
func AddrTarget(addr string) BanTarget {
	return BanTarget(banAddrPrefix + strings.ToLower(strings.TrimSpace(addr)))
}

// ParseBanTarget normalises an "id:<node>" or "addr:<host[:port]>" string the
// same way IDTarget and AddrTarget build targets.
func ParseBanTarget(raw string) (BanTarget, error) {
	trimmed := strings.TrimSpace(raw)
	prefix, rest, _ := strings.Cut(trimmed, ":")
	switch strings.ToLower(prefix) + ":" {
	case banIDPrefix:
		if id := normalizeNodeID(rest); id != "" {
			return IDTarget(id), nil
		}
	case banAddrPrefix:
		if strings.TrimSpace(rest) != "" {
			return AddrTarget(rest), nil
		}
	}
	return "", fmt.Errorf("%w: ban target %q must be id:<node> or addr:<host>", ErrInvalidAddress, raw)
}

// BanReason is a short machine-readable cause recorded with a ban.
type BanReason string

const (
	BanReasonOperator          BanReason = "operator"
	BanReasonScore             BanReason = "score"
	BanReasonRepeatedViolation BanReason = "repeated_violation"
)

// BanEntry is one installed ban. An entry whose expiry is not after now is
// inert even before the sweep removes it.
type BanEntry struct {
	Target BanTarget `json:"target"`
	Expiry time.Time `json:"expiry"`
	Reason BanReason `json:"reason"`
}

var errInvalidBanDuration = errors.New("p2p: ban duration must be positive")

// BanManager tracks temporary bans. Lookups are O(1) map reads; Ban and Unban
// persist through the address book before the change becomes visible.
type BanManager struct {
	mu   sync.RWMutex
	bans map[BanTarget]BanEntry

	book    *AddressBook
	clock   clock.Clock
	logger  *slog.Logger
	metrics *networkMetrics
}

func NewBanManager(book *AddressBook, clk clock.Clock, logger *slog.Logger) *BanManager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BanManager{
		bans:   make(map[BanTarget]BanEntry),
		book:   book,
		clock:  clk,
		logger: logger.With(slog.String("component", "p2p_bans")),
	}
}

// Load installs persisted bans that have not yet expired and removes the rest
// from storage.
func (bm *BanManager) Load() error {
	entries, err := bm.book.LoadBans()
	now := bm.clock.Now()
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for _, entry := range entries {
		if !entry.Expiry.After(now) {
			_ = bm.book.DeleteBan(entry.Target)
			continue
		}
		bm.bans[entry.Target] = entry
	}
	bm.metrics.setActiveBans(len(bm.bans))
	return err
}

// Ban installs a ban or extends an existing one. The resulting expiry is the
// later of the current and the requested one.
func (bm *BanManager) Ban(target BanTarget, duration time.Duration, reason BanReason) (BanEntry, error) {
	if duration <= 0 {
		return BanEntry{}, errInvalidBanDuration
	}
	expiry := bm.clock.Now().Add(duration)
	bm.mu.Lock()
	defer bm.mu.Unlock()
	entry, ok := bm.bans[target]
	if ok && entry.Expiry.After(expiry) {
		expiry = entry.Expiry
	}
	entry = BanEntry{Target: target, Expiry: expiry, Reason: reason}
	bm.bans[target] = entry
	bm.metrics.setActiveBans(len(bm.bans))
	err := bm.book.PutBan(entry)
	bm.logger.Info("Installed ban",
		logging.MaskField("target", string(target)),
		slog.String("reason", string(reason)),
		slog.Time("expiry", expiry))
	return entry, err
}

// Unban removes a ban. It reports whether an active ban was removed.
func (bm *BanManager) Unban(target BanTarget) (bool, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	entry, ok := bm.bans[target]
	if !ok {
		return false, nil
	}
	delete(bm.bans, target)
	bm.metrics.setActiveBans(len(bm.bans))
	err := bm.book.DeleteBan(target)
	return entry.Expiry.After(bm.clock.Now()), err
}

// IsBanned reports whether target has an unexpired ban.
func (bm *BanManager) IsBanned(target BanTarget) bool {
	now := bm.clock.Now()
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.activeLocked(target, now)
}

// IsBannedID reports whether the identity is banned.
func (bm *BanManager) IsBannedID(id NodeID) bool {
	if id == "" {
		return false
	}
	return bm.IsBanned(IDTarget(id))
}

// IsBannedAddr reports whether the address is banned either by exact
// host:port or by host.
func (bm *BanManager) IsBannedAddr(addr string) bool {
	if addr == "" {
		return false
	}
	now := bm.clock.Now()
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	if bm.activeLocked(AddrTarget(addr), now) {
		return true
	}
	host := addrHost(addr)
	return host != addr && bm.activeLocked(AddrTarget(host), now)
}

// IsBannedPeer combines the identity and address checks used on the dial and
// accept paths.
func (bm *BanManager) IsBannedPeer(id NodeID, addr string) bool {
	return bm.IsBannedID(id) || bm.IsBannedAddr(addr)
}

func (bm *BanManager) activeLocked(target BanTarget, now time.Time) bool {
	entry, ok := bm.bans[target]
	return ok && entry.Expiry.After(now)
}

// Sweep purges expired entries and returns them.
func (bm *BanManager) Sweep() []BanEntry {
	now := bm.clock.Now()
	bm.mu.Lock()
	defer bm.mu.Unlock()
	var expired []BanEntry
	for target, entry := range bm.bans {
		if entry.Expiry.After(now) {
			continue
		}
		delete(bm.bans, target)
		if err := bm.book.DeleteBan(target); err != nil {
			bm.logger.Debug("Expired ban not removed from storage",
				logging.MaskField("target", string(target)),
				slog.Any("error", err))
		}
		expired = append(expired, entry)
	}
	bm.metrics.setActiveBans(len(bm.bans))
	sort.Slice(expired, func(i, j int) bool { return expired[i].Target < expired[j].Target })
	return expired
}

// List returns every unexpired ban ordered by target.
func (bm *BanManager) List() []BanEntry {
	now := bm.clock.Now()
	bm.mu.RLock()
	out := make([]BanEntry, 0, len(bm.bans))
	for _, entry := range bm.bans {
		if entry.Expiry.After(now) {
			out = append(out, entry)
		}
	}
	bm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// BannedIDs returns the identities with an active identity ban.
func (bm *BanManager) BannedIDs() map[NodeID]struct{} {
	out := make(map[NodeID]struct{})
	for _, entry := range bm.List() {
		if id, ok := strings.CutPrefix(string(entry.Target), banIDPrefix); ok {
			out[NodeID(id)] = struct{}{}
		}
	}
	return out
}
