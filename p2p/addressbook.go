package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chainnet/observability/logging"
	"chainnet/storage"
)

const (
	peerKeyPrefix = "peer:"
	banKeyPrefix  = "ban:"

	persistMaxRetries = 3
)

var errWriteTimeout = errors.New("write timed out")

// addressBookEntry is the persisted projection of a PeerRecord. Connection
// direction is runtime state and is not stored.
type addressBookEntry struct {
	ID          NodeID    `json:"id"`
	Addrs       []string  `json:"addrs"`
	Score       int       `json:"score"`
	LastSeen    time.Time `json:"lastSeen"`
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
	LatencyNS   int64     `json:"latencyNs,omitempty"`
	Fails       int       `json:"fails,omitempty"`
}

type banRecord struct {
	Target BanTarget `json:"target"`
	Expiry time.Time `json:"expiry"`
	Reason string    `json:"reason"`
}

// AddressBook persists peer and ban records to a storage.Database. Every write
// is bounded by a timeout and retried with exponential backoff; when retries
// are exhausted the book flips into degraded mode and callers keep running on
// their in-memory state.
type AddressBook struct {
	db       storage.Database
	timeout  time.Duration
	degraded atomic.Bool
	logger   *slog.Logger
	metrics  *networkMetrics
}

// NewAddressBook wraps db. A nil db yields a memory-only book that accepts and
// discards every write.
func NewAddressBook(db storage.Database, timeout time.Duration, logger *slog.Logger) *AddressBook {
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AddressBook{
		db:      db,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "p2p_addressbook")),
	}
}

func (ab *AddressBook) setMetrics(m *networkMetrics) {
	if ab == nil {
		return
	}
	ab.metrics = m
}

// Degraded reports whether the last write failed after all retries.
func (ab *AddressBook) Degraded() bool {
	return ab != nil && ab.degraded.Load()
}

// PutPeer inserts or updates the persisted projection of rec.
func (ab *AddressBook) PutPeer(rec PeerRecord) error {
	if ab == nil || ab.db == nil {
		return nil
	}
	kv, err := encodePeer(rec)
	if err != nil {
		return &PersistenceError{Op: "put", Key: string(kv.Key), Err: err}
	}
	return ab.write("put", string(kv.Key), func() error { return ab.db.Put(kv.Key, kv.Value) })
}

// PutPeers persists several records in one atomic batch.
func (ab *AddressBook) PutPeers(recs []PeerRecord) error {
	if ab == nil || ab.db == nil || len(recs) == 0 {
		return nil
	}
	pairs := make([]storage.KV, 0, len(recs))
	for _, rec := range recs {
		kv, err := encodePeer(rec)
		if err != nil {
			return &PersistenceError{Op: "put_batch", Key: string(kv.Key), Err: err}
		}
		pairs = append(pairs, kv)
	}
	return ab.write("put_batch", peerKeyPrefix+"*", func() error { return ab.db.PutBatch(pairs) })
}

func encodePeer(rec PeerRecord) (storage.KV, error) {
	key := []byte(peerKeyPrefix + string(rec.ID))
	blob, err := json.Marshal(addressBookEntry{
		ID:          rec.ID,
		Addrs:       append([]string(nil), rec.Addrs...),
		Score:       rec.Score,
		LastSeen:    rec.LastSeen,
		LastAttempt: rec.LastAttempt,
		LatencyNS:   int64(rec.LatencyEWMA),
		Fails:       rec.Fails,
	})
	return storage.KV{Key: key, Value: blob}, err
}

// DeletePeer removes a peer record.
func (ab *AddressBook) DeletePeer(id NodeID) error {
	if ab == nil || ab.db == nil {
		return nil
	}
	key := []byte(peerKeyPrefix + string(id))
	return ab.write("delete", string(key), func() error { return ab.db.Delete(key) })
}

// LoadPeers scans every persisted peer record.
func (ab *AddressBook) LoadPeers() ([]PeerRecord, error) {
	if ab == nil || ab.db == nil {
		return nil, nil
	}
	var out []PeerRecord
	err := ab.db.Iterate([]byte(peerKeyPrefix), func(key, value []byte) error {
		var entry addressBookEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			ab.logger.Warn("Skipping undecodable peer record",
				logging.MaskField("key", string(key)),
				slog.Any("error", err))
			return nil
		}
		if entry.ID == "" {
			entry.ID = NodeID(strings.TrimPrefix(string(key), peerKeyPrefix))
		}
		out = append(out, PeerRecord{
			ID:          entry.ID,
			Addrs:       entry.Addrs,
			Score:       entry.Score,
			LastSeen:    entry.LastSeen,
			LastAttempt: entry.LastAttempt,
			LatencyEWMA: time.Duration(entry.LatencyNS),
			Fails:       entry.Fails,
		})
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("load peers: %w", err)
	}
	return out, nil
}

// PutBan persists a ban entry.
func (ab *AddressBook) PutBan(entry BanEntry) error {
	if ab == nil || ab.db == nil {
		return nil
	}
	blob, err := json.Marshal(banRecord{Target: entry.Target, Expiry: entry.Expiry, Reason: string(entry.Reason)})
	if err != nil {
		return &PersistenceError{Op: "put", Key: banKeyPrefix + string(entry.Target), Err: err}
	}
	key := []byte(banKeyPrefix + string(entry.Target))
	return ab.write("put", string(key), func() error { return ab.db.Put(key, blob) })
}

// DeleteBan removes a ban entry.
func (ab *AddressBook) DeleteBan(target BanTarget) error {
	if ab == nil || ab.db == nil {
		return nil
	}
	key := []byte(banKeyPrefix + string(target))
	return ab.write("delete", string(key), func() error { return ab.db.Delete(key) })
}

// LoadBans scans every persisted ban entry.
func (ab *AddressBook) LoadBans() ([]BanEntry, error) {
	if ab == nil || ab.db == nil {
		return nil, nil
	}
	var out []BanEntry
	err := ab.db.Iterate([]byte(banKeyPrefix), func(key, value []byte) error {
		var rec banRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			ab.logger.Warn("Skipping undecodable ban record",
				logging.MaskField("key", string(key)),
				slog.Any("error", err))
			return nil
		}
		out = append(out, BanEntry{Target: rec.Target, Expiry: rec.Expiry, Reason: BanReason(rec.Reason)})
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("load bans: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (ab *AddressBook) Close() error {
	if ab == nil || ab.db == nil {
		return nil
	}
	return ab.db.Close()
}

func (ab *AddressBook) write(op, key string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = ab.timeout / 2
	policy.MaxElapsedTime = ab.timeout
	attempt := func() error {
		err := runWithTimeout(ab.timeout, fn)
		if errors.Is(err, storage.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	var retries backoff.BackOff = backoff.WithMaxRetries(policy, persistMaxRetries)
	if ab.degraded.Load() {
		// Do not stall every mutation while the store is known to be down.
		retries = &backoff.StopBackOff{}
	}
	err := backoff.Retry(attempt, retries)
	if err != nil {
		ab.metrics.recordStoreError(op)
		if !ab.degraded.Swap(true) {
			ab.metrics.setStoreDegraded(true)
			ab.logger.Error("Address book persistence failed, continuing without durability",
				slog.String("op", op),
				logging.MaskField("key", key),
				slog.Any("error", err))
		}
		return &PersistenceError{Op: op, Key: key, Err: err}
	}
	if ab.degraded.Swap(false) {
		ab.metrics.setStoreDegraded(false)
		ab.logger.Info("Address book persistence recovered")
	}
	return nil
}

// runWithTimeout bounds a storage call that has no context support. A call
// that overruns keeps running in the background; its result is discarded.
func runWithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errWriteTimeout
	}
}
