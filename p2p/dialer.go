package p2p

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chainnet/observability/logging"
)

// connectFunc performs one outbound connection, including admission.
type connectFunc func(ctx context.Context, target PeerAddr, feeler bool) error

// DialScheduler keeps the outbound budget full. Every pass it first redials
// disconnected reserved peers, ignoring DialRetryDelay. It then computes the
// deficit net of in-flight dials, asks the peer store for that many
// candidates and stamps their attempt time before dialing. When the budget is
// already full it sends short-lived feeler connections to refresh liveness data.
type DialScheduler struct {
	pendingMu sync.Mutex
	pending   map[NodeID]struct{}
	wg        sync.WaitGroup

	self        NodeID
	reserved    []PeerAddr
	maxOutbound int
	interval    time.Duration
	timeout     time.Duration
	retryDelay  time.Duration
	feelers     int
	penalty     int

	peers    *PeerStore
	bans     *BanManager
	sessions *SessionManager
	connect  connectFunc
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *networkMetrics
}

func NewDialScheduler(cfg Config, self NodeID, peers *PeerStore, bans *BanManager, sessions *SessionManager, connect connectFunc, clk clock.Clock, logger *slog.Logger) *DialScheduler {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DialScheduler{
		pending:     make(map[NodeID]struct{}),
		self:        self,
		reserved:    append([]PeerAddr(nil), cfg.ReservedPeers...),
		maxOutbound: cfg.MaxOutbound,
		interval:    cfg.DialInterval,
		timeout:     cfg.DialTimeout,
		retryDelay:  cfg.DialRetryDelay,
		feelers:     cfg.FeelerCount,
		penalty:     cfg.Penalties.DialFailure,
		peers:       peers,
		bans:        bans,
		sessions:    sessions,
		connect:     connect,
		clock:       clk,
		logger:      logger.With(slog.String("component", "p2p_dialer")),
	}
}

// Run dials immediately and then every DialInterval until ctx is cancelled.
// In-flight dials are waited for before Run returns.
func (d *DialScheduler) Run(ctx context.Context) error {
	defer d.wg.Wait()
	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()
	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce launches one pass of dials and returns how many were started.
func (d *DialScheduler) runOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	started := d.dialReserved(ctx)
	_, outbound := d.sessions.Occupancy()
	deficit := d.maxOutbound - outbound - d.pendingCount()
	if deficit > 0 {
		for _, rec := range d.peers.CandidatesForDial(deficit, d.filter()) {
			if d.launch(ctx, PeerAddr{ID: rec.ID, Addr: rec.DialAddr()}, false) {
				started++
			}
		}
		return started
	}
	if d.feelers <= 0 || outbound < d.maxOutbound {
		return started
	}
	for _, rec := range d.peers.CandidatesForDial(d.feelers, d.filter()) {
		if d.launch(ctx, PeerAddr{ID: rec.ID, Addr: rec.DialAddr()}, true) {
			started++
		}
	}
	return started
}

// dialReserved launches a dial to every reserved peer that is neither
// connected, banned nor already being dialed.
func (d *DialScheduler) dialReserved(ctx context.Context) int {
	started := 0
	for _, pa := range d.reserved {
		if pa.ID == d.self || d.bans.IsBannedPeer(pa.ID, pa.Addr) {
			continue
		}
		if _, ok := d.sessions.ByPeer(pa.ID); ok {
			continue
		}
		if _, err := d.peers.Observe(pa.ID, pa.Addr); err != nil && !isPersistence(err) {
			d.logger.Debug("Reserved peer not tracked",
				logging.MaskField("peer_id", string(pa.ID)),
				slog.Any("error", err))
			continue
		}
		if d.launch(ctx, pa, false) {
			started++
		}
	}
	return started
}

func (d *DialScheduler) filter() CandidateFilter {
	return CandidateFilter{
		Banned:          d.bans.IsBannedPeer,
		Skip:            func(id NodeID) bool { return id == d.self || d.isPending(id) },
		AttemptedBefore: d.clock.Now().Add(-d.retryDelay),
	}
}

func (d *DialScheduler) launch(ctx context.Context, target PeerAddr, feeler bool) bool {
	if !d.markPending(target.ID) {
		return false
	}
	if _, err := d.peers.RecordAttempt(target.ID, d.clock.Now()); err != nil && errors.Is(err, ErrPeerUnknown) {
		d.clearPending(target.ID)
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.clearPending(target.ID)
		dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := d.connect(dialCtx, target, feeler)
		d.observe(target, feeler, err)
	}()
	return true
}

func (d *DialScheduler) observe(target PeerAddr, feeler bool, err error) {
	var dialErr *DialError
	switch {
	case err == nil:
		if feeler {
			d.metrics.recordDial("feeler")
		} else {
			d.metrics.recordDial("success")
		}
	case errors.Is(err, ErrSlotsFull), errors.Is(err, ErrAlreadyConnected):
		d.metrics.recordDial("skipped")
	case errors.As(err, &dialErr):
		d.metrics.recordDial("failure")
		if _, perr := d.peers.RecordFailure(target.ID, d.penalty); perr != nil && !errors.Is(perr, ErrPeerUnknown) {
			d.logger.Debug("Dial failure not persisted", slog.Any("error", perr))
		}
		d.logger.Debug("Dial failed",
			logging.MaskField("peer_id", string(target.ID)),
			logging.MaskField("peer_addr", target.Addr),
			slog.Bool("feeler", feeler),
			slog.Any("error", err))
	default:
		d.metrics.recordDial("rejected")
		d.logger.Debug("Outbound connection rejected",
			logging.MaskField("peer_id", string(target.ID)),
			slog.Any("error", err))
	}
}

func (d *DialScheduler) markPending(id NodeID) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, ok := d.pending[id]; ok {
		return false
	}
	d.pending[id] = struct{}{}
	return true
}

func (d *DialScheduler) clearPending(id NodeID) {
	d.pendingMu.Lock()
	delete(d.pending, id)
	d.pendingMu.Unlock()
}

func (d *DialScheduler) isPending(id NodeID) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	_, ok := d.pending[id]
	return ok
}

func (d *DialScheduler) pendingCount() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}
