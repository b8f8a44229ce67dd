package seeds

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chainnet/p2p"
)

// Source adapts a Registry to the network controller's seed interface. Results
// are cached for the registry's refresh interval so repeated calls during poor
// connectivity do not hammer the authorities.
type Source struct {
	registry *Registry
	resolver Resolver
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	cached   []p2p.PeerAddr
	cachedAt time.Time
}

var _ p2p.SeedSource = (*Source)(nil)

// NewSource builds a seed source. A nil resolver queries the system DNS.
func NewSource(registry *Registry, resolver Resolver, clk clock.Clock, logger *slog.Logger) *Source {
	if resolver == nil {
		resolver = NewDNSResolver("", 0)
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		registry: registry,
		resolver: resolver,
		clock:    clk,
		logger:   logger.With(slog.String("component", "p2p_seeds")),
	}
}

// Resolve returns the currently valid seeds.
func (s *Source) Resolve(ctx context.Context) ([]p2p.PeerAddr, error) {
	now := s.clock.Now()
	s.mu.Lock()
	if !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < s.registry.RefreshInterval() {
		cached := append([]p2p.PeerAddr(nil), s.cached...)
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	resolved, err := s.registry.Resolve(ctx, now, s.resolver)
	peers := make([]p2p.PeerAddr, 0, len(resolved))
	for _, seed := range resolved {
		peers = append(peers, seed.Peer)
	}
	if err != nil {
		s.logger.Warn("Some seed authorities failed", slog.Int("seeds", len(peers)), slog.Any("error", err))
	}
	if len(peers) > 0 {
		s.mu.Lock()
		s.cached = append([]p2p.PeerAddr(nil), peers...)
		s.cachedAt = now
		s.mu.Unlock()
	}
	return peers, err
}
