package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chainnet/p2p"
)

// P2P is the [P2P] section. Durations are expressed in whole seconds and
// zero values fall back to the networking defaults.
type P2P struct {
	NetworkID      string   `toml:"NetworkID"`
	ListenAddress  string   `toml:"ListenAddress"`
	AdvertiseAddrs []string `toml:"AdvertiseAddrs"`
	Bootnodes      []string `toml:"Bootnodes"`
	ReservedPeers  []string `toml:"ReservedPeers"`

	MaxInboundPeers  int `toml:"MaxInboundPeers"`
	MaxOutboundPeers int `toml:"MaxOutboundPeers"`
	AddressBookSize  int `toml:"AddressBookSize"`

	PingIntervalSeconds      int `toml:"PingIntervalSeconds"`
	PingTimeoutSeconds       int `toml:"PingTimeoutSeconds"`
	PingFailureThreshold     int `toml:"PingFailureThreshold"`
	DiscoveryIntervalSeconds int `toml:"DiscoveryIntervalSeconds"`
	DiscoveryFanout          int `toml:"DiscoveryFanout"`
	MaxAddrsPerMessage       int `toml:"MaxAddrsPerMessage"`
	MaxAddrsPerWindow        int `toml:"MaxAddrsPerWindow"`

	DefaultBanSeconds     int `toml:"DefaultBanSeconds"`
	BanScore              int `toml:"BanScore"`
	ViolationBanThreshold int `toml:"ViolationBanThreshold"`

	DialTimeoutSeconds    int `toml:"DialTimeoutSeconds"`
	DialRetryDelaySeconds int `toml:"DialRetryDelaySeconds"`
	FeelerCount           int `toml:"FeelerCount"`
	HandshakeTimeoutMs    int `toml:"HandshakeTimeoutMs"`

	RateMsgsPerSec float64 `toml:"RateMsgsPerSec"`
	Burst          int     `toml:"Burst"`

	Penalties *Penalties `toml:"Penalties,omitempty"`
}

// Penalties overrides the score deduction table.
type Penalties struct {
	UnknownProtocol   int `toml:"UnknownProtocol"`
	Unresponsive      int `toml:"Unresponsive"`
	BadIdentify       int `toml:"BadIdentify"`
	DiscoverySpam     int `toml:"DiscoverySpam"`
	DialFailure       int `toml:"DialFailure"`
	ProtocolViolation int `toml:"ProtocolViolation"`
	RateLimit         int `toml:"RateLimit"`
}

func defaultP2P() P2P {
	def := p2p.DefaultConfig()
	return P2P{
		NetworkID:                "chainnet-local",
		ListenAddress:            "0.0.0.0:30303",
		Bootnodes:                []string{},
		ReservedPeers:            []string{},
		MaxInboundPeers:          def.MaxInbound,
		MaxOutboundPeers:         def.MaxOutbound,
		PingIntervalSeconds:      int(def.PingInterval / time.Second),
		PingTimeoutSeconds:       int(def.PingTimeout / time.Second),
		PingFailureThreshold:     def.PingFailureThreshold,
		DiscoveryIntervalSeconds: int(def.DiscoveryInterval / time.Second),
		DiscoveryFanout:          def.DiscoveryFanout,
		DefaultBanSeconds:        int(def.DefaultBanDuration / time.Second),
	}
}

// NetworkConfig converts the section into the runtime configuration of the
// networking core. Malformed bootnodes and reserved peers are reported,
// never skipped.
func (c P2P) NetworkConfig() (p2p.Config, error) {
	cfg := p2p.Config{
		NetworkID:             strings.TrimSpace(c.NetworkID),
		AdvertiseAddrs:        append([]string(nil), c.AdvertiseAddrs...),
		MaxInbound:            c.MaxInboundPeers,
		MaxOutbound:           c.MaxOutboundPeers,
		AddressBookSize:       c.AddressBookSize,
		BanScore:              c.BanScore,
		PingInterval:          seconds(c.PingIntervalSeconds),
		PingTimeout:           seconds(c.PingTimeoutSeconds),
		PingFailureThreshold:  c.PingFailureThreshold,
		DiscoveryInterval:     seconds(c.DiscoveryIntervalSeconds),
		DiscoveryFanout:       c.DiscoveryFanout,
		MaxAddrsPerMessage:    c.MaxAddrsPerMessage,
		MaxAddrsPerWindow:     c.MaxAddrsPerWindow,
		DefaultBanDuration:    seconds(c.DefaultBanSeconds),
		ViolationBanThreshold: c.ViolationBanThreshold,
		DialTimeout:           seconds(c.DialTimeoutSeconds),
		DialRetryDelay:        seconds(c.DialRetryDelaySeconds),
		FeelerCount:           c.FeelerCount,
		MessageRate:           c.RateMsgsPerSec,
		MessageBurst:          c.Burst,
	}
	if addr := strings.TrimSpace(c.ListenAddress); addr != "" {
		cfg.ListenAddrs = []string{addr}
	}
	if c.Penalties != nil {
		cfg.Penalties = p2p.Penalties(*c.Penalties)
	}
	var errs []error
	cfg.Bootnodes = parsePeers("bootnode", c.Bootnodes, &errs)
	cfg.ReservedPeers = parsePeers("reserved peer", c.ReservedPeers, &errs)
	if err := errors.Join(errs...); err != nil {
		return p2p.Config{}, err
	}
	return p2p.WithDefaults(cfg), nil
}

func parsePeers(kind string, raw []string, errs *[]error) []p2p.PeerAddr {
	var out []p2p.PeerAddr
	seen := make(map[p2p.NodeID]struct{}, len(raw))
	for _, entry := range raw {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		peer, err := p2p.ParsePeerAddr(entry)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s %q: %w", kind, entry, err))
			continue
		}
		if _, dup := seen[peer.ID]; dup {
			continue
		}
		seen[peer.ID] = struct{}{}
		out = append(out, peer)
	}
	return out
}

// HandshakeTimeout returns the transport handshake budget, zero meaning default.
func (c P2P) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
