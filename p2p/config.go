package p2p

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxInbound        = 32
	defaultMaxOutbound       = 8
	defaultAddressBookSize   = 4096
	defaultMinScore          = -100
	defaultMaxScore          = 100
	defaultBanScore          = -50
	defaultSuccessReward     = 1
	defaultPingInterval      = 15 * time.Second
	defaultPingTimeout       = 20 * time.Second
	defaultPingFailures      = 3
	defaultDiscoveryInterval = 24 * time.Second
	defaultDiscoveryJitter   = 6 * time.Second
	defaultDiscoveryFanout   = 4
	defaultAddrsPerGossip    = 16
	defaultMaxAddrsPerMsg    = 50
	defaultMaxAddrsPerWindow = 200
	defaultDiscoveryWindow   = time.Minute
	defaultBanDuration       = 24 * time.Hour
	defaultBanSweepInterval  = 30 * time.Second
	defaultDecayInterval     = time.Minute
	defaultDialInterval      = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultDialRetryDelay    = 5 * time.Minute
	defaultFeelerCount       = 1
	defaultSendQueueSize     = 64
	defaultReadTimeout       = 90 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultMsgRate           = 32.0
	defaultMsgBurst          = 200
	defaultPersistTimeout    = 3 * time.Second
	defaultShutdownGrace     = 5 * time.Second
	defaultViolationWindow   = 10 * time.Minute
	defaultViolationBan      = 3
	defaultClientVersion     = "chainnet/0.1.0"
)

// Penalties are the score deductions applied for each class of misbehaviour.
// A single violation costs ProtocolViolation; repeated ones escalate to a ban
// once the score reaches BanScore or ViolationBanThreshold is hit.
type Penalties struct {
	UnknownProtocol   int
	Unresponsive      int
	BadIdentify       int
	DiscoverySpam     int
	DialFailure       int
	ProtocolViolation int
	RateLimit         int
}

// DefaultPenalties returns the stock penalty table.
func DefaultPenalties() Penalties {
	return Penalties{
		UnknownProtocol:   2,
		Unresponsive:      10,
		BadIdentify:       5,
		DiscoverySpam:     10,
		DialFailure:       2,
		ProtocolViolation: 20,
		RateLimit:         10,
	}
}

// Config encapsulates runtime settings for the networking core.
type Config struct {
	NetworkID     string
	ClientVersion string
	ListenAddrs   []string
	// AdvertiseAddrs are gossiped to peers in identify messages. Defaults to
	// the bound listener addresses.
	AdvertiseAddrs []string
	Bootnodes      []PeerAddr
	// ReservedPeers are dialed at start and redialed whenever disconnected.
	// They are never evicted from the address book and never banned for
	// score alone.
	ReservedPeers []PeerAddr

	MaxInbound      int
	MaxOutbound     int
	AddressBookSize int

	MinScore      int
	MaxScore      int
	BanScore      int
	SuccessReward int
	DecayInterval time.Duration
	Penalties     Penalties

	PingInterval         time.Duration
	PingTimeout          time.Duration
	PingFailureThreshold int

	DiscoveryInterval  time.Duration
	DiscoveryJitter    time.Duration
	DiscoveryFanout    int
	AddrsPerGossip     int
	MaxAddrsPerMessage int
	MaxAddrsPerWindow  int
	DiscoveryWindow    time.Duration

	DefaultBanDuration    time.Duration
	BanSweepInterval      time.Duration
	ViolationBanThreshold int
	ViolationWindow       time.Duration

	DialInterval   time.Duration
	DialTimeout    time.Duration
	DialRetryDelay time.Duration
	FeelerCount    int

	SendQueueSize  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MessageRate    float64
	MessageBurst   int
	PersistTimeout time.Duration
	ShutdownGrace  time.Duration
}

// DefaultConfig returns a configuration populated with the stock values.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.setDefaults()
	return cfg
}

// WithDefaults returns cfg with every unset field replaced by its default.
func WithDefaults(cfg Config) Config {
	cfg.setDefaults()
	return cfg
}

func (cfg *Config) setDefaults() {
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = defaultClientVersion
	}
	if cfg.MaxInbound <= 0 {
		cfg.MaxInbound = defaultMaxInbound
	}
	if cfg.MaxOutbound <= 0 {
		cfg.MaxOutbound = defaultMaxOutbound
	}
	if cfg.AddressBookSize <= 0 {
		cfg.AddressBookSize = defaultAddressBookSize
	}
	if cfg.MinScore == 0 && cfg.MaxScore == 0 {
		cfg.MinScore = defaultMinScore
		cfg.MaxScore = defaultMaxScore
	}
	if cfg.BanScore == 0 {
		cfg.BanScore = defaultBanScore
	}
	if cfg.SuccessReward <= 0 {
		cfg.SuccessReward = defaultSuccessReward
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = defaultDecayInterval
	}
	if cfg.Penalties == (Penalties{}) {
		cfg.Penalties = DefaultPenalties()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.PingFailureThreshold <= 0 {
		cfg.PingFailureThreshold = defaultPingFailures
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = defaultDiscoveryInterval
	}
	if cfg.DiscoveryJitter < 0 {
		cfg.DiscoveryJitter = 0
	} else if cfg.DiscoveryJitter == 0 {
		cfg.DiscoveryJitter = defaultDiscoveryJitter
	}
	if cfg.DiscoveryFanout <= 0 {
		cfg.DiscoveryFanout = defaultDiscoveryFanout
	}
	if cfg.AddrsPerGossip <= 0 {
		cfg.AddrsPerGossip = defaultAddrsPerGossip
	}
	if cfg.MaxAddrsPerMessage <= 0 {
		cfg.MaxAddrsPerMessage = defaultMaxAddrsPerMsg
	}
	if cfg.MaxAddrsPerWindow <= 0 {
		cfg.MaxAddrsPerWindow = defaultMaxAddrsPerWindow
	}
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = defaultDiscoveryWindow
	}
	if cfg.DefaultBanDuration <= 0 {
		cfg.DefaultBanDuration = defaultBanDuration
	}
	if cfg.BanSweepInterval <= 0 {
		cfg.BanSweepInterval = defaultBanSweepInterval
	}
	if cfg.ViolationBanThreshold <= 0 {
		cfg.ViolationBanThreshold = defaultViolationBan
	}
	if cfg.ViolationWindow <= 0 {
		cfg.ViolationWindow = defaultViolationWindow
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = defaultDialInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DialRetryDelay <= 0 {
		cfg.DialRetryDelay = defaultDialRetryDelay
	}
	if cfg.FeelerCount < 0 {
		cfg.FeelerCount = 0
	} else if cfg.FeelerCount == 0 {
		cfg.FeelerCount = defaultFeelerCount
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = defaultMsgRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMsgBurst
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
}

// Validate reports configuration errors that must stop the node from starting.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.MinScore >= cfg.MaxScore {
		errs = append(errs, fmt.Errorf("score bounds: min %d must be below max %d", cfg.MinScore, cfg.MaxScore))
	}
	if cfg.BanScore < cfg.MinScore || cfg.BanScore > cfg.MaxScore {
		errs = append(errs, fmt.Errorf("ban score %d outside [%d, %d]", cfg.BanScore, cfg.MinScore, cfg.MaxScore))
	}
	if cfg.PingTimeout <= 0 || cfg.PingInterval <= 0 {
		errs = append(errs, errors.New("ping interval and timeout must be positive"))
	}
	for _, addr := range cfg.ListenAddrs {
		if _, err := normalizeListenAddr(addr); err != nil {
			errs = append(errs, fmt.Errorf("listen address: %w", err))
		}
	}
	for _, boot := range cfg.Bootnodes {
		if boot.ID == "" {
			errs = append(errs, fmt.Errorf("bootnode %q: missing id", boot.Addr))
		}
		if _, err := normalizeAddr(boot.Addr); err != nil {
			errs = append(errs, fmt.Errorf("bootnode %s: %w", boot, err))
		}
	}
	for _, peer := range cfg.ReservedPeers {
		if peer.ID == "" {
			errs = append(errs, fmt.Errorf("reserved peer %q: missing id", peer.Addr))
		}
		if _, err := normalizeAddr(peer.Addr); err != nil {
			errs = append(errs, fmt.Errorf("reserved peer %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// Listen addresses may use an unspecified host (":6001", "0.0.0.0:6001") and port 0.
func normalizeListenAddr(raw string) (string, error) {
	_, port, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, raw)
	}
	return strings.TrimSpace(raw), nil
}
