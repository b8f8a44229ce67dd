package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"chainnet/storage"
)

var knownBackends = map[string]struct{}{
	storage.BackendLevelDB: {},
	storage.BackendBolt:    {},
	storage.BackendSQLite:  {},
	storage.BackendMemory:  {},
}

// Validate reports every setting that must stop the daemon from starting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.P2P.NetworkID) == "" {
		errs = append(errs, errors.New("p2p: NetworkID must not be empty"))
	}
	if c.P2P.MaxInboundPeers < 0 || c.P2P.MaxOutboundPeers < 0 {
		errs = append(errs, errors.New("p2p: peer limits must not be negative"))
	}
	if c.P2P.PingIntervalSeconds > 0 && c.P2P.PingTimeoutSeconds > 0 &&
		c.P2P.PingTimeoutSeconds < c.P2P.PingIntervalSeconds {
		errs = append(errs, errors.New("p2p: PingTimeoutSeconds below PingIntervalSeconds"))
	}
	netCfg, err := c.P2P.NetworkConfig()
	if err != nil {
		errs = append(errs, fmt.Errorf("p2p: %w", err))
	} else if err := netCfg.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("p2p: %w", err))
	}
	backend := strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if _, ok := knownBackends[backend]; !ok {
		errs = append(errs, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend))
	}
	if addr := strings.TrimSpace(c.AdminAddress); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("AdminAddress: %w", err))
		}
	}
	if c.Seeds.TimeoutMs < 0 {
		errs = append(errs, errors.New("seeds: TimeoutMs must not be negative"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}
