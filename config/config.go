package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"chainnet/storage"
)

// Config is the on-disk configuration of chainnetd.
type Config struct {
	DataDir      string `toml:"DataDir"`
	IdentityFile string `toml:"IdentityFile"`
	AdminAddress string `toml:"AdminAddress"`
	Environment  string `toml:"Environment"`

	P2P       P2P       `toml:"P2P"`
	Storage   Storage   `toml:"Storage"`
	Seeds     Seeds     `toml:"Seeds"`
	Logging   Logging   `toml:"Logging"`
	Telemetry Telemetry `toml:"Telemetry"`
}

// Storage selects the durable backend for the address book and ban list.
type Storage struct {
	Backend string `toml:"Backend"`
	Path    string `toml:"Path"`
}

// Seeds configures DNS seeding from a signed seed registry.
type Seeds struct {
	RegistryFile string `toml:"RegistryFile"`
	DNSServer    string `toml:"DNSServer"`
	TimeoutMs    int    `toml:"TimeoutMs"`
}

// Logging controls the structured log sink.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Default returns a configuration suitable for a local node. Paths derived
// from DataDir are filled by Load.
func Default() *Config {
	cfg := &Config{
		DataDir:      "./chainnet-data",
		AdminAddress: "127.0.0.1:6060",
		P2P:          defaultP2P(),
		Storage:      Storage{Backend: storage.BackendLevelDB},
		Logging:      Logging{Level: "info"},
	}
	return cfg
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills the paths derived from DataDir.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./chainnet-data"
	}
	if strings.TrimSpace(c.IdentityFile) == "" {
		c.IdentityFile = filepath.Join(c.DataDir, "node.key")
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = storage.BackendLevelDB
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "peers")
	}
	if c.P2P.Bootnodes == nil {
		c.P2P.Bootnodes = []string{}
	}
	if c.P2P.ReservedPeers == nil {
		c.P2P.ReservedPeers = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
