package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"datamarket/crypto"
)

// Config carries the marketd daemon settings.
type Config struct {
	DataDir        string `toml:"DataDir"`
	IndexDBPath    string `toml:"IndexDBPath"`
	MetricsAddress string `toml:"MetricsAddress"`
	Environment    string `toml:"Environment"`

	Owner    string `toml:"Owner"`
	Verifier string `toml:"Verifier"`

	WhitelistEnabled     bool `toml:"WhitelistEnabled"`
	ModelRegistryEnabled bool `toml:"ModelRegistryEnabled"`
	AllowModelSelfVerify bool `toml:"AllowModelSelfVerify"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configured values, in particular that any addresses
// decode as bech32 market identities.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		return fmt.Errorf("config: MetricsAddress required")
	}
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("config: Owner required")
	}
	if _, err := c.OwnerAddress(); err != nil {
		return fmt.Errorf("config: Owner: %w", err)
	}
	if strings.TrimSpace(c.Verifier) != "" {
		if _, err := c.VerifierAddress(); err != nil {
			return fmt.Errorf("config: Verifier: %w", err)
		}
	}
	return nil
}

// OwnerAddress decodes the configured owner identity.
func (c *Config) OwnerAddress() ([20]byte, error) {
	return decodeAddress(c.Owner)
}

// VerifierAddress decodes the configured verifier identity. Returns the zero
// address when no verifier is configured.
func (c *Config) VerifierAddress() ([20]byte, error) {
	if strings.TrimSpace(c.Verifier) == "" {
		return [20]byte{}, nil
	}
	return decodeAddress(c.Verifier)
}

func decodeAddress(s string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(s))
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:        "./marketdata",
		IndexDBPath:    "./marketdata/index.db",
		MetricsAddress: ":9464",
		Environment:    "dev",
		LogMaxSizeMB:   100,
		LogMaxBackups:  5,
		LogMaxAgeDays:  30,
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, fmt.Errorf("config: wrote default config to %s; set Owner before starting", path)
}
