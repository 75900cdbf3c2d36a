// Package config loads the wallet daemon's configuration. All tunable
// parameters live here; packages read them through the loaded Config rather
// than hardcoding values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/2miners/beam/internal/chain"
)

// ConfigFileName is the config file inside the data directory.
const ConfigFileName = "config.yaml"

// Config is the daemon configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Node    NodeConfig    `yaml:"node"`
	Swap    SwapConfig    `yaml:"swap"`

	// SecondSide holds per-coin connection settings keyed by coin symbol.
	SecondSide map[string]SecondSideConfig `yaml:"second_side"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig locates the wallet database.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// NodeConfig points at the native chain node.
type NodeConfig struct {
	Address string `yaml:"address"`
}

// SwapConfig carries swap protocol defaults.
type SwapConfig struct {
	// LifetimeBlocks bounds how long an unconfirmed lock stays valid.
	LifetimeBlocks uint64 `yaml:"lifetime_blocks"`
}

// SecondSideConfig is the user-facing connection surface for one coin.
type SecondSideConfig struct {
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	Address          string `yaml:"address"`
	FeeRate          uint64 `yaml:"fee_rate"`
	MinConfirmations uint16 `yaml:"min_confirmations"`
	LockTimeBlocks   uint32 `yaml:"lock_time_blocks"`
	ChainType        string `yaml:"chain_type"` // mainnet or testnet
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{DataDir: "~/.beamswap"},
		Node:    NodeConfig{Address: "ws://127.0.0.1:10005"},
		Swap:    SwapConfig{LifetimeBlocks: chain.DefaultLifetimeBlocks},
		SecondSide: map[string]SecondSideConfig{
			"BTC": {
				Address:          "127.0.0.1:8332",
				FeeRate:          90000,
				MinConfirmations: 6,
				LockTimeBlocks:   288,
				ChainType:        string(chain.Mainnet),
			},
		},
	}
}

// Load reads the config file from the data directory, creating it with
// defaults when missing.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config file into the data directory.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, ConfigFileName), data, 0600)
}

func (c *Config) validate() error {
	if c.Swap.LifetimeBlocks == 0 {
		return fmt.Errorf("swap.lifetime_blocks must be positive")
	}
	for symbol, side := range c.SecondSide {
		if chain.CoinFromSymbol(symbol) == chain.CoinUnknown {
			return fmt.Errorf("unknown second side coin %q", symbol)
		}
		if side.ChainType != string(chain.Mainnet) && side.ChainType != string(chain.Testnet) {
			return fmt.Errorf("second side %s: chain_type must be mainnet or testnet", symbol)
		}
	}
	return nil
}

// SecondSideFor returns the settings for a coin, with defaults applied.
func (c *Config) SecondSideFor(coin chain.Coin) (SecondSideConfig, bool) {
	side, ok := c.SecondSide[coin.String()]
	if !ok {
		return SecondSideConfig{}, false
	}
	if side.MinConfirmations == 0 {
		side.MinConfirmations = 6
	}
	if side.LockTimeBlocks == 0 {
		side.LockTimeBlocks = 288
	}
	if side.ChainType == "" {
		side.ChainType = string(chain.Mainnet)
	}
	return side, true
}
