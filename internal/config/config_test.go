package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/2miners/beam/internal/chain"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Swap.LifetimeBlocks != chain.DefaultLifetimeBlocks {
		t.Errorf("lifetime = %d, want default %d", cfg.Swap.LifetimeBlocks, chain.DefaultLifetimeBlocks)
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	// Reloading parses the file we just wrote.
	again, err := Load(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Node.Address != cfg.Node.Address {
		t.Errorf("reload mismatch: %s vs %s", again.Node.Address, cfg.Node.Address)
	}
}

func TestLoadParsesUserConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
logging:
  level: debug
node:
  address: ws://node.example:10005
swap:
  lifetime_blocks: 60
second_side:
  BTC:
    user: rpcuser
    password: rpcpass
    address: 10.0.0.1:8332
    fee_rate: 50000
    min_confirmations: 3
    lock_time_blocks: 24
    chain_type: testnet
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Swap.LifetimeBlocks != 60 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	side, ok := cfg.SecondSideFor(chain.CoinBitcoin)
	if !ok {
		t.Fatal("BTC settings missing")
	}
	if side.User != "rpcuser" || side.MinConfirmations != 3 || side.LockTimeBlocks != 24 {
		t.Errorf("unexpected side settings: %+v", side)
	}
	if side.ChainType != string(chain.Testnet) {
		t.Errorf("chain type = %s", side.ChainType)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown coin", "second_side:\n  DOGE:\n    chain_type: mainnet\n"},
		{"bad chain type", "second_side:\n  BTC:\n    chain_type: regtest\n"},
		{"zero lifetime", "swap:\n  lifetime_blocks: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(dir); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestSecondSideForDefaults(t *testing.T) {
	cfg := &Config{SecondSide: map[string]SecondSideConfig{"BTC": {Address: "x"}}}
	side, ok := cfg.SecondSideFor(chain.CoinBitcoin)
	if !ok {
		t.Fatal("settings missing")
	}
	if side.MinConfirmations != 6 || side.LockTimeBlocks != 288 || side.ChainType != string(chain.Mainnet) {
		t.Errorf("defaults not applied: %+v", side)
	}
	if _, ok := cfg.SecondSideFor(chain.CoinLitecoin); ok {
		t.Error("missing coin resolved")
	}
}
