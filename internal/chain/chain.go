// Package chain defines consensus-facing constants for the native chain and
// a registry of supported swap coins on the second chain.
// ALL protocol timing constants (lock times, lifetimes, block intervals) MUST
// be defined here.
package chain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// =============================================================================
// Native Chain Rules
// =============================================================================

// Native chain parameters. The native chain produces a block every minute.
const (
	// BlockInterval is the native chain's target block time.
	BlockInterval = time.Minute

	// BlocksPerHour converts wall-clock lifetimes into kernel height bounds.
	BlocksPerHour = uint64(time.Hour / BlockInterval)

	// LockTimeBlocks is the default distance between the lock transaction's
	// minimum height and the refund transaction's minimum height.
	LockTimeBlocks = 2 * 24 * 6

	// DefaultLifetimeBlocks bounds how long an unconfirmed lock transaction
	// stays valid (MaxHeight = MinHeight + lifetime). Two hours by default.
	DefaultLifetimeBlocks = 2 * BlocksPerHour

	// MinConfirmations is the native chain confirmation depth required before
	// a kernel is treated as final by the wallet.
	MinConfirmations = 1
)

// OfferExpiry is the UI-facing offer expiry selector.
type OfferExpiry uint8

const (
	OfferExpiry12h OfferExpiry = 0
	OfferExpiry6h  OfferExpiry = 1
)

// Blocks converts the expiry selector into a native-chain block count.
// The block count, not the selector, is what gets persisted and serialized.
func (e OfferExpiry) Blocks() uint64 {
	switch e {
	case OfferExpiry6h:
		return 6 * BlocksPerHour
	default:
		return 12 * BlocksPerHour
	}
}

// =============================================================================
// Swap Coin Registry (second chain)
// =============================================================================

// Coin identifies a supported second-chain coin. Values are part of the
// protocol contract and appear in offer tokens.
type Coin uint32

const (
	CoinUnknown  Coin = 0
	CoinBitcoin  Coin = 1
	CoinLitecoin Coin = 2
)

// String returns the coin symbol.
func (c Coin) String() string {
	switch c {
	case CoinBitcoin:
		return "BTC"
	case CoinLitecoin:
		return "LTC"
	default:
		return "UNKNOWN"
	}
}

// CoinFromSymbol maps a symbol back to a Coin id.
func CoinFromSymbol(symbol string) Coin {
	switch symbol {
	case "BTC":
		return CoinBitcoin
	case "LTC":
		return CoinLitecoin
	default:
		return CoinUnknown
	}
}

// CoinParams holds chain parameters for one second-chain coin.
type CoinParams struct {
	Symbol        string
	Name          string
	Decimals      uint8
	BlockInterval time.Duration

	// Params are the btcd chain parameters used for script and address
	// construction on this chain.
	Params map[Network]*chaincfg.Params
}

var litecoinMainNet = func() *chaincfg.Params {
	p := chaincfg.MainNetParams
	p.Name = "litecoin"
	p.Bech32HRPSegwit = "ltc"
	p.PubKeyHashAddrID = 0x30
	p.ScriptHashAddrID = 0x32
	p.PrivateKeyID = 0xb0
	return &p
}()

var litecoinTestNet = func() *chaincfg.Params {
	p := chaincfg.TestNet3Params
	p.Name = "litecoin-testnet"
	p.Bech32HRPSegwit = "tltc"
	p.ScriptHashAddrID = 0x3a
	return &p
}()

var coins = map[Coin]*CoinParams{
	CoinBitcoin: {
		Symbol:        "BTC",
		Name:          "Bitcoin",
		Decimals:      8,
		BlockInterval: 10 * time.Minute,
		Params: map[Network]*chaincfg.Params{
			Mainnet: &chaincfg.MainNetParams,
			Testnet: &chaincfg.TestNet3Params,
		},
	},
	CoinLitecoin: {
		Symbol:        "LTC",
		Name:          "Litecoin",
		Decimals:      8,
		BlockInterval: 150 * time.Second,
		Params: map[Network]*chaincfg.Params{
			Mainnet: litecoinMainNet,
			Testnet: litecoinTestNet,
		},
	},
}

// Get returns the parameters for a coin, if supported.
func Get(coin Coin) (*CoinParams, bool) {
	params, ok := coins[coin]
	return params, ok
}

// ChainParams returns the btcd chain parameters for a coin on a network.
func ChainParams(coin Coin, network Network) (*chaincfg.Params, bool) {
	cp, ok := coins[coin]
	if !ok {
		return nil, false
	}
	params, ok := cp.Params[network]
	return params, ok
}

// LockDuration converts a block count on the given coin into wall-clock time.
// Used to compare second-chain lock times against native refund lock times.
func LockDuration(coin Coin, blocks uint32) (time.Duration, bool) {
	cp, ok := coins[coin]
	if !ok {
		return 0, false
	}
	return time.Duration(blocks) * cp.BlockInterval, true
}

// NativeLockDuration converts a native-chain block count into wall-clock time.
func NativeLockDuration(blocks uint64) time.Duration {
	return time.Duration(blocks) * BlockInterval
}
