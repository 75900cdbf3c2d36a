// Package secondside defines the capability interface the swap driver uses
// to act on the second chain: lock, refund and redeem transactions, secret
// hashing, confirmation counting and secret observation. One implementation
// exists per supported coin; a registry selects it at swap creation time.
package secondside

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	"golang.org/x/crypto/ripemd160"

	"github.com/2miners/beam/internal/chain"
)

// Second-side errors. Implementations map their transport failures onto
// these so nothing implementation-specific crosses the boundary.
var (
	ErrConnectionRefused   = errors.New("second side connection refused")
	ErrInsufficientFunds   = errors.New("insufficient funds on second chain")
	ErrRejectedByNode      = errors.New("transaction rejected by second chain node")
	ErrConfirmationTimeout = errors.New("second chain confirmation timeout")
	ErrUnsupportedCoin     = errors.New("unsupported swap coin")
)

// RawTx is a serialized second-chain transaction.
type RawTx []byte

// LockRef identifies a broadcast lock transaction and everything needed to
// rebuild its script for a spend.
type LockRef struct {
	TxID        string
	Vout        uint32
	Amount      uint64
	SecretHash  []byte
	ReceiverPub []byte // claims with the secret
	SenderPub   []byte // refunds after the lock time
	LockHeight  uint32 // absolute second-chain height of the refund branch
}

// SecondSide is the capability the swap state machine invokes. All calls are
// non-blocking with respect to chain progress; waiting happens in the
// driver's event loop by re-polling on wake-ups.
type SecondSide interface {
	// DeriveSecretHash computes the hash pinned into the lock script. Fixed
	// to RIPEMD160(SHA256(preimage)) so both chains agree.
	DeriveSecretHash(preImage []byte) []byte

	// Height returns the second chain's current block height.
	Height(ctx context.Context) (uint32, error)

	// BuildLockTx constructs and funds the two-branch lock transaction.
	BuildLockTx(ctx context.Context, amount uint64, secretHash, receiverPub, senderPub []byte, lockHeight uint32) (RawTx, *LockRef, error)

	// BuildRefundTx spends the lock back to the sender after the lock time.
	BuildRefundTx(ctx context.Context, lock *LockRef, senderPriv []byte) (RawTx, error)

	// BuildRedeemTx spends the lock to the receiver; broadcasting it reveals
	// the preimage in the spend witness.
	BuildRedeemTx(ctx context.Context, lock *LockRef, receiverPriv, preImage []byte) (RawTx, error)

	// Broadcast submits a raw transaction and returns its id.
	Broadcast(ctx context.Context, tx RawTx) (string, error)

	// Confirmations returns how many blocks bury a transaction.
	Confirmations(ctx context.Context, txID string) (uint16, error)

	// WatchForSecret checks whether the lock has been redeemed and extracts
	// the preimage from the spend witness. The second return is false while
	// no redeem spend is visible.
	WatchForSecret(ctx context.Context, lock *LockRef) ([]byte, bool, error)
}

// DeriveSecretHash computes RIPEMD160(SHA256(preimage)), the hash both
// chains agree on for the swap contract.
func DeriveSecretHash(preImage []byte) []byte {
	sha := sha256.Sum256(preImage)
	return LockImageHash(sha[:])
}

// LockImageHash computes the contract hash from the native chain's hash-lock
// image (SHA256 of the preimage). A peer that only knows the image can still
// derive the second-chain contract hash.
func LockImageHash(preImageHash []byte) []byte {
	h := ripemd160.New()
	h.Write(preImageHash)
	return h.Sum(nil)
}

// Settings is the user-facing connection configuration for one coin.
type Settings struct {
	User             string
	Password         string
	Address          string
	FeeRate          uint64 // smallest unit per kilobyte
	MinConfirmations uint16
	LockTimeBlocks   uint32
	Network          chain.Network
}

// DefaultSettings returns the default connection settings.
func DefaultSettings() Settings {
	return Settings{
		FeeRate:          90000,
		MinConfirmations: 6,
		LockTimeBlocks:   288,
		Network:          chain.Mainnet,
	}
}

// Factory builds a SecondSide for a coin from its settings.
type Factory func(settings Settings) (SecondSide, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[chain.Coin]Factory)
)

// Register installs a factory for a coin. Implementations call this from
// their init or wiring code.
func Register(coin chain.Coin, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[coin] = factory
}

// Create instantiates the SecondSide for a coin.
func Create(coin chain.Coin, settings Settings) (SecondSide, error) {
	registryMu.RLock()
	factory, ok := registry[coin]
	registryMu.RUnlock()
	if !ok {
		return nil, ErrUnsupportedCoin
	}
	return factory(settings)
}
