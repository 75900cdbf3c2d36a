// Package wallet manages the wallet's native-chain coins and key material.
// Blinding factors are never persisted; they are re-derived on demand from
// the seed and a coin's key index.
package wallet

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/internal/storage"
	"github.com/2miners/beam/pkg/logging"
)

// Wallet errors
var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrNoInputs        = errors.New("not enough coins to cover amount")
)

const coinKeyCounter = "coin-key"

// Wallet owns the seed and the coin store.
type Wallet struct {
	store *storage.Storage
	seed  []byte
	log   *logging.Logger
}

// New creates a wallet from a BIP39 mnemonic.
func New(store *storage.Storage, mnemonic string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return &Wallet{
		store: store,
		seed:  bip39.NewSeed(mnemonic, ""),
		log:   logging.GetDefault().Component("wallet"),
	}, nil
}

// GenerateMnemonic creates a fresh 12-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// Store returns the underlying storage.
func (w *Wallet) Store() *storage.Storage {
	return w.store
}

// derive fills out with context-separated key material from the seed.
func (w *Wallet) derive(context string, info []byte, out []byte) error {
	r := hkdf.New(sha256.New, w.seed, []byte(context), info)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	return nil
}

// CoinBlinding derives the blinding factor of a coin from its key index.
func (w *Wallet) CoinBlinding(keyIndex uint64) (*mw.Scalar, error) {
	info := make([]byte, 9)
	putUint64(info, keyIndex)
	// Retry with a counter byte in the unlikely case the candidate is not a
	// valid scalar.
	for ctr := byte(0); ; ctr++ {
		info[8] = ctr
		var buf [32]byte
		if err := w.derive("coin-blinding", info, buf[:]); err != nil {
			return nil, err
		}
		k, err := mw.ScalarFromBytes(buf[:])
		if err == nil && !k.IsZero() {
			return k, nil
		}
	}
}

// Commitment computes the Pedersen commitment of a wallet coin.
func (w *Wallet) Commitment(coin *storage.Coin) (*mw.Point, error) {
	blind, err := w.CoinBlinding(coin.KeyIndex)
	if err != nil {
		return nil, err
	}
	return mw.Commit(coin.Amount, blind), nil
}

// CreateCoin allocates a new coin with a fresh key index.
func (w *Wallet) CreateCoin(amount uint64, isChange bool, createTxID string, status storage.CoinStatus) (*storage.Coin, error) {
	keyIndex, err := w.store.NextKeyIndex(coinKeyCounter)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate key index: %w", err)
	}
	coin := &storage.Coin{
		Amount:     amount,
		KeyIndex:   keyIndex,
		IsChange:   isChange,
		CreateTxID: createTxID,
		Status:     status,
	}
	if err := w.store.CreateCoin(coin); err != nil {
		return nil, err
	}
	return coin, nil
}

// SelectCoins reserves coins totaling at least amount for a transaction.
func (w *Wallet) SelectCoins(amount uint64, txID string) ([]*storage.Coin, error) {
	coins, err := w.store.SelectCoins(amount, txID)
	if errors.Is(err, storage.ErrInsufficientCoins) {
		balance, _ := w.store.AvailableBalance()
		w.log.Error("Input selection failed", "tx_id", txID, "need", amount, "available", balance)
		return nil, fmt.Errorf("%w: need %d, available %d", ErrNoInputs, amount, balance)
	}
	return coins, err
}

// ReleaseCoins returns a failed transaction's coins to the pool.
func (w *Wallet) ReleaseCoins(txID string) error {
	return w.store.ReleaseCoins(txID)
}

// CommitInputs marks a confirmed transaction's input coins as spent.
func (w *Wallet) CommitInputs(txID string) error {
	return w.store.CommitInputs(txID)
}

// ActivateCoins makes specific incoming coins available.
func (w *Wallet) ActivateCoins(ids []string) error {
	return w.store.ActivateCoins(ids)
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
