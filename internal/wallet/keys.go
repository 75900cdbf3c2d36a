// Package wallet - swap key derivation.
package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/2miners/beam/internal/mw"
)

// SwapKey derives the second-chain private key used for one swap. The
// derivation is deterministic per transaction so a restarted wallet recovers
// the same key.
func (w *Wallet) SwapKey(txID string) (*btcec.PrivateKey, error) {
	rawID, err := hex.DecodeString(txID)
	if err != nil {
		return nil, fmt.Errorf("bad transaction id: %w", err)
	}
	info := make([]byte, len(rawID)+1)
	copy(info, rawID)
	for ctr := byte(0); ; ctr++ {
		info[len(rawID)] = ctr
		var buf [32]byte
		if err := w.derive("swap-key", info, buf[:]); err != nil {
			return nil, err
		}
		priv, _ := btcec.PrivKeyFromBytes(buf[:])
		if priv.Key.IsZero() {
			continue
		}
		return priv, nil
	}
}

// SharedBlinding derives this wallet's scalar share of a joint output's
// blinding from the transaction id and the shared coin's key index.
func (w *Wallet) SharedBlinding(txID string, keyIndex uint64) (*mw.Scalar, error) {
	rawID, err := hex.DecodeString(txID)
	if err != nil {
		return nil, fmt.Errorf("bad transaction id: %w", err)
	}
	info := make([]byte, len(rawID)+9)
	copy(info, rawID)
	putUint64(info[len(rawID):], keyIndex)
	for ctr := byte(0); ; ctr++ {
		info[len(rawID)+8] = ctr
		var buf [32]byte
		if err := w.derive("shared-blinding", info, buf[:]); err != nil {
			return nil, err
		}
		k, err := mw.ScalarFromBytes(buf[:])
		if err == nil && !k.IsZero() {
			return k, nil
		}
	}
}

// KernelNonce derives the deterministic signing nonce for a sub-transaction
// from a persisted per-transaction nonce seed. The derivation is context
// separated by (tx_id, sub_tx_id), so every sub-transaction signs with a
// distinct nonce while restarts re-derive the same one.
func KernelNonce(nonceSeed []byte, txID string, subTxID uint8) (*mw.Scalar, error) {
	rawID, err := hex.DecodeString(txID)
	if err != nil {
		return nil, fmt.Errorf("bad transaction id: %w", err)
	}
	info := make([]byte, len(rawID)+2)
	copy(info, rawID)
	info[len(rawID)] = subTxID
	for ctr := byte(0); ; ctr++ {
		info[len(rawID)+1] = ctr
		var buf [32]byte
		if err := deriveRaw(nonceSeed, "kernel-nonce", info, buf[:]); err != nil {
			return nil, err
		}
		k, err := mw.ScalarFromBytes(buf[:])
		if err == nil && !k.IsZero() {
			return k, nil
		}
	}
}

func deriveRaw(secret []byte, context string, info, out []byte) error {
	r := hkdf.New(sha256.New, secret, []byte(context), info)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	return nil
}
