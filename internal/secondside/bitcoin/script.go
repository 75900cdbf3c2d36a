// Package bitcoin implements the second-side capability for Bitcoin-family
// chains using two-branch P2WSH contracts.
package bitcoin

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/2miners/beam/internal/secondside"
)

// Script errors
var (
	ErrBadSecretHash = errors.New("secret hash must be 20 bytes")
	ErrBadPubKey     = errors.New("public key must be 33 bytes")
	ErrBadLockHeight = errors.New("lock height must be positive")
	ErrNotContract   = errors.New("script is not a swap contract")
)

// SecretSize is the length of a swap preimage.
const SecretSize = 32

// SecretHashSize is the length of the hash pinned into the contract.
const SecretHashSize = 20

// SecretHash computes RIPEMD160(SHA256(preimage)), the hash both chains
// agree on.
func SecretHash(preImage []byte) []byte {
	return secondside.DeriveSecretHash(preImage)
}

// BuildContractScript constructs the two-branch swap contract:
//
//	IF
//	    SIZE 32 EQUALVERIFY HASH160 <secret_hash> EQUALVERIFY <receiver_pub> CHECKSIG
//	ELSE
//	    <lock_height> CHECKLOCKTIMEVERIFY DROP <sender_pub> CHECKSIG
//	ENDIF
//
// The receiver claims with the preimage; the sender refunds once the chain
// passes lock_height.
func BuildContractScript(secretHash, receiverPub, senderPub []byte, lockHeight uint32) ([]byte, error) {
	if len(secretHash) != SecretHashSize {
		return nil, fmt.Errorf("%w: got %d", ErrBadSecretHash, len(secretHash))
	}
	if len(receiverPub) != 33 {
		return nil, fmt.Errorf("%w: receiver has %d bytes", ErrBadPubKey, len(receiverPub))
	}
	if len(senderPub) != 33 {
		return nil, fmt.Errorf("%w: sender has %d bytes", ErrBadPubKey, len(senderPub))
	}
	if lockHeight == 0 {
		return nil, ErrBadLockHeight
	}

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	b.AddOp(txscript.OP_SIZE)
	b.AddInt64(SecretSize)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(secretHash)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddData(receiverPub)
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ELSE)
	b.AddInt64(int64(lockHeight))
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddData(senderPub)
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

// ContractAddress returns the P2WSH address of a contract script.
func ContractAddress(script []byte, params *chaincfg.Params) (btcutil.Address, error) {
	scriptHash := sha256.Sum256(script)
	return btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
}

// ContractPkScript returns the P2WSH output script of a contract.
func ContractPkScript(script []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(script)
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_0)
	b.AddData(scriptHash[:])
	return b.Script()
}

// ClaimWitness assembles the witness for the secret branch:
// [sig, secret, 1, contract].
func ClaimWitness(sig, secret, contract []byte) [][]byte {
	return [][]byte{sig, secret, {0x01}, contract}
}

// RefundWitness assembles the witness for the timeout branch:
// [sig, <empty>, contract].
func RefundWitness(sig, contract []byte) [][]byte {
	return [][]byte{sig, nil, contract}
}

// ExtractSecret scans a spend witness for a 32-byte item hashing to the
// expected secret hash.
func ExtractSecret(witness [][]byte, secretHash []byte) ([]byte, bool) {
	for _, item := range witness {
		if len(item) != SecretSize {
			continue
		}
		hash := SecretHash(item)
		match := len(hash) == len(secretHash)
		for i := 0; match && i < len(hash); i++ {
			match = hash[i] == secretHash[i]
		}
		if match {
			return item, true
		}
	}
	return nil, false
}
