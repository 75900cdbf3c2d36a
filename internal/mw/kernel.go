// Package mw - kernels and two-party Schnorr signing.
package mw

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Signing errors
var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrMissingPreimage  = errors.New("kernel requires hash lock preimage")
	ErrBadPreimage      = errors.New("preimage does not match kernel hash lock")
)

// PreimageSize is the length of a hash lock preimage.
const PreimageSize = 32

// Signature is an aggregate Schnorr signature over a kernel message.
type Signature struct {
	NoncePub *Point // sum of both peers' public nonces
	K        Scalar // sum of both peers' partial scalars
}

// Kernel is the aggregate signature commitment object of a native-chain
// transaction. The excess is the sum of both peers' public excess shares.
type Kernel struct {
	Fee       uint64
	MinHeight uint64
	MaxHeight uint64
	Excess    *Point

	// HashLock, when set, makes the kernel valid only if its preimage is
	// published alongside it. Used by the swap redeem transaction.
	HashLock []byte

	Signature *Signature
}

// NewKernel creates a kernel with the given fee and height bounds.
func NewKernel(fee, minHeight, maxHeight uint64) *Kernel {
	return &Kernel{
		Fee:       fee,
		MinHeight: minHeight,
		MaxHeight: maxHeight,
		Excess:    NewPointInfinity(),
	}
}

// Message returns the hash both peers sign. It covers the kernel's scalar
// fields and hash lock; the excess enters through the challenge instead.
func (k *Kernel) Message() [32]byte {
	h := sha256.New()
	h.Write([]byte("mw.kernel.msg"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], k.Fee)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], k.MinHeight)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], k.MaxHeight)
	h.Write(buf[:])
	h.Write([]byte{byte(len(k.HashLock))})
	h.Write(k.HashLock)
	var msg [32]byte
	copy(msg[:], h.Sum(nil))
	return msg
}

// ID returns the kernel identifier used for confirmation lookups.
func (k *Kernel) ID() [32]byte {
	h := sha256.New()
	h.Write([]byte("mw.kernel.id"))
	msg := k.Message()
	h.Write(msg[:])
	h.Write(k.Excess.Serialize())
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// CheckPreimage verifies a preimage against the kernel's hash lock.
func (k *Kernel) CheckPreimage(preimage []byte) error {
	if len(k.HashLock) == 0 {
		return nil
	}
	if len(preimage) != PreimageSize {
		return ErrMissingPreimage
	}
	hash := sha256.Sum256(preimage)
	for i := range hash {
		if hash[i] != k.HashLock[i] {
			return ErrBadPreimage
		}
	}
	return nil
}

// HashLockFor computes the hash lock value for a preimage.
func HashLockFor(preimage []byte) []byte {
	hash := sha256.Sum256(preimage)
	return hash[:]
}

// Challenge computes the Schnorr challenge e = H(R_sum || P_sum || msg).
func Challenge(noncePubSum, excessSum *Point, msg [32]byte) *Scalar {
	h := sha256.New()
	h.Write([]byte("mw.kernel.challenge"))
	h.Write(noncePubSum.Serialize())
	h.Write(excessSum.Serialize())
	h.Write(msg[:])
	var e Scalar
	var buf [32]byte
	copy(buf[:], h.Sum(nil))
	e.SetBytes(&buf)
	return &e
}

// SignPartial produces one peer's signature share s = r + e·x.
func SignPartial(nonce, excess, e *Scalar) *Scalar {
	var s Scalar
	s.Mul2(e, excess).Add(nonce)
	return &s
}

// VerifyPartial checks a peer's share against its public nonce and excess:
// s·G == R + e·P.
func VerifyPartial(s *Scalar, noncePub, pubExcess *Point, e *Scalar) bool {
	lhs := ScalarBaseMult(s)
	rhs := noncePub.Add(pubExcess.Mul(e))
	return lhs.Equal(rhs)
}

// CombinePartials aggregates the two shares into the final signature.
func CombinePartials(noncePubSum *Point, local, peer *Scalar) *Signature {
	var k Scalar
	k.Add2(local, peer)
	return &Signature{NoncePub: noncePubSum, K: k}
}

// VerifySignature checks the aggregate signature against the combined excess.
func (k *Kernel) VerifySignature() error {
	if k.Signature == nil || k.Signature.NoncePub == nil {
		return fmt.Errorf("%w: no signature", ErrSignatureInvalid)
	}
	msg := k.Message()
	e := Challenge(k.Signature.NoncePub, k.Excess, msg)
	lhs := ScalarBaseMult(&k.Signature.K)
	rhs := k.Signature.NoncePub.Add(k.Excess.Mul(e))
	if !lhs.Equal(rhs) {
		return ErrSignatureInvalid
	}
	return nil
}
