// Package mw implements the native chain's transaction primitives: Pedersen
// commitments over secp256k1, kernels carrying aggregate Schnorr signatures,
// and the balance rules that tie inputs, outputs, fee, offset and excess
// together.
package mw

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Point errors
var (
	ErrInvalidPoint  = errors.New("invalid curve point")
	ErrInvalidScalar = errors.New("invalid scalar")
)

// PointSize is the length of a serialized (compressed) curve point.
const PointSize = 33

// ScalarSize is the length of a serialized scalar.
const ScalarSize = 32

// Scalar is a value modulo the curve group order.
type Scalar = secp256k1.ModNScalar

// Point is a point on secp256k1, kept in Jacobian form for arithmetic.
// The zero value is the point at infinity.
type Point struct {
	inner secp256k1.JacobianPoint
}

// NewPointInfinity returns the identity point.
func NewPointInfinity() *Point {
	return &Point{}
}

// IsInfinity reports whether p is the identity point.
func (p *Point) IsInfinity() bool {
	return (p.inner.X.IsZero() && p.inner.Y.IsZero()) || p.inner.Z.IsZero()
}

// Add returns p + q as a new point.
func (p *Point) Add(q *Point) *Point {
	var r Point
	secp256k1.AddNonConst(&p.inner, &q.inner, &r.inner)
	return &r
}

// Sub returns p - q as a new point.
func (p *Point) Sub(q *Point) *Point {
	return p.Add(q.Negate())
}

// Negate returns -p as a new point.
func (p *Point) Negate() *Point {
	var r Point
	r.inner.Set(&p.inner)
	if !r.IsInfinity() {
		r.inner.Y.Negate(1).Normalize()
	}
	return &r
}

// Mul returns k·p as a new point.
func (p *Point) Mul(k *Scalar) *Point {
	var r Point
	secp256k1.ScalarMultNonConst(k, &p.inner, &r.inner)
	return &r
}

// Serialize returns the 33-byte compressed encoding of p.
// The identity point serializes as all zeroes.
func (p *Point) Serialize() []byte {
	if p.IsInfinity() {
		return make([]byte, PointSize)
	}
	var affine secp256k1.JacobianPoint
	affine.Set(&p.inner)
	affine.ToAffine()
	pub := secp256k1.NewPublicKey(&affine.X, &affine.Y)
	return pub.SerializeCompressed()
}

// Equal reports whether p and q are the same group element.
func (p *Point) Equal(q *Point) bool {
	if p.IsInfinity() || q.IsInfinity() {
		return p.IsInfinity() == q.IsInfinity()
	}
	var a, b secp256k1.JacobianPoint
	a.Set(&p.inner)
	a.ToAffine()
	b.Set(&q.inner)
	b.ToAffine()
	return a.X.Equals(&b.X) && a.Y.Equals(&b.Y)
}

// ParsePoint parses a 33-byte compressed point. All-zero bytes decode to the
// identity point.
func ParsePoint(data []byte) (*Point, error) {
	if len(data) != PointSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPoint, PointSize, len(data))
	}
	allZero := true
	for _, b := range data {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return NewPointInfinity(), nil
	}
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	var p Point
	pub.AsJacobian(&p.inner)
	return &p, nil
}

// ScalarBaseMult returns k·G.
func ScalarBaseMult(k *Scalar) *Point {
	var r Point
	secp256k1.ScalarBaseMultNonConst(k, &r.inner)
	return &r
}

// generatorH is the value generator: a second curve point with no known
// discrete log relative to G, derived by hashing G's encoding to a curve
// point (try-and-increment).
var (
	generatorHOnce sync.Once
	generatorH     Point
)

// GeneratorH returns the value generator H.
func GeneratorH() *Point {
	generatorHOnce.Do(func() {
		one := new(Scalar).SetInt(1)
		seed := ScalarBaseMult(one).Serialize()
		candidate := make([]byte, PointSize)
		candidate[0] = 0x02
		for i := uint32(0); ; i++ {
			h := sha256.New()
			h.Write([]byte("mw.generator.H"))
			h.Write(seed)
			var ctr [4]byte
			binary.BigEndian.PutUint32(ctr[:], i)
			h.Write(ctr[:])
			copy(candidate[1:], h.Sum(nil))
			pub, err := secp256k1.ParsePubKey(candidate)
			if err != nil {
				continue
			}
			pub.AsJacobian(&generatorH.inner)
			return
		}
	})
	return &generatorH
}

// ValueMult returns v·H for a 64-bit value.
func ValueMult(value uint64) *Point {
	var k Scalar
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	k.SetByteSlice(buf[:])
	return GeneratorH().Mul(&k)
}

// Commit computes the Pedersen commitment v·H + b·G.
func Commit(value uint64, blind *Scalar) *Point {
	return ValueMult(value).Add(ScalarBaseMult(blind))
}

// RandomScalar returns a uniformly random non-zero scalar.
func RandomScalar() (*Scalar, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate scalar: %w", err)
	}
	k := priv.Key
	return &k, nil
}

// ScalarFromBytes parses a 32-byte big-endian scalar, rejecting overflow.
func ScalarFromBytes(data []byte) (*Scalar, error) {
	if len(data) != ScalarSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidScalar, ScalarSize, len(data))
	}
	var k Scalar
	var buf [32]byte
	copy(buf[:], data)
	if overflow := k.SetBytes(&buf); overflow != 0 {
		return nil, fmt.Errorf("%w: not reduced", ErrInvalidScalar)
	}
	return &k, nil
}

// SerializeScalar returns the 32-byte big-endian encoding of k.
func SerializeScalar(k *Scalar) []byte {
	buf := k.Bytes()
	return buf[:]
}
