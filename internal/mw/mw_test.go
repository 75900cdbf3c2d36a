package mw

import (
	"bytes"
	"testing"
)

func TestCommitmentArithmetic(t *testing.T) {
	blindA, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar() failed: %v", err)
	}
	blindB, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar() failed: %v", err)
	}

	// Commit(v, a) + b·G == Commit(v, a+b)
	var sum Scalar
	sum.Add2(blindA, blindB)

	joint := Commit(42, blindA).Add(ScalarBaseMult(blindB))
	direct := Commit(42, &sum)
	if !joint.Equal(direct) {
		t.Error("commitment homomorphism violated")
	}

	// Serialization round trip
	raw := joint.Serialize()
	parsed, err := ParsePoint(raw)
	if err != nil {
		t.Fatalf("ParsePoint() failed: %v", err)
	}
	if !parsed.Equal(joint) {
		t.Error("point round trip mismatch")
	}

	// Subtracting the blinding leaves the value component
	stripped := direct.Sub(ScalarBaseMult(&sum))
	if !stripped.Equal(ValueMult(42)) {
		t.Error("blinding removal did not leave v*H")
	}
}

func TestGeneratorHIndependence(t *testing.T) {
	one := new(Scalar).SetInt(1)
	if GeneratorH().Equal(ScalarBaseMult(one)) {
		t.Fatal("H equals G")
	}
	// Deterministic across calls
	if !bytes.Equal(GeneratorH().Serialize(), GeneratorH().Serialize()) {
		t.Fatal("H is not deterministic")
	}
}

func TestInfinitySerialization(t *testing.T) {
	inf := NewPointInfinity()
	raw := inf.Serialize()
	for _, b := range raw {
		if b != 0 {
			t.Fatal("infinity must serialize to zero bytes")
		}
	}
	parsed, err := ParsePoint(raw)
	if err != nil {
		t.Fatalf("ParsePoint(infinity) failed: %v", err)
	}
	if !parsed.IsInfinity() {
		t.Error("parsed point is not infinity")
	}
}

// twoPartySign runs the full two-party signing round over one kernel and
// returns the signed kernel.
func twoPartySign(t *testing.T, kernel *Kernel, excessA, excessB *Scalar) *Kernel {
	t.Helper()

	nonceA, _ := RandomScalar()
	nonceB, _ := RandomScalar()

	kernel.Excess = ScalarBaseMult(excessA).Add(ScalarBaseMult(excessB))
	noncePub := ScalarBaseMult(nonceA).Add(ScalarBaseMult(nonceB))

	msg := kernel.Message()
	e := Challenge(noncePub, kernel.Excess, msg)

	sigA := SignPartial(nonceA, excessA, e)
	sigB := SignPartial(nonceB, excessB, e)

	if !VerifyPartial(sigA, ScalarBaseMult(nonceA), ScalarBaseMult(excessA), e) {
		t.Fatal("partial A does not verify")
	}
	if !VerifyPartial(sigB, ScalarBaseMult(nonceB), ScalarBaseMult(excessB), e) {
		t.Fatal("partial B does not verify")
	}

	kernel.Signature = CombinePartials(noncePub, sigA, sigB)
	return kernel
}

func TestTwoPartySigning(t *testing.T) {
	excessA, _ := RandomScalar()
	excessB, _ := RandomScalar()

	kernel := twoPartySign(t, NewKernel(10, 100, 200), excessA, excessB)
	if err := kernel.VerifySignature(); err != nil {
		t.Fatalf("aggregate signature rejected: %v", err)
	}

	// A wrong partial must be caught both at the partial and aggregate level.
	nonce, _ := RandomScalar()
	wrong, _ := RandomScalar()
	msg := kernel.Message()
	e := Challenge(kernel.Signature.NoncePub, kernel.Excess, msg)
	if VerifyPartial(SignPartial(nonce, wrong, e), ScalarBaseMult(nonce), ScalarBaseMult(excessA), e) {
		t.Error("forged partial verified")
	}

	kernel.Signature.K.Add(new(Scalar).SetInt(1))
	if err := kernel.VerifySignature(); err == nil {
		t.Error("tampered aggregate signature verified")
	}
}

func TestHashLock(t *testing.T) {
	preimage := bytes.Repeat([]byte{7}, PreimageSize)

	kernel := NewKernel(0, 1, 0)
	kernel.HashLock = HashLockFor(preimage)

	if err := kernel.CheckPreimage(nil); err == nil {
		t.Error("missing preimage accepted")
	}
	if err := kernel.CheckPreimage(bytes.Repeat([]byte{8}, PreimageSize)); err == nil {
		t.Error("wrong preimage accepted")
	}
	if err := kernel.CheckPreimage(preimage); err != nil {
		t.Errorf("valid preimage rejected: %v", err)
	}

	// The hash lock is part of the signed message.
	plain := NewKernel(0, 1, 0)
	if kernel.Message() == plain.Message() {
		t.Error("hash lock not covered by kernel message")
	}
}

func TestTransactionBalance(t *testing.T) {
	// One input of 5, outputs of 3 and 1, fee 1.
	inBlind, _ := RandomScalar()
	outBlind1, _ := RandomScalar()
	outBlind2, _ := RandomScalar()
	excessA, _ := RandomScalar()
	excessB, _ := RandomScalar()

	// offset = b_in - b_out1 - b_out2 + kA + kB, peer excess secrets are the
	// negated kernel scalars.
	var offset Scalar
	offset.Set(inBlind)
	offset.Add(new(Scalar).Set(outBlind1).Negate())
	offset.Add(new(Scalar).Set(outBlind2).Negate())
	offset.Add(excessA)
	offset.Add(excessB)

	var negA, negB Scalar
	negA.Set(excessA).Negate()
	negB.Set(excessB).Negate()

	kernel := twoPartySign(t, NewKernel(1, 1, 0), &negA, &negB)

	tx := &Transaction{
		Inputs:  []Input{{Commitment: Commit(5, inBlind)}},
		Outputs: []Output{{Commitment: Commit(3, outBlind1)}, {Commitment: Commit(1, outBlind2)}},
		Offset:  offset,
		Kernel:  kernel,
	}
	tx.Normalize()
	if err := tx.Validate(); err != nil {
		t.Fatalf("balanced transaction rejected: %v", err)
	}

	// Inflating an output must break the balance.
	tx.Outputs[0].Commitment = Commit(4, outBlind1)
	if err := tx.Validate(); err == nil {
		t.Error("unbalanced transaction accepted")
	}
}
