// Package mw - transaction assembly and balance validation.
package mw

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// Transaction errors
var (
	ErrNotBalanced = errors.New("transaction does not balance")
	ErrNoKernel    = errors.New("transaction has no kernel")
)

// Input spends a commitment that exists in the UTXO set.
type Input struct {
	Commitment *Point
}

// Output creates a new commitment. The range proof is carried opaquely; the
// wallet treats proof construction as the output owner's concern.
type Output struct {
	Commitment *Point
	Proof      []byte
}

// Transaction is a complete native-chain transaction: one kernel, the
// combined offset, and the input/output commitment lists.
type Transaction struct {
	Inputs  []Input
	Outputs []Output
	Offset  Scalar
	Kernel  *Kernel

	// Preimage is published with the transaction when the kernel carries a
	// hash lock.
	Preimage []byte
}

// Normalize sorts inputs and outputs by commitment so both peers assemble a
// byte-identical transaction.
func (t *Transaction) Normalize() {
	sort.Slice(t.Inputs, func(i, j int) bool {
		return bytes.Compare(t.Inputs[i].Commitment.Serialize(), t.Inputs[j].Commitment.Serialize()) < 0
	})
	sort.Slice(t.Outputs, func(i, j int) bool {
		return bytes.Compare(t.Outputs[i].Commitment.Serialize(), t.Outputs[j].Commitment.Serialize()) < 0
	})
}

// Validate checks the aggregate signature, the hash lock preimage, and the
// balance equation:
//
//	sum(outputs) - sum(inputs) + fee·H + offset·G + excess == O
func (t *Transaction) Validate() error {
	if t.Kernel == nil {
		return ErrNoKernel
	}
	if err := t.Kernel.VerifySignature(); err != nil {
		return err
	}
	if err := t.Kernel.CheckPreimage(t.Preimage); err != nil {
		return err
	}

	sum := NewPointInfinity()
	for _, out := range t.Outputs {
		sum = sum.Add(out.Commitment)
	}
	for _, in := range t.Inputs {
		sum = sum.Sub(in.Commitment)
	}
	sum = sum.Add(ValueMult(t.Kernel.Fee))
	sum = sum.Add(ScalarBaseMult(&t.Offset))
	sum = sum.Add(t.Kernel.Excess)

	if !sum.IsInfinity() {
		return fmt.Errorf("%w: residual %x", ErrNotBalanced, sum.Serialize())
	}
	return nil
}
