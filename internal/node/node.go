// Package node defines the wallet's view of the native-chain node: tip
// updates, transaction registration and kernel confirmation. The swap driver
// only ever talks to this interface; implementations complete requests by
// posting results back to the driver's event loop.
package node

import (
	"context"
	"errors"

	"github.com/2miners/beam/internal/mw"
)

// Node errors
var (
	ErrRejected   = errors.New("transaction rejected by node")
	ErrConnection = errors.New("node connection failed")
	ErrTooEarly   = errors.New("transaction not yet valid at current height")
	ErrExpired    = errors.New("transaction past its maximum height")
	ErrSpentInput = errors.New("transaction spends an unknown or spent input")
)

// TipEvent announces a new chain tip.
type TipEvent struct {
	Height uint64
}

// KernelProof is the confirmation record of a kernel, including the preimage
// published with a hash-locked kernel.
type KernelProof struct {
	Height   uint64
	Preimage []byte
}

// Interface is the asynchronous request/response surface of the native chain
// node.
type Interface interface {
	// TipHeight returns the last known chain tip height.
	TipHeight() uint64

	// SubscribeTip returns a channel delivering tip updates. The channel is
	// closed when the node connection shuts down.
	SubscribeTip() <-chan TipEvent

	// RegisterTransaction submits a transaction for inclusion.
	RegisterTransaction(ctx context.Context, tx *mw.Transaction) error

	// ConfirmKernel looks up a kernel's confirmation proof. The second return
	// is false while the kernel is unconfirmed.
	ConfirmKernel(ctx context.Context, kernelID [32]byte) (*KernelProof, bool, error)
}
