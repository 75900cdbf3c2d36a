// Package builder - shared (joint output) transaction building.
package builder

import (
	"errors"

	"github.com/2miners/beam/internal/chain"
	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/internal/params"
	"github.com/2miners/beam/internal/wallet"
)

// Shared builder errors
var (
	ErrSharedNotReady = errors.New("shared parameters not available")
)

// MaxHeightUnlimited leaves the kernel's upper height bound open.
const MaxHeightUnlimited = ^uint64(0)

// Shared extends Base for sub-transactions touching the joint lock output:
// the lock itself and the refund/redeem spends of it. The joint commitment is
// v·H + (x_self + x_peer)·G; each peer holds only its own scalar and the
// peer's public share.
type Shared struct {
	Base

	lockAmount       uint64
	sharedBlinding   *mw.Scalar
	peerPublicShared *mw.Point
}

// NewShared creates a shared builder. lockAmount is the value of the joint
// output; for spends, amounts carries the spend output value (lockAmount
// minus the spend fee).
func NewShared(store *params.Store, w *wallet.Wallet, subTx params.SubTxID, lockAmount uint64, amounts []uint64, fee uint64) *Shared {
	return &Shared{
		Base:       *NewBase(store, w, subTx, amounts, fee),
		lockAmount: lockAmount,
	}
}

// EnsureSharedBlinding creates this peer's share of the joint blinding on
// first use. Creating it also folds its negation into the lock builder's
// offset, which is how the joint output's blinding stays balanced against the
// two peers' offsets.
func (b *Shared) EnsureSharedBlinding() error {
	existing, ok, err := b.store.GetScalar(params.IDSharedBlindingFactor, params.SubTxBeamLock)
	if err != nil {
		return err
	}
	if ok {
		b.sharedBlinding = existing
		return nil
	}

	blind, err := b.wallet.SharedBlinding(b.store.TxID(), 0)
	if err != nil {
		return err
	}
	if err := b.store.SetScalar(params.IDSharedBlindingFactor, params.SubTxBeamLock, blind); err != nil {
		return err
	}
	b.sharedBlinding = blind

	var neg mw.Scalar
	neg.Set(blind).Negate()
	b.offset.Add(&neg)
	return b.persistOffset()
}

// LoadSharedParameters restores the local blinding share and the peer's
// public share. Both always live under the lock sub-transaction. Returns
// false while the peer's share has not arrived.
func (b *Shared) LoadSharedParameters() (bool, error) {
	blind, okB, err := b.store.GetScalar(params.IDSharedBlindingFactor, params.SubTxBeamLock)
	if err != nil {
		return false, err
	}
	peerPub, okP, err := b.store.GetPoint(params.IDPeerPublicSharedBlindingFactor, params.SubTxBeamLock)
	if err != nil {
		return false, err
	}
	if !okB || !okP {
		return false, nil
	}
	b.sharedBlinding = blind
	b.peerPublicShared = peerPub
	return true, nil
}

// PublicSharedBlinding returns this peer's public share of the joint
// blinding, for transmission to the peer.
func (b *Shared) PublicSharedBlinding() (*mw.Point, error) {
	if b.sharedBlinding == nil {
		return nil, ErrSharedNotReady
	}
	return mw.ScalarBaseMult(b.sharedBlinding), nil
}

// SharedCommitment reconstructs the joint output commitment from the local
// scalar and the peer's public share.
func (b *Shared) SharedCommitment() (*mw.Point, error) {
	if b.sharedBlinding == nil || b.peerPublicShared == nil {
		return nil, ErrSharedNotReady
	}
	c := mw.Commit(b.lockAmount, b.sharedBlinding)
	return c.Add(b.peerPublicShared), nil
}

// AddSharedOutput appends the joint commitment to the outputs. Called by the
// lock transaction's assembling peer.
func (b *Shared) AddSharedOutput() error {
	commitment, err := b.SharedCommitment()
	if err != nil {
		return err
	}
	b.outputs = append(b.outputs, mw.Output{Commitment: commitment})
	return nil
}

// DeriveSpendHeights sets the height window of a refund or redeem spend from
// the lock sub-transaction's minimum height. The refund is pushed out by the
// chain's lock time; the redeem inherits the lock's minimum directly.
func (b *Shared) DeriveSpendHeights() error {
	lockMin, err := b.store.MustUint64(params.IDMinHeight, params.SubTxBeamLock)
	if err != nil {
		return err
	}
	minHeight := lockMin
	if b.subTx == params.SubTxBeamRefund {
		minHeight = lockMin + chain.LockTimeBlocks
	}
	return b.SetHeightWindow(minHeight, MaxHeightUnlimited)
}

// AssemblePeerSpend reconstructs the owner's spend of the joint output on
// the co-signing side, from the owner's published output commitments. Both
// peers hold the completed transaction before any lock is broadcast.
func (b *Shared) AssemblePeerSpend(peerOutputs []*mw.Point) (*mw.Transaction, error) {
	if b.partialSignature == nil || b.peerSignature == nil {
		return nil, ErrNotReady
	}
	if b.peerOffset == nil {
		if ok, err := b.LoadPeerOffset(); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrNotReady
		}
	}
	commitment, err := b.SharedCommitment()
	if err != nil {
		return nil, err
	}

	b.kernel.Excess = b.totalExcess()
	b.kernel.Signature = mw.CombinePartials(b.totalNoncePub(), b.partialSignature, b.peerSignature)

	var offsetTotal mw.Scalar
	offsetTotal.Add2(&b.offset, b.peerOffset)

	outputs := make([]mw.Output, 0, len(peerOutputs))
	for _, c := range peerOutputs {
		outputs = append(outputs, mw.Output{Commitment: c})
	}
	tx := &mw.Transaction{
		Inputs:  []mw.Input{{Commitment: commitment}},
		Outputs: outputs,
		Offset:  offsetTotal,
		Kernel:  b.kernel,
	}
	tx.Normalize()
	if err := tx.Validate(); err != nil && !errors.Is(err, mw.ErrMissingPreimage) {
		return nil, err
	}
	return tx, nil
}

// InitSpend sets up the spend of the joint output. The owner synthesizes the
// input from the joint commitment and creates the receiving output; both
// peers fold their blinding share into their offset — without the non-owner's
// share the transaction cannot balance.
func (b *Shared) InitSpend(isOwner bool) error {
	if _, ok, err := b.store.GetScalar(params.IDOffset, b.subTx); err != nil {
		return err
	} else if ok {
		// Already initialized on a previous wake-up.
		return nil
	}
	if b.sharedBlinding == nil || b.peerPublicShared == nil {
		return ErrSharedNotReady
	}

	b.offset.Add(b.sharedBlinding)

	if isOwner {
		commitment, err := b.SharedCommitment()
		if err != nil {
			return err
		}
		b.inputs = append(b.inputs, mw.Input{Commitment: commitment})
		if err := b.persistInputsAndOffset(); err != nil {
			return err
		}
		if err := b.AddOutput(b.Amount(), false); err != nil {
			return err
		}
		return b.FinalizeOutputs()
	}

	return b.persistOffset()
}
