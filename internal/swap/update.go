// Package swap - state machine transitions.
//
// Update is the single entry point: every wake-up (peer message, tip update,
// poll tick, restart) re-enters it, and each phase advances exactly as far
// as its inputs allow. All progress lives in the parameter store, so
// re-entry is cheap and restarts resume from the persisted cursor.
package swap

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/2miners/beam/internal/builder"
	"github.com/2miners/beam/internal/chain"
	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/internal/node"
	"github.com/2miners/beam/internal/params"
	"github.com/2miners/beam/internal/secondside"
	"github.com/2miners/beam/internal/storage"
	"github.com/2miners/beam/pkg/helpers"
)

// view is the per-wake-up snapshot of a transaction's fixed parameters.
type view struct {
	id         string
	store      *params.Store
	isInit     bool
	isBeamSide bool
	amount     uint64
	fee        uint64
	swapAmount uint64
	coin       chain.Coin
	side       secondside.SecondSide
	settings   secondside.Settings
	state      GlobalState
}

func (d *Driver) loadView(txID string) (*view, error) {
	store := params.NewStore(d.store, txID)
	v := &view{id: txID, store: store}

	var err error
	if v.isInit, err = store.MustBool(params.IDIsInitiator, params.SubTxDefault); err != nil {
		return nil, err
	}
	if v.isBeamSide, err = store.MustBool(params.IDAtomicSwapIsBeamSide, params.SubTxDefault); err != nil {
		return nil, err
	}
	if v.amount, err = store.MustUint64(params.IDAmount, params.SubTxDefault); err != nil {
		return nil, err
	}
	if v.fee, err = store.MustUint64(params.IDFee, params.SubTxDefault); err != nil {
		return nil, err
	}
	if v.swapAmount, err = store.MustUint64(params.IDAtomicSwapAmount, params.SubTxDefault); err != nil {
		return nil, err
	}
	coinRaw, _, err := store.GetUint32(params.IDAtomicSwapCoin, params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	v.coin = chain.Coin(coinRaw)

	side, ok := d.sides[v.coin]
	if !ok {
		return nil, ErrNoSecondSide
	}
	v.side = side
	v.settings = d.sideSettings[v.coin]

	stateRaw, err := store.GetState(params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	v.state = GlobalState(stateRaw)
	return v, nil
}

// Update advances a swap as far as its current inputs allow.
func (d *Driver) Update(ctx context.Context, txID string) error {
	rec, err := d.store.GetTransaction(txID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, txID)
	}
	switch rec.Status {
	case storage.TxStatusCompleted, storage.TxStatusFailed, storage.TxStatusCancelled:
		return nil
	}

	v, err := d.loadView(txID)
	if err != nil {
		if errors.Is(err, params.ErrMissingParameter) {
			return d.fail(params.NewStore(d.store, txID), FailureMissingParameter)
		}
		return err
	}

	err = d.updatePhases(ctx, v)
	switch {
	case errors.Is(err, params.ErrInvalidParameter):
		return d.fail(v.store, FailureInvalidParameter)
	case errors.Is(err, params.ErrMissingParameter):
		return d.fail(v.store, FailureMissingParameter)
	}
	return err
}

// updatePhases walks the monotonic global phases as far as this wake-up's
// inputs allow.
func (d *Driver) updatePhases(ctx context.Context, v *view) error {
	if v.state == StateInitial {
		// The initiator idles here until the acceptance arrives; the offer
		// still dies once the lock window passes.
		if expired, err := d.checkLockExpiry(v); expired || err != nil {
			return err
		}
		if _, ok, err := v.store.GetPoint(params.IDPeerPublicExcess, params.SubTxBeamLock); err != nil {
			return err
		} else if !ok {
			return nil
		}
		if err := d.transition(v, StateInvitation); err != nil {
			return err
		}
	}

	if v.state == StateInvitation {
		if expired, err := d.checkLockExpiry(v); expired || err != nil {
			return err
		}
		ready, err := d.updateLock(v)
		if !ready || err != nil {
			return err
		}
		if err := d.transition(v, StateBuildingLock); err != nil {
			return err
		}
	}

	if v.state == StateBuildingLock {
		if expired, err := d.checkLockExpiry(v); expired || err != nil {
			return err
		}
		ready, err := d.updateRefund(v)
		if !ready || err != nil {
			return err
		}
		if err := d.transition(v, StateLockBroadcast); err != nil {
			return err
		}
	}

	if v.state == StateLockBroadcast {
		if err := d.updateLockBroadcast(ctx, v); err != nil {
			return err
		}
	}

	if v.state == StatePeerLockConfirmed {
		if err := d.updatePeerLockConfirmed(ctx, v); err != nil {
			return err
		}
	}

	if v.state == StateRedeeming {
		if err := d.updateRedeeming(ctx, v); err != nil {
			return err
		}
	}

	if v.state == StateRefunding {
		return d.updateRefunding(ctx, v)
	}
	return nil
}

// settleCoins finalizes the wallet coins a confirmed sub-transaction moved:
// locked inputs become spent, the sub-transaction's own outputs activate.
func (d *Driver) settleCoins(v *view, subTx params.SubTxID) error {
	if subTx == params.SubTxBeamLock {
		if err := d.wallet.CommitInputs(v.id); err != nil {
			return err
		}
	}
	outputCoins, ok, err := v.store.GetStringList(params.IDOutputCoins, subTx)
	if err != nil || !ok {
		return err
	}
	return d.wallet.ActivateCoins(outputCoins)
}

// transition persists a global state change and keeps the view current.
func (d *Driver) transition(v *view, state GlobalState) error {
	if err := d.setGlobalState(v.store, state); err != nil {
		return err
	}
	d.log.Debug("Swap state", "tx_id", v.id, "state", state.String())
	v.state = state
	return nil
}

// checkLockExpiry fails the swap when the tip passes the lock's maximum
// height before the lock confirmed. No on-chain effect has happened yet.
func (d *Driver) checkLockExpiry(v *view) (bool, error) {
	if _, confirmed, err := v.store.GetUint64(params.IDKernelProofHeight, params.SubTxBeamLock); err != nil {
		return false, err
	} else if confirmed {
		return false, nil
	}
	maxHeight, err := v.store.MustUint64(params.IDMaxHeight, params.SubTxBeamLock)
	if err != nil {
		return false, err
	}
	if d.node.TipHeight() > maxHeight {
		d.log.Info("Swap expired before lock confirmation", "tx_id", v.id)
		return true, d.fail(v.store, FailureExpired)
	}
	return false, nil
}

// =============================================================================
// Builders
// =============================================================================

func (d *Driver) lockBuilder(store *params.Store, amount, fee uint64) *builder.Shared {
	return builder.NewShared(store, d.wallet, params.SubTxBeamLock, amount, []uint64{amount}, fee)
}

// spendBuilder creates the refund or redeem builder. Spend kernels carry no
// fee; the joint value moves whole.
func (d *Driver) spendBuilder(v *view, subTx params.SubTxID) *builder.Shared {
	return builder.NewShared(v.store, d.wallet, subTx, v.amount, []uint64{v.amount}, 0)
}

func (d *Driver) subState(v *view, subTx params.SubTxID) (SubTxState, error) {
	raw, err := v.store.GetState(subTx)
	return SubTxState(raw), err
}

func (d *Driver) advanceSubState(v *view, subTx params.SubTxID, state SubTxState) error {
	cur, err := d.subState(v, subTx)
	if err != nil {
		return err
	}
	if cur >= state {
		return nil
	}
	return v.store.SetState(subTx, uint32(state))
}

// =============================================================================
// Lock negotiation
// =============================================================================

// updateLock drives the lock sub-transaction to fully co-signed. The
// initiator signs first; the responder answers only after verifying the
// initiator's share.
func (d *Driver) updateLock(v *view) (bool, error) {
	lb := d.lockBuilder(v.store, v.amount, v.fee)
	if err := lb.EnsureSharedBlinding(); err != nil {
		return false, err
	}
	if _, err := lb.LoadInitialParams(); err != nil {
		return false, err
	}

	_, haveInputs, err := v.store.GetStringList(params.IDInputCoins, params.SubTxBeamLock)
	if err != nil {
		return false, err
	}
	if v.isBeamSide && !haveInputs {
		if err := lb.SelectInputs(); err != nil {
			if errors.Is(err, builder.ErrNoInputs) {
				return false, d.fail(v.store, FailureNoInputs)
			}
			return false, err
		}
		if err := lb.AddChangeOutput(); err != nil {
			return false, err
		}
		if err := lb.FinalizeOutputs(); err != nil {
			return false, err
		}
		if err := d.advanceSubState(v, params.SubTxBeamLock, SubTxBuilding); err != nil {
			return false, err
		}
	}

	if ok, err := lb.LoadSharedParameters(); err != nil || !ok {
		return false, err
	}
	if err := lb.CreateKernel(); err != nil {
		return false, err
	}
	if ok, err := lb.LoadPeerPublicShares(); err != nil || !ok {
		return false, err
	}
	if err := d.advanceSubState(v, params.SubTxBeamLock, SubTxSharedUtxoReady); err != nil {
		return false, err
	}

	if err := lb.SignPartial(); err != nil {
		return false, err
	}

	havePeerSig, err := lb.LoadPeerSignature()
	if err != nil {
		return false, err
	}

	subState, err := d.subState(v, params.SubTxBeamLock)
	if err != nil {
		return false, err
	}

	if v.isInit {
		// Initiator publishes its share first.
		if subState < SubTxSigning {
			if err := d.sendSignature(v, params.SubTxBeamLock, lb, nil); err != nil {
				return false, err
			}
			if err := d.advanceSubState(v, params.SubTxBeamLock, SubTxSigning); err != nil {
				return false, err
			}
		}
		if !havePeerSig {
			return false, nil
		}
		if err := lb.VerifyPeerSignature(); err != nil {
			return false, d.fail(v.store, FailureInvalidSignature)
		}
		return true, nil
	}

	// Responder waits for the initiator's share before emitting its own.
	if !havePeerSig {
		return false, nil
	}
	if err := lb.VerifyPeerSignature(); err != nil {
		return false, d.fail(v.store, FailureInvalidSignature)
	}
	if subState < SubTxSigning {
		if err := d.sendSignature(v, params.SubTxBeamLock, lb, nil); err != nil {
			return false, err
		}
		if err := d.advanceSubState(v, params.SubTxBeamLock, SubTxSigning); err != nil {
			return false, err
		}
	}
	return true, nil
}

// sendSignature transmits this peer's partial signature and offset for a
// sub-transaction, optionally with extra entries.
func (d *Driver) sendSignature(v *view, subTx params.SubTxID, b *builder.Shared, extra *Packet) error {
	var msg Packet
	if extra != nil {
		msg.Entries = append(msg.Entries, extra.Entries...)
	}
	msg.Add(params.IDPeerSignature, subTx, mw.SerializeScalar(b.PartialSignature()))
	msg.Add(params.IDPeerOffset, subTx, mw.SerializeScalar(b.Offset()))
	return d.send(v.store, &msg)
}

// =============================================================================
// Refund pre-signing
// =============================================================================

// updateRefund pre-signs the refund spend of the joint output. Neither peer
// proceeds to broadcast before independently holding a valid refund.
func (d *Driver) updateRefund(v *view) (bool, error) {
	owner := v.isBeamSide
	rb := d.spendBuilder(v, params.SubTxBeamRefund)

	if ok, err := rb.LoadSharedParameters(); err != nil || !ok {
		return false, err
	}
	if err := rb.DeriveSpendHeights(); err != nil {
		return false, err
	}
	if _, err := rb.LoadInitialParams(); err != nil {
		return false, err
	}
	if err := rb.InitSpend(owner); err != nil {
		return false, err
	}
	if _, err := rb.LoadInitialParams(); err != nil {
		return false, err
	}
	if err := rb.CreateKernel(); err != nil {
		return false, err
	}

	subState, err := d.subState(v, params.SubTxBeamRefund)
	if err != nil {
		return false, err
	}

	if owner && subState < SubTxInvitation {
		var msg Packet
		msg.AddUint64(params.IDAmount, params.SubTxBeamRefund, v.amount)
		msg.AddUint64(params.IDFee, params.SubTxBeamRefund, 0)
		msg.AddUint64(params.IDMinHeight, params.SubTxBeamRefund, rb.MinHeight())
		msg.Add(params.IDPeerPublicExcess, params.SubTxBeamRefund, rb.PublicExcess().Serialize())
		msg.Add(params.IDPeerPublicNonce, params.SubTxBeamRefund, rb.PublicNonce().Serialize())
		if err := d.send(v.store, &msg); err != nil {
			return false, err
		}
		if err := d.advanceSubState(v, params.SubTxBeamRefund, SubTxInvitation); err != nil {
			return false, err
		}
	}

	if ok, err := rb.LoadPeerPublicShares(); err != nil || !ok {
		return false, err
	}
	if err := rb.SignPartial(); err != nil {
		return false, err
	}

	if !owner && subState < SubTxSigning {
		// Invited co-signer answers with its shares and signature at once.
		var extra Packet
		extra.Add(params.IDPeerPublicExcess, params.SubTxBeamRefund, rb.PublicExcess().Serialize())
		extra.Add(params.IDPeerPublicNonce, params.SubTxBeamRefund, rb.PublicNonce().Serialize())
		if err := d.sendSignature(v, params.SubTxBeamRefund, rb, &extra); err != nil {
			return false, err
		}
		if err := d.advanceSubState(v, params.SubTxBeamRefund, SubTxSigning); err != nil {
			return false, err
		}
	}

	if ok, err := rb.LoadPeerSignature(); err != nil || !ok {
		return false, err
	}
	if err := rb.VerifyPeerSignature(); err != nil {
		return false, d.fail(v.store, FailureInvalidSignature)
	}

	if owner {
		if subState < SubTxSigning {
			// Final round: the co-signer gets everything needed to assemble
			// the completed refund as well.
			var extra Packet
			extras := rb.OutputCommitments()
			raw := make([]byte, 0, len(extras)*mw.PointSize)
			for _, c := range extras {
				raw = append(raw, c.Serialize()...)
			}
			extra.Add(params.IDPeerOutputs, params.SubTxBeamRefund, raw)
			if err := d.sendSignature(v, params.SubTxBeamRefund, rb, &extra); err != nil {
				return false, err
			}
			if err := d.advanceSubState(v, params.SubTxBeamRefund, SubTxSigning); err != nil {
				return false, err
			}
		}
		if _, err := rb.CreateTransaction(); err != nil {
			if errors.Is(err, builder.ErrNotReady) {
				return false, nil
			}
			return false, d.fail(v.store, FailureInvalidSignature)
		}
		return true, nil
	}

	// Co-signer: reconstruct and validate the owner's refund before allowing
	// any broadcast.
	peerOutputs, ok, err := v.store.GetPointList(params.IDPeerOutputs, params.SubTxBeamRefund)
	if err != nil || !ok {
		return false, err
	}
	if _, err := rb.AssemblePeerSpend(peerOutputs); err != nil {
		if errors.Is(err, builder.ErrNotReady) {
			return false, nil
		}
		return false, d.fail(v.store, FailureInvalidSignature)
	}
	return true, nil
}

// =============================================================================
// Lock broadcast and second-chain lock
// =============================================================================

func (d *Driver) updateLockBroadcast(ctx context.Context, v *view) error {
	lockConfirmed, err := d.confirmKernel(ctx, v, params.SubTxBeamLock)
	if err != nil {
		return err
	}

	if !lockConfirmed {
		if expired, err := d.checkLockExpiry(v); expired || err != nil {
			return err
		}
		if v.isBeamSide {
			if err := d.registerBeamLock(ctx, v); err != nil {
				return err
			}
		}
		return nil
	}

	// Lock is on chain. The native sender's inputs and change are now final.
	if v.isBeamSide {
		if state, err := d.subState(v, params.SubTxBeamLock); err != nil {
			return err
		} else if state < SubTxCompleted {
			if err := d.settleCoins(v, params.SubTxBeamLock); err != nil {
				return err
			}
			if err := d.advanceSubState(v, params.SubTxBeamLock, SubTxCompleted); err != nil {
				return err
			}
			d.log.Info("Native lock confirmed", "tx_id", v.id)
		}
	}

	// The second-chain sender locks once it observes the native lock.
	if !v.isBeamSide {
		if err := d.broadcastSwapLock(ctx, v); err != nil {
			return err
		}
	}

	confirmed, err := d.swapLockConfirmed(ctx, v)
	if err != nil {
		return err
	}
	if confirmed {
		return d.transition(v, StatePeerLockConfirmed)
	}

	// While the second chain stalls, the refund window may open.
	return d.checkRefundTriggers(ctx, v)
}

// registerBeamLock assembles and registers the native lock transaction.
func (d *Driver) registerBeamLock(ctx context.Context, v *view) error {
	if registered, _, err := v.store.GetBool(params.IDTransactionRegistered, params.SubTxBeamLock); err != nil {
		return err
	} else if registered {
		return nil
	}

	lb := d.lockBuilder(v.store, v.amount, v.fee)
	tx, err := d.assembleSpendableLock(lb)
	if err != nil {
		return err
	}
	return d.registerTransaction(ctx, v, params.SubTxBeamLock, tx)
}

func (d *Driver) assembleSpendableLock(lb *builder.Shared) (*mw.Transaction, error) {
	if _, err := lb.LoadInitialParams(); err != nil {
		return nil, err
	}
	if ok, err := lb.LoadSharedParameters(); err != nil {
		return nil, err
	} else if !ok {
		return nil, builder.ErrSharedNotReady
	}
	if err := lb.CreateKernel(); err != nil {
		return nil, err
	}
	if ok, err := lb.LoadPeerPublicShares(); err != nil || !ok {
		return nil, builder.ErrNotReady
	}
	if err := lb.SignPartial(); err != nil {
		return nil, err
	}
	if ok, err := lb.LoadPeerSignature(); err != nil || !ok {
		return nil, builder.ErrNotReady
	}
	if err := lb.AddSharedOutput(); err != nil {
		return nil, err
	}
	return lb.CreateTransaction()
}

// registerTransaction submits a native transaction, recording the result.
func (d *Driver) registerTransaction(ctx context.Context, v *view, subTx params.SubTxID, tx *mw.Transaction) error {
	err := d.node.RegisterTransaction(ctx, tx)
	switch {
	case err == nil:
		if err := v.store.SetBool(params.IDTransactionRegistered, subTx, true); err != nil {
			return err
		}
		if err := d.advanceSubState(v, subTx, SubTxRegistering); err != nil {
			return err
		}
		d.log.Info("Registered native transaction", "tx_id", v.id, "sub_tx", subTx)
		return nil
	case errors.Is(err, node.ErrExpired):
		return d.fail(v.store, FailureExpired)
	case errors.Is(err, node.ErrTooEarly), errors.Is(err, node.ErrConnection):
		// Transient; the next wake-up retries.
		d.log.Debug("Registration deferred", "tx_id", v.id, "sub_tx", subTx, "error", err)
		return nil
	case errors.Is(err, node.ErrSpentInput):
		// The joint output went to the other spend; the competing path will
		// resolve on a later wake-up.
		d.log.Warn("Joint output already spent", "tx_id", v.id, "sub_tx", subTx)
		return nil
	default:
		d.log.Error("Registration rejected", "tx_id", v.id, "sub_tx", subTx, "error", err)
		return d.fail(v.store, FailureFailedToRegister)
	}
}

// confirmKernel polls the node for a kernel proof and persists it. For the
// redeem kernel, the proof also carries the published preimage.
func (d *Driver) confirmKernel(ctx context.Context, v *view, subTx params.SubTxID) (bool, error) {
	if _, ok, err := v.store.GetUint64(params.IDKernelProofHeight, subTx); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}

	rawKID, ok, err := v.store.GetBytes(params.IDKernelID, subTx)
	if err != nil || !ok {
		return false, err
	}
	var kernelID [32]byte
	copy(kernelID[:], rawKID)

	proof, confirmed, err := d.node.ConfirmKernel(ctx, kernelID)
	if err != nil {
		d.log.Debug("Kernel confirmation query failed", "tx_id", v.id, "error", err)
		return false, nil
	}
	if !confirmed {
		return false, nil
	}
	if err := v.store.SetUint64(params.IDKernelProofHeight, subTx, proof.Height); err != nil {
		return false, err
	}
	if subTx == params.SubTxBeamRedeem && len(proof.Preimage) == mw.PreimageSize {
		if err := v.store.Set(params.IDPreImage, params.SubTxBeamRedeem, proof.Preimage); err != nil {
			return false, err
		}
	}
	return true, nil
}

// broadcastSwapLock builds and broadcasts the second-chain lock, then tells
// the peer where to find it.
func (d *Driver) broadcastSwapLock(ctx context.Context, v *view) error {
	if _, ok, err := v.store.GetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapLock); err != nil {
		return err
	} else if ok {
		return nil
	}

	secretHash, receiverPub, senderPub, err := d.contractTerms(v)
	if err != nil {
		return err
	}

	var ref *secondside.LockRef
	done, err := d.sideCall(v.store, "swap-lock", func() error {
		height, err := v.side.Height(ctx)
		if err != nil {
			return err
		}
		lockHeight := height + v.settings.LockTimeBlocks
		raw, lockRef, err := v.side.BuildLockTx(ctx, v.swapAmount, secretHash, receiverPub, senderPub, lockHeight)
		if err != nil {
			return err
		}
		if _, err := v.side.Broadcast(ctx, raw); err != nil {
			return err
		}
		ref = lockRef
		return nil
	})
	if !done || err != nil {
		return err
	}

	if err := v.store.SetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapLock, ref.TxID); err != nil {
		return err
	}
	if err := v.store.SetUint32(params.IDAtomicSwapExternalVout, params.SubTxSwapLock, ref.Vout); err != nil {
		return err
	}
	if err := v.store.SetUint64(params.IDAtomicSwapExternalLockTime, params.SubTxSwapLock, uint64(ref.LockHeight)); err != nil {
		return err
	}
	if err := d.advanceSubState(v, params.SubTxSwapLock, SubTxRegistering); err != nil {
		return err
	}

	var msg Packet
	msg.Add(params.IDAtomicSwapExternalTxID, params.SubTxSwapLock, []byte(ref.TxID))
	msg.AddUint32(params.IDAtomicSwapExternalVout, params.SubTxSwapLock, ref.Vout)
	msg.AddUint64(params.IDAtomicSwapExternalLockTime, params.SubTxSwapLock, uint64(ref.LockHeight))
	d.log.Info("Second-chain lock broadcast", "tx_id", v.id, "swap_txid", ref.TxID, "lock_height", ref.LockHeight)
	return d.send(v.store, &msg)
}

// contractTerms resolves the second-chain contract participants. The native
// sender is the second-chain receiver.
func (d *Driver) contractTerms(v *view) (secretHash, receiverPub, senderPub []byte, err error) {
	preImageHash, err := v.store.MustBytes(params.IDPreImageHash, params.SubTxBeamRedeem)
	if err != nil {
		return nil, nil, nil, err
	}
	secretHash = secondside.LockImageHash(preImageHash)

	myKey, err := d.wallet.SwapKey(v.id)
	if err != nil {
		return nil, nil, nil, err
	}
	myPub := myKey.PubKey().SerializeCompressed()
	peerPub, err := v.store.MustBytes(params.IDAtomicSwapPeerPublicKey, params.SubTxDefault)
	if err != nil {
		return nil, nil, nil, err
	}

	if v.isBeamSide {
		return secretHash, myPub, peerPub, nil
	}
	return secretHash, peerPub, myPub, nil
}

// swapLockRef reconstructs the second-chain lock reference from persisted
// parameters. Returns false until the lock has been announced.
func (d *Driver) swapLockRef(v *view) (*secondside.LockRef, bool, error) {
	txID, ok, err := v.store.GetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapLock)
	if err != nil || !ok {
		return nil, false, err
	}
	vout, _, err := v.store.GetUint32(params.IDAtomicSwapExternalVout, params.SubTxSwapLock)
	if err != nil {
		return nil, false, err
	}
	lockHeight, _, err := v.store.GetUint64(params.IDAtomicSwapExternalLockTime, params.SubTxSwapLock)
	if err != nil {
		return nil, false, err
	}
	secretHash, receiverPub, senderPub, err := d.contractTerms(v)
	if err != nil {
		return nil, false, err
	}
	return &secondside.LockRef{
		TxID:        txID,
		Vout:        vout,
		Amount:      v.swapAmount,
		SecretHash:  secretHash,
		ReceiverPub: receiverPub,
		SenderPub:   senderPub,
		LockHeight:  uint32(lockHeight),
	}, true, nil
}

// swapLockConfirmed validates the announced second-chain lock once and polls
// its confirmations.
func (d *Driver) swapLockConfirmed(ctx context.Context, v *view) (bool, error) {
	ref, ok, err := d.swapLockRef(v)
	if err != nil || !ok {
		return false, err
	}

	// Validate the announced lock time once: the remaining second-chain lock
	// must run out strictly before the native refund becomes spendable.
	if state, err := d.subState(v, params.SubTxSwapLock); err != nil {
		return false, err
	} else if state < SubTxKernelConfirming {
		height, err := v.side.Height(ctx)
		if err != nil {
			return false, nil
		}
		refundMin, err := v.store.MustUint64(params.IDMinHeight, params.SubTxBeamRefund)
		if err != nil {
			// Refund heights derive from the lock; compute directly.
			lockMin, lerr := v.store.MustUint64(params.IDMinHeight, params.SubTxBeamLock)
			if lerr != nil {
				return false, lerr
			}
			refundMin = lockMin + chain.LockTimeBlocks
		}
		tip := d.node.TipHeight()
		if ref.LockHeight <= height || refundMin <= tip {
			return false, d.fail(v.store, FailureInvalidParameter)
		}
		swapRemaining, _ := chain.LockDuration(v.coin, ref.LockHeight-height)
		beamRemaining := chain.NativeLockDuration(refundMin - tip)
		if swapRemaining >= beamRemaining {
			d.log.Error("Second-chain lock time violates ordering", "tx_id", v.id,
				"swap_remaining", swapRemaining, "native_remaining", beamRemaining)
			return false, d.fail(v.store, FailureInvalidParameter)
		}
		if err := d.advanceSubState(v, params.SubTxSwapLock, SubTxKernelConfirming); err != nil {
			return false, err
		}
	}

	confs, err := v.side.Confirmations(ctx, ref.TxID)
	if err != nil {
		d.log.Debug("Second-chain confirmation query failed", "tx_id", v.id, "error", err)
		return false, nil
	}
	if confs < v.settings.MinConfirmations {
		return false, nil
	}
	if err := d.advanceSubState(v, params.SubTxSwapLock, SubTxCompleted); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// Redeem phase
// =============================================================================

func (d *Driver) updatePeerLockConfirmed(ctx context.Context, v *view) error {
	ready, err := d.updateRedeem(v)
	if err != nil {
		return err
	}

	if !v.isBeamSide {
		// Native receiver: register the hash-locked redeem once it has both
		// signatures and the preimage.
		if ready {
			if err := d.registerBeamRedeem(ctx, v); err != nil {
				return err
			}
			if v.state == StateRedeeming || v.state.IsTerminal() {
				return nil
			}
		}
		return d.checkRefundTriggers(ctx, v)
	}

	// Native sender: claim the second chain. The preimage is either ours
	// (initiator) or extracted from the confirmed redeem kernel. Claiming
	// waits until our redeem share has gone out, so the peer is never left
	// without its side of the trade.
	preImage, havePreimage, err := v.store.GetBytes(params.IDPreImage, params.SubTxBeamRedeem)
	if err != nil {
		return err
	}
	if !havePreimage {
		if _, err := d.confirmKernel(ctx, v, params.SubTxBeamRedeem); err != nil {
			return err
		}
		preImage, havePreimage, err = v.store.GetBytes(params.IDPreImage, params.SubTxBeamRedeem)
		if err != nil {
			return err
		}
	}
	if ready && havePreimage {
		if err := d.claimSwapCoins(ctx, v, preImage); err != nil {
			return err
		}
		if v.state == StateRedeeming || v.state.IsTerminal() {
			return nil
		}
	}
	return d.checkRefundTriggers(ctx, v)
}

// updateRedeem co-signs the redeem spend. The owner is the native receiver;
// the native sender's share is only emitted from the PeerLockConfirmed
// state, i.e. after it observed the second-chain lock.
func (d *Driver) updateRedeem(v *view) (bool, error) {
	owner := !v.isBeamSide
	rb := d.spendBuilder(v, params.SubTxBeamRedeem)

	preImageHash, err := v.store.MustBytes(params.IDPreImageHash, params.SubTxBeamRedeem)
	if err != nil {
		return false, err
	}
	rb.SetHashLock(preImageHash)

	if ok, err := rb.LoadSharedParameters(); err != nil || !ok {
		return false, err
	}
	if err := rb.DeriveSpendHeights(); err != nil {
		return false, err
	}
	if _, err := rb.LoadInitialParams(); err != nil {
		return false, err
	}
	if err := rb.InitSpend(owner); err != nil {
		return false, err
	}
	if _, err := rb.LoadInitialParams(); err != nil {
		return false, err
	}
	if err := rb.CreateKernel(); err != nil {
		return false, err
	}

	subState, err := d.subState(v, params.SubTxBeamRedeem)
	if err != nil {
		return false, err
	}

	if owner && subState < SubTxInvitation {
		var msg Packet
		msg.AddUint64(params.IDAmount, params.SubTxBeamRedeem, v.amount)
		msg.AddUint64(params.IDFee, params.SubTxBeamRedeem, 0)
		msg.AddUint64(params.IDMinHeight, params.SubTxBeamRedeem, rb.MinHeight())
		msg.Add(params.IDPeerPublicExcess, params.SubTxBeamRedeem, rb.PublicExcess().Serialize())
		msg.Add(params.IDPeerPublicNonce, params.SubTxBeamRedeem, rb.PublicNonce().Serialize())
		if err := d.send(v.store, &msg); err != nil {
			return false, err
		}
		if err := d.advanceSubState(v, params.SubTxBeamRedeem, SubTxInvitation); err != nil {
			return false, err
		}
	}

	if ok, err := rb.LoadPeerPublicShares(); err != nil || !ok {
		return false, err
	}
	if err := rb.SignPartial(); err != nil {
		return false, err
	}

	if !owner {
		// Asymmetric visibility: this share releases the joint output to the
		// peer, so it only leaves after the second-chain lock is final.
		if subState < SubTxSigning {
			var extra Packet
			extra.Add(params.IDPeerPublicExcess, params.SubTxBeamRedeem, rb.PublicExcess().Serialize())
			extra.Add(params.IDPeerPublicNonce, params.SubTxBeamRedeem, rb.PublicNonce().Serialize())
			if err := d.sendSignature(v, params.SubTxBeamRedeem, rb, &extra); err != nil {
				return false, err
			}
			if err := d.advanceSubState(v, params.SubTxBeamRedeem, SubTxSigning); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	if ok, err := rb.LoadPeerSignature(); err != nil || !ok {
		return false, err
	}
	if err := rb.VerifyPeerSignature(); err != nil {
		return false, d.fail(v.store, FailureInvalidSignature)
	}
	return true, nil
}

// registerBeamRedeem broadcasts the hash-locked redeem. The responder learns
// the preimage by watching the second chain's claim.
func (d *Driver) registerBeamRedeem(ctx context.Context, v *view) error {
	if registered, _, err := v.store.GetBool(params.IDTransactionRegistered, params.SubTxBeamRedeem); err != nil {
		return err
	} else if registered {
		return d.transition(v, StateRedeeming)
	}

	preImage, have, err := v.store.GetBytes(params.IDPreImage, params.SubTxBeamRedeem)
	if err != nil {
		return err
	}
	if !have {
		// Watch the second chain: its claim publishes the secret.
		ref, ok, err := d.swapLockRef(v)
		if err != nil || !ok {
			return err
		}
		secret, found, err := v.side.WatchForSecret(ctx, ref)
		if err != nil {
			d.log.Debug("Secret watch failed", "tx_id", v.id, "error", err)
			return nil
		}
		if !found {
			return nil
		}
		preImageHash, err := v.store.MustBytes(params.IDPreImageHash, params.SubTxBeamRedeem)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(secret)
		if !helpers.ConstantTimeCompare(digest[:], preImageHash) {
			return d.fail(v.store, FailureInvalidParameter)
		}
		if err := v.store.Set(params.IDPreImage, params.SubTxBeamRedeem, secret); err != nil {
			return err
		}
		preImage = secret
		d.log.Info("Learned preimage from second chain", "tx_id", v.id)
	}

	rb := d.spendBuilder(v, params.SubTxBeamRedeem)
	preImageHash, err := v.store.MustBytes(params.IDPreImageHash, params.SubTxBeamRedeem)
	if err != nil {
		return err
	}
	rb.SetHashLock(preImageHash)
	if ok, err := rb.LoadSharedParameters(); err != nil || !ok {
		return err
	}
	if _, err := rb.LoadInitialParams(); err != nil {
		return err
	}
	if err := rb.CreateKernel(); err != nil {
		return err
	}
	if ok, err := rb.LoadPeerPublicShares(); err != nil || !ok {
		return err
	}
	if err := rb.SignPartial(); err != nil {
		return err
	}
	if ok, err := rb.LoadPeerSignature(); err != nil || !ok {
		return err
	}
	tx, err := rb.CreateTransaction()
	if err != nil {
		return err
	}
	tx.Preimage = preImage

	if err := d.registerTransaction(ctx, v, params.SubTxBeamRedeem, tx); err != nil {
		return err
	}
	if registered, _, err := v.store.GetBool(params.IDTransactionRegistered, params.SubTxBeamRedeem); err != nil {
		return err
	} else if registered {
		return d.transition(v, StateRedeeming)
	}
	return nil
}

// claimSwapCoins redeems the second-chain lock with the preimage.
func (d *Driver) claimSwapCoins(ctx context.Context, v *view, preImage []byte) error {
	if _, ok, err := v.store.GetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapSpend); err != nil {
		return err
	} else if ok {
		return d.transition(v, StateRedeeming)
	}

	ref, ok, err := d.swapLockRef(v)
	if err != nil || !ok {
		return err
	}
	key, err := d.wallet.SwapKey(v.id)
	if err != nil {
		return err
	}

	var claimTxID string
	done, err := d.sideCall(v.store, "swap-redeem", func() error {
		raw, err := v.side.BuildRedeemTx(ctx, ref, key.Serialize(), preImage)
		if err != nil {
			return err
		}
		claimTxID, err = v.side.Broadcast(ctx, raw)
		return err
	})
	if !done || err != nil {
		return err
	}

	if err := v.store.SetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapSpend, claimTxID); err != nil {
		return err
	}
	d.log.Info("Claimed second-chain coins", "tx_id", v.id, "swap_txid", claimTxID)
	return d.transition(v, StateRedeeming)
}

func (d *Driver) updateRedeeming(ctx context.Context, v *view) error {
	if !v.isBeamSide {
		confirmed, err := d.confirmKernel(ctx, v, params.SubTxBeamRedeem)
		if err != nil || !confirmed {
			return err
		}
		if err := d.settleCoins(v, params.SubTxBeamRedeem); err != nil {
			return err
		}
		if err := d.advanceSubState(v, params.SubTxBeamRedeem, SubTxCompleted); err != nil {
			return err
		}
		return d.terminate(v.store, StateCompleted, "")
	}

	claimTxID, ok, err := v.store.GetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapSpend)
	if err != nil || !ok {
		return err
	}
	confs, err := v.side.Confirmations(ctx, claimTxID)
	if err != nil {
		d.log.Debug("Claim confirmation query failed", "tx_id", v.id, "error", err)
		return nil
	}
	if confs < v.settings.MinConfirmations {
		return nil
	}
	return d.terminate(v.store, StateCompleted, "")
}

// =============================================================================
// Refund paths
// =============================================================================

// checkRefundTriggers opens the refund path on whichever chain this peer
// funded, once its lock time has passed without a completed redeem.
func (d *Driver) checkRefundTriggers(ctx context.Context, v *view) error {
	if v.isBeamSide {
		refundMin, ok, err := v.store.GetUint64(params.IDMinHeight, params.SubTxBeamRefund)
		if err != nil || !ok {
			return err
		}
		if d.node.TipHeight() < refundMin {
			return nil
		}
		// If the peer already took the joint output, the refund cannot land.
		if confirmed, err := d.confirmKernel(ctx, v, params.SubTxBeamRedeem); err != nil || confirmed {
			return err
		}
		d.log.Info("Refund window open, broadcasting native refund", "tx_id", v.id)
		if err := d.registerBeamRefund(ctx, v); err != nil {
			return err
		}
		if registered, _, err := v.store.GetBool(params.IDTransactionRegistered, params.SubTxBeamRefund); err != nil {
			return err
		} else if registered {
			return d.transition(v, StateRefunding)
		}
		return nil
	}

	// Second-chain sender refunds its own lock after the contract's lock
	// height, unless it has already committed to the redeem.
	if registered, _, err := v.store.GetBool(params.IDTransactionRegistered, params.SubTxBeamRedeem); err != nil {
		return err
	} else if registered {
		return nil
	}
	ref, ok, err := d.swapLockRef(v)
	if err != nil || !ok {
		return err
	}
	height, err := v.side.Height(ctx)
	if err != nil {
		return nil
	}
	if height < ref.LockHeight {
		return nil
	}

	key, err := d.wallet.SwapKey(v.id)
	if err != nil {
		return err
	}
	var refundTxID string
	done, err := d.sideCall(v.store, "swap-refund", func() error {
		raw, err := v.side.BuildRefundTx(ctx, ref, key.Serialize())
		if err != nil {
			return err
		}
		refundTxID, err = v.side.Broadcast(ctx, raw)
		return err
	})
	if !done || err != nil {
		return err
	}
	if err := v.store.SetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapSpend, refundTxID); err != nil {
		return err
	}
	d.log.Info("Second-chain refund broadcast", "tx_id", v.id, "swap_txid", refundTxID)
	return d.transition(v, StateRefunding)
}

// registerBeamRefund assembles the pre-signed refund and registers it.
func (d *Driver) registerBeamRefund(ctx context.Context, v *view) error {
	if registered, _, err := v.store.GetBool(params.IDTransactionRegistered, params.SubTxBeamRefund); err != nil {
		return err
	} else if registered {
		return nil
	}

	rb := d.spendBuilder(v, params.SubTxBeamRefund)
	if ok, err := rb.LoadSharedParameters(); err != nil || !ok {
		return err
	}
	if _, err := rb.LoadInitialParams(); err != nil {
		return err
	}
	if err := rb.CreateKernel(); err != nil {
		return err
	}
	if ok, err := rb.LoadPeerPublicShares(); err != nil || !ok {
		return err
	}
	if err := rb.SignPartial(); err != nil {
		return err
	}
	if ok, err := rb.LoadPeerSignature(); err != nil || !ok {
		return err
	}
	tx, err := rb.CreateTransaction()
	if err != nil {
		return err
	}
	return d.registerTransaction(ctx, v, params.SubTxBeamRefund, tx)
}

func (d *Driver) updateRefunding(ctx context.Context, v *view) error {
	if v.isBeamSide {
		confirmed, err := d.confirmKernel(ctx, v, params.SubTxBeamRefund)
		if err != nil || !confirmed {
			return err
		}
		if err := d.settleCoins(v, params.SubTxBeamRefund); err != nil {
			return err
		}
		if err := d.advanceSubState(v, params.SubTxBeamRefund, SubTxCompleted); err != nil {
			return err
		}
		return d.terminate(v.store, StateRefunded, FailureRefunded)
	}

	refundTxID, ok, err := v.store.GetString(params.IDAtomicSwapExternalTxID, params.SubTxSwapSpend)
	if err != nil || !ok {
		return err
	}
	confs, err := v.side.Confirmations(ctx, refundTxID)
	if err != nil {
		return nil
	}
	if confs < v.settings.MinConfirmations {
		return nil
	}
	return d.terminate(v.store, StateRefunded, FailureRefunded)
}
