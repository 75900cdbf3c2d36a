package builder

import (
	"errors"
	"testing"

	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/internal/params"
	"github.com/2miners/beam/internal/storage"
	"github.com/2miners/beam/internal/wallet"
)

const (
	senderMnemonic   = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	receiverMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"
	testTxID         = "00112233445566778899aabbccddeeff"
)

type peer struct {
	wallet *wallet.Wallet
	store  *params.Store
}

func newPeer(t *testing.T, mnemonic string) *peer {
	t.Helper()
	db, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	w, err := wallet.New(db, mnemonic)
	if err != nil {
		t.Fatalf("failed to create wallet: %v", err)
	}
	if err := db.CreateTransaction(&storage.TransactionRecord{
		TxID: testTxID, Type: storage.TxTypeAtomicSwap, Status: storage.TxStatusInProgress,
	}); err != nil {
		t.Fatal(err)
	}
	return &peer{wallet: w, store: params.NewStore(db, testTxID)}
}

func fund(t *testing.T, p *peer, amounts ...uint64) {
	t.Helper()
	for _, amount := range amounts {
		if _, err := p.wallet.CreateCoin(amount, false, "", storage.CoinStatusAvailable); err != nil {
			t.Fatal(err)
		}
	}
}

func setHeights(t *testing.T, p *peer, minHeight, maxHeight uint64) {
	t.Helper()
	if err := p.store.SetUint64(params.IDMinHeight, params.SubTxBeamLock, minHeight); err != nil {
		t.Fatal(err)
	}
	if err := p.store.SetUint64(params.IDMaxHeight, params.SubTxBeamLock, maxHeight); err != nil {
		t.Fatal(err)
	}
}

// exchangeLockShares plays the message transport: each peer's public shares
// land in the other's store under the peer-view ids.
func exchangeLockShares(t *testing.T, from *Shared, to *peer, subTx params.SubTxID) {
	t.Helper()
	sharedPub, err := from.PublicSharedBlinding()
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range []struct {
		id    params.ID
		value []byte
	}{
		{params.IDPeerPublicExcess, from.PublicExcess().Serialize()},
		{params.IDPeerPublicNonce, from.PublicNonce().Serialize()},
	} {
		if err := to.store.SetPeer(w.id, subTx, w.value); err != nil {
			t.Fatal(err)
		}
	}
	if subTx == params.SubTxBeamLock {
		if err := to.store.SetPeer(params.IDPeerPublicSharedBlindingFactor, subTx, sharedPub.Serialize()); err != nil {
			t.Fatal(err)
		}
	}
}

func exchangeSignature(t *testing.T, from *Shared, to *peer, subTx params.SubTxID) {
	t.Helper()
	if err := to.store.SetPeer(params.IDPeerSignature, subTx, mw.SerializeScalar(from.PartialSignature())); err != nil {
		t.Fatal(err)
	}
	if err := to.store.SetPeer(params.IDPeerOffset, subTx, mw.SerializeScalar(from.Offset())); err != nil {
		t.Fatal(err)
	}
}

// buildCoSignedLock runs the whole two-party lock round and returns the
// sender's assembled transaction plus both builders.
func buildCoSignedLock(t *testing.T, sender, receiver *peer, amount, fee uint64) (*mw.Transaction, *Shared, *Shared) {
	t.Helper()

	setHeights(t, sender, 10, 130)
	setHeights(t, receiver, 10, 130)

	sb := NewShared(sender.store, sender.wallet, params.SubTxBeamLock, amount, []uint64{amount}, fee)
	rb := NewShared(receiver.store, receiver.wallet, params.SubTxBeamLock, amount, []uint64{amount}, fee)

	for _, b := range []*Shared{sb, rb} {
		if err := b.EnsureSharedBlinding(); err != nil {
			t.Fatal(err)
		}
		if _, err := b.LoadInitialParams(); err != nil {
			t.Fatal(err)
		}
	}

	if err := sb.SelectInputs(); err != nil {
		t.Fatalf("SelectInputs failed: %v", err)
	}
	if err := sb.AddChangeOutput(); err != nil {
		t.Fatal(err)
	}
	if err := sb.FinalizeOutputs(); err != nil {
		t.Fatal(err)
	}

	if err := sb.CreateKernel(); err != nil {
		t.Fatal(err)
	}
	if err := rb.CreateKernel(); err != nil {
		t.Fatal(err)
	}

	exchangeLockShares(t, sb, receiver, params.SubTxBeamLock)
	exchangeLockShares(t, rb, sender, params.SubTxBeamLock)

	for _, b := range []*Shared{sb, rb} {
		if ok, err := b.LoadSharedParameters(); err != nil || !ok {
			t.Fatalf("LoadSharedParameters = %v, %v", ok, err)
		}
		if ok, err := b.LoadPeerPublicShares(); err != nil || !ok {
			t.Fatalf("LoadPeerPublicShares = %v, %v", ok, err)
		}
		if err := b.SignPartial(); err != nil {
			t.Fatal(err)
		}
	}

	exchangeSignature(t, sb, receiver, params.SubTxBeamLock)
	exchangeSignature(t, rb, sender, params.SubTxBeamLock)

	for _, b := range []*Shared{sb, rb} {
		if ok, err := b.LoadPeerSignature(); err != nil || !ok {
			t.Fatalf("LoadPeerSignature = %v, %v", ok, err)
		}
		if err := b.VerifyPeerSignature(); err != nil {
			t.Fatalf("VerifyPeerSignature failed: %v", err)
		}
	}

	if err := sb.AddSharedOutput(); err != nil {
		t.Fatal(err)
	}
	tx, err := sb.CreateTransaction()
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	return tx, sb, rb
}

func TestLockCoSigning(t *testing.T) {
	sender := newPeer(t, senderMnemonic)
	receiver := newPeer(t, receiverMnemonic)
	fund(t, sender, 5, 2, 1, 9)

	tx, _, _ := buildCoSignedLock(t, sender, receiver, 3, 1)

	if err := tx.Validate(); err != nil {
		t.Fatalf("assembled lock does not validate: %v", err)
	}
	// One input (the 5-coin), change output and the joint output.
	if len(tx.Inputs) != 1 || len(tx.Outputs) != 2 {
		t.Errorf("lock shape = %d inputs, %d outputs; want 1, 2", len(tx.Inputs), len(tx.Outputs))
	}
	if tx.Kernel.Fee != 1 || tx.Kernel.MinHeight != 10 || tx.Kernel.MaxHeight != 130 {
		t.Errorf("kernel fields wrong: %+v", tx.Kernel)
	}
}

func TestSelectInputsShortfall(t *testing.T) {
	sender := newPeer(t, senderMnemonic)
	fund(t, sender, 2)

	b := NewShared(sender.store, sender.wallet, params.SubTxBeamLock, 3, []uint64{3}, 1)
	if err := b.SelectInputs(); !errors.Is(err, ErrNoInputs) {
		t.Fatalf("SelectInputs = %v, want ErrNoInputs", err)
	}
}

func TestRefundSpendRound(t *testing.T) {
	sender := newPeer(t, senderMnemonic)
	receiver := newPeer(t, receiverMnemonic)
	fund(t, sender, 5, 2, 1, 9)

	lockTx, _, _ := buildCoSignedLock(t, sender, receiver, 3, 1)
	if err := lockTx.Validate(); err != nil {
		t.Fatal(err)
	}

	// Refund: owner is the sender, spending the joint output back to itself.
	ob := NewShared(sender.store, sender.wallet, params.SubTxBeamRefund, 3, []uint64{3}, 0)
	cb := NewShared(receiver.store, receiver.wallet, params.SubTxBeamRefund, 3, []uint64{3}, 0)

	for _, b := range []*Shared{ob, cb} {
		if ok, err := b.LoadSharedParameters(); err != nil || !ok {
			t.Fatalf("LoadSharedParameters = %v, %v", ok, err)
		}
		if err := b.DeriveSpendHeights(); err != nil {
			t.Fatal(err)
		}
	}
	if ob.MinHeight() != cb.MinHeight() {
		t.Fatalf("refund heights disagree: %d vs %d", ob.MinHeight(), cb.MinHeight())
	}

	if err := ob.InitSpend(true); err != nil {
		t.Fatal(err)
	}
	if err := cb.InitSpend(false); err != nil {
		t.Fatal(err)
	}
	if err := ob.CreateKernel(); err != nil {
		t.Fatal(err)
	}
	if err := cb.CreateKernel(); err != nil {
		t.Fatal(err)
	}

	exchangeLockShares(t, ob, receiver, params.SubTxBeamRefund)
	exchangeLockShares(t, cb, sender, params.SubTxBeamRefund)

	for _, b := range []*Shared{ob, cb} {
		if ok, err := b.LoadPeerPublicShares(); err != nil || !ok {
			t.Fatalf("LoadPeerPublicShares = %v, %v", ok, err)
		}
		if err := b.SignPartial(); err != nil {
			t.Fatal(err)
		}
	}

	exchangeSignature(t, ob, receiver, params.SubTxBeamRefund)
	exchangeSignature(t, cb, sender, params.SubTxBeamRefund)

	for _, b := range []*Shared{ob, cb} {
		if ok, err := b.LoadPeerSignature(); err != nil || !ok {
			t.Fatal(err)
		}
		if err := b.VerifyPeerSignature(); err != nil {
			t.Fatalf("VerifyPeerSignature failed: %v", err)
		}
	}

	refund, err := ob.CreateTransaction()
	if err != nil {
		t.Fatalf("owner CreateTransaction failed: %v", err)
	}
	if err := refund.Validate(); err != nil {
		t.Fatalf("refund does not validate: %v", err)
	}
	if refund.Kernel.MinHeight <= lockTx.Kernel.MinHeight {
		t.Error("refund min height not pushed past the lock")
	}

	// The refund spends exactly the joint output of the lock.
	sharedCommit, err := ob.SharedCommitment()
	if err != nil {
		t.Fatal(err)
	}
	if len(refund.Inputs) != 1 || !refund.Inputs[0].Commitment.Equal(sharedCommit) {
		t.Error("refund does not spend the joint commitment")
	}
	foundInLock := false
	for _, out := range lockTx.Outputs {
		if out.Commitment.Equal(sharedCommit) {
			foundInLock = true
		}
	}
	if !foundInLock {
		t.Error("joint commitment missing from lock outputs")
	}

	// The co-signer can reconstruct the same refund from the owner's output
	// commitments.
	coRefund, err := cb.AssemblePeerSpend(ob.OutputCommitments())
	if err != nil {
		t.Fatalf("AssemblePeerSpend failed: %v", err)
	}
	if err := coRefund.Validate(); err != nil {
		t.Fatalf("co-signer refund does not validate: %v", err)
	}
	if coRefund.Kernel.ID() != refund.Kernel.ID() {
		t.Error("co-signer assembled a different kernel")
	}
}
