// Package builder constructs native-chain transactions under two-party
// Schnorr signing. A builder is a transient object parameterized by
// (transaction, sub-transaction); all state it needs across wake-ups lives in
// the parameter store, so re-entry after a restart is just a reload.
package builder

import (
	"errors"
	"fmt"

	"github.com/2miners/beam/internal/mw"
	"github.com/2miners/beam/internal/params"
	"github.com/2miners/beam/internal/storage"
	"github.com/2miners/beam/internal/wallet"
	"github.com/2miners/beam/pkg/helpers"
)

// Builder errors
var (
	ErrNoInputs         = errors.New("no inputs")
	ErrSignatureInvalid = errors.New("peer signature invalid")
	ErrNotReady         = errors.New("builder not ready")
)

// Base builds a single native-chain transaction: kernel, inputs, outputs and
// this peer's offset contribution.
type Base struct {
	store  *params.Store
	wallet *wallet.Wallet
	subTx  params.SubTxID

	amounts []uint64
	fee     uint64

	minHeight uint64
	maxHeight uint64

	inputs  []mw.Input
	outputs []mw.Output
	change  uint64

	offset         mw.Scalar
	blindingExcess mw.Scalar // secret x behind our public excess
	nonce          *mw.Scalar

	hashLock []byte

	peerPublicExcess *mw.Point
	peerPublicNonce  *mw.Point
	peerSignature    *mw.Scalar
	peerOffset       *mw.Scalar

	kernel           *mw.Kernel
	partialSignature *mw.Scalar
}

// NewBase creates a builder for one sub-transaction.
func NewBase(store *params.Store, w *wallet.Wallet, subTx params.SubTxID, amounts []uint64, fee uint64) *Base {
	return &Base{
		store:   store,
		wallet:  w,
		subTx:   subTx,
		amounts: amounts,
		fee:     fee,
	}
}

// Store returns the parameter store view the builder writes through.
func (b *Base) Store() *params.Store { return b.store }

// SubTx returns the sub-transaction this builder works on.
func (b *Base) SubTx() params.SubTxID { return b.subTx }

// Amount returns the sum of the planned output amounts.
func (b *Base) Amount() uint64 {
	var total uint64
	for _, a := range b.amounts {
		total += a
	}
	return total
}

// Fee returns the kernel fee.
func (b *Base) Fee() uint64 { return b.fee }

// MinHeight returns the kernel's minimum height.
func (b *Base) MinHeight() uint64 { return b.minHeight }

// MaxHeight returns the kernel's maximum height.
func (b *Base) MaxHeight() uint64 { return b.maxHeight }

// SetHeightWindow sets and persists the kernel height bounds.
func (b *Base) SetHeightWindow(minHeight, maxHeight uint64) error {
	if err := b.store.SetUint64(params.IDMinHeight, b.subTx, minHeight); err != nil {
		return err
	}
	if err := b.store.SetUint64(params.IDMaxHeight, b.subTx, maxHeight); err != nil {
		return err
	}
	b.minHeight = minHeight
	b.maxHeight = maxHeight
	return nil
}

// SetHashLock attaches a hash lock to the kernel being built.
func (b *Base) SetHashLock(hashLock []byte) {
	b.hashLock = hashLock
}

// LoadInitialParams restores persisted builder state. Returns true when the
// blinding excess and offset already exist, i.e. the builder ran before.
func (b *Base) LoadInitialParams() (bool, error) {
	if h, ok, err := b.store.GetUint64(params.IDMinHeight, b.subTx); err != nil {
		return false, err
	} else if ok {
		b.minHeight = h
	}
	if h, ok, err := b.store.GetUint64(params.IDMaxHeight, b.subTx); err != nil {
		return false, err
	} else if ok {
		b.maxHeight = h
	}

	if commits, ok, err := b.store.GetPointList(params.IDInputs, b.subTx); err != nil {
		return false, err
	} else if ok {
		b.inputs = b.inputs[:0]
		for _, c := range commits {
			b.inputs = append(b.inputs, mw.Input{Commitment: c})
		}
	}
	if commits, ok, err := b.store.GetPointList(params.IDOutputs, b.subTx); err != nil {
		return false, err
	} else if ok {
		b.outputs = b.outputs[:0]
		for _, c := range commits {
			b.outputs = append(b.outputs, mw.Output{Commitment: c})
		}
	}
	if change, ok, err := b.store.GetUint64(params.IDChange, b.subTx); err != nil {
		return false, err
	} else if ok {
		b.change = change
	}

	excess, haveExcess, err := b.store.GetScalar(params.IDBlindingExcess, b.subTx)
	if err != nil {
		return false, err
	}
	offset, haveOffset, err := b.store.GetScalar(params.IDOffset, b.subTx)
	if err != nil {
		return false, err
	}
	if haveExcess {
		b.blindingExcess = *excess
	}
	if haveOffset {
		b.offset = *offset
	}
	return haveExcess && haveOffset, nil
}

// SelectInputs asks the wallet to reserve coins covering amount + fee and
// records them. Fails with ErrNoInputs on shortfall.
func (b *Base) SelectInputs() error {
	amountWithFee := b.Amount() + b.fee
	coins, err := b.wallet.SelectCoins(amountWithFee, b.store.TxID())
	if err != nil {
		if errors.Is(err, wallet.ErrNoInputs) {
			return fmt.Errorf("%w: %v", ErrNoInputs, err)
		}
		return err
	}

	var total uint64
	coinIDs := make([]string, 0, len(coins))
	for _, coin := range coins {
		blind, err := b.wallet.CoinBlinding(coin.KeyIndex)
		if err != nil {
			return err
		}
		commitment := mw.Commit(coin.Amount, blind)
		b.inputs = append(b.inputs, mw.Input{Commitment: commitment})
		b.offset.Add(blind)
		total += coin.Amount
		coinIDs = append(coinIDs, coin.ID)
	}
	b.change = total - amountWithFee

	if err := b.store.SetStringList(params.IDInputCoins, b.subTx, coinIDs); err != nil {
		return err
	}
	if err := b.store.SetUint64(params.IDChange, b.subTx, b.change); err != nil {
		return err
	}
	return b.persistInputsAndOffset()
}

// AddChangeOutput creates the change output when there is change.
func (b *Base) AddChangeOutput() error {
	if b.change == 0 {
		return nil
	}
	return b.AddOutput(b.change, true)
}

// AddOutput allocates a fresh wallet coin for the amount and adds its
// commitment to the outputs.
func (b *Base) AddOutput(amount uint64, isChange bool) error {
	coin, err := b.wallet.CreateCoin(amount, isChange, b.store.TxID(), storage.CoinStatusIncoming)
	if err != nil {
		return err
	}
	blind, err := b.wallet.CoinBlinding(coin.KeyIndex)
	if err != nil {
		return err
	}
	b.outputs = append(b.outputs, mw.Output{Commitment: mw.Commit(amount, blind)})

	var neg mw.Scalar
	neg.Set(blind).Negate()
	b.offset.Add(&neg)

	ids, _, err := b.store.GetStringList(params.IDOutputCoins, b.subTx)
	if err != nil {
		return err
	}
	return b.store.SetStringList(params.IDOutputCoins, b.subTx, append(ids, coin.ID))
}

// FinalizeOutputs persists the output commitments and the offset.
func (b *Base) FinalizeOutputs() error {
	commits := make([]*mw.Point, 0, len(b.outputs))
	for _, out := range b.outputs {
		commits = append(commits, out.Commitment)
	}
	if err := b.store.SetPointList(params.IDOutputs, b.subTx, commits); err != nil {
		return err
	}
	return b.persistOffset()
}

func (b *Base) persistInputsAndOffset() error {
	commits := make([]*mw.Point, 0, len(b.inputs))
	for _, in := range b.inputs {
		commits = append(commits, in.Commitment)
	}
	if err := b.store.SetPointList(params.IDInputs, b.subTx, commits); err != nil {
		return err
	}
	return b.persistOffset()
}

func (b *Base) persistOffset() error {
	return b.store.Set(params.IDOffset, b.subTx, mw.SerializeScalar(&b.offset))
}

// CreateKernel derives (or restores) the kernel excess and signing nonce and
// constructs the kernel. Safe to call on every wake-up.
func (b *Base) CreateKernel() error {
	excess, ok, err := b.store.GetScalar(params.IDBlindingExcess, b.subTx)
	if err != nil {
		return err
	}
	if !ok {
		k, err := mw.RandomScalar()
		if err != nil {
			return err
		}
		if err := b.store.SetScalar(params.IDBlindingExcess, b.subTx, k); err != nil {
			return err
		}
		excess = k
		// The random excess joins the offset; the secret we sign with is its
		// negation.
		b.offset.Add(k)
		if err := b.persistOffset(); err != nil {
			return err
		}
	}
	b.blindingExcess.Set(excess).Negate()

	// Nonce seed is stored raw; the nonce itself is re-derived with context
	// separation per (tx_id, sub_tx_id).
	seed, ok, err := b.store.GetBytes(params.IDNonceSeed, params.SubTxDefault)
	if err != nil {
		return err
	}
	if !ok {
		seed, err = helpers.GenerateSecureRandom(32)
		if err != nil {
			return err
		}
		if err := b.store.Set(params.IDNonceSeed, params.SubTxDefault, seed); err != nil {
			return err
		}
	}
	nonce, err := wallet.KernelNonce(seed, b.store.TxID(), uint8(b.subTx))
	if err != nil {
		return err
	}
	b.nonce = nonce

	b.kernel = mw.NewKernel(b.fee, b.minHeight, b.maxHeight)
	b.kernel.HashLock = b.hashLock
	return nil
}

// PublicExcess returns this peer's public excess share.
func (b *Base) PublicExcess() *mw.Point {
	return mw.ScalarBaseMult(&b.blindingExcess)
}

// PublicNonce returns this peer's public nonce share.
func (b *Base) PublicNonce() *mw.Point {
	return mw.ScalarBaseMult(b.nonce)
}

// Offset returns this peer's offset contribution.
func (b *Base) Offset() *mw.Scalar {
	var k mw.Scalar
	k.Set(&b.offset)
	return &k
}

// LoadPeerPublicShares loads the peer's public excess and nonce. Returns
// false until both have arrived.
func (b *Base) LoadPeerPublicShares() (bool, error) {
	excess, okE, err := b.store.GetPoint(params.IDPeerPublicExcess, b.subTx)
	if err != nil {
		return false, err
	}
	nonce, okN, err := b.store.GetPoint(params.IDPeerPublicNonce, b.subTx)
	if err != nil {
		return false, err
	}
	if !okE || !okN {
		return false, nil
	}
	b.peerPublicExcess = excess
	b.peerPublicNonce = nonce
	return true, nil
}

// LoadPeerSignature loads the peer's partial signature. Returns false until
// it has arrived.
func (b *Base) LoadPeerSignature() (bool, error) {
	sig, ok, err := b.store.GetScalar(params.IDPeerSignature, b.subTx)
	if err != nil || !ok {
		return ok, err
	}
	b.peerSignature = sig
	return true, nil
}

// LoadPeerOffset loads and caches the peer's offset contribution for final
// assembly. Returns false until it has arrived.
func (b *Base) LoadPeerOffset() (bool, error) {
	offset, ok, err := b.store.GetScalar(params.IDPeerOffset, b.subTx)
	if err != nil || !ok {
		return ok, err
	}
	b.peerOffset = offset
	return true, nil
}

// totalExcess returns the combined public excess of both peers.
func (b *Base) totalExcess() *mw.Point {
	return b.PublicExcess().Add(b.peerPublicExcess)
}

// totalNoncePub returns the combined public nonce of both peers.
func (b *Base) totalNoncePub() *mw.Point {
	return b.PublicNonce().Add(b.peerPublicNonce)
}

// SignPartial computes this peer's signature share over the kernel message
// and persists it.
func (b *Base) SignPartial() error {
	if b.kernel == nil || b.peerPublicExcess == nil || b.peerPublicNonce == nil {
		return ErrNotReady
	}
	b.kernel.Excess = b.totalExcess()
	msg := b.kernel.Message()
	e := mw.Challenge(b.totalNoncePub(), b.kernel.Excess, msg)
	b.partialSignature = mw.SignPartial(b.nonce, &b.blindingExcess, e)

	if err := b.store.SetScalar(params.IDPartialSignature, b.subTx, b.partialSignature); err != nil {
		return err
	}
	return b.storeKernelID()
}

// PartialSignature returns this peer's signature share.
func (b *Base) PartialSignature() *mw.Scalar {
	return b.partialSignature
}

// VerifyPeerSignature checks the peer's share against its public nonce and
// excess.
func (b *Base) VerifyPeerSignature() error {
	if b.kernel == nil || b.peerSignature == nil {
		return ErrNotReady
	}
	msg := b.kernel.Message()
	e := mw.Challenge(b.totalNoncePub(), b.totalExcess(), msg)
	if !mw.VerifyPartial(b.peerSignature, b.peerPublicNonce, b.peerPublicExcess, e) {
		return ErrSignatureInvalid
	}
	return nil
}

// CreateTransaction aggregates both partial signatures and offsets into a
// final, validated transaction.
func (b *Base) CreateTransaction() (*mw.Transaction, error) {
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

	b.kernel.Excess = b.totalExcess()
	b.kernel.Signature = mw.CombinePartials(b.totalNoncePub(), b.partialSignature, b.peerSignature)

	var offsetTotal mw.Scalar
	offsetTotal.Add2(&b.offset, b.peerOffset)

	tx := &mw.Transaction{
		Inputs:  append([]mw.Input(nil), b.inputs...),
		Outputs: append([]mw.Output(nil), b.outputs...),
		Offset:  offsetTotal,
		Kernel:  b.kernel,
	}
	tx.Normalize()
	if err := tx.Validate(); err != nil {
		if errors.Is(err, mw.ErrSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		// A hash-locked kernel validates once the caller attaches the
		// preimage; everything else must balance now.
		if !errors.Is(err, mw.ErrMissingPreimage) {
			return nil, err
		}
	}
	return tx, nil
}

// OutputCommitments returns the commitments of the outputs built so far.
func (b *Base) OutputCommitments() []*mw.Point {
	commits := make([]*mw.Point, 0, len(b.outputs))
	for _, out := range b.outputs {
		commits = append(commits, out.Commitment)
	}
	return commits
}

// storeKernelID persists the kernel id for confirmation lookups.
func (b *Base) storeKernelID() error {
	id := b.kernel.ID()
	return b.store.Set(params.IDKernelID, b.subTx, id[:])
}
