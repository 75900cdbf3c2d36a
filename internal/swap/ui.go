// Package swap - read-only view the UI binds to.
package swap

import (
	"time"

	"github.com/2miners/beam/internal/chain"
	"github.com/2miners/beam/internal/params"
	"github.com/2miners/beam/internal/storage"
)

// OfferView is the narrow read-only surface the UI renders for a swap.
type OfferView struct {
	TxID            string
	State           string
	FailureReason   string
	ReceiverAddress string
	AmountToReceive uint64
	AmountSent      uint64
	SentFee         uint64
	ReceiveFee      uint64
	SwapCoin        string
	OfferExpires    chain.OfferExpiry
	ExpiresAt       time.Time
}

// View builds the UI projection of a swap.
func (d *Driver) View(txID string) (*OfferView, error) {
	rec, err := d.store.GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	store := params.NewStore(d.store, txID)

	v := &OfferView{TxID: txID, FailureReason: rec.FailureReason}

	stateRaw, err := store.GetState(params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	v.State = GlobalState(stateRaw).String()

	isBeamSide, err := store.MustBool(params.IDAtomicSwapIsBeamSide, params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	amount, err := store.MustUint64(params.IDAmount, params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	fee, err := store.MustUint64(params.IDFee, params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	swapAmount, err := store.MustUint64(params.IDAtomicSwapAmount, params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	coinRaw, _, err := store.GetUint32(params.IDAtomicSwapCoin, params.SubTxDefault)
	if err != nil {
		return nil, err
	}
	v.SwapCoin = chain.Coin(coinRaw).String()

	if isBeamSide {
		v.AmountSent = amount
		v.SentFee = fee
		v.AmountToReceive = swapAmount
	} else {
		v.AmountSent = swapAmount
		v.AmountToReceive = amount
		v.ReceiveFee = fee
	}

	v.ReceiverAddress, _, err = store.GetString(params.IDPeerID, params.SubTxDefault)
	if err != nil {
		return nil, err
	}

	if createTime, ok, err := store.GetUint64(params.IDCreateTime, params.SubTxDefault); err != nil {
		return nil, err
	} else if ok {
		expiryBlocks, _, err := store.GetUint64(params.IDOfferExpires, params.SubTxDefault)
		if err != nil {
			return nil, err
		}
		if expiryBlocks == chain.OfferExpiry6h.Blocks() {
			v.OfferExpires = chain.OfferExpiry6h
		}
		v.ExpiresAt = time.Unix(int64(createTime), 0).Add(chain.NativeLockDuration(expiryBlocks))
	}
	return v, nil
}

// SaveAddress records a peer or own address in the address book.
func (d *Driver) SaveAddress(walletID, comment string, expiresAt time.Time, isOwn bool) error {
	return d.store.SaveAddress(&storage.Address{
		WalletID:  walletID,
		Comment:   comment,
		ExpiresAt: expiresAt,
		IsOwn:     isOwn,
	})
}

// Addresses lists the address book.
func (d *Driver) Addresses(ownOnly bool) ([]*storage.Address, error) {
	return d.store.ListAddresses(ownOnly)
}
