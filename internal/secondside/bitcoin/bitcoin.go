// Package bitcoin - SecondSide implementation on top of a bitcoind-style RPC.
package bitcoin

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/2miners/beam/internal/chain"
	"github.com/2miners/beam/internal/secondside"
	"github.com/2miners/beam/pkg/logging"
)

// spendTxVSize is a conservative virtual-size estimate for a one-input,
// one-output contract spend, used for fee calculation.
const spendTxVSize = 350

// RPC is the narrow view of the second-chain node the implementation needs.
type RPC interface {
	GetBlockCount(ctx context.Context) (int64, error)
	FundLockTransaction(ctx context.Context, pkScript []byte, amount int64, feeRate uint64) (*wire.MsgTx, uint32, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error)
	GetTxConfirmations(ctx context.Context, txID string) (int64, error)
	FindSpendingWitness(ctx context.Context, txID string, vout uint32) (wire.TxWitness, bool, error)
}

// Side implements secondside.SecondSide for Bitcoin-family chains.
type Side struct {
	settings secondside.Settings
	params   *chaincfg.Params
	rpc      RPC
	log      *logging.Logger
}

// New creates a Side for a coin using the given RPC connection.
func New(coin chain.Coin, settings secondside.Settings, rpc RPC) (*Side, error) {
	params, ok := chain.ChainParams(coin, settings.Network)
	if !ok {
		return nil, secondside.ErrUnsupportedCoin
	}
	return &Side{
		settings: settings,
		params:   params,
		rpc:      rpc,
		log:      logging.GetDefault().Component("btc-side"),
	}, nil
}

// Register installs factories for the Bitcoin-family coins, dialing the RPC
// endpoint from the settings.
func Register() {
	for _, coin := range []chain.Coin{chain.CoinBitcoin, chain.CoinLitecoin} {
		coin := coin
		secondside.Register(coin, func(settings secondside.Settings) (secondside.SecondSide, error) {
			rpc := NewRPCClient(settings.Address, settings.User, settings.Password)
			return New(coin, settings, rpc)
		})
	}
}

// DeriveSecretHash computes RIPEMD160(SHA256(preimage)).
func (s *Side) DeriveSecretHash(preImage []byte) []byte {
	return SecretHash(preImage)
}

// Height returns the second chain's block height.
func (s *Side) Height(ctx context.Context) (uint32, error) {
	count, err := s.rpc.GetBlockCount(ctx)
	if err != nil {
		return 0, mapRPCError(err)
	}
	return uint32(count), nil
}

// BuildLockTx constructs and funds the contract output.
func (s *Side) BuildLockTx(ctx context.Context, amount uint64, secretHash, receiverPub, senderPub []byte, lockHeight uint32) (secondside.RawTx, *secondside.LockRef, error) {
	contract, err := BuildContractScript(secretHash, receiverPub, senderPub, lockHeight)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := ContractPkScript(contract)
	if err != nil {
		return nil, nil, err
	}

	tx, vout, err := s.rpc.FundLockTransaction(ctx, pkScript, int64(amount), s.settings.FeeRate)
	if err != nil {
		return nil, nil, mapRPCError(err)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, nil, err
	}

	ref := &secondside.LockRef{
		TxID:        tx.TxHash().String(),
		Vout:        vout,
		Amount:      amount,
		SecretHash:  append([]byte(nil), secretHash...),
		ReceiverPub: append([]byte(nil), receiverPub...),
		SenderPub:   append([]byte(nil), senderPub...),
		LockHeight:  lockHeight,
	}
	return buf.Bytes(), ref, nil
}

// BuildRefundTx spends the contract through the timeout branch.
func (s *Side) BuildRefundTx(_ context.Context, lock *secondside.LockRef, senderPriv []byte) (secondside.RawTx, error) {
	priv, _ := btcec.PrivKeyFromBytes(senderPriv)
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), lock.SenderPub) {
		return nil, fmt.Errorf("refund key does not match contract sender")
	}
	return s.buildSpend(lock, priv, nil)
}

// BuildRedeemTx spends the contract through the secret branch. Broadcasting
// the result reveals the preimage in its witness.
func (s *Side) BuildRedeemTx(_ context.Context, lock *secondside.LockRef, receiverPriv, preImage []byte) (secondside.RawTx, error) {
	priv, _ := btcec.PrivKeyFromBytes(receiverPriv)
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), lock.ReceiverPub) {
		return nil, fmt.Errorf("redeem key does not match contract receiver")
	}
	if len(preImage) != SecretSize {
		return nil, fmt.Errorf("preimage must be %d bytes", SecretSize)
	}
	return s.buildSpend(lock, priv, preImage)
}

// buildSpend creates the one-input spend of the contract output. A nil
// preimage selects the timeout branch.
func (s *Side) buildSpend(lock *secondside.LockRef, priv *btcec.PrivateKey, preImage []byte) (secondside.RawTx, error) {
	contract, err := BuildContractScript(lock.SecretHash, lock.ReceiverPub, lock.SenderPub, lock.LockHeight)
	if err != nil {
		return nil, err
	}

	lockHash, err := chainhash.NewHashFromStr(lock.TxID)
	if err != nil {
		return nil, fmt.Errorf("bad lock txid: %w", err)
	}

	fee := s.settings.FeeRate * spendTxVSize / 1000
	if fee >= lock.Amount {
		return nil, fmt.Errorf("%w: fee %d exceeds locked %d", secondside.ErrInsufficientFunds, fee, lock.Amount)
	}

	// Pay to our own P2WPKH derived from the spending key.
	pkh := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	destAddr, err := btcutil.NewAddressWitnessPubKeyHash(pkh, s.params)
	if err != nil {
		return nil, err
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(wire.NewOutPoint(lockHash, lock.Vout), nil, nil)
	if preImage == nil {
		// CLTV branch needs a final lock time and a non-final sequence.
		tx.LockTime = lock.LockHeight
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
	}
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(lock.Amount-fee), destScript))

	prevPkScript, err := ContractPkScript(contract)
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(prevPkScript, int64(lock.Amount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sigHash, err := txscript.CalcWitnessSigHash(contract, sigHashes, txscript.SigHashAll, tx, 0, int64(lock.Amount))
	if err != nil {
		return nil, err
	}
	sig := append(ecdsa.Sign(priv, sigHash).Serialize(), byte(txscript.SigHashAll))

	if preImage != nil {
		tx.TxIn[0].Witness = ClaimWitness(sig, preImage, contract)
	} else {
		tx.TxIn[0].Witness = RefundWitness(sig, contract)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Broadcast submits a raw transaction.
func (s *Side) Broadcast(ctx context.Context, raw secondside.RawTx) (string, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("bad raw transaction: %w", err)
	}
	txID, err := s.rpc.SendRawTransaction(ctx, tx)
	if err != nil {
		return "", mapRPCError(err)
	}
	s.log.Info("Broadcast second-side transaction", "txid", txID)
	return txID, nil
}

// Confirmations returns the burial depth of a transaction.
func (s *Side) Confirmations(ctx context.Context, txID string) (uint16, error) {
	confs, err := s.rpc.GetTxConfirmations(ctx, txID)
	if err != nil {
		return 0, mapRPCError(err)
	}
	if confs < 0 {
		confs = 0
	}
	if confs > 0xffff {
		confs = 0xffff
	}
	return uint16(confs), nil
}

// WatchForSecret looks for a spend of the lock output and extracts the
// preimage from its witness.
func (s *Side) WatchForSecret(ctx context.Context, lock *secondside.LockRef) ([]byte, bool, error) {
	witness, spent, err := s.rpc.FindSpendingWitness(ctx, lock.TxID, lock.Vout)
	if err != nil {
		return nil, false, mapRPCError(err)
	}
	if !spent {
		return nil, false, nil
	}
	secret, ok := ExtractSecret(witness, lock.SecretHash)
	if !ok {
		// Spent through the timeout branch; there is no secret to learn.
		return nil, false, nil
	}
	return secret, true, nil
}

func mapRPCError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, secondside.ErrConnectionRefused),
		errors.Is(err, secondside.ErrInsufficientFunds),
		errors.Is(err, secondside.ErrRejectedByNode):
		return err
	default:
		return fmt.Errorf("%w: %v", secondside.ErrRejectedByNode, err)
	}
}

var _ secondside.SecondSide = (*Side)(nil)
