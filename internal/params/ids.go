// Package params exposes the typed parameter bag persisted per transaction.
// Parameter and sub-transaction ids are the protocol contract: both peers
// address the same values by the same numbers, and the offer token and peer
// messages are framed in terms of them.
package params

// SubTxID scopes a parameter to one of the swap's sub-transactions.
type SubTxID uint8

const (
	// SubTxDefault scopes transaction-wide parameters.
	SubTxDefault SubTxID = 0

	// SubTxBeamLock funds the joint output on the native chain.
	SubTxBeamLock SubTxID = 1
	// SubTxBeamRefund spends the joint output back to the sender after the
	// lock time elapses.
	SubTxBeamRefund SubTxID = 2
	// SubTxBeamRedeem spends the joint output to the receiver; its kernel
	// carries the hash lock that publishes the secret.
	SubTxBeamRedeem SubTxID = 3

	// SubTxSwapLock is the hash/time-locked output on the second chain.
	SubTxSwapLock SubTxID = 4
	// SubTxSwapSpend covers the second chain's refund and redeem spends.
	SubTxSwapSpend SubTxID = 5
)

// ID identifies a parameter. Values are stable and wire-visible.
type ID uint32

const (
	// Transaction-wide offer fields.
	IDTransactionType  ID = 0
	IDIsInitiator      ID = 2
	IDAmount           ID = 3
	IDFee              ID = 4
	IDMinHeight        ID = 5
	IDMaxHeight        ID = 6
	IDLifetime         ID = 7
	IDPeerID           ID = 8
	IDMyID             ID = 9
	IDPeerProtoVersion ID = 10
	IDCreateTime       ID = 11
	IDOfferExpires     ID = 12 // offer expiry as a native-chain block count

	// Builder-owned values.
	IDChange                ID = 20
	IDInputCoins            ID = 21
	IDOutputCoins           ID = 22
	IDInputs                ID = 23
	IDOutputs               ID = 24
	IDOffset                ID = 25
	IDBlindingExcess        ID = 26
	IDNonceSeed             ID = 27
	IDKernelID              ID = 28
	IDKernelProofHeight     ID = 29
	IDTransactionRegistered ID = 30

	// Values exchanged between peers. "Peer" is from the holder's view.
	IDPeerPublicExcess ID = 40
	IDPeerPublicNonce  ID = 41
	IDPeerSignature    ID = 42
	IDPartialSignature ID = 43
	IDPeerOffset       ID = 44
	IDPeerOutputs      ID = 46

	// Joint output values.
	IDSharedBlindingFactor           ID = 50
	IDSharedCoinID                   ID = 51
	IDPeerPublicSharedBlindingFactor ID = 52
	IDPreImage                       ID = 53
	IDPreImageHash                   ID = 54

	// Second-chain swap fields.
	IDAtomicSwapCoin             ID = 60
	IDAtomicSwapAmount           ID = 61
	IDAtomicSwapIsBeamSide       ID = 62
	IDAtomicSwapPublicKey        ID = 63
	IDAtomicSwapPeerPublicKey    ID = 64
	IDAtomicSwapExternalLockTime ID = 65
	IDAtomicSwapExternalTxID     ID = 66
	IDAtomicSwapExternalVout     ID = 67

	// Sub-state machine cursor.
	IDState ID = 70
)

// peerWritable is the strict whitelist of parameters a peer message may set.
var peerWritable = map[ID]bool{
	// Offer fields, accepted during the invitation phase and sealed after.
	IDTransactionType:      true,
	IDIsInitiator:          true,
	IDAmount:               true,
	IDFee:                  true,
	IDMinHeight:            true,
	IDLifetime:             true,
	IDCreateTime:           true,
	IDOfferExpires:         true,
	IDPeerID:               true,
	IDMyID:                 true,
	IDPeerProtoVersion:     true,
	IDAtomicSwapCoin:       true,
	IDAtomicSwapAmount:     true,
	IDAtomicSwapIsBeamSide: true,

	// Per-round signing material.
	IDPeerPublicExcess:               true,
	IDPeerPublicNonce:                true,
	IDPeerSignature:                  true,
	IDPeerOffset:                     true,
	IDPeerOutputs:                    true,
	IDPeerPublicSharedBlindingFactor: true,
	IDPreImageHash:                   true,
	IDAtomicSwapPeerPublicKey:        true,
	IDAtomicSwapExternalLockTime:     true,
	IDAtomicSwapExternalTxID:         true,
	IDAtomicSwapExternalVout:         true,
}

// reopenable parameters may be overwritten with a different value. The
// sub-state cursor and confirmation tracking move as the protocol advances,
// and the builder's own assembly state (inputs, outputs, offset) accretes
// across wake-ups. Everything else seals on first write.
var reopenable = map[ID]bool{
	IDState:                 true,
	IDKernelProofHeight:     true,
	IDTransactionRegistered: true,
	IDInputs:                true,
	IDOutputs:               true,
	IDInputCoins:            true,
	IDOutputCoins:           true,
	IDOffset:                true,
	IDChange:                true,
}

// PeerWritable reports whether a peer message may set this parameter.
func PeerWritable(id ID) bool {
	return peerWritable[id]
}

// Reopenable reports whether this parameter may change value after being set.
func Reopenable(id ID) bool {
	return reopenable[id]
}
