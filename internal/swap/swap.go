// Package swap implements the atomic swap state machine. Each peer runs the
// driver against its own parameter store; peer messages, native chain tip
// updates and second-chain observations wake it up, and every wake-up
// advances whatever builder has new inputs.
package swap

import (
	"errors"

	"github.com/2miners/beam/internal/storage"
)

// Protocol constants.
const (
	// ProtoVersion is the peer protocol version carried in offers.
	ProtoVersion uint32 = 2

	// TxIDSize is the length of the opaque transaction identifier.
	TxIDSize = 16

	// secondSideRetryLimit caps retries of one second-side action before the
	// swap fails with FailureSecondSide.
	secondSideRetryLimit = 5
)

// Swap errors
var (
	ErrSwapNotFound  = errors.New("swap not found")
	ErrInvalidToken  = errors.New("invalid transaction token")
	ErrOfferExpired  = errors.New("offer expired")
	ErrLockTimeOrder = errors.New("second chain lock time must be shorter than native refund lock time")
	ErrCancelRefused = errors.New("cancellation refused: lock already broadcast")
	ErrAlreadyExists = errors.New("swap already exists")
	ErrNoSecondSide  = errors.New("no second side registered for coin")
)

// GlobalState is the transaction-wide state machine cursor.
type GlobalState uint32

const (
	StateInitial GlobalState = iota
	StateInvitation
	StateBuildingLock
	StateLockBroadcast
	StatePeerLockConfirmed
	StateRedeeming
	StateCompleted
	StateRefunding
	StateRefunded
	StateFailed
	StateCancelled
)

// String returns a human-readable state name.
func (s GlobalState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateInvitation:
		return "invitation"
	case StateBuildingLock:
		return "building-lock"
	case StateLockBroadcast:
		return "lock-broadcast"
	case StatePeerLockConfirmed:
		return "peer-lock-confirmed"
	case StateRedeeming:
		return "redeeming"
	case StateCompleted:
		return "completed"
	case StateRefunding:
		return "refunding"
	case StateRefunded:
		return "refunded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions happen from s.
func (s GlobalState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRefunded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// SubTxState is the per-sub-transaction state machine cursor. The values are
// part of the protocol contract.
type SubTxState uint32

const (
	SubTxInitial SubTxState = iota
	SubTxInvitation
	SubTxSharedUtxoReady
	SubTxBuilding
	SubTxSigning
	SubTxRegistering
	SubTxKernelConfirming
	SubTxCompleted
)

// FailureReason enumerates why a swap ended without completing.
type FailureReason string

const (
	FailureUnknown          FailureReason = "unknown"
	FailureCancelled        FailureReason = "cancelled"
	FailureNoInputs         FailureReason = "no_inputs"
	FailureExpired          FailureReason = "transaction_expired"
	FailureInvalidParameter FailureReason = "invalid_parameter"
	FailureMissingParameter FailureReason = "missing_parameter"
	FailureInvalidSignature FailureReason = "signature_invalid"
	FailureSecondSide       FailureReason = "second_side_failure"
	FailureFailedToRegister FailureReason = "failed_to_register"
	FailureRefunded         FailureReason = "refunded"
)

// storageStatus maps a terminal global state onto the stored status.
func storageStatus(state GlobalState) storage.TxStatus {
	switch state {
	case StateCompleted:
		return storage.TxStatusCompleted
	case StateCancelled:
		return storage.TxStatusCancelled
	case StateFailed, StateRefunded:
		return storage.TxStatusFailed
	default:
		return storage.TxStatusInProgress
	}
}
