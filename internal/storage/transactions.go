// Package storage - transaction records and the raw parameter bag.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transaction errors
var (
	ErrTxNotFound = errors.New("transaction not found")
	ErrTxExists   = errors.New("transaction already exists")
)

// TxStatus is the coarse lifecycle state of a transaction record.
type TxStatus string

const (
	TxStatusPending    TxStatus = "pending"
	TxStatusInProgress TxStatus = "in-progress"
	TxStatusCompleted  TxStatus = "completed"
	TxStatusFailed     TxStatus = "failed"
	TxStatusCancelled  TxStatus = "cancelled"
)

// TxType identifies the protocol a transaction runs.
type TxType uint8

const (
	TxTypeSimple     TxType = 0
	TxTypeAtomicSwap TxType = 2
)

// TransactionRecord is one persisted swap attempt.
type TransactionRecord struct {
	TxID          string // hex of the 16-byte transaction id
	Type          TxType
	IsInitiator   bool
	Status        TxStatus
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateTransaction inserts a new transaction record.
func (s *Storage) CreateTransaction(rec *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO transactions (tx_id, tx_type, is_initiator, status, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.TxID, rec.Type, boolToInt(rec.IsInitiator), string(rec.Status), rec.FailureReason, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrTxExists
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction record by id.
func (s *Storage) GetTransaction(txID string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec TransactionRecord
	var isInitiator int
	var failureReason sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRow(`
		SELECT tx_id, tx_type, is_initiator, status, failure_reason, created_at, updated_at
		FROM transactions WHERE tx_id = ?
	`, txID).Scan(&rec.TxID, &rec.Type, &isInitiator, &rec.Status, &failureReason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	rec.IsInitiator = isInitiator != 0
	rec.FailureReason = failureReason.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// UpdateTransactionStatus updates the status and failure reason of a record.
func (s *Storage) UpdateTransactionStatus(txID string, status TxStatus, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE transactions SET status = ?, failure_reason = ?, updated_at = ? WHERE tx_id = ?
	`, string(status), failureReason, time.Now().Unix(), txID)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTxNotFound
	}
	return nil
}

// ListActiveTransactions returns transactions that are neither terminal nor
// deleted, for rehydration after restart.
func (s *Storage) ListActiveTransactions() ([]*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tx_id, tx_type, is_initiator, status, failure_reason, created_at, updated_at
		FROM transactions WHERE status IN (?, ?) ORDER BY created_at
	`, string(TxStatusPending), string(TxStatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var recs []*TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		var isInitiator int
		var failureReason sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&rec.TxID, &rec.Type, &isInitiator, &rec.Status, &failureReason, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.IsInitiator = isInitiator != 0
		rec.FailureReason = failureReason.String
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// DeleteTransaction removes a transaction record and its parameter bag.
// Only explicit user deletion goes through here.
func (s *Storage) DeleteTransaction(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tx_params WHERE tx_id = ?`, txID); err != nil {
		return fmt.Errorf("failed to delete params: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM transactions WHERE tx_id = ?`, txID); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// Raw parameter bag
// =============================================================================

// GetParam reads a raw parameter value. The second return reports presence.
func (s *Storage) GetParam(txID string, subTxID uint8, paramID uint32) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(`
		SELECT value FROM tx_params WHERE tx_id = ? AND sub_tx_id = ? AND param_id = ?
	`, txID, subTxID, paramID).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get param: %w", err)
	}
	return value, true, nil
}

// SetParam writes a raw parameter value, overwriting any previous value.
// Write-once semantics are enforced one layer up, where the typed view lives.
func (s *Storage) SetParam(txID string, subTxID uint8, paramID uint32, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tx_params (tx_id, sub_tx_id, param_id, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tx_id, sub_tx_id, param_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, txID, subTxID, paramID, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set param: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError reports whether err is a sqlite UNIQUE violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY must be unique"))
}
