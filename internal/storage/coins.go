// Package storage - wallet coin tracking on the native chain.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Coin errors
var (
	ErrCoinNotFound      = errors.New("coin not found")
	ErrInsufficientCoins = errors.New("insufficient available coins")
)

// CoinStatus tracks a coin through its lifecycle.
type CoinStatus string

const (
	CoinStatusAvailable CoinStatus = "available"
	CoinStatusLocked    CoinStatus = "locked"   // reserved by an in-flight transaction
	CoinStatusSpent     CoinStatus = "spent"    // consumed by a confirmed transaction
	CoinStatusIncoming  CoinStatus = "incoming" // created, not yet confirmed
)

// Coin is one native-chain UTXO the wallet controls. The blinding factor is
// never stored; it is re-derived from the key index on demand.
type Coin struct {
	ID         string
	Amount     uint64
	KeyIndex   uint64
	Status     CoinStatus
	IsChange   bool
	CreateTxID string
	SpentTxID  string
	CreatedAt  time.Time
}

// CreateCoin inserts a new coin. The id is generated when empty.
func (s *Storage) CreateCoin(coin *Coin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coin.ID == "" {
		coin.ID = uuid.NewString()
	}
	if coin.Status == "" {
		coin.Status = CoinStatusAvailable
	}

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO coins (id, amount, key_index, status, is_change, create_tx_id, spent_tx_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, coin.ID, coin.Amount, coin.KeyIndex, string(coin.Status), boolToInt(coin.IsChange),
		nullable(coin.CreateTxID), nullable(coin.SpentTxID), now, now)
	if err != nil {
		return fmt.Errorf("failed to create coin: %w", err)
	}
	return nil
}

// SelectCoins reserves available coins totaling at least the requested amount
// and marks them locked by the given transaction. Oldest coins go first.
func (s *Storage) SelectCoins(amount uint64, txID string) ([]*Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, amount, key_index, status, is_change, create_tx_id, spent_tx_id, created_at
		FROM coins WHERE status = ? ORDER BY created_at, rowid
	`, string(CoinStatusAvailable))
	if err != nil {
		return nil, fmt.Errorf("failed to query coins: %w", err)
	}

	var selected []*Coin
	var total uint64
	for rows.Next() {
		coin, err := scanCoin(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		selected = append(selected, coin)
		total += coin.Amount
		if total >= amount {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if total < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCoins, total, amount)
	}

	now := time.Now().Unix()
	for _, coin := range selected {
		if _, err := tx.Exec(`
			UPDATE coins SET status = ?, spent_tx_id = ?, updated_at = ? WHERE id = ?
		`, string(CoinStatusLocked), txID, now, coin.ID); err != nil {
			return nil, fmt.Errorf("failed to lock coin: %w", err)
		}
		coin.Status = CoinStatusLocked
		coin.SpentTxID = txID
	}

	return selected, tx.Commit()
}

// CoinsByTx returns the coins a transaction locked, spent or created.
func (s *Storage) CoinsByTx(txID string) ([]*Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, amount, key_index, status, is_change, create_tx_id, spent_tx_id, created_at
		FROM coins WHERE spent_tx_id = ? OR create_tx_id = ? ORDER BY created_at, id
	`, txID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to query coins: %w", err)
	}
	defer rows.Close()

	var coins []*Coin
	for rows.Next() {
		coin, err := scanCoin(rows)
		if err != nil {
			return nil, err
		}
		coins = append(coins, coin)
	}
	return coins, rows.Err()
}

// GetCoins returns coins by id.
func (s *Storage) GetCoins(ids []string) ([]*Coin, error) {
	coins := make([]*Coin, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		row := s.db.QueryRow(`
			SELECT id, amount, key_index, status, is_change, create_tx_id, spent_tx_id, created_at
			FROM coins WHERE id = ?
		`, id)
		coin, err := scanCoin(row)
		s.mu.RUnlock()
		if err == sql.ErrNoRows {
			return nil, ErrCoinNotFound
		}
		if err != nil {
			return nil, err
		}
		coins = append(coins, coin)
	}
	return coins, nil
}

// ReleaseCoins returns a failed transaction's locked coins to the available
// pool and drops its unconfirmed outputs.
func (s *Storage) ReleaseCoins(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		UPDATE coins SET status = ?, spent_tx_id = NULL, updated_at = ?
		WHERE spent_tx_id = ? AND status = ?
	`, string(CoinStatusAvailable), now, txID, string(CoinStatusLocked)); err != nil {
		return fmt.Errorf("failed to release coins: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM coins WHERE create_tx_id = ? AND status = ?
	`, txID, string(CoinStatusIncoming)); err != nil {
		return fmt.Errorf("failed to drop incoming coins: %w", err)
	}
	return tx.Commit()
}

// CommitInputs marks a confirmed transaction's locked input coins as spent.
func (s *Storage) CommitInputs(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE coins SET status = ?, updated_at = ? WHERE spent_tx_id = ? AND status = ?
	`, string(CoinStatusSpent), time.Now().Unix(), txID, string(CoinStatusLocked))
	if err != nil {
		return fmt.Errorf("failed to spend coins: %w", err)
	}
	return nil
}

// ActivateCoins makes specific incoming coins available. Each sub-transaction
// confirms its own outputs; activating by transaction would also release
// outputs of spends that never got broadcast.
func (s *Storage) ActivateCoins(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	for _, id := range ids {
		if _, err := s.db.Exec(`
			UPDATE coins SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`, string(CoinStatusAvailable), now, id, string(CoinStatusIncoming)); err != nil {
			return fmt.Errorf("failed to activate coin: %w", err)
		}
	}
	return nil
}

// AvailableBalance sums the available coins.
func (s *Storage) AvailableBalance() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(amount) FROM coins WHERE status = ?
	`, string(CoinStatusAvailable)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum balance: %w", err)
	}
	return uint64(total.Int64), nil
}

// ListCoins returns all coins.
func (s *Storage) ListCoins() ([]*Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, amount, key_index, status, is_change, create_tx_id, spent_tx_id, created_at
		FROM coins ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list coins: %w", err)
	}
	defer rows.Close()

	var coins []*Coin
	for rows.Next() {
		coin, err := scanCoin(rows)
		if err != nil {
			return nil, err
		}
		coins = append(coins, coin)
	}
	return coins, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCoin(row rowScanner) (*Coin, error) {
	var coin Coin
	var isChange int
	var createTx, spentTx sql.NullString
	var createdAt int64
	if err := row.Scan(&coin.ID, &coin.Amount, &coin.KeyIndex, &coin.Status, &isChange,
		&createTx, &spentTx, &createdAt); err != nil {
		return nil, err
	}
	coin.IsChange = isChange != 0
	coin.CreateTxID = createTx.String
	coin.SpentTxID = spentTx.String
	coin.CreatedAt = time.Unix(createdAt, 0)
	return &coin, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
