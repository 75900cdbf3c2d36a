// Package storage - address book operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Address errors
var (
	ErrAddressNotFound = errors.New("address not found")
)

// Address is one address book entry.
type Address struct {
	WalletID  string
	Comment   string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means never
	IsOwn     bool
}

// IsExpired reports whether the address has an expiry in the past.
func (a *Address) IsExpired() bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(time.Now())
}

// SaveAddress inserts or updates an address book entry.
func (s *Storage) SaveAddress(addr *Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := addr.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var expiresAt interface{}
	if !addr.ExpiresAt.IsZero() {
		expiresAt = addr.ExpiresAt.Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO addresses (wallet_id, comment, created_at, expires_at, is_own)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id) DO UPDATE SET comment = excluded.comment,
			expires_at = excluded.expires_at, is_own = excluded.is_own
	`, addr.WalletID, addr.Comment, createdAt.Unix(), expiresAt, boolToInt(addr.IsOwn))
	if err != nil {
		return fmt.Errorf("failed to save address: %w", err)
	}
	return nil
}

// GetAddress retrieves an address book entry.
func (s *Storage) GetAddress(walletID string) (*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var addr Address
	var comment sql.NullString
	var createdAt int64
	var expiresAt sql.NullInt64
	var isOwn int

	err := s.db.QueryRow(`
		SELECT wallet_id, comment, created_at, expires_at, is_own FROM addresses WHERE wallet_id = ?
	`, walletID).Scan(&addr.WalletID, &comment, &createdAt, &expiresAt, &isOwn)
	if err == sql.ErrNoRows {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}

	addr.Comment = comment.String
	addr.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		addr.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	addr.IsOwn = isOwn != 0
	return &addr, nil
}

// ListAddresses returns address book entries, optionally only our own.
func (s *Storage) ListAddresses(ownOnly bool) ([]*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT wallet_id, comment, created_at, expires_at, is_own FROM addresses ORDER BY created_at`
	if ownOnly {
		query = `SELECT wallet_id, comment, created_at, expires_at, is_own FROM addresses WHERE is_own = 1 ORDER BY created_at`
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var addrs []*Address
	for rows.Next() {
		var addr Address
		var comment sql.NullString
		var createdAt int64
		var expiresAt sql.NullInt64
		var isOwn int
		if err := rows.Scan(&addr.WalletID, &comment, &createdAt, &expiresAt, &isOwn); err != nil {
			return nil, err
		}
		addr.Comment = comment.String
		addr.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt.Valid {
			addr.ExpiresAt = time.Unix(expiresAt.Int64, 0)
		}
		addr.IsOwn = isOwn != 0
		addrs = append(addrs, &addr)
	}
	return addrs, rows.Err()
}

// DeleteAddress removes an address book entry.
func (s *Storage) DeleteAddress(walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM addresses WHERE wallet_id = ?`, walletID)
	if err != nil {
		return fmt.Errorf("failed to delete address: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAddressNotFound
	}
	return nil
}
