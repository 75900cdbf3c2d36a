// Package storage provides persistent storage for the swap wallet using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for transactions, their parameter bags,
// wallet coins and the address book.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance backed by a file in the data directory.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "wallet.db")
	return open(dbPath, dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
}

func open(dbPath, dsn string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Transactions, one row per swap attempt
	CREATE TABLE IF NOT EXISTS transactions (
		tx_id TEXT PRIMARY KEY,
		tx_type INTEGER NOT NULL,
		is_initiator INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

	-- Typed parameter bag, scoped by (transaction, sub-transaction)
	CREATE TABLE IF NOT EXISTS tx_params (
		tx_id TEXT NOT NULL,
		sub_tx_id INTEGER NOT NULL,
		param_id INTEGER NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (tx_id, sub_tx_id, param_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tx_params_tx ON tx_params(tx_id);

	-- Wallet coins (native chain UTXOs the wallet controls)
	CREATE TABLE IF NOT EXISTS coins (
		id TEXT PRIMARY KEY,
		amount INTEGER NOT NULL,
		key_index INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		is_change INTEGER NOT NULL DEFAULT 0,
		create_tx_id TEXT,
		spent_tx_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coins_status ON coins(status);
	CREATE INDEX IF NOT EXISTS idx_coins_spent_tx ON coins(spent_tx_id);

	-- Address book
	CREATE TABLE IF NOT EXISTS addresses (
		wallet_id TEXT PRIMARY KEY,
		comment TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		is_own INTEGER NOT NULL DEFAULT 0
	);

	-- Monotonic counters (coin key indices)
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NextKeyIndex allocates the next value of a named monotonic counter.
func (s *Storage) NextKeyIndex(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var value uint64
	err = tx.QueryRow(`SELECT value FROM counters WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		value = 0
	} else if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}

	value++
	if _, err := tx.Exec(`
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = ?
	`, name, value, value); err != nil {
		return 0, fmt.Errorf("failed to bump counter: %w", err)
	}

	return value, tx.Commit()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
