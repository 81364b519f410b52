// Package sqlite implements ledger.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/solforge/solforge-gateway/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) a SQLite ledger at the given path. Write
// transactions take the database lock up front so concurrent debits
// serialize instead of failing on lock upgrade.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	wallet_address TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
	total_spent INTEGER NOT NULL DEFAULT 0,
	total_topped_up INTEGER NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	last_payment_at TIMESTAMP,
	last_request_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	wallet_address TEXT NOT NULL REFERENCES accounts(wallet_address),
	kind TEXT NOT NULL CHECK(kind IN ('topup','deduction')),
	amount INTEGER NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	balance_before INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	signature TEXT,
	payer TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_signature ON ledger_entries(signature) WHERE signature IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet_created ON ledger_entries(wallet_address, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureAccount creates a zero-balance account if none exists.
func (s *Store) EnsureAccount(ctx context.Context, wallet string) (ledger.Account, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(wallet_address, created_at, updated_at) VALUES(?, ?, ?)
ON CONFLICT(wallet_address) DO NOTHING`, wallet, now, now); err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, wallet)
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, wallet string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT wallet_address, balance, total_spent, total_topped_up, request_count, last_payment_at, last_request_at, created_at
FROM accounts WHERE wallet_address = ?`, wallet)
	var (
		a                        ledger.Account
		balance, spent, toppedUp int64
		lastPayment, lastRequest sql.NullTime
	)
	err := row.Scan(&a.WalletAddress, &balance, &spent, &toppedUp, &a.RequestCount, &lastPayment, &lastRequest, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get account: %w", err)
	}
	a.Balance = ledger.FromUnits(balance)
	a.TotalSpent = ledger.FromUnits(spent)
	a.TotalToppedUp = ledger.FromUnits(toppedUp)
	if lastPayment.Valid {
		t := lastPayment.Time
		a.LastPaymentAt = &t
	}
	if lastRequest.Valid {
		t := lastRequest.Time
		a.LastRequestAt = &t
	}
	return a, nil
}

// Debit subtracts the entry amount with a conditional update so the balance
// check and write are one statement inside the transaction.
func (s *Store) Debit(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	amount := ledger.ToUnits(entry.AmountUSD)
	if amount < 0 {
		return ledger.Entry{}, errors.New("debit amount must not be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var after int64
	err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance - ?, total_spent = total_spent + ?, request_count = request_count + 1,
	last_request_at = ?, updated_at = ?
WHERE wallet_address = ? AND balance >= ?
RETURNING balance`, amount, amount, entry.CreatedAt, entry.CreatedAt, entry.WalletAddress, amount).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE wallet_address = ?`, entry.WalletAddress).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, ledger.ErrAccountNotFound
		}
		return ledger.Entry{}, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("debit account: %w", err)
	}

	entry.BalanceAfter = ledger.FromUnits(after)
	entry.BalanceBefore = ledger.FromUnits(after + amount)
	if err := insertEntry(ctx, tx, entry); err != nil {
		return ledger.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, fmt.Errorf("commit debit: %w", err)
	}
	return entry, nil
}

// Credit adds the entry amount. The unique signature index makes the entry
// insert fail on a replayed payment, rolling back the balance update.
func (s *Store) Credit(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	amount := ledger.ToUnits(entry.AmountUSD)
	if amount <= 0 {
		return ledger.Entry{}, errors.New("credit amount must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(wallet_address, created_at, updated_at) VALUES(?, ?, ?)
ON CONFLICT(wallet_address) DO NOTHING`, entry.WalletAddress, entry.CreatedAt, entry.CreatedAt); err != nil {
		return ledger.Entry{}, fmt.Errorf("ensure account: %w", err)
	}
	var after int64
	if err := tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance + ?, total_topped_up = total_topped_up + ?, last_payment_at = ?, updated_at = ?
WHERE wallet_address = ?
RETURNING balance`, amount, amount, entry.CreatedAt, entry.CreatedAt, entry.WalletAddress).Scan(&after); err != nil {
		return ledger.Entry{}, fmt.Errorf("credit account: %w", err)
	}

	entry.BalanceAfter = ledger.FromUnits(after)
	entry.BalanceBefore = ledger.FromUnits(after - amount)
	if err := insertEntry(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			return ledger.Entry{}, ledger.ErrDuplicatePayment
		}
		return ledger.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ledger.Entry{}, ledger.ErrDuplicatePayment
		}
		return ledger.Entry{}, fmt.Errorf("commit credit: %w", err)
	}
	return entry, nil
}

// HasPayment reports whether signature was already credited.
func (s *Store) HasPayment(ctx context.Context, signature string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ledger_entries WHERE signature = ?`, signature).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup payment: %w", err)
	}
	return true, nil
}

// ListEntries returns the latest entries for a wallet.
func (s *Store) ListEntries(ctx context.Context, wallet string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, wallet_address, kind, amount, provider, model, input_tokens, output_tokens, total_tokens,
	balance_before, balance_after, signature, payer, created_at
FROM ledger_entries
WHERE wallet_address = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                     ledger.Entry
			kind                  string
			amount, before, after int64
			signature             sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WalletAddress, &kind, &amount, &e.Provider, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &before, &after, &signature, &e.Payer, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		e.AmountUSD = ledger.FromUnits(amount)
		e.BalanceBefore = ledger.FromUnits(before)
		e.BalanceAfter = ledger.FromUnits(after)
		e.Signature = signature.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry) error {
	var signature sql.NullString
	if e.Signature != "" {
		signature = sql.NullString{String: e.Signature, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(id, wallet_address, kind, amount, provider, model, input_tokens, output_tokens, total_tokens,
	balance_before, balance_after, signature, payer, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WalletAddress, string(e.Kind), ledger.ToUnits(e.AmountUSD), e.Provider, e.Model,
		e.InputTokens, e.OutputTokens, e.TotalTokens,
		ledger.ToUnits(e.BalanceBefore), ledger.ToUnits(e.BalanceAfter), signature, e.Payer, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(serr.Error(), "UNIQUE")
	}
	return false
}
