// Package postgres implements ledger.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solforge/solforge-gateway/internal/ledger"
)

const uniqueViolation = "23505"

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to PostgreSQL and applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		s.pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	wallet_address TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0 CHECK(balance >= 0),
	total_spent BIGINT NOT NULL DEFAULT 0,
	total_topped_up BIGINT NOT NULL DEFAULT 0,
	request_count BIGINT NOT NULL DEFAULT 0,
	last_payment_at TIMESTAMPTZ,
	last_request_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	wallet_address TEXT NOT NULL REFERENCES accounts(wallet_address),
	kind TEXT NOT NULL CHECK(kind IN ('topup','deduction')),
	amount BIGINT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	balance_before BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	signature TEXT,
	payer TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_signature ON ledger_entries(signature) WHERE signature IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet_created ON ledger_entries(wallet_address, created_at DESC);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureAccount creates a zero-balance account if none exists.
func (s *Store) EnsureAccount(ctx context.Context, wallet string) (ledger.Account, error) {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO accounts(wallet_address) VALUES($1)
ON CONFLICT(wallet_address) DO NOTHING`, wallet); err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(ctx, wallet)
}

// GetAccount loads one account.
func (s *Store) GetAccount(ctx context.Context, wallet string) (ledger.Account, error) {
	var (
		a                        ledger.Account
		balance, spent, toppedUp int64
	)
	err := s.pool.QueryRow(ctx, `
SELECT wallet_address, balance, total_spent, total_topped_up, request_count, last_payment_at, last_request_at, created_at
FROM accounts WHERE wallet_address = $1`, wallet).
		Scan(&a.WalletAddress, &balance, &spent, &toppedUp, &a.RequestCount, &a.LastPaymentAt, &a.LastRequestAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get account: %w", err)
	}
	a.Balance = ledger.FromUnits(balance)
	a.TotalSpent = ledger.FromUnits(spent)
	a.TotalToppedUp = ledger.FromUnits(toppedUp)
	return a, nil
}

// Debit subtracts the entry amount using a conditional update; the row lock
// taken by the UPDATE serializes concurrent debits for the same wallet.
func (s *Store) Debit(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	amount := ledger.ToUnits(entry.AmountUSD)
	if amount < 0 {
		return ledger.Entry{}, errors.New("debit amount must not be negative")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var after int64
	err = tx.QueryRow(ctx, `
UPDATE accounts
SET balance = balance - $1, total_spent = total_spent + $1, request_count = request_count + 1,
	last_request_at = $2, updated_at = $2
WHERE wallet_address = $3 AND balance >= $1
RETURNING balance`, amount, entry.CreatedAt, entry.WalletAddress).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE wallet_address = $1)`, entry.WalletAddress).Scan(&exists); err != nil {
			return ledger.Entry{}, fmt.Errorf("lookup account: %w", err)
		}
		if !exists {
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
	if err := tx.Commit(ctx); err != nil {
		return ledger.Entry{}, fmt.Errorf("commit debit: %w", err)
	}
	return entry, nil
}

// Credit adds the entry amount; a replayed signature violates the unique
// index and rolls the whole transaction back.
func (s *Store) Credit(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	amount := ledger.ToUnits(entry.AmountUSD)
	if amount <= 0 {
		return ledger.Entry{}, errors.New("credit amount must be positive")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var after int64
	if err := tx.QueryRow(ctx, `
INSERT INTO accounts(wallet_address, balance, total_topped_up, last_payment_at, created_at, updated_at)
VALUES($1, $2, $2, $3, $3, $3)
ON CONFLICT(wallet_address) DO UPDATE
SET balance = accounts.balance + EXCLUDED.balance,
	total_topped_up = accounts.total_topped_up + EXCLUDED.total_topped_up,
	last_payment_at = EXCLUDED.last_payment_at,
	updated_at = EXCLUDED.updated_at
RETURNING balance`, entry.WalletAddress, amount, entry.CreatedAt).Scan(&after); err != nil {
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
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ledger.Entry{}, ledger.ErrDuplicatePayment
		}
		return ledger.Entry{}, fmt.Errorf("commit credit: %w", err)
	}
	return entry, nil
}

// HasPayment reports whether signature was already credited.
func (s *Store) HasPayment(ctx context.Context, signature string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE signature = $1)`, signature).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup payment: %w", err)
	}
	return exists, nil
}

// ListEntries returns the latest entries for a wallet.
func (s *Store) ListEntries(ctx context.Context, wallet string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id::text, wallet_address, kind, amount, provider, model, input_tokens, output_tokens, total_tokens,
	balance_before, balance_after, COALESCE(signature, ''), payer, created_at
FROM ledger_entries
WHERE wallet_address = $1
ORDER BY created_at DESC, seq DESC
LIMIT $2`, wallet, limit)
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
		)
		if err := rows.Scan(&e.ID, &e.WalletAddress, &kind, &amount, &e.Provider, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &before, &after, &e.Signature, &e.Payer, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		e.AmountUSD = ledger.FromUnits(amount)
		e.BalanceBefore = ledger.FromUnits(before)
		e.BalanceAfter = ledger.FromUnits(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx pgx.Tx, e ledger.Entry) error {
	var signature *string
	if e.Signature != "" {
		signature = &e.Signature
	}
	_, err := tx.Exec(ctx, `
INSERT INTO ledger_entries(id, wallet_address, kind, amount, provider, model, input_tokens, output_tokens, total_tokens,
	balance_before, balance_after, signature, payer, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.WalletAddress, string(e.Kind), ledger.ToUnits(e.AmountUSD), e.Provider, e.Model,
		e.InputTokens, e.OutputTokens, e.TotalTokens,
		ledger.ToUnits(e.BalanceBefore), ledger.ToUnits(e.BalanceAfter), signature, e.Payer, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
