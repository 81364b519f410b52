// Package ledger keeps wallet balances and the immutable audit trail of every
// top-up and deduction.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes credits from debits in the audit trail.
type Kind string

const (
	KindTopUp     Kind = "topup"
	KindDeduction Kind = "deduction"
)

var (
	// ErrInsufficientBalance is returned when a debit would make the balance negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrDuplicatePayment is returned when a payment signature was already credited.
	ErrDuplicatePayment = errors.New("ledger: payment already processed")
	// ErrAccountNotFound is returned for wallets without an account row.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// Scale is the number of fractional digits kept for USD amounts.
const Scale = 8

var unit = decimal.New(1, Scale)

// ToUnits converts a USD amount to integer units of 1e-8 USD, rounding half away from zero.
func ToUnits(d decimal.Decimal) int64 {
	return d.Round(Scale).Mul(unit).IntPart()
}

// FromUnits converts integer 1e-8 USD units back to a decimal.
func FromUnits(u int64) decimal.Decimal {
	return decimal.New(u, -Scale)
}

// Format renders an amount with the ledger's fixed precision.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Account is the balance state of one wallet.
type Account struct {
	WalletAddress string          `json:"wallet_address"`
	Balance       decimal.Decimal `json:"balance"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	TotalToppedUp decimal.Decimal `json:"total_topped_up"`
	RequestCount  int64           `json:"request_count"`
	LastPaymentAt *time.Time      `json:"last_payment_at,omitempty"`
	LastRequestAt *time.Time      `json:"last_request_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Entry is one immutable audit row.
type Entry struct {
	ID            string          `json:"id"`
	WalletAddress string          `json:"wallet_address"`
	Kind          Kind            `json:"kind"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	Provider      string          `json:"provider,omitempty"`
	Model         string          `json:"model,omitempty"`
	InputTokens   int64           `json:"input_tokens,omitempty"`
	OutputTokens  int64           `json:"output_tokens,omitempty"`
	TotalTokens   int64           `json:"total_tokens,omitempty"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Signature     string          `json:"signature,omitempty"`
	Payer         string          `json:"payer,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Store persists accounts and entries. Debit and Credit must each run as a
// single atomic transaction in the backing database: the balance check, the
// balance update and the entry insert either all happen or none do.
type Store interface {
	// EnsureAccount creates the account with a zero balance if absent and returns it.
	EnsureAccount(ctx context.Context, wallet string) (Account, error)
	GetAccount(ctx context.Context, wallet string) (Account, error)
	// Debit subtracts entry.AmountUSD when the balance covers it and records
	// entry. BalanceBefore/BalanceAfter are filled by the store.
	Debit(ctx context.Context, entry Entry) (Entry, error)
	// Credit adds entry.AmountUSD and records entry, creating the account if
	// needed. A repeated non-empty signature fails with ErrDuplicatePayment.
	Credit(ctx context.Context, entry Entry) (Entry, error)
	HasPayment(ctx context.Context, signature string) (bool, error)
	ListEntries(ctx context.Context, wallet string, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}
