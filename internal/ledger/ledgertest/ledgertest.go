// Package ledgertest holds behaviour tests shared by every ledger.Store.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solforge/solforge-gateway/internal/ledger"
)

// Factory returns a fresh, empty store. The store is closed by the caller.
type Factory func(t *testing.T) ledger.Store

// Run exercises a store implementation.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnsureAccountIdempotent", func(t *testing.T) { testEnsureAccount(t, newStore(t)) })
	t.Run("CreditThenDebit", func(t *testing.T) { testCreditThenDebit(t, newStore(t)) })
	t.Run("DebitInsufficient", func(t *testing.T) { testDebitInsufficient(t, newStore(t)) })
	t.Run("DuplicateCredit", func(t *testing.T) { testDuplicateCredit(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("ListEntries", func(t *testing.T) { testListEntries(t, newStore(t)) })
}

func wallet() string { return "wallet-" + uuid.NewString()[:8] }

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func credit(w string, amount decimal.Decimal, sig string) ledger.Entry {
	return ledger.Entry{
		ID:            uuid.NewString(),
		WalletAddress: w,
		Kind:          ledger.KindTopUp,
		AmountUSD:     amount,
		Signature:     sig,
		CreatedAt:     time.Now().UTC(),
	}
}

func debit(w string, amount decimal.Decimal) ledger.Entry {
	return ledger.Entry{
		ID:            uuid.NewString(),
		WalletAddress: w,
		Kind:          ledger.KindDeduction,
		AmountUSD:     amount,
		Provider:      "openai",
		Model:         "gpt-4o",
		InputTokens:   10,
		OutputTokens:  5,
		TotalTokens:   15,
		CreatedAt:     time.Now().UTC(),
	}
}

func testEnsureAccount(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()
	w := wallet()

	_, err := s.GetAccount(ctx, w)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	a, err := s.EnsureAccount(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, w, a.WalletAddress)
	assert.True(t, a.Balance.IsZero())

	again, err := s.EnsureAccount(ctx, w)
	require.NoError(t, err)
	assert.True(t, again.Balance.IsZero())
	assert.Equal(t, a.CreatedAt.Unix(), again.CreatedAt.Unix())
}

func testCreditThenDebit(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()
	w := wallet()

	e, err := s.Credit(ctx, credit(w, usd("1"), "sig-"+w))
	require.NoError(t, err)
	assert.True(t, e.BalanceBefore.IsZero())
	assert.True(t, e.BalanceAfter.Equal(usd("1")))

	d, err := s.Debit(ctx, debit(w, usd("0.00012345")))
	require.NoError(t, err)
	assert.True(t, d.BalanceBefore.Equal(usd("1")))
	assert.True(t, d.BalanceAfter.Equal(usd("0.99987655")), "after = %s", d.BalanceAfter)

	a, err := s.GetAccount(ctx, w)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(usd("0.99987655")))
	assert.True(t, a.TotalToppedUp.Equal(usd("1")))
	assert.True(t, a.TotalSpent.Equal(usd("0.00012345")))
	assert.Equal(t, int64(1), a.RequestCount)
	assert.NotNil(t, a.LastPaymentAt)
	assert.NotNil(t, a.LastRequestAt)

	paid, err := s.HasPayment(ctx, "sig-"+w)
	require.NoError(t, err)
	assert.True(t, paid)
	paid, err = s.HasPayment(ctx, "sig-unknown")
	require.NoError(t, err)
	assert.False(t, paid)
}

func testDebitInsufficient(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()
	w := wallet()

	_, err := s.Debit(ctx, debit(w, usd("0.1")))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = s.Credit(ctx, credit(w, usd("0.5"), "sig-"+w))
	require.NoError(t, err)

	_, err = s.Debit(ctx, debit(w, usd("0.50000001")))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	a, err := s.GetAccount(ctx, w)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(usd("0.5")))
	assert.Equal(t, int64(0), a.RequestCount)

	entries, err := s.ListEntries(ctx, w, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Spending the exact balance is allowed.
	e, err := s.Debit(ctx, debit(w, usd("0.5")))
	require.NoError(t, err)
	assert.True(t, e.BalanceAfter.IsZero())
}

func testDuplicateCredit(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()
	w := wallet()
	sig := "dup-" + w

	_, err := s.Credit(ctx, credit(w, usd("1"), sig))
	require.NoError(t, err)
	_, err = s.Credit(ctx, credit(w, usd("1"), sig))
	require.ErrorIs(t, err, ledger.ErrDuplicatePayment)

	// Same signature for another wallet is still a duplicate.
	other := wallet()
	_, err = s.Credit(ctx, credit(other, usd("1"), sig))
	require.ErrorIs(t, err, ledger.ErrDuplicatePayment)

	a, err := s.GetAccount(ctx, w)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(usd("1")))
	entries, err := s.ListEntries(ctx, w, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testConcurrentDebits(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()
	w := wallet()

	_, err := s.Credit(ctx, credit(w, usd("1"), "sig-"+w))
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Debit(ctx, debit(w, usd("0.1")))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientBalance):
			default:
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()
	require.Empty(t, failures, fmt.Sprint(failures))
	assert.Equal(t, 10, succeeded)

	a, err := s.GetAccount(ctx, w)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero(), "balance = %s", a.Balance)
	assert.True(t, a.TotalToppedUp.Sub(a.TotalSpent).Equal(a.Balance))
}

func testListEntries(t *testing.T, s ledger.Store) {
	defer s.Close()
	ctx := context.Background()
	w := wallet()

	_, err := s.Credit(ctx, credit(w, usd("2"), "sig-"+w))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Debit(ctx, debit(w, usd("0.25")))
		require.NoError(t, err)
	}

	entries, err := s.ListEntries(ctx, w, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.KindDeduction, entries[0].Kind)
	assert.True(t, entries[0].BalanceAfter.Equal(usd("1.25")), "latest first, got %s", entries[0].BalanceAfter)
	assert.Equal(t, "gpt-4o", entries[0].Model)
	assert.Equal(t, int64(15), entries[0].TotalTokens)

	all, err := s.ListEntries(ctx, w, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	last := all[len(all)-1]
	assert.Equal(t, ledger.KindTopUp, last.Kind)
	assert.Equal(t, "sig-"+w, last.Signature)
}
