package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/ledger/ledgertest"
)

func TestStoreBehaviour(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return store
	})
}

func TestNewCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSchemaRejectsNegativeBalance(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if _, err := store.EnsureAccount(ctx, "w"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE accounts SET balance = -1 WHERE wallet_address = 'w'`); err == nil {
		t.Fatalf("expected check constraint violation")
	}
}
