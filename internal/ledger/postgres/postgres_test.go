package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/ledger/ledgertest"
)

func TestStoreBehaviour(t *testing.T) {
	dsn := os.Getenv("SOLFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SOLFORGE_TEST_POSTGRES_DSN not set")
	}
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := New(ctx, Config{DSN: dsn, MaxConns: 8})
		if err != nil {
			t.Skipf("postgres unavailable: %v", err)
		}
		return store
	})
}
