package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solforge/solforge-gateway/internal/usage"
)

func TestCostFormula(t *testing.T) {
	table := NewTable(Model{ID: "m", Rate: Rate{Input: decimal.RequireFromString("2.0"), Output: decimal.RequireFromString("8.0")}})
	cost, err := table.Cost("m", usage.Totals{Input: 1_000_000, Output: 500_000}, decimal.RequireFromString("1.005"))
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.RequireFromString("6.03")), "cost = %s", cost)
}

func TestCostCachedInputNeverNegative(t *testing.T) {
	rate := Rate{Input: decimal.NewFromInt(10), Output: decimal.NewFromInt(0)}
	cost := Cost(rate, usage.Totals{Input: 100, CachedInput: 500}, decimal.NewFromInt(1))
	assert.True(t, cost.IsZero())

	cost = Cost(rate, usage.Totals{Input: 1_000_000, CachedInput: 250_000}, decimal.NewFromInt(1))
	assert.True(t, cost.Equal(decimal.RequireFromString("7.5")), "cost = %s", cost)
}

func TestUnknownModelFails(t *testing.T) {
	_, err := Default().Cost("not-a-model", usage.Totals{Input: 1}, decimal.NewFromInt(1))
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestDefaultTableSorted(t *testing.T) {
	models := Default().Models()
	require.NotEmpty(t, models)
	for i := 1; i < len(models); i++ {
		if models[i-1].ID >= models[i].ID {
			t.Fatalf("models not sorted: %s before %s", models[i-1].ID, models[i].ID)
		}
	}
	assert.True(t, Default().Has("gpt-4o"))
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	doc := "models:\n  gpt-4o:\n    owned_by: openai\n    input: 1\n    output: 2\n  custom-model:\n    owned_by: acme\n    input: 0.5\n    output: 0.5\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	table, err := Load(path)
	require.NoError(t, err)
	rate, err := table.Rate("gpt-4o")
	require.NoError(t, err)
	assert.True(t, rate.Input.Equal(decimal.NewFromInt(1)))
	assert.True(t, table.Has("custom-model"))
	assert.True(t, table.Has("claude-3-5-haiku-20241022"))
}

func TestParseRejectsNegative(t *testing.T) {
	_, err := Parse([]byte("models:\n  x:\n    input: -1\n    output: 1\n"))
	require.Error(t, err)
}

func TestFormatPerMillion(t *testing.T) {
	r := Rate{Input: decimal.RequireFromString("2.5"), Output: decimal.NewFromInt(10)}.MarkedUp(decimal.RequireFromString("1.005"))
	assert.Equal(t, "$2.5125", FormatPerMillion(r.Input))
	assert.Equal(t, "$10.0500", FormatPerMillion(r.Output))
}
