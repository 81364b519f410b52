// Package pricing holds the per-model token rates and the cost function used
// for every ledger deduction.
package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/solforge/solforge-gateway/internal/usage"
)

//go:embed default_pricing.yaml
var defaultPricing []byte

// ErrUnknownModel is returned when no rate exists for the exact model id.
var ErrUnknownModel = errors.New("pricing: unknown model")

var perMillion = decimal.NewFromInt(1_000_000)

// Rate is the USD price of one million input and output tokens.
type Rate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// MarkedUp returns the rate multiplied by markup.
func (r Rate) MarkedUp(markup decimal.Decimal) Rate {
	return Rate{Input: r.Input.Mul(markup), Output: r.Output.Mul(markup)}
}

// Model is one priced model as exposed by the models listing.
type Model struct {
	ID      string
	OwnedBy string
	Rate    Rate
}

// Table maps exact model ids to rates. It is immutable after construction.
type Table struct {
	models map[string]Model
}

type fileModel struct {
	OwnedBy string  `yaml:"owned_by"`
	Input   float64 `yaml:"input"`
	Output  float64 `yaml:"output"`
}

type file struct {
	Models map[string]fileModel `yaml:"models"`
}

// NewTable builds a table from explicit models.
func NewTable(models ...Model) *Table {
	t := &Table{models: make(map[string]Model, len(models))}
	for _, m := range models {
		t.models[m.ID] = m
	}
	return t
}

// Default returns the built-in table.
func Default() *Table {
	t, err := Parse(defaultPricing)
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded table: %v", err))
	}
	return t
}

// Parse decodes a YAML pricing document.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pricing: decode: %w", err)
	}
	t := &Table{models: make(map[string]Model, len(f.Models))}
	for id, fm := range f.Models {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.New("pricing: empty model id")
		}
		if fm.Input < 0 || fm.Output < 0 {
			return nil, fmt.Errorf("pricing: negative rate for %s", id)
		}
		t.models[id] = Model{
			ID:      id,
			OwnedBy: fm.OwnedBy,
			Rate:    Rate{Input: decimal.NewFromFloat(fm.Input), Output: decimal.NewFromFloat(fm.Output)},
		}
	}
	return t, nil
}

// Load returns the default table, extended and overridden by the YAML file at
// path when path is non-empty.
func Load(path string) (*Table, error) {
	base := Default()
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	overrides, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return base.Merge(overrides), nil
}

// Merge returns a new table with entries from other replacing those in t.
func (t *Table) Merge(other *Table) *Table {
	out := &Table{models: make(map[string]Model, len(t.models)+len(other.models))}
	for id, m := range t.models {
		out.models[id] = m
	}
	for id, m := range other.models {
		out.models[id] = m
	}
	return out
}

// Rate looks up the rate for the exact model id.
func (t *Table) Rate(model string) (Rate, error) {
	m, ok := t.models[model]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return m.Rate, nil
}

// Has reports whether model is priced.
func (t *Table) Has(model string) bool {
	_, ok := t.models[model]
	return ok
}

// Models lists every priced model sorted by id.
func (t *Table) Models() []Model {
	out := make([]Model, 0, len(t.models))
	for _, m := range t.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cost prices a reconciled usage triple for model:
//
//	((max(0, input-cached)/1e6)*inputRate + (output/1e6)*outputRate) * markup
func (t *Table) Cost(model string, totals usage.Totals, markup decimal.Decimal) (decimal.Decimal, error) {
	rate, err := t.Rate(model)
	if err != nil {
		return decimal.Zero, err
	}
	return Cost(rate, totals, markup), nil
}

// Cost applies the pricing formula to a single rate.
func Cost(rate Rate, totals usage.Totals, markup decimal.Decimal) decimal.Decimal {
	billableInput := totals.Input - totals.CachedInput
	if billableInput < 0 {
		billableInput = 0
	}
	in := decimal.NewFromInt(billableInput).Div(perMillion).Mul(rate.Input)
	out := decimal.NewFromInt(totals.Output).Div(perMillion).Mul(rate.Output)
	return in.Add(out).Mul(markup)
}

// FormatPerMillion renders a per-million price as a currency string.
func FormatPerMillion(d decimal.Decimal) string {
	return "$" + d.StringFixed(4)
}
