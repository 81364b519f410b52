package adapter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedModel is returned when no provider serves a model.
var ErrUnsupportedModel = errors.New("unsupported model")

var prefixes = []struct {
	prefix   string
	provider ProviderID
}{
	{"gpt-", ProviderOpenAI},
	{"o1-", ProviderOpenAI},
	{"o3-", ProviderOpenAI},
	{"o4-", ProviderOpenAI},
	{"claude-", ProviderAnthropic},
	{"gemini-", ProviderGemini},
	{"loopback", ProviderLoopback},
}

// Resolve maps a model name to its provider by prefix.
func Resolve(model string) (ProviderID, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "", fmt.Errorf("%w: model name required", ErrUnsupportedModel)
	}
	for _, p := range prefixes {
		if strings.HasPrefix(m, p.prefix) {
			return p.provider, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
}

// Registry holds the providers constructed at startup.
type Registry struct {
	providers map[ProviderID]Provider
}

// NewRegistry registers providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[ProviderID]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("registry: provider cannot be nil")
		}
		if _, dup := r.providers[p.ID()]; dup {
			return nil, fmt.Errorf("registry: provider %q registered twice", p.ID())
		}
		r.providers[p.ID()] = p
	}
	return r, nil
}

// Lookup resolves model and returns its registered provider.
func (r *Registry) Lookup(model string) (Provider, error) {
	id, err := Resolve(model)
	if err != nil {
		return nil, err
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s not configured for %s", ErrUnsupportedModel, id, model)
	}
	return p, nil
}

// Has reports whether a provider is registered.
func (r *Registry) Has(id ProviderID) bool {
	_, ok := r.providers[id]
	return ok
}

// IDs lists registered providers in name order.
func (r *Registry) IDs() []ProviderID {
	ids := make([]ProviderID, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
