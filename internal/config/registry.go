package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/inference-gateway/gateway/internal/provider"
)

// ErrProviderNotRegistered is returned by Create when no factory has been
// registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory constructs a provider.Provider from its ProviderConfig block.
type Factory func(ProviderConfig) (provider.Provider, error)

// Registry maps (kind, name) pairs to provider constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[ProviderKind]map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: map[ProviderKind]map[string]Factory{
			ProviderKindLocal:  make(map[string]Factory),
			ProviderKindRemote: make(map[string]Factory),
		},
	}
}

// Register registers factory under (kind, name). Subsequent calls with the
// same pair overwrite the previous registration.
func (r *Registry) Register(kind ProviderKind, name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories[kind] == nil {
		r.factories[kind] = make(map[string]Factory)
	}
	r.factories[kind][name] = factory
}

// Create instantiates a provider.Provider using the factory registered for
// entry.Kind/entry.Name. Returns [ErrProviderNotRegistered] if no factory
// has been registered for that pair.
func (r *Registry) Create(entry ProviderConfig) (provider.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Kind][entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, entry.Kind, entry.Name)
	}
	return factory(entry)
}

// CreateAll instantiates every provider in cfg.Providers, returning the
// first construction error encountered (wrapped with the offending
// provider's id).
func CreateAll(r *Registry, providers []ProviderConfig) ([]provider.Provider, error) {
	out := make([]provider.Provider, 0, len(providers))
	for _, entry := range providers {
		p, err := r.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("config: create provider %q: %w", entry.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}
