// Package registry implements the process-wide ProviderRegistry: a
// concurrent catalogue of providers supporting add/remove/lookup-by-id and
// iteration by capability.
//
// The implementation follows the named-factory-map-under-RWMutex idiom used
// by internal/config.Registry in the sibling voice-AI codebase this gateway
// was generalized from, adapted from constructor registration to live
// provider instance registration.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/inference-gateway/gateway/internal/provider"
)

// ErrProviderNotFound is returned by Lookup when no provider is registered
// under the requested id.
var ErrProviderNotFound = fmt.Errorf("registry: provider not found")

// entry pairs a provider with a reference count of in-flight checkouts. An
// Unregister call removes the provider from the lookup map immediately but
// defers Shutdown until the last checkout releases it, so that active
// requests holding a provider reference are unaffected by a concurrent
// unregister.
type entry struct {
	p              provider.Provider
	refCount       int
	pendingRelease func(provider.Provider)
}

// Registry is the process-wide ProviderRegistry. Readers (Lookup,
// ByCapability) may proceed concurrently; writers (Register/Unregister) take
// an exclusive lock.
//
// unregistered holds entries removed from the lookup map by Unregister while
// they still have outstanding Checkout references, so ReleaseCheckout can
// find them by provider identity and fire the deferred release callback.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	unregistered map[provider.Provider]*entry
}

// New returns an empty, ready-to-use Registry.
func New() *Registry {
	return &Registry{
		entries:      make(map[string]*entry),
		unregistered: make(map[provider.Provider]*entry),
	}
}

// Register adds p to the registry under p.ID(). Registering the same id
// again replaces the previous provider (the old one is not shut down by
// this call; callers that want a clean swap should Unregister first).
func (r *Registry) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.ID()] = &entry{p: p}
}

// Unregister removes the provider identified by id from future lookups.
// If release is non-nil, it is called once the last in-flight Checkout for
// this provider has been released (immediately, if there are none).
func (r *Registry) Unregister(id string, release func(provider.Provider)) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	refs := e.refCount
	if refs > 0 {
		e.pendingRelease = release
		r.unregistered[e.p] = e
	}
	r.mu.Unlock()

	if refs == 0 && release != nil {
		release(e.p)
	}
}

// Lookup returns the provider registered under id, if any. It implements
// execctx.ProviderLookup as `any` to avoid an import cycle; callers type-
// assert back to provider.Provider.
func (r *Registry) Lookup(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.p, true
}

// Checkout returns the provider registered under id and increments its
// reference count, keeping it alive even if Unregister is called before
// ReleaseCheckout. Returns ErrProviderNotFound if id is not registered.
func (r *Registry) Checkout(id string) (provider.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	e.refCount++
	return e.p, nil
}

// ReleaseCheckout decrements the reference count for id taken by Checkout.
// If the provider has since been unregistered and this was the last
// outstanding checkout, the deferred release callback runs.
func (r *Registry) ReleaseCheckout(id string, p provider.Provider) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		// Still registered entries live in r.entries; a provider removed by
		// Unregister while checkouts were outstanding lives in unregistered.
		e, ok = r.unregistered[p]
		if !ok {
			r.mu.Unlock()
			return
		}
	}
	e.refCount--
	var pending func(provider.Provider)
	if e.refCount == 0 && e.pendingRelease != nil {
		pending = e.pendingRelease
		delete(r.unregistered, p)
	}
	r.mu.Unlock()

	if pending != nil {
		pending(p)
	}
}

// ByCapability returns the ids of all registered providers for which pred
// returns true, sorted for deterministic iteration.
func (r *Registry) ByCapability(pred func(provider.Capabilities) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if pred(e.p.Capabilities()) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SupportingModel returns the ids of all registered providers whose
// Supports(modelID, tenantID) returns true, sorted for deterministic
// iteration (Router relies on this ordering for tie-break determinism).
func (r *Registry) SupportingModel(modelID, tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if e.p.Supports(modelID, tenantID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// All returns every registered provider id, sorted.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
