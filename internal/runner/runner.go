// Package runner implements a keyed cache of local model runners with
// at-most-one-concurrent-load-per-key coalescing, LRU eviction, idle-TTL
// sweeping, and exclusive per-call borrowing.
//
// Load coalescing uses [golang.org/x/sync/singleflight], a concrete use of
// the x/sync module already pulled in for errgroup fan-out elsewhere in this
// codebase (internal/policy/memoryinject). The LRU list follows the
// doubly-linked-list idiom from container/list; the single mutex guards only
// pointer moves, never the (potentially slow) load itself.
package runner

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State is a Runner's lifecycle state:
// CREATED → LOADED → READY ↔ BUSY → CLOSED.
type State int

const (
	StateCreated State = iota
	StateLoaded
	StateReady
	StateBusy
	StateClosed
)

// String returns the state's canonical name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateLoaded:
		return "LOADED"
	case StateReady:
		return "READY"
	case StateBusy:
		return "BUSY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Runner is a loaded local model instance bound to a device. Implementations
// are built and owned exclusively by a [WarmPool]; callers never construct
// one directly.
type Runner interface {
	// Key identifies this runner within the pool (manifest + runner name).
	Key() string

	// State reports the runner's current lifecycle state.
	State() State

	// Close releases native/file resources deterministically. Safe to call
	// multiple times.
	Close(ctx context.Context) error
}

// ErrPoolClosed is returned by Acquire once the pool has been shut down.
var ErrPoolClosed = errors.New("runner: pool is closed")

// Loader builds a new Runner for the given model manifest and runner name.
// Loaders are invoked at most once concurrently per key, even under
// concurrent Acquire calls (load coalescing).
type Loader func(ctx context.Context, manifest, runnerName string) (Runner, error)

// Key returns the cache key for a (manifest, runnerName) pair.
func Key(manifest, runnerName string) string {
	return manifest + "::" + runnerName
}

// poolEntry holds a cached Runner plus the bookkeeping WarmPool needs: an LRU
// list position and a single-slot semaphore enforcing exclusive borrowing.
type poolEntry struct {
	key      string
	runner   Runner
	lruElem  *list.Element
	lastUsed time.Time
	claimed  chan struct{} // buffered(1); held while a caller has the runner leased
}

// Lease is an exclusively-borrowed Runner. Callers must call Release exactly
// once when done, typically via defer.
type Lease struct {
	Runner  Runner
	release func()
	once    sync.Once
}

// Release returns the runner to the pool, making it eligible for the next
// Acquire of the same key.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// WarmPool caches Runners by key with LRU eviction above maxSize and idle
// eviction via [WarmPool.SweepIdle]. It does not start any background
// goroutines itself — callers that want periodic sweeping own the ticker, in
// keeping with this codebase's explicit init/shutdown lifecycle convention.
type WarmPool struct {
	loader  Loader
	maxSize int
	idleTTL time.Duration

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*poolEntry
	lru     *list.List
	closed  bool
}

// New creates a WarmPool. maxSize <= 0 means unbounded; idleTTL <= 0 disables
// idle eviction via SweepIdle.
func New(loader Loader, maxSize int, idleTTL time.Duration) *WarmPool {
	return &WarmPool{
		loader:  loader,
		maxSize: maxSize,
		idleTTL: idleTTL,
		entries: make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// Len returns the number of runners currently cached.
func (p *WarmPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// getOrLoad returns the cached entry for key, loading it via the pool's
// Loader if absent. Concurrent callers for the same key share one load; a
// failed load is not cached and every waiter observes the same error.
func (p *WarmPool) getOrLoad(ctx context.Context, manifest, runnerName string) (*poolEntry, error) {
	key := Key(manifest, runnerName)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e, ok := p.entries[key]; ok {
		p.touchLocked(e)
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(key, func() (any, error) {
		r, err := p.loader(ctx, manifest, runnerName)
		if err != nil {
			return nil, fmt.Errorf("runner: load %q: %w", key, err)
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			// The pool was shut down while the load was in flight; release
			// the runner immediately rather than caching it.
			go func() { _ = r.Close(context.Background()) }()
			return nil, ErrPoolClosed
		}
		// Another goroutine may have raced us into the cache between our
		// initial unlocked check and this singleflight callback (e.g. a
		// concurrent key collision resolved by a prior sweep); prefer the
		// existing entry to keep the "at most one Runner per key" invariant.
		if existing, ok := p.entries[key]; ok {
			go func() { _ = r.Close(context.Background()) }()
			return existing, nil
		}
		e := &poolEntry{
			key:      key,
			runner:   r,
			lastUsed: time.Now(),
			claimed:  make(chan struct{}, 1),
		}
		e.lruElem = p.lru.PushFront(e)
		p.entries[key] = e
		p.evictOverflowLocked()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*poolEntry), nil
}

// Acquire returns an exclusively-leased Runner for (manifest, runnerName),
// loading it if not already cached. The call blocks until the runner is not
// already leased to another caller. The returned Lease must be released.
func (p *WarmPool) Acquire(ctx context.Context, manifest, runnerName string) (*Lease, error) {
	e, err := p.getOrLoad(ctx, manifest, runnerName)
	if err != nil {
		return nil, err
	}

	select {
	case e.claimed <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.touchLocked(e)
	p.mu.Unlock()

	return &Lease{
		Runner: e.runner,
		release: func() {
			<-e.claimed
		},
	}, nil
}

// touchLocked marks e as most-recently-used. Must be called with p.mu held.
func (p *WarmPool) touchLocked(e *poolEntry) {
	e.lastUsed = time.Now()
	p.lru.MoveToFront(e.lruElem)
}

// evictOverflowLocked evicts least-recently-used entries until the pool is
// at or under maxSize. Must be called with p.mu held; actual Close calls are
// deferred until after release to avoid blocking other cache operations on
// teardown I/O.
func (p *WarmPool) evictOverflowLocked() {
	if p.maxSize <= 0 {
		return
	}
	var toClose []*poolEntry
	for len(p.entries) > p.maxSize {
		back := p.lru.Back()
		if back == nil {
			break
		}
		e := back.Value.(*poolEntry)
		p.lru.Remove(back)
		delete(p.entries, e.key)
		toClose = append(toClose, e)
	}
	for _, e := range toClose {
		go closeEvicted(e)
	}
}

func closeEvicted(e *poolEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.runner.Close(ctx); err != nil {
		slog.Warn("runner: error closing evicted runner", "key", e.key, "error", err)
	}
}

// Evict removes and closes the runner cached under key, if any. Returns
// false if no such runner was cached.
func (p *WarmPool) Evict(key string) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		p.lru.Remove(e.lruElem)
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	closeEvicted(e)
	return true
}

// SweepIdle evicts every cached runner whose last use precedes now minus the
// pool's idleTTL, returning the evicted keys. Callers own the schedule (e.g.
// a ticker in cmd/gateway); SweepIdle itself never sleeps or loops.
func (p *WarmPool) SweepIdle(now time.Time) []string {
	if p.idleTTL <= 0 {
		return nil
	}
	p.mu.Lock()
	var stale []*poolEntry
	for _, e := range p.entries {
		if now.Sub(e.lastUsed) >= p.idleTTL {
			stale = append(stale, e)
		}
	}
	var evicted []string
	for _, e := range stale {
		p.lru.Remove(e.lruElem)
		delete(p.entries, e.key)
		evicted = append(evicted, e.key)
	}
	p.mu.Unlock()

	for _, e := range stale {
		closeEvicted(e)
	}
	return evicted
}

// Prewarm best-effort loads every (manifest, runnerName) pair in the
// background; load errors are logged, never returned.
func (p *WarmPool) Prewarm(ctx context.Context, keys [][2]string) {
	for _, mr := range keys {
		manifest, runnerName := mr[0], mr[1]
		go func() {
			if _, err := p.getOrLoad(ctx, manifest, runnerName); err != nil {
				slog.Warn("runner: prewarm failed", "manifest", manifest, "runner", runnerName, "error", err)
			}
		}()
	}
}

// Close shuts down the pool, closing every cached runner. No further
// Acquire calls will succeed once Close returns.
func (p *WarmPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*poolEntry)
	p.lru = list.New()
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.runner.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.key, err))
		}
	}
	return errors.Join(errs...)
}
