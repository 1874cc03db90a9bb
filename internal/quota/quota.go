// Package quota implements the windowed per-key counter service used for
// both tenant-level quota (invoked from the AUTHORIZE phase) and
// provider-level quota (invoked from the provider adapter's quota gate).
// These are two orthogonal Service instances over disjoint key spaces
// rather than one shared service.
//
// The accounting idiom (state mutated under a per-key lock, atomic
// check-and-add, windowed reset lazily applied at read time) generalizes
// internal/resilience's counter-under-mutex style from a single breaker
// counter to a per-key map.
package quota

import (
	"sync"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// Limits configures the default limit and window for keys that have not
// been explicitly configured via SetLimit.
type Limits struct {
	DefaultLimit    int64
	DefaultWindow   time.Duration
}

// counter holds the live accounting state for a single key.
type counter struct {
	mu          sync.Mutex
	used        int64
	limit       int64
	window      time.Duration
	windowStart time.Time
}

// Service is a windowed per-key reserve/release/recordUsage counter. All
// operations are atomic per key; a Service instance is safe for concurrent
// use across many keys and many goroutines per key.
type Service struct {
	clock execctx.Clock

	defaultLimit  int64
	defaultWindow time.Duration

	mu       sync.Mutex
	counters map[string]*counter
}

// New creates a Service with the given defaults. clk may be nil to use
// execctx.SystemClock.
func New(limits Limits, clk execctx.Clock) *Service {
	if clk == nil {
		clk = execctx.SystemClock
	}
	return &Service{
		clock:         clk,
		defaultLimit:  limits.DefaultLimit,
		defaultWindow: limits.DefaultWindow,
		counters:      make(map[string]*counter),
	}
}

// SetLimit overrides the limit and window for a specific key (e.g. a
// negotiated per-tenant or per-provider quota), creating the counter if it
// does not yet exist.
func (s *Service) SetLimit(key string, limit int64, window time.Duration) {
	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = limit
	c.window = window
}

func (s *Service) counterFor(key string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{
			limit:       s.defaultLimit,
			window:      s.defaultWindow,
			windowStart: s.clock.Now(),
		}
		s.counters[key] = c
	}
	return c
}

// resetIfExpired applies the lazy windowed reset. Must be called with c.mu held.
func (s *Service) resetIfExpired(c *counter) {
	if c.window <= 0 {
		return
	}
	now := s.clock.Now()
	if now.Sub(c.windowStart) >= c.window {
		c.used = 0
		c.windowStart = now
	}
}

// Info returns a snapshot of the key's current quota state.
func (s *Service) Info(key string) execctx.QuotaInfo {
	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetIfExpired(c)
	resetAt := c.windowStart.Add(c.window)
	return execctx.QuotaInfo{
		ID:             key,
		Used:           c.used,
		Limit:          c.limit,
		ResetAtEpochMs: resetAt.UnixMilli(),
	}
}

// Reserve performs a compare-and-add: if used+amount would exceed limit, it
// fails without mutating state. On success it increments used by amount.
func (s *Service) Reserve(key string, amount int64) (execctx.QuotaInfo, bool) {
	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetIfExpired(c)

	if c.limit > 0 && c.used+amount > c.limit {
		return s.snapshotLocked(key, c), false
	}
	c.used += amount
	return s.snapshotLocked(key, c), true
}

// Release clamps used back down by amount, never going below zero.
func (s *Service) Release(key string, amount int64) execctx.QuotaInfo {
	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetIfExpired(c)

	c.used -= amount
	if c.used < 0 {
		c.used = 0
	}
	return s.snapshotLocked(key, c)
}

// RecordUsage charges the actual consumed amount, which may exceed the
// amount originally reserved (the delta is charged on top of the existing
// reservation).
func (s *Service) RecordUsage(key string, reserved, actual int64) execctx.QuotaInfo {
	c := s.counterFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.resetIfExpired(c)

	delta := actual - reserved
	c.used += delta
	if c.used < 0 {
		c.used = 0
	}
	return s.snapshotLocked(key, c)
}

func (s *Service) snapshotLocked(key string, c *counter) execctx.QuotaInfo {
	resetAt := c.windowStart.Add(c.window)
	return execctx.QuotaInfo{
		ID:             key,
		Used:           c.used,
		Limit:          c.limit,
		ResetAtEpochMs: resetAt.UnixMilli(),
	}
}
