package provideradapter

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("provideradapter: circuit breaker is open")

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]:
// failure threshold and reset timeout. Half-open always admits a single
// probe call; there is no probe-policy setting.
type CircuitBreakerConfig struct {
	// Name is the provider id, used in log messages and metrics.
	Name string

	// FailureThreshold is the number of consecutive provider-side failures
	// in the closed state before the breaker opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 60s.
	ResetTimeout time.Duration
}

// CircuitBreaker is the classic three-state (closed/open/half-open) breaker,
// gated to a single probe call in half-open. Safe for concurrent use.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration

	mu              sync.Mutex
	state           execctx.BreakerState
	consecutiveFail int
	openedAt        time.Time
	probeInFlight   bool
}

// NewCircuitBreaker creates a CircuitBreaker, applying defaults for
// zero-value config fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		state:            execctx.BreakerClosed,
	}
}

// Allow reports whether a call may proceed right now, transitioning
// open→half-open if the reset timeout has elapsed. It reserves the single
// half-open probe slot atomically so concurrent callers don't all probe at
// once.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case execctx.BreakerOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.state = execctx.BreakerHalfOpen
			cb.probeInFlight = false
			slog.Info("circuit breaker transitioning to half-open", "provider", cb.name)
		} else {
			return false
		}
	}

	if cb.state == execctx.BreakerHalfOpen {
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
	}
	return true
}

// RecordResult updates breaker state after a call that Allow permitted.
// callWasProviderFault distinguishes provider-side failures (count toward
// the breaker) from caller-side failures (validation, etc., which do not).
func (cb *CircuitBreaker) RecordResult(success bool, callWasProviderFault bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == execctx.BreakerHalfOpen
	if wasHalfOpen {
		cb.probeInFlight = false
	}

	if success {
		if wasHalfOpen {
			cb.state = execctx.BreakerClosed
			cb.consecutiveFail = 0
			slog.Info("circuit breaker closed after successful probe", "provider", cb.name)
			return
		}
		cb.consecutiveFail = 0
		return
	}

	if !callWasProviderFault {
		return
	}

	if wasHalfOpen {
		cb.state = execctx.BreakerOpen
		cb.openedAt = time.Now()
		cb.consecutiveFail = cb.failureThreshold
		slog.Warn("circuit breaker re-opened from half-open", "provider", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.failureThreshold {
		cb.state = execctx.BreakerOpen
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened", "provider", cb.name, "consecutive_failures", cb.consecutiveFail)
	}
}

// State returns a snapshot of the breaker's state, reflecting the
// open→half-open transition if the reset timeout has already elapsed even
// though Allow has not yet been called.
func (cb *CircuitBreaker) State() execctx.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.state
	if state == execctx.BreakerOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		state = execctx.BreakerHalfOpen
	}
	return execctx.CircuitBreakerState{
		State:               state,
		ConsecutiveFailures: cb.consecutiveFail,
		OpenedAt:            cb.openedAt,
	}
}

// Reset forces the breaker back to closed, clearing all counters. Intended
// for admin/testing use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = execctx.BreakerClosed
	cb.consecutiveFail = 0
	cb.probeInFlight = false
}
