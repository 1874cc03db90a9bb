package provideradapter

import (
	"testing"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
)

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", cb.failureThreshold)
	}
	if cb.resetTimeout != 60*time.Second {
		t.Errorf("resetTimeout = %v, want 60s", cb.resetTimeout)
	}
	if cb.State().State != execctx.BreakerClosed {
		t.Errorf("initial state = %v, want closed", cb.State().State)
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", FailureThreshold: 3})
	if !cb.Allow() {
		t.Fatal("expected Allow to return true when closed")
	}
	cb.RecordResult(true, false)
	if cb.State().State != execctx.BreakerClosed {
		t.Fatalf("state = %v, want closed", cb.State().State)
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		ResetTimeout:     time.Hour,
	})

	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordResult(false, true)
	}

	if cb.State().State != execctx.BreakerOpen {
		t.Fatalf("state = %v, want open after 3 provider failures", cb.State().State)
	}

	if cb.Allow() {
		t.Fatal("expected Allow to return false when open")
	}
}

func TestCircuitBreaker_NonProviderFaultDoesNotCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", FailureThreshold: 2})

	cb.Allow()
	cb.RecordResult(false, false) // caller-side failure, e.g. bad request
	cb.Allow()
	cb.RecordResult(false, false)

	if cb.State().State != execctx.BreakerClosed {
		t.Fatalf("state = %v, want closed (non-provider faults must not count)", cb.State().State)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", FailureThreshold: 3})

	cb.Allow()
	cb.RecordResult(false, true)
	cb.Allow()
	cb.RecordResult(false, true)
	cb.Allow()
	cb.RecordResult(true, false)

	if cb.State().State != execctx.BreakerClosed {
		t.Fatal("state should still be closed")
	}
	if cb.State().ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0 after success", cb.State().ConsecutiveFailures)
	}
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})

	cb.Allow()
	cb.RecordResult(false, true)
	cb.Allow()
	cb.RecordResult(false, true)
	if cb.State().State != execctx.BreakerOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State().State != execctx.BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", cb.State().State)
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})

	cb.Allow()
	cb.RecordResult(false, true)
	cb.Allow()
	cb.RecordResult(false, true)

	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected half-open probe to be allowed")
	}
	cb.RecordResult(true, false)

	if cb.State().State != execctx.BreakerClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State().State)
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})

	cb.Allow()
	cb.RecordResult(false, true)
	cb.Allow()
	cb.RecordResult(false, true)

	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected half-open probe to be allowed")
	}
	cb.RecordResult(false, true)

	if cb.State().State != execctx.BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.State().State)
	}
}

func TestCircuitBreaker_HalfOpenSingleProbeSlot(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	})

	cb.Allow()
	cb.RecordResult(false, true)
	cb.Allow()
	cb.RecordResult(false, true)

	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected first half-open probe to be allowed")
	}
	if cb.Allow() {
		t.Fatal("expected concurrent second half-open probe to be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	})

	cb.Allow()
	cb.RecordResult(false, true)
	cb.Allow()
	cb.RecordResult(false, true)
	if cb.State().State != execctx.BreakerOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State().State != execctx.BreakerClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State().State)
	}
	if !cb.Allow() {
		t.Fatal("expected Allow to succeed after reset")
	}
}
