// Package provideradapter composes a single [provider.Provider] with the
// reliability machinery every provider is wrapped in before the router ever
// sees it: a per-provider [CircuitBreaker], a provider-level quota gate, and
// error classification feeding both.
//
// The composition pattern generalizes internal/resilience.FallbackGroup's
// "one breaker per backend, gate every call through it" idiom from a
// multi-backend fallback chain to a single-backend admission gate; retrying
// across multiple candidate providers is the orchestrator's job, not the
// adapter's.
package provideradapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/observe"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/quota"
)

// Config configures an [Adapter].
type Config struct {
	Breaker CircuitBreakerConfig

	// QuotaKey is the provider-level quota counter key, distinct from the
	// tenant quota checked in AUTHORIZE. Typically the provider id.
	QuotaKey string

	// QuotaEstimate estimates the unit cost of a single call for the
	// reserve/recordUsage dance when the request carries no better signal.
	// Default: 1.
	QuotaEstimate int64
}

// Adapter wraps a provider.Provider with a circuit breaker and a
// provider-level quota gate, recording metrics for every gated call. It
// implements [provider.Provider] itself so the router and registry can treat
// a gated provider exactly like a bare one.
type Adapter struct {
	inner    provider.Provider
	breaker  *CircuitBreaker
	quota    *quota.Service
	quotaKey string
	quotaEst int64
	metrics  *observe.Metrics
}

// New wraps inner with the reliability machinery described by cfg. quotaSvc
// may be nil to disable provider-level quota gating (tenant quota in
// AUTHORIZE still applies). metrics may be nil to use [observe.DefaultMetrics].
func New(inner provider.Provider, cfg Config, quotaSvc *quota.Service, metrics *observe.Metrics) *Adapter {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = inner.ID()
	}
	if cfg.QuotaKey == "" {
		cfg.QuotaKey = inner.ID()
	}
	if cfg.QuotaEstimate <= 0 {
		cfg.QuotaEstimate = 1
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Adapter{
		inner:    inner,
		breaker:  NewCircuitBreaker(cfg.Breaker),
		quota:    quotaSvc,
		quotaKey: cfg.QuotaKey,
		quotaEst: cfg.QuotaEstimate,
		metrics:  metrics,
	}
}

// ID delegates to the wrapped provider.
func (a *Adapter) ID() string { return a.inner.ID() }

// Capabilities delegates to the wrapped provider.
func (a *Adapter) Capabilities() provider.Capabilities { return a.inner.Capabilities() }

// Supports delegates to the wrapped provider.
func (a *Adapter) Supports(modelID, tenantID string) bool {
	return a.inner.Supports(modelID, tenantID)
}

// Initialize delegates to the wrapped provider.
func (a *Adapter) Initialize(ctx context.Context, cfg provider.Config) error {
	return a.inner.Initialize(ctx, cfg)
}

// Shutdown delegates to the wrapped provider.
func (a *Adapter) Shutdown(ctx context.Context) error {
	return a.inner.Shutdown(ctx)
}

// BreakerState exposes the adapter's circuit breaker snapshot, used by the
// router to filter open-breaker candidates.
func (a *Adapter) BreakerState() execctx.CircuitBreakerState {
	return a.breaker.State()
}

// Health augments the wrapped provider's health probe with the breaker
// state: an OPEN breaker forces UNHEALTHY regardless of the probe result, so
// the router and the health surface agree on availability.
func (a *Adapter) Health(ctx context.Context) provider.Health {
	h := a.inner.Health(ctx)
	if a.breaker.State().State == execctx.BreakerOpen {
		return provider.Health{State: provider.StateUnhealthy, Detail: "circuit breaker open"}
	}
	return h
}

// gate performs the pre-call admission check (breaker Allow + quota
// Reserve), returning a *execctx.GatewayError describing the rejection when
// the call must not proceed, along with the reserved quota amount (0 if
// quota gating is disabled or reservation failed).
func (a *Adapter) gate(requestID string) (*execctx.GatewayError, int64) {
	if !a.breaker.Allow() {
		ge := execctx.NewError(execctx.KindProviderUnavailable, requestID, "circuit breaker is open")
		ge.ProviderID = a.inner.ID()
		return ge, 0
	}
	if a.quota == nil {
		return nil, 0
	}
	info, ok := a.quota.Reserve(a.quotaKey, a.quotaEst)
	if !ok {
		ge := execctx.NewError(execctx.KindQuotaExhausted, requestID, "provider quota exhausted")
		ge.ProviderID = a.inner.ID()
		ge.RetryAfter = time.Until(time.UnixMilli(info.ResetAtEpochMs))
		a.metrics.QuotaRejections.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("key_kind", "provider")))
		return ge, 0
	}
	return nil, a.quotaEst
}

// settle records the breaker and quota accounting for a completed call.
func (a *Adapter) settle(ctx context.Context, requestID string, reserved int64, actualUnits int64, callErr error) *execctx.GatewayError {
	var ge *execctx.GatewayError
	if callErr != nil {
		ge = Classify(requestID, a.inner.ID(), callErr)
	}

	providerFault := CountsTowardBreaker(ge)
	a.breaker.RecordResult(callErr == nil, providerFault)

	if a.quota != nil && reserved > 0 {
		a.quota.RecordUsage(a.quotaKey, reserved, actualUnits)
	}

	status := "ok"
	if callErr != nil {
		status = "error"
		a.metrics.RecordProviderError(ctx, a.inner.ID(), string(ge.Kind))
	}
	a.metrics.RecordProviderRequest(ctx, a.inner.ID(), "call", status)

	return ge
}

// Infer gates, delegates to, and accounts for a single non-streaming call.
func (a *Adapter) Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error) {
	start := time.Now()
	if ge, _ := a.gate(req.RequestID); ge != nil {
		return nil, ge
	}
	reserved := a.quotaEst
	if a.quota == nil {
		reserved = 0
	}

	resp, err := a.inner.Infer(ctx, req)

	actual := int64(0)
	if err == nil {
		actual = reserved
		if resp != nil {
			actual = int64(resp.TokensUsed)
			if actual <= 0 {
				actual = reserved
			}
		}
	}
	ge := a.settle(ctx, req.RequestID, reserved, actual, err)
	a.metrics.ProviderCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("provider", a.inner.ID()),
			attribute.String("kind", "infer"),
		))

	if err != nil {
		return nil, ge
	}
	return resp, nil
}

// Stream gates, delegates to, and accounts for a streaming call. Because a
// stream's token cost is only known once it finishes, quota usage is
// recorded against the initial reservation as soon as Stream returns; the
// adapter does not retroactively adjust for tokens observed mid-stream.
func (a *Adapter) Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error) {
	start := time.Now()
	if ge, _ := a.gate(req.RequestID); ge != nil {
		return nil, ge
	}
	reserved := a.quotaEst
	if a.quota == nil {
		reserved = 0
	}

	ch, err := a.inner.Stream(ctx, req)
	actual := int64(0)
	if err == nil {
		actual = reserved
	}
	ge := a.settle(ctx, req.RequestID, reserved, actual, err)
	a.metrics.ProviderCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("provider", a.inner.ID()),
			attribute.String("kind", "stream"),
		))

	if err != nil {
		return nil, ge
	}
	return ch, nil
}

var _ provider.Provider = (*Adapter)(nil)
