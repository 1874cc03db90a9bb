// Package observe provides application-wide observability primitives for
// the inference gateway: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/inference-gateway/gateway"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RequestDuration tracks end-to-end Orchestrator.Infer/Stream latency.
	RequestDuration metric.Float64Histogram

	// PhaseDuration tracks per-phase pipeline latency. Use with attribute:
	//   attribute.String("phase", ...)
	PhaseDuration metric.Float64Histogram

	// ProviderCallDuration tracks a single provider RPC's latency. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderCallDuration metric.Float64Histogram

	// RunnerLoadDuration tracks local runner load latency in the warm pool.
	RunnerLoadDuration metric.Float64Histogram

	// --- Counters ---

	// RequestsTotal counts completed requests. Use with attributes:
	//   attribute.String("status", ...), attribute.String("model", ...)
	RequestsTotal metric.Int64Counter

	// RouterSelected counts routing decisions by selected provider. Use with
	// attribute:
	//   attribute.String("provider", ...)
	RouterSelected metric.Int64Counter

	// RouterUnavailable counts requests for which no provider candidate
	// survived filtering.
	RouterUnavailable metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// BreakerTransitions counts circuit breaker state transitions. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("to_state", ...)
	BreakerTransitions metric.Int64Counter

	// QuotaRejections counts quota-exhausted rejections. Use with attribute:
	//   attribute.String("key_kind", ...)
	QuotaRejections metric.Int64Counter

	// RetryAttempts counts EXECUTE-phase retries. Use with attribute:
	//   attribute.String("provider", ...)
	RetryAttempts metric.Int64Counter

	// RunnerCacheHits / RunnerCacheMisses count warm pool lookups.
	RunnerCacheHits   metric.Int64Counter
	RunnerCacheMisses metric.Int64Counter

	// StreamChunksEmitted counts chunks emitted by the streaming emitter.
	StreamChunksEmitted metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks the number of requests currently in flight.
	ActiveRequests metric.Int64UpDownCounter

	// WarmPoolSize tracks the current number of cached runners.
	WarmPoolSize metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// inference-pipeline latencies, from sub-10ms phase overhead up to
// multi-minute batch calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("gateway.request.duration",
		metric.WithDescription("End-to-end inference request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PhaseDuration, err = m.Float64Histogram("gateway.phase.duration",
		metric.WithDescription("Per-phase pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderCallDuration, err = m.Float64Histogram("gateway.provider.call.duration",
		metric.WithDescription("Latency of a single provider RPC."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RunnerLoadDuration, err = m.Float64Histogram("gateway.runner.load.duration",
		metric.WithDescription("Local runner load latency in the warm pool."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RequestsTotal, err = m.Int64Counter("gateway.requests.total",
		metric.WithDescription("Total completed requests by status and model."),
	); err != nil {
		return nil, err
	}
	if met.RouterSelected, err = m.Int64Counter("gateway.router.selected",
		metric.WithDescription("Total routing decisions by selected provider."),
	); err != nil {
		return nil, err
	}
	if met.RouterUnavailable, err = m.Int64Counter("gateway.router.unavailable",
		metric.WithDescription("Total routing decisions with no surviving candidate."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("gateway.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("gateway.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("gateway.quota.rejections",
		metric.WithDescription("Total quota-exhausted rejections by key kind."),
	); err != nil {
		return nil, err
	}
	if met.RetryAttempts, err = m.Int64Counter("gateway.retry.attempts",
		metric.WithDescription("Total EXECUTE-phase retries by provider."),
	); err != nil {
		return nil, err
	}
	if met.RunnerCacheHits, err = m.Int64Counter("gateway.runner.cache.hits",
		metric.WithDescription("Total warm pool cache hits."),
	); err != nil {
		return nil, err
	}
	if met.RunnerCacheMisses, err = m.Int64Counter("gateway.runner.cache.misses",
		metric.WithDescription("Total warm pool cache misses (loads triggered)."),
	); err != nil {
		return nil, err
	}
	if met.StreamChunksEmitted, err = m.Int64Counter("gateway.stream.chunks",
		metric.WithDescription("Total stream chunks emitted."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("gateway.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRequests, err = m.Int64UpDownCounter("gateway.active_requests",
		metric.WithDescription("Number of requests currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.WarmPoolSize, err = m.Int64UpDownCounter("gateway.warm_pool.size",
		metric.WithDescription("Number of runners currently cached in the warm pool."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("gateway.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition is a convenience method that records a circuit
// breaker state transition.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, toState string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to_state", toState),
		),
	)
}

// RecordRouterSelected is a convenience method that records a successful
// routing decision.
func (m *Metrics) RecordRouterSelected(ctx context.Context, providerID string) {
	m.RouterSelected.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerID)))
}
