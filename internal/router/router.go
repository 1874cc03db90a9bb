// Package router implements the Router component: given a request's model
// and tenant, it asks the provider registry for supporting candidates,
// filters out unavailable ones (open circuit breaker, exhausted
// tenant quota), scores the survivors on a weighted blend of normalized
// performance, cost, latency, and reliability, applies a tenant preference
// multiplier, and returns the winner.
//
// The weighted-heuristic-under-a-mutex shape follows
// internal/mcp/tier.Selector's functional-options constructor and
// RWMutex-guarded tunables, generalized from a single text-classification
// heuristic to a multi-factor provider score.
package router

import (
	"sync"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// Weights are the scoring coefficients: performance, cost, latency, and
// reliability. They should sum to 1; [New] normalizes them defensively if
// they do not.
type Weights struct {
	Performance float64
	Cost        float64
	Latency     float64
	Reliability float64
}

// defaultWeights gives every factor equal weight.
var defaultWeights = Weights{Performance: 0.25, Cost: 0.25, Latency: 0.25, Reliability: 0.25}

// normalized returns w scaled so its components sum to 1, or defaultWeights
// if all components are zero.
func (w Weights) normalized() Weights {
	total := w.Performance + w.Cost + w.Latency + w.Reliability
	if total <= 0 {
		return defaultWeights
	}
	return Weights{
		Performance: w.Performance / total,
		Cost:        w.Cost / total,
		Latency:     w.Latency / total,
		Reliability: w.Reliability / total,
	}
}

// NormalizationBounds configures the raw-value ranges used to normalize cost
// and latency into [0,1] before scoring. Values outside the bounds clamp.
type NormalizationBounds struct {
	CostMin, CostMax           float64
	LatencyMinMs, LatencyMaxMs float64
}

// ProviderProfile is the scoring input for one provider: a mix of
// already-normalized and raw metrics.
type ProviderProfile struct {
	// Performance is a pre-normalized score in [0,1] (e.g. a benchmark or
	// quality rating); values outside the range clamp.
	Performance float64

	// Cost is the raw per-call or per-token cost, normalized via
	// NormalizationBounds before scoring (lower is better).
	Cost float64

	// LatencyMs is the raw observed or configured latency in milliseconds,
	// normalized via NormalizationBounds before scoring (lower is better).
	LatencyMs float64

	// Reliability is a pre-normalized score in [0,1] (e.g. recent success
	// rate); values outside the range clamp.
	Reliability float64
}

// ProfileSource supplies the scoring profile for a provider id.
type ProfileSource interface {
	Profile(providerID string) (ProviderProfile, bool)
}

// CandidateSource supplies the set of providers registered for a model and a
// way to look one up by id, satisfied by *registry.Registry.
type CandidateSource interface {
	SupportingModel(modelID, tenantID string) []string
	Lookup(id string) (any, bool)
}

// BreakerAware is implemented by providers that expose their circuit
// breaker's state (notably *provideradapter.Adapter), letting the Router
// filter out OPEN-breaker candidates without importing provideradapter
// directly.
type BreakerAware interface {
	BreakerState() execctx.CircuitBreakerState
}

// QuotaChecker reports the remaining tenant-scoped quota for a provider. A
// nil QuotaChecker disables this filtering step.
type QuotaChecker interface {
	Remaining(tenantID, providerID string) int64
}

// Config configures a [Router].
type Config struct {
	Weights Weights
	Bounds  NormalizationBounds

	// TenantPreferences maps tenantID -> providerID -> multiplier, applied
	// to a candidate's score after the weighted sum. Absent entries default
	// to a multiplier of 1.
	TenantPreferences map[string]map[string]float64
}

// Router selects a provider for a request. Safe for concurrent use.
type Router struct {
	candidates CandidateSource
	profiles   ProfileSource
	quota      QuotaChecker

	bounds NormalizationBounds

	mu          sync.RWMutex
	weights     Weights
	tenantPrefs map[string]map[string]float64
}

// New creates a Router. quota may be nil to disable tenant-quota filtering
// (the AUTHORIZE phase's tenant-level gate still applies upstream).
func New(candidates CandidateSource, profiles ProfileSource, quota QuotaChecker, cfg Config) *Router {
	prefs := make(map[string]map[string]float64, len(cfg.TenantPreferences))
	for tenant, byProvider := range cfg.TenantPreferences {
		inner := make(map[string]float64, len(byProvider))
		for provider, mult := range byProvider {
			inner[provider] = mult
		}
		prefs[tenant] = inner
	}
	return &Router{
		candidates:  candidates,
		profiles:    profiles,
		quota:       quota,
		weights:     cfg.Weights.normalized(),
		bounds:      cfg.Bounds,
		tenantPrefs: prefs,
	}
}

// SetWeights replaces the scoring weights in place, normalizing them first.
// Used by config hot-reload to apply a routing-weight change without
// restarting the process.
func (r *Router) SetWeights(w Weights) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weights = w.normalized()
}

// weightsSnapshot returns the current weights under the read lock.
func (r *Router) weightsSnapshot() Weights {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weights
}

// SetTenantPreference overrides the score multiplier applied for providerID
// when routing on behalf of tenantID.
func (r *Router) SetTenantPreference(tenantID, providerID string, multiplier float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byProvider, ok := r.tenantPrefs[tenantID]
	if !ok {
		byProvider = make(map[string]float64)
		r.tenantPrefs[tenantID] = byProvider
	}
	byProvider[providerID] = multiplier
}

// tenantPreference returns the configured multiplier for (tenantID,
// providerID), defaulting to 1.
func (r *Router) tenantPreference(tenantID, providerID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byProvider, ok := r.tenantPrefs[tenantID]; ok {
		if mult, ok := byProvider[providerID]; ok {
			return mult
		}
	}
	return 1
}

// Select runs the full candidate-filter-and-score algorithm and returns a
// RoutingDecision. It never returns an error: when no candidate survives
// filtering, the decision's
// ProviderID is empty and Candidates still lists every provider that
// initially supported the model, so callers can distinguish "no support" from
// "all filtered".
func (r *Router) Select(req *execctx.Request) execctx.RoutingDecision {
	candidateIDs := r.candidates.SupportingModel(req.ModelID, req.TenantID)

	decision := execctx.RoutingDecision{
		ModelID:    req.ModelID,
		RequestID:  req.RequestID,
		Candidates: candidateIDs,
		Timestamp:  time.Now(),
	}

	best := ""
	bestScore := -1.0

	for _, id := range candidateIDs {
		v, ok := r.candidates.Lookup(id)
		if !ok {
			continue
		}
		if ba, ok := v.(BreakerAware); ok {
			if ba.BreakerState().State == execctx.BreakerOpen {
				continue
			}
		}
		if r.quota != nil && r.quota.Remaining(req.TenantID, id) <= 0 {
			continue
		}

		score := r.score(req.TenantID, id)
		// candidateIDs is sorted ascending (registry.SupportingModel's
		// contract), so a strict > here keeps the lexicographically
		// smallest id on ties for deterministic selection.
		if score > bestScore {
			bestScore = score
			best = id
		}
	}

	if best != "" {
		decision.ProviderID = best
		decision.Score = bestScore
	}
	return decision
}

// score computes the weighted blend of a provider's normalized factors,
// scaled by the tenant's preference multiplier.
func (r *Router) score(tenantID, providerID string) float64 {
	profile, ok := r.profiles.Profile(providerID)
	if !ok {
		profile = ProviderProfile{}
	}

	perf := clamp01(profile.Performance)
	cost := 1 - normalizeClamp(profile.Cost, r.bounds.CostMin, r.bounds.CostMax)
	latency := 1 - normalizeClamp(profile.LatencyMs, r.bounds.LatencyMinMs, r.bounds.LatencyMaxMs)
	reliability := clamp01(profile.Reliability)

	weights := r.weightsSnapshot()
	score := weights.Performance*perf +
		weights.Cost*cost +
		weights.Latency*latency +
		weights.Reliability*reliability

	return score * r.tenantPreference(tenantID, providerID)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// normalizeClamp maps v into [0,1] given [min,max], clamping out-of-range
// values. When max <= min the bounds are unconfigured; normalizeClamp then
// returns a neutral 0.5 rather than dividing by zero.
func normalizeClamp(v, min, max float64) float64 {
	if max <= min {
		return 0.5
	}
	return clamp01((v - min) / (max - min))
}
