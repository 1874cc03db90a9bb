// Package app wires every gateway subsystem into a running process: the
// provider registry and the adapters wrapped around each configured
// provider, the router, the phased pipeline with its policy plugins, the
// orchestrator, and the health/metrics HTTP surface.
//
// New creates and connects all subsystems; Run serves the health/readiness
// endpoints until ctx is cancelled, then stops the HTTP server; Shutdown
// tears everything else down in dependency order (config watcher,
// providers, warm pool, model registry store, OTel exporters). The phased New/functional-option/ordered-shutdown
// shape follows the sibling voice-AI codebase this gateway was generalized
// from.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/inference-gateway/gateway/internal/config"
	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/health"
	"github.com/inference-gateway/gateway/internal/observe"
	"github.com/inference-gateway/gateway/internal/orchestrator"
	"github.com/inference-gateway/gateway/internal/pipeline"
	"github.com/inference-gateway/gateway/internal/policy/memoryinject"
	"github.com/inference-gateway/gateway/internal/policy/outputparser"
	policyquota "github.com/inference-gateway/gateway/internal/policy/quota"
	"github.com/inference-gateway/gateway/internal/policy/safety"
	"github.com/inference-gateway/gateway/internal/policy/sampling"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/provider/local"
	"github.com/inference-gateway/gateway/internal/provider/remote/anyllm"
	"github.com/inference-gateway/gateway/internal/provider/remote/openaicompat"
	"github.com/inference-gateway/gateway/internal/provider/remote/streaminghttp"
	"github.com/inference-gateway/gateway/internal/provideradapter"
	"github.com/inference-gateway/gateway/internal/quota"
	"github.com/inference-gateway/gateway/internal/registry"
	"github.com/inference-gateway/gateway/internal/registry/modelregistry"
	"github.com/inference-gateway/gateway/internal/router"
	"github.com/inference-gateway/gateway/internal/runner"
)

// App owns the full lifecycle of a running gateway process.
type App struct {
	cfg *config.Config

	Registry     *registry.Registry
	Router       *router.Router
	Pipeline     *pipeline.Pipeline
	Orchestrator *orchestrator.Orchestrator
	Health       *health.Handler
	Metrics      *observe.Metrics

	pool              *runner.WarmPool
	poolSweepInterval time.Duration
	tenantQuota       *quota.Service
	providerQuota *quota.Service
	modelStore    *modelregistry.Store
	watcher       *config.Watcher

	httpServer   *http.Server
	otelShutdown func(context.Context) error

	providers []provider.Provider
}

// Option customizes App construction, mirroring the functional-option
// pattern used throughout this codebase's constructors for injecting test
// doubles over fields that otherwise default from cfg.
type Option func(*options)

type options struct {
	clock        execctx.Clock
	cfgRegistry  *config.Registry
	runnerLoader runner.Loader
	memSources   []memoryinject.Source
	safetyTerms  []string
}

// WithClock overrides the time source used by the quota services, for
// deterministic tests.
func WithClock(clk execctx.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithProviderRegistry overrides the config-level factory registry (which
// maps (kind, name) to a provider constructor), for tests that supply fake
// providers instead of the built-in openaicompat/anyllm/streaminghttp/local
// factories.
func WithProviderRegistry(reg *config.Registry) Option {
	return func(o *options) { o.cfgRegistry = reg }
}

// WithRunnerLoader overrides the loader the warm pool uses to build local
// runners. Without this option, any local provider's first Acquire call
// fails: the concrete model runtime (GGUF/ONNX/PyTorch) is an external
// collaborator this package does not implement.
func WithRunnerLoader(loader runner.Loader) Option {
	return func(o *options) { o.runnerLoader = loader }
}

// WithMemorySources supplies the retrieval sources the memory-injection
// policy plugin fans out to during PRE_PROCESSING.
func WithMemorySources(sources ...memoryinject.Source) Option {
	return func(o *options) { o.memSources = sources }
}

// WithSafetyTerms overrides the blocked-term list used by the safety
// plugin. Without this option, no blocked patterns are configured and the
// plugin never rejects a request.
func WithSafetyTerms(terms ...string) Option {
	return func(o *options) { o.safetyTerms = terms }
}

// New builds every subsystem from cfg and returns a ready-to-Run App.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{clock: execctx.SystemClock}
	for _, opt := range opts {
		opt(o)
	}

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "inference-gateway"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry providers: %w", err)
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	tenantQuota := quota.New(quota.Limits{}, o.clock)
	for _, t := range cfg.Tenants {
		if t.Quota.DefaultLimit > 0 || t.Quota.DefaultWindow > 0 {
			tenantQuota.SetLimit(t.ID, t.Quota.DefaultLimit, t.Quota.DefaultWindow)
		}
	}

	providerQuota := quota.New(quota.Limits{}, o.clock)
	for _, p := range cfg.Providers {
		if p.Quota.DefaultLimit > 0 || p.Quota.DefaultWindow > 0 {
			providerQuota.SetLimit(p.ID, p.Quota.DefaultLimit, p.Quota.DefaultWindow)
		}
	}

	pool := buildWarmPool(cfg, o.runnerLoader)

	cfgReg := o.cfgRegistry
	if cfgReg == nil {
		cfgReg = config.NewRegistry()
		registerBuiltinFactories(cfgReg, pool)
	}

	bare, err := config.CreateAll(cfgReg, cfg.Providers)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	reg := registry.New()
	profiles := newProfileMap()
	for i, entry := range cfg.Providers {
		p := bare[i]
		if err := p.Initialize(ctx, providerConfigFromEntry(entry)); err != nil {
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("app: initialize provider %q: %w", entry.ID, err)
		}
		adapted := provideradapter.New(p, provideradapter.Config{
			Breaker:       circuitBreakerConfig(entry),
			QuotaKey:      entry.ID,
			QuotaEstimate: 1,
		}, providerQuota, metrics)
		reg.Register(adapted)
		profiles.set(entry.ID, router.ProviderProfile{
			Performance: entry.Profile.Performance,
			Cost:        entry.Profile.CostPerUnit,
			LatencyMs:   entry.Profile.LatencyMs,
			Reliability: entry.Profile.Reliability,
		})
	}

	rt := router.New(reg, profiles, tenantQuotaChecker{svc: tenantQuota}, router.Config{
		Weights: router.Weights{
			Performance: cfg.Routing.Weights.Performance,
			Cost:        cfg.Routing.Weights.Cost,
			Latency:     cfg.Routing.Weights.Latency,
			Reliability: cfg.Routing.Weights.Reliability,
		},
		Bounds:            defaultNormalizationBounds(),
		TenantPreferences: cfg.Routing.TenantPreferences,
	})

	pl := pipeline.New()
	registerPolicyPlugins(pl, o, tenantQuota)

	eng := execctx.NewEngineContext(reg, otel.GetMeterProvider(), otel.GetTracerProvider(), o.clock)

	orc := orchestrator.New(pl, rt, reg, eng, metrics, orchestrator.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	var modelStore *modelregistry.Store
	if cfg.ModelRegistry.PostgresDSN != "" {
		modelStore, err = modelregistry.NewStore(ctx, cfg.ModelRegistry.PostgresDSN, cfg.ModelRegistry.EmbeddingDimensions)
		if err != nil {
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("app: connect model registry: %w", err)
		}
	}

	healthHandler := health.New(buildCheckers(reg, modelStore)...)

	return &App{
		cfg:               cfg,
		Registry:          reg,
		Router:            rt,
		Pipeline:          pl,
		Orchestrator:      orc,
		Health:            healthHandler,
		Metrics:           metrics,
		pool:              pool,
		poolSweepInterval: poolSweepInterval(cfg),
		tenantQuota:       tenantQuota,
		providerQuota:     providerQuota,
		modelStore:        modelStore,
		otelShutdown:      otelShutdown,
		providers:         bare,
	}, nil
}

// WatchConfig starts polling path for changes, applying routing-weight
// changes live via applyConfigChange. Returns an error if the initial load
// fails.
func (a *App) WatchConfig(path string, interval time.Duration) error {
	w, err := config.NewWatcher(path, a.applyConfigChange, config.WithInterval(interval))
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// applyConfigChange is the config.Watcher callback: it diffs old vs new and
// applies whatever is safe to hot-reload (routing weights), logging the
// rest as requiring a restart.
func (a *App) applyConfigChange(oldCfg, newCfg *config.Config) {
	diff := config.Diff(oldCfg, newCfg)
	if diff.WeightsChanged {
		a.Router.SetWeights(router.Weights{
			Performance: diff.NewWeights.Performance,
			Cost:        diff.NewWeights.Cost,
			Latency:     diff.NewWeights.Latency,
			Reliability: diff.NewWeights.Reliability,
		})
		slog.Info("app: applied live routing weight change")
	}
	if diff.ProvidersChanged || diff.TenantsChanged {
		slog.Warn("app: provider or tenant set changed; restart required to apply",
			"providers", len(diff.ProviderChanges), "tenants", len(diff.TenantChanges))
	}
}

// Run serves the health/readiness/metrics HTTP surface on
// cfg.Server.ListenAddr until ctx is cancelled, then shuts the server down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.Metrics)(mux),
	}

	if a.pool != nil && a.poolSweepInterval > 0 {
		go a.sweepPoolPeriodically(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sweepPoolPeriodically drives the warm pool's idle-staleness eviction path
// (the third of the pool's three eviction paths alongside explicit evict and
// pool-pressure LRU eviction) until ctx is cancelled.
func (a *App) sweepPoolPeriodically(ctx context.Context) {
	ticker := time.NewTicker(a.poolSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := a.pool.SweepIdle(now); len(evicted) > 0 {
				slog.Info("app: swept idle warm pool runners", "count", len(evicted))
			}
		}
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Shutdown releases every resource App owns, in dependency order: the
// config watcher, every provider, the warm pool, the model registry
// connection pool, and finally the OTel exporters.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.watcher != nil {
		a.watcher.Stop()
	}

	for _, p := range a.providers {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.modelStore != nil {
		a.modelStore.Close()
	}

	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// tenantQuotaChecker adapts a tenant-granularity quota.Service into the
// router.QuotaChecker interface, which the router's filtering step calls
// per candidate but which only ever varies by tenant — providerID is
// ignored, since tenant quota and provider quota are two orthogonal gates.
type tenantQuotaChecker struct {
	svc *quota.Service
}

// Remaining returns the tenant's remaining quota, treating a configured
// limit of <= 0 as unlimited rather than exhausted: QuotaInfo.Remaining
// clamps Limit-Used at zero, which would read as "no quota left" for a
// tenant that was never given an explicit cap.
func (c tenantQuotaChecker) Remaining(tenantID, _ string) int64 {
	info := c.svc.Info(tenantID)
	if info.Limit <= 0 {
		return math.MaxInt64
	}
	return info.Remaining()
}

// profileMap is a simple router.ProfileSource backed by a map populated
// once at wiring time and never mutated afterward, so it needs no locking.
type profileMap struct {
	byID map[string]router.ProviderProfile
}

func newProfileMap() *profileMap {
	return &profileMap{byID: make(map[string]router.ProviderProfile)}
}

func (m *profileMap) set(id string, p router.ProviderProfile) { m.byID[id] = p }

func (m *profileMap) Profile(providerID string) (router.ProviderProfile, bool) {
	p, ok := m.byID[providerID]
	return p, ok
}

var _ router.ProfileSource = (*profileMap)(nil)

// defaultNormalizationBounds bounds the router's cost/latency normalization
// to a range wide enough for both cloud-vendor pricing and local-runner
// latencies; deployments with a narrower fleet still score sensibly since
// normalizeClamp degrades to a neutral 0.5 only when the bounds themselves
// are unconfigured, not simply when a value falls outside them.
func defaultNormalizationBounds() router.NormalizationBounds {
	return router.NormalizationBounds{
		CostMin:      0,
		CostMax:      0.1,
		LatencyMinMs: 50,
		LatencyMaxMs: 10_000,
	}
}

// registerPolicyPlugins registers the standard plugin set: safety at
// VALIDATE, tenant quota reservation at AUTHORIZE (reconciled at CLEANUP),
// sampling normalization and memory injection at PRE_PROCESSING, and
// tool-call extraction at POST_PROCESSING. ROUTE's plugin is registered
// separately by orchestrator.New.
func registerPolicyPlugins(pl *pipeline.Pipeline, o *options, tenantQuota *quota.Service) {
	pl.Register(safety.NewFromTerms(0, o.safetyTerms))
	pl.Register(policyquota.New(0, tenantQuota, 1))
	pl.Register(sampling.New(0, sampling.DefaultBounds()))
	pl.Register(memoryinject.New(10, o.memSources, 0))
	pl.Register(outputparser.New(0))
	pl.Register(policyquota.NewReconcile(0, tenantQuota))
}

// buildCheckers assembles the /readyz checks: the provider registry must
// have at least one provider registered, and, when a model registry is
// configured, its connection pool must answer a query.
func buildCheckers(reg *registry.Registry, store *modelregistry.Store) []health.Checker {
	checkers := []health.Checker{
		{
			Name: "providers",
			Check: func(ctx context.Context) error {
				if len(reg.All()) == 0 {
					return fmt.Errorf("no providers registered")
				}
				return nil
			},
		},
	}
	if store != nil {
		checkers = append(checkers, health.Checker{
			Name: "model_registry",
			Check: func(ctx context.Context) error {
				_, err := store.List(ctx, modelregistry.Filter{})
				return err
			},
		})
	}
	return checkers
}

// circuitBreakerConfig derives a provideradapter.CircuitBreakerConfig from a
// provider's configured breaker tuning.
func circuitBreakerConfig(entry config.ProviderConfig) provideradapter.CircuitBreakerConfig {
	return provideradapter.CircuitBreakerConfig{
		Name:             entry.ID,
		FailureThreshold: entry.Breaker.FailureThreshold,
		ResetTimeout:     entry.Breaker.Timeout,
	}
}

// providerConfigFromEntry builds the provider.Config map a Provider's
// Initialize receives, merging the entry's free-form Options with its
// typed local-runner fields.
func providerConfigFromEntry(entry config.ProviderConfig) provider.Config {
	cfg := provider.Config{}
	for k, v := range entry.Options {
		cfg[k] = v
	}
	cfg["device"] = entry.Device
	cfg["threads"] = entry.Threads
	cfg["base_path"] = entry.BasePath
	return cfg
}

// firstModel returns the first model id an entry declares support for. The
// concrete remote provider implementations each bind to exactly one model;
// a ProviderConfig listing more than one is only used by the registry's
// SupportingModel lookup to match candidates, with the first entry treated
// as this instance's primary, bound model.
func firstModel(entry config.ProviderConfig) string {
	if len(entry.Models) == 0 {
		return ""
	}
	return entry.Models[0]
}

// buildWarmPool constructs the single process-wide runner.WarmPool, sized
// from the first local provider's pool configuration found (every local
// provider instance shares one pool; per-provider pool tuning beyond the
// first is not supported). loader may be nil, in which case local
// providers fail on first Acquire until WithRunnerLoader supplies one.
func buildWarmPool(cfg *config.Config, loader runner.Loader) *runner.WarmPool {
	var maxSize int
	var idleTTL time.Duration
	for _, p := range cfg.Providers {
		if p.Kind == config.ProviderKindLocal {
			maxSize = p.Pool.MaxSize
			idleTTL = p.Pool.IdleTTL
			break
		}
	}
	if loader == nil {
		loader = unconfiguredLoader
	}
	return runner.New(loader, maxSize, idleTTL)
}

// poolSweepInterval derives how often Run's background goroutine calls
// WarmPool.SweepIdle from the same local-provider pool config buildWarmPool
// reads, so idleTTL actually evicts stale runners in the shipped binary
// instead of only being honored by tests that call SweepIdle directly. A
// quarter of idleTTL keeps eviction latency bounded without sweeping on
// every tick; idleTTL <= 0 disables sweeping, matching WarmPool's own
// "idleTTL <= 0 disables idle eviction" rule.
func poolSweepInterval(cfg *config.Config) time.Duration {
	for _, p := range cfg.Providers {
		if p.Kind == config.ProviderKindLocal && p.Pool.IdleTTL > 0 {
			interval := p.Pool.IdleTTL / 4
			if interval < time.Second {
				interval = time.Second
			}
			return interval
		}
	}
	return 0
}

// unconfiguredLoader is the default runner.Loader installed when no
// WithRunnerLoader option was supplied. It fails clearly rather than
// silently no-op'ing, since a local provider with no backing runtime is a
// configuration error, not a degraded-but-working state.
func unconfiguredLoader(_ context.Context, manifest, runnerName string) (runner.Runner, error) {
	return nil, fmt.Errorf("app: no runner loader configured for local provider (manifest=%s runner=%s); wire one with WithRunnerLoader", manifest, runnerName)
}

// registerBuiltinFactories registers the config.Registry factories backing
// every provider kind/name this gateway ships: the openai-go-backed
// openaicompat provider for "openai", the any-llm-go-backed anyllm
// provider for the other remote vendor names, a WebSocket streaminghttp
// provider for "streaminghttp", and the warm-pool-backed local provider for
// every local runtime name.
func registerBuiltinFactories(reg *config.Registry, pool *runner.WarmPool) {
	reg.Register(config.ProviderKindRemote, "openai", openaiCompatFactory)
	for _, vendor := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.Register(config.ProviderKindRemote, vendor, anyllmFactory(vendor))
	}
	reg.Register(config.ProviderKindRemote, "streaminghttp", streamingHTTPFactory)

	localFac := localFactory(pool)
	for _, rt := range []string{"llamacpp", "onnxruntime", "pytorch"} {
		reg.Register(config.ProviderKindLocal, rt, localFac)
	}
}

func openaiCompatFactory(entry config.ProviderConfig) (provider.Provider, error) {
	return openaicompat.New(openaicompat.Config{
		ID:      entry.ID,
		APIKey:  entry.APIKey,
		Model:   firstModel(entry),
		BaseURL: entry.BaseURL,
		Timeout: time.Duration(entry.TimeoutSeconds) * time.Second,
	})
}

func anyllmFactory(vendor string) config.Factory {
	return func(entry config.ProviderConfig) (provider.Provider, error) {
		return anyllm.New(entry.ID, vendor, firstModel(entry), anyllmOptions(entry)...)
	}
}

func anyllmOptions(entry config.ProviderConfig) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

func streamingHTTPFactory(entry config.ProviderConfig) (provider.Provider, error) {
	return streaminghttp.New(entry.ID, entry.BaseURL, firstModel(entry), provider.Capabilities{
		Streaming: true,
	})
}

func localFactory(pool *runner.WarmPool) config.Factory {
	return func(entry config.ProviderConfig) (provider.Provider, error) {
		models := append([]string(nil), entry.Models...)
		matcher := func(modelID, _ string) bool {
			for _, m := range models {
				if m == modelID {
					return true
				}
			}
			return false
		}
		return local.New(local.Config{
			ID:         entry.ID,
			Manifest:   entry.Manifest,
			RunnerName: entry.RunnerName,
			Caps:       provider.Capabilities{SupportedDevices: []string{entry.Device}},
			Matches:    matcher,
		}, pool), nil
	}
}
