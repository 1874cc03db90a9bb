// Package local implements a provider.Provider that serves inference by
// exclusively borrowing a [runner.Runner] from a [runner.WarmPool] for the
// duration of each call, rather than holding a persistent connection to a
// remote vendor the way the internal/provider/remote implementations do.
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/runner"
)

// InferenceRunner is the capability a WarmPool-managed Runner must provide
// for Provider to serve calls through it. It embeds runner.Runner so that
// WarmPool.Acquire's return value can be type-asserted directly without the
// runner package itself knowing anything about execctx request/response
// shapes — that coupling lives here, at the domain edge.
type InferenceRunner interface {
	runner.Runner

	// Infer runs the request to completion against the already-loaded model.
	Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error)

	// Stream runs the request and returns incremental chunks. The returned
	// channel is closed by the runner once generation finishes or ctx is
	// cancelled.
	Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error)
}

// ModelMatcher reports whether a model/tenant pair is servable by a local
// runner configuration. Kept as a function value rather than a fixed prefix
// match so callers can wire in whatever model-registry lookup they need.
type ModelMatcher func(modelID, tenantID string) bool

// Config configures a Provider at construction time.
type Config struct {
	ID         string
	Manifest   string
	RunnerName string
	Caps       provider.Capabilities
	Matches    ModelMatcher
}

// Provider adapts a (manifest, runnerName) key in a WarmPool to the
// provider.Provider interface.
type Provider struct {
	id         string
	manifest   string
	runnerName string
	caps       provider.Capabilities
	matches    ModelMatcher
	pool       *runner.WarmPool

	mu    sync.RWMutex
	state provider.State

	shutdown atomic.Bool
}

// New creates a local Provider backed by pool. Initialize must be called
// before use.
func New(cfg Config, pool *runner.WarmPool) *Provider {
	return &Provider{
		id:         cfg.ID,
		manifest:   cfg.Manifest,
		runnerName: cfg.RunnerName,
		caps:       cfg.Caps,
		matches:    cfg.Matches,
		pool:       pool,
		state:      provider.StateUninitialized,
	}
}

func (p *Provider) ID() string                        { return p.id }
func (p *Provider) Capabilities() provider.Capabilities { return p.caps }

// Supports delegates to the configured ModelMatcher, or matches nothing if
// none was configured.
func (p *Provider) Supports(modelID, tenantID string) bool {
	if p.matches == nil {
		return false
	}
	return p.matches(modelID, tenantID)
}

// Initialize best-effort prewarms the runner so the first request doesn't
// pay the load cost; a prewarm failure does not fail Initialize, since the
// pool's load coalescing will retry the load on the first real Acquire.
func (p *Provider) Initialize(ctx context.Context, _ provider.Config) error {
	p.pool.Prewarm(ctx, [][2]string{{p.manifest, p.runnerName}})
	p.setState(provider.StateInitialized)
	return nil
}

// Infer borrows the runner for the call's lifetime and releases it on
// return, regardless of outcome.
func (p *Provider) Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error) {
	lease, err := p.pool.Acquire(ctx, p.manifest, p.runnerName)
	if err != nil {
		return nil, fmt.Errorf("local: acquire %s: %w", runner.Key(p.manifest, p.runnerName), err)
	}
	defer lease.Release()

	ir, ok := lease.Runner.(InferenceRunner)
	if !ok {
		return nil, fmt.Errorf("local: runner %q does not implement inference", lease.Runner.Key())
	}
	return ir.Infer(ctx, req)
}

// Stream borrows the runner and forwards chunks until the runner's stream
// closes, at which point the lease is released. Unlike Infer, the lease
// outlives the call itself and is released by the forwarding goroutine.
func (p *Provider) Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error) {
	lease, err := p.pool.Acquire(ctx, p.manifest, p.runnerName)
	if err != nil {
		return nil, fmt.Errorf("local: acquire %s: %w", runner.Key(p.manifest, p.runnerName), err)
	}

	ir, ok := lease.Runner.(InferenceRunner)
	if !ok {
		lease.Release()
		return nil, fmt.Errorf("local: runner %q does not implement streaming inference", lease.Runner.Key())
	}

	in, err := ir.Stream(ctx, req)
	if err != nil {
		lease.Release()
		return nil, err
	}

	out := make(chan execctx.StreamChunk)
	go func() {
		defer close(out)
		defer lease.Release()
		for chunk := range in {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Health reports INITIALIZED/SHUTDOWN based on local bookkeeping; it does
// not probe the runner itself since runners are loaded lazily on first use
// and a cold cache is not unhealthy.
func (p *Provider) Health(ctx context.Context) provider.Health {
	return provider.Health{State: p.getState()}
}

// Shutdown evicts the runner from the pool, closing it if currently cached.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	p.pool.Evict(runner.Key(p.manifest, p.runnerName))
	p.setState(provider.StateShutdown)
	return nil
}

func (p *Provider) setState(s provider.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Provider) getState() provider.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

var _ provider.Provider = (*Provider)(nil)
