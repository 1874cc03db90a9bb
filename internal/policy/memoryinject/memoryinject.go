// Package memoryinject implements the PRE_PROCESSING memory/context
// injection plugin: it concurrently queries a set of retrieval sources,
// combines their results into context messages bounded by
// maxInjectedTokens, and prepends them ahead of the request's own messages.
//
// The concurrent-fan-out-then-combine shape follows
// internal/hotctx.Assembler.Assemble's errgroup.WithContext pattern,
// generalized from three fixed hot-context sources to an arbitrary,
// configurable list of [Source] values.
package memoryinject

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/pipeline"
)

// Retrieved is one piece of context a Source contributes.
type Retrieved struct {
	Text           string
	EstimateTokens int
}

// Source supplies retrieved context for a request, e.g. a vector store or
// knowledge graph lookup. Implementations must be safe for concurrent use.
type Source interface {
	// Name identifies the source in error messages.
	Name() string

	// Retrieve returns context relevant to the request, or an empty slice
	// if none applies.
	Retrieve(ctx context.Context, req *execctx.Request) ([]Retrieved, error)
}

// Plugin concurrently queries every configured Source and injects the
// combined, token-bounded result as a leading system message.
type Plugin struct {
	pipeline.AlwaysExecute
	order             int
	sources           []Source
	maxInjectedTokens int
}

// New creates the memory-injection plugin. maxInjectedTokens bounds the
// total estimated size of injected context; <= 0 means unbounded.
func New(order int, sources []Source, maxInjectedTokens int) *Plugin {
	return &Plugin{
		order:            order,
		sources:          append([]Source(nil), sources...),
		maxInjectedTokens: maxInjectedTokens,
	}
}

func (p *Plugin) ID() string           { return "policy.memoryinject" }
func (p *Plugin) Phase() execctx.Phase { return execctx.PhasePreProcessing }
func (p *Plugin) Order() int           { return p.order }

// ShouldExecute skips injection entirely when no sources are configured.
func (p *Plugin) ShouldExecute(ec *execctx.ExecutionContext) bool {
	return len(p.sources) > 0
}

// Execute fans out Retrieve calls to every source concurrently, combines
// and truncates the results to maxInjectedTokens, and stores the effective
// message list (injected context + the request's own messages) under
// execctx.VarEffectiveMessages.
func (p *Plugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	results := make([][]Retrieved, len(p.sources))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, src := range p.sources {
		i, src := i, src
		eg.Go(func() error {
			r, err := src.Retrieve(egCtx, ec.Request)
			if err != nil {
				return fmt.Errorf("memory injection: source %q: %w", src.Name(), err)
			}
			results[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		ge := execctx.NewError(execctx.KindInternal, ec.Request.RequestID, err.Error())
		ge.Cause = err
		return ge
	}

	var combined []Retrieved
	bounded := p.maxInjectedTokens > 0
	budget := p.maxInjectedTokens
	for _, perSource := range results {
		for _, r := range perSource {
			if bounded && r.EstimateTokens > budget {
				continue
			}
			combined = append(combined, r)
			if bounded {
				budget -= r.EstimateTokens
			}
		}
	}

	if len(combined) == 0 {
		return nil
	}

	var injected string
	for i, r := range combined {
		if i > 0 {
			injected += "\n\n"
		}
		injected += r.Text
	}

	effective := make([]execctx.Message, 0, len(ec.Request.Messages)+1)
	effective = append(effective, execctx.Message{Role: execctx.RoleSystem, Content: injected})
	effective = append(effective, ec.Request.Messages...)
	ec.SetVariable(execctx.VarEffectiveMessages, effective)
	return nil
}

var _ pipeline.Plugin = (*Plugin)(nil)
