package orchestrator

import (
	"context"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/observe"
	"github.com/inference-gateway/gateway/internal/pipeline"
	"github.com/inference-gateway/gateway/internal/router"
)

// routePlugin wraps a *router.Router as the ROUTE phase's sole plugin,
// running before PRE_PROCESSING so a request with no surviving candidate
// fails fast, ahead of any expensive prompt-assembly work.
type routePlugin struct {
	pipeline.AlwaysExecute
	order   int
	router  *router.Router
	metrics *observe.Metrics
}

func newRoutePlugin(order int, rt *router.Router, metrics *observe.Metrics) *routePlugin {
	return &routePlugin{order: order, router: rt, metrics: metrics}
}

func (p *routePlugin) ID() string           { return "orchestrator.route" }
func (p *routePlugin) Phase() execctx.Phase { return execctx.PhaseRoute }
func (p *routePlugin) Order() int           { return p.order }

// Execute runs the routing algorithm and stores the decision under
// execctx.VarRoutingDecision. A decision with no ProviderID fails the phase
// with KindProviderUnavailable, since EXECUTE has no candidate to try.
func (p *routePlugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	decision := p.router.Select(ec.Request)
	ec.SetVariable(execctx.VarRoutingDecision, &decision)

	if decision.ProviderID == "" {
		p.metrics.RouterUnavailable.Add(ctx, 1)
		return execctx.NewError(execctx.KindProviderUnavailable, ec.Request.RequestID,
			"no provider candidate available for model "+ec.Request.ModelID)
	}
	p.metrics.RecordRouterSelected(ctx, decision.ProviderID)
	return nil
}

var _ pipeline.Plugin = (*routePlugin)(nil)
