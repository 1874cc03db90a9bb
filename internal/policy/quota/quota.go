// Package quota implements the AUTHORIZE-phase tenant quota plugin: it
// reserves against the tenant's windowed counter using the same
// [quota.Service] mechanism the provider adapter uses at provider
// granularity, keyed by tenant id instead of provider id.
package quota

import (
	"context"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/pipeline"
	quotasvc "github.com/inference-gateway/gateway/internal/quota"
)

// Plugin reserves tenant-scoped quota during AUTHORIZE.
type Plugin struct {
	pipeline.AlwaysExecute
	order    int
	service  *quotasvc.Service
	estimate int64
}

// New creates the tenant quota plugin. estimate is the unit cost charged
// per request when no better signal is available; non-positive values
// default to 1.
func New(order int, service *quotasvc.Service, estimate int64) *Plugin {
	if estimate <= 0 {
		estimate = 1
	}
	return &Plugin{order: order, service: service, estimate: estimate}
}

func (p *Plugin) ID() string           { return "policy.quota" }
func (p *Plugin) Phase() execctx.Phase { return execctx.PhaseAuthorize }
func (p *Plugin) Order() int           { return p.order }

// Execute reserves p.estimate units against the request's tenant, failing
// with QUOTA_EXHAUSTED if the tenant's window has no remaining capacity. On
// success the reserved amount is stashed under
// execctx.VarTenantQuotaReservation for a CLEANUP plugin to reconcile.
func (p *Plugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	info, ok := p.service.Reserve(ec.Request.TenantID, p.estimate)
	if !ok {
		ge := execctx.NewError(execctx.KindQuotaExhausted, ec.Request.RequestID, "tenant quota exhausted")
		ge.RetryAfter = time.Until(time.UnixMilli(info.ResetAtEpochMs))
		return ge
	}
	ec.SetVariable(execctx.VarTenantQuotaReservation, p.estimate)
	return nil
}

var _ pipeline.Plugin = (*Plugin)(nil)

// ReconcilePlugin is the CLEANUP-phase counterpart to Plugin: it settles the
// AUTHORIZE phase's tenant quota reservation against the units the request
// actually used, now that EXECUTE has produced a response (or failed).
// Mirrors the provider adapter's own reserve/settle split, applied at
// tenant rather than provider granularity.
type ReconcilePlugin struct {
	pipeline.AlwaysExecute
	order   int
	service *quotasvc.Service
}

// NewReconcile creates the tenant-quota CLEANUP plugin, sharing the same
// [quotasvc.Service] instance passed to New so reservations and usage land
// against the same counters.
func NewReconcile(order int, service *quotasvc.Service) *ReconcilePlugin {
	return &ReconcilePlugin{order: order, service: service}
}

func (p *ReconcilePlugin) ID() string           { return "policy.quota.reconcile" }
func (p *ReconcilePlugin) Phase() execctx.Phase { return execctx.PhaseCleanup }
func (p *ReconcilePlugin) Order() int           { return p.order }

// Execute reads the reservation stashed by Plugin and the response stashed
// by EXECUTE (if any), and records actual usage. When EXECUTE failed and no
// response exists, the full reservation is released back to the tenant's
// window. Errors here are CLEANUP warnings, not halting failures: a
// reconciliation problem must never mask a successful payload.
func (p *ReconcilePlugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	v, ok := ec.Variable(execctx.VarTenantQuotaReservation)
	if !ok {
		return nil
	}
	reserved, ok := v.(int64)
	if !ok || reserved <= 0 {
		return nil
	}

	actual := int64(0)
	if rv, ok := ec.Variable(execctx.VarResponse); ok {
		if resp, ok := rv.(*execctx.Response); ok && resp != nil && resp.TokensUsed > 0 {
			actual = int64(resp.TokensUsed)
		}
	}

	p.service.RecordUsage(ec.Request.TenantID, reserved, actual)
	return nil
}

var _ pipeline.Plugin = (*ReconcilePlugin)(nil)
