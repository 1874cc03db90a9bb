// Package orchestrator implements the single entry point that drives a
// request through VALIDATE, AUTHORIZE, ROUTE, PRE_PROCESSING, EXECUTE,
// POST_PROCESSING, and CLEANUP, owning request timeouts, EXECUTE-phase
// retries, and cancellation.
//
// New wires a caller-supplied [pipeline.Pipeline], [router.Router], and
// [registry.Registry] into a single request entry point, the way
// internal/app.New wires subsystems for the voice-AI sibling this package
// was generalized from. Where that App exposed a single blocking Run loop
// over a fixed set of NPC agents, Orchestrator exposes per-request entry
// points (Infer, Stream, SubmitAsync, Batch) matching the control plane's
// external interface instead, mirroring internal/engine.VoiceEngine.Process's
// "block until the synchronous part is done, let the rest stream after
// return" contract rather than App's long-lived Run.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/google/uuid"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/observe"
	"github.com/inference-gateway/gateway/internal/pipeline"
	"github.com/inference-gateway/gateway/internal/registry"
	"github.com/inference-gateway/gateway/internal/router"
)

// Config tunes the Orchestrator's timeout and retry behavior.
type Config struct {
	// RequestTimeout sets req.Deadline when the caller did not supply one.
	// Zero disables this default (requests then run until explicitly
	// cancelled or a provider call itself times out).
	RequestTimeout time.Duration

	// MaxAttempts bounds the EXECUTE-phase retry loop, counting the first
	// attempt. Must be >= 1; non-positive values default to 3.
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the exponential backoff applied
	// between EXECUTE retries. Non-positive values default to 100ms / 5s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// StreamBufferSize configures the bounded buffer for the streaming
	// emitter. Non-positive values default to 16.
	StreamBufferSize int

	// CleanupTimeout bounds CLEANUP's own context, independent of the
	// request's own (possibly already-expired) deadline, so CLEANUP can
	// still run even when the request deadline has passed. Non-positive
	// defaults to 5s.
	CleanupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = 16
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
	return c
}

// Orchestrator drives requests through the phased pipeline. The zero value
// is not usable; construct with New.
type Orchestrator struct {
	pipeline *pipeline.Pipeline
	router   *router.Router
	registry *registry.Registry
	engine   *execctx.EngineContext
	metrics  *observe.Metrics
	cfg      Config
	clock    execctx.Clock
	idGen    func() string

	jobs *jobStore

	batchesMu sync.RWMutex
	batches   map[string]batchRecord

	// active tracks in-flight request ids to reject collisions in admit.
	active sync.Map
}

// Option customizes an Orchestrator at construction time, mirroring
// internal/app.Option's pattern of injecting test doubles over fields that
// otherwise default from the constructor's arguments.
type Option func(*Orchestrator)

// WithClock overrides the Orchestrator's time source, used for deterministic
// deadline and backoff tests.
func WithClock(clk execctx.Clock) Option {
	return func(o *Orchestrator) { o.clock = clk }
}

// WithIDGenerator overrides request/job id generation, used for deterministic
// tests. The default generates RFC 4122 v4 UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.idGen = gen }
}

// New creates an Orchestrator. pl must not be nil; New registers the ROUTE
// phase's routing plugin on pl, so pl should not already have one.
func New(pl *pipeline.Pipeline, rt *router.Router, reg *registry.Registry, eng *execctx.EngineContext, metrics *observe.Metrics, cfg Config, opts ...Option) *Orchestrator {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	o := &Orchestrator{
		pipeline: pl,
		router:   rt,
		registry: reg,
		engine:   eng,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		clock:    execctx.SystemClock,
		idGen:    uuid.NewString,
		jobs:     newJobStore(),
	}
	for _, opt := range opts {
		opt(o)
	}
	pl.Register(newRoutePlugin(0, rt, metrics))
	return o
}

// admit validates and registers req for the lifetime of a single Infer/Stream
// call, assigning a request id and a default deadline when the caller left
// them unset, and rejecting a request id already in flight — a collision
// most often signals a retried façade call racing its own earlier attempt,
// which is rejected rather than silently served the wrong caller's result.
func (o *Orchestrator) admit(req *execctx.Request) (func(), error) {
	if req == nil {
		return nil, execctx.NewError(execctx.KindInvalidArgument, "", "request is nil")
	}
	if req.TenantID == "" {
		return nil, execctx.NewError(execctx.KindInvalidArgument, req.RequestID, "tenant id is required")
	}
	if req.ModelID == "" {
		return nil, execctx.NewError(execctx.KindInvalidArgument, req.RequestID, "model id is required")
	}
	if req.RequestID == "" {
		req.RequestID = o.idGen()
	}
	if o.cfg.RequestTimeout > 0 && req.Deadline.IsZero() {
		req.Deadline = o.clock.Now().Add(o.cfg.RequestTimeout)
	}
	if _, loaded := o.active.LoadOrStore(req.RequestID, struct{}{}); loaded {
		return nil, execctx.NewError(execctx.KindInvalidArgument, req.RequestID, "request id already in flight")
	}
	return func() { o.active.Delete(req.RequestID) }, nil
}

// Infer runs req synchronously through every phase and returns the final
// response, or the error that halted the pipeline.
func (o *Orchestrator) Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error) {
	release, err := o.admit(req)
	if err != nil {
		return nil, err
	}
	defer release()

	o.metrics.ActiveRequests.Add(ctx, 1)
	defer o.metrics.ActiveRequests.Add(ctx, -1)

	ec := execctx.NewExecutionContext(req, o.engine, o.clock)
	dctx, cancel := ec.Deadline(ctx)
	defer cancel()

	start := o.clock.Now()
	resp, runErr := o.runSync(dctx, ec)
	o.recordRequestMetrics(ctx, req, start, runErr)
	return resp, runErr
}

// runSync executes every phase through POST_PROCESSING, then runs CLEANUP
// unconditionally before returning.
func (o *Orchestrator) runSync(ctx context.Context, ec *execctx.ExecutionContext) (*execctx.Response, error) {
	resp, err := o.runPhasesThroughPost(ctx, ec)
	o.runCleanup(ctx, ec, classifyFinalStatus(err))
	return resp, err
}

func (o *Orchestrator) runPhasesThroughPost(ctx context.Context, ec *execctx.ExecutionContext) (*execctx.Response, error) {
	for _, phase := range []execctx.Phase{
		execctx.PhaseValidate,
		execctx.PhaseAuthorize,
		execctx.PhaseRoute,
		execctx.PhasePreProcessing,
	} {
		if err := o.pipeline.RunPhase(ctx, phase, ec, o.engine); err != nil {
			ec.SetError(err)
			return nil, err
		}
	}

	resp, err := o.executeWithRetry(ctx, ec)
	if err != nil {
		ec.SetError(err)
		return nil, err
	}

	if err := o.pipeline.RunPhase(ctx, execctx.PhasePostProcessing, ec, o.engine); err != nil {
		ec.SetError(err)
		return nil, err
	}
	if v, ok := ec.Variable(execctx.VarResponse); ok {
		if r, ok := v.(*execctx.Response); ok {
			resp = r
		}
	}
	return resp, nil
}

// runCleanup runs the CLEANUP phase with its own bounded context so a
// request's (possibly already-expired) deadline never prevents quota
// reconciliation and resource release, then stamps the execution's terminal
// status.
func (o *Orchestrator) runCleanup(ctx context.Context, ec *execctx.ExecutionContext, finalStatus execctx.Status) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()
	if err := o.pipeline.RunPhase(cctx, execctx.PhaseCleanup, ec, o.engine); err != nil {
		ec.AddCleanupWarning(err.Error())
	}
	ec.Transition(execctx.PhaseCleanup, finalStatus)
}

// classifyFinalStatus maps a pipeline error (or nil) onto a terminal
// execctx.Status.
func classifyFinalStatus(err error) execctx.Status {
	if err == nil {
		return execctx.StatusSucceeded
	}
	var ge *execctx.GatewayError
	if errors.As(err, &ge) && ge.Kind == execctx.KindCancelled {
		return execctx.StatusCancelled
	}
	if errors.Is(err, context.Canceled) {
		return execctx.StatusCancelled
	}
	return execctx.StatusFailed
}

// recordRequestMetrics records the end-to-end request duration and outcome
// counter.
func (o *Orchestrator) recordRequestMetrics(ctx context.Context, req *execctx.Request, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RequestDuration.Record(ctx, o.clock.Now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("model", req.ModelID)))
	o.metrics.RequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status), attribute.String("model", req.ModelID)))
}

// effectiveRequest returns req with Messages replaced by the memory-injection
// plugin's output, if any was stored under execctx.VarEffectiveMessages.
func (o *Orchestrator) effectiveRequest(ec *execctx.ExecutionContext) *execctx.Request {
	req := ec.Request
	if v, ok := ec.Variable(execctx.VarEffectiveMessages); ok {
		if msgs, ok := v.([]execctx.Message); ok {
			clone := *req
			clone.Messages = msgs
			return &clone
		}
	}
	return req
}
