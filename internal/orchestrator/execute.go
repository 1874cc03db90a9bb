package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/streaming"
)

// selectAndCheckout re-runs routing and checks out the winning provider. It
// is called once per EXECUTE attempt (not just once per request) so that a
// breaker tripped by a failed attempt naturally excludes that provider from
// the next try, per the resolution of Open Question #3: retries re-route
// rather than blindly re-calling the same candidate.
func (o *Orchestrator) selectAndCheckout(ec *execctx.ExecutionContext) (provider.Provider, execctx.RoutingDecision, error) {
	decision := o.router.Select(ec.Request)
	if decision.ProviderID == "" {
		return nil, decision, execctx.NewError(execctx.KindProviderUnavailable, ec.Request.RequestID,
			"no provider candidate available for model "+ec.Request.ModelID)
	}
	p, err := o.registry.Checkout(decision.ProviderID)
	if err != nil {
		ge := execctx.NewError(execctx.KindProviderUnavailable, ec.Request.RequestID, "selected provider vanished from registry")
		ge.ProviderID = decision.ProviderID
		ge.Cause = err
		return nil, decision, ge
	}
	return p, decision, nil
}

// retryable reports whether err (expected to be, or wrap, a *GatewayError)
// should be retried with a fresh provider selection.
func retryable(err error) bool {
	var ge *execctx.GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// nextBackoff doubles d, capped at max, and jitters by up to 20% so a burst
// of simultaneously-failing requests does not retry in lockstep.
func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d + jitter
}

// sleepBackoff waits d or returns ctx.Err() if ctx is cancelled first, so a
// long retry backoff never outlives the caller's cancellation.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeWithRetry drives the EXECUTE phase's retry loop for a synchronous
// (non-streaming) call: select, checkout, call, release, and on a retryable
// failure back off and try again with a fresh routing decision.
func (o *Orchestrator) executeWithRetry(ctx context.Context, ec *execctx.ExecutionContext) (*execctx.Response, error) {
	ec.Transition(execctx.PhaseExecute, execctx.StatusRunning)
	req := o.effectiveRequest(ec)

	backoff := o.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		ec.IncrementAttempt()

		if err := ctx.Err(); err != nil {
			return nil, execctx.NewError(execctx.KindCancelled, ec.Request.RequestID, "execution cancelled before attempt")
		}

		p, decision, err := o.selectAndCheckout(ec)
		if err != nil {
			lastErr = err
			if !retryable(err) || attempt == o.cfg.MaxAttempts {
				break
			}
			if sleepErr := sleepBackoff(ctx, backoff); sleepErr != nil {
				lastErr = execctx.NewError(execctx.KindCancelled, ec.Request.RequestID, "execution cancelled during retry backoff")
				break
			}
			backoff = nextBackoff(backoff, o.cfg.MaxBackoff)
			continue
		}

		start := o.clock.Now()
		resp, callErr := p.Infer(ctx, req)
		o.registry.ReleaseCheckout(decision.ProviderID, p)
		o.metrics.ProviderCallDuration.Record(ctx, o.clock.Now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", decision.ProviderID), attribute.String("kind", "infer")))

		if callErr == nil {
			resp.RequestID = ec.Request.RequestID
			ec.SetVariable(execctx.VarResponse, resp)
			return resp, nil
		}

		lastErr = callErr
		if !retryable(callErr) || attempt == o.cfg.MaxAttempts {
			break
		}

		o.metrics.RetryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", decision.ProviderID)))
		if err := sleepBackoff(ctx, backoff); err != nil {
			lastErr = execctx.NewError(execctx.KindCancelled, ec.Request.RequestID, "execution cancelled during retry backoff")
			break
		}
		backoff = nextBackoff(backoff, o.cfg.MaxBackoff)
	}

	if lastErr == nil {
		lastErr = execctx.NewError(execctx.KindInternal, ec.Request.RequestID, "execute loop exited without a result")
	}
	return nil, lastErr
}

// Stream runs VALIDATE through PRE_PROCESSING synchronously, opens a
// provider stream (retrying only the connection-opening call, per the
// resolution of Open Question #3 — fallback never re-enters an already-open
// stream), and returns a channel of chunks that continues delivering after
// Stream itself returns. POST_PROCESSING and CLEANUP run in the background
// once the provider's channel closes.
func (o *Orchestrator) Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error) {
	release, err := o.admit(req)
	if err != nil {
		return nil, err
	}

	o.metrics.ActiveRequests.Add(ctx, 1)

	ec := execctx.NewExecutionContext(req, o.engine, o.clock)
	dctx, cancel := ec.Deadline(ctx)

	cleanupOnErr := func(err error) {
		ec.SetError(err)
		o.runCleanup(dctx, ec, classifyFinalStatus(err))
		cancel()
		o.metrics.ActiveRequests.Add(ctx, -1)
		release()
	}

	for _, phase := range []execctx.Phase{
		execctx.PhaseValidate,
		execctx.PhaseAuthorize,
		execctx.PhaseRoute,
		execctx.PhasePreProcessing,
	} {
		if err := o.pipeline.RunPhase(dctx, phase, ec, o.engine); err != nil {
			cleanupOnErr(err)
			return nil, err
		}
	}

	p, decision, ch, streamErr := o.openProviderStreamWithRetry(dctx, ec)
	if streamErr != nil {
		cleanupOnErr(streamErr)
		return nil, streamErr
	}

	emitter := streaming.NewEmitter(req.RequestID, o.cfg.StreamBufferSize)
	go o.driveStream(dctx, ec, p, decision.ProviderID, ch, emitter, cancel, release)

	return emitter.Chunks(), nil
}

// openProviderStreamWithRetry retries only the connection-opening Stream
// call across fresh routing decisions; once a channel is returned, the loop
// stops — an in-progress stream is never switched to another provider.
func (o *Orchestrator) openProviderStreamWithRetry(ctx context.Context, ec *execctx.ExecutionContext) (provider.Provider, execctx.RoutingDecision, <-chan execctx.StreamChunk, error) {
	req := o.effectiveRequest(ec)
	backoff := o.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		ec.IncrementAttempt()

		p, decision, err := o.selectAndCheckout(ec)
		if err != nil {
			lastErr = err
			if !retryable(err) || attempt == o.cfg.MaxAttempts {
				break
			}
			if sleepErr := sleepBackoff(ctx, backoff); sleepErr != nil {
				lastErr = execctx.NewError(execctx.KindCancelled, ec.Request.RequestID, "execution cancelled during retry backoff")
				break
			}
			backoff = nextBackoff(backoff, o.cfg.MaxBackoff)
			continue
		}

		ch, err := p.Stream(ctx, req)
		if err == nil {
			return p, decision, ch, nil
		}
		o.registry.ReleaseCheckout(decision.ProviderID, p)

		lastErr = err
		if !retryable(err) || attempt == o.cfg.MaxAttempts {
			break
		}
		o.metrics.RetryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", decision.ProviderID)))
		if sleepErr := sleepBackoff(ctx, backoff); sleepErr != nil {
			lastErr = execctx.NewError(execctx.KindCancelled, ec.Request.RequestID, "execution cancelled during retry backoff")
			break
		}
		backoff = nextBackoff(backoff, o.cfg.MaxBackoff)
	}
	return nil, execctx.RoutingDecision{}, nil, lastErr
}

// driveStream forwards the provider's chunks to emitter, finalizes a
// synthesized Response for POST_PROCESSING once the provider's channel
// closes, and runs CLEANUP unconditionally. It owns release of the
// provider checkout and the request's admission slot.
func (o *Orchestrator) driveStream(ctx context.Context, ec *execctx.ExecutionContext, p provider.Provider, providerID string, providerCh <-chan execctx.StreamChunk, emitter *streaming.Emitter, cancel context.CancelFunc, release func()) {
	defer cancel()
	defer release()
	defer o.metrics.ActiveRequests.Add(context.Background(), -1)
	defer o.registry.ReleaseCheckout(providerID, p)

	var content string
	var finalDelta string
	var toolCalls []execctx.ToolCall
	var streamErr error
	sawFinal := false

	for chunk := range providerCh {
		if chunk.IsFinal {
			finalDelta = chunk.Delta
			toolCalls = chunk.ToolCalls
			content += chunk.Delta
			sawFinal = true
			continue
		}
		content += chunk.Delta
		if !emitter.Emit(ctx, chunk.Delta) {
			streamErr = ctx.Err()
			break
		}
	}

	if streamErr != nil {
		ec.SetError(streamErr)
		emitter.Fail(streamErr)
		o.runCleanup(ctx, ec, classifyFinalStatus(streamErr))
		return
	}
	if !sawFinal {
		// The provider closed its channel without a terminal chunk — treat as
		// an incomplete stream rather than silently reporting success.
		streamErr = execctx.NewError(execctx.KindProviderTransient, ec.Request.RequestID, "provider closed stream without a final chunk")
		ec.SetError(streamErr)
		emitter.Fail(streamErr)
		o.runCleanup(ctx, ec, classifyFinalStatus(streamErr))
		return
	}

	resp := &execctx.Response{
		RequestID: ec.Request.RequestID,
		Model:     ec.Request.ModelID,
		Content:   content,
		ToolCalls: toolCalls,
	}
	ec.SetVariable(execctx.VarResponse, resp)

	if err := o.pipeline.RunPhase(ctx, execctx.PhasePostProcessing, ec, o.engine); err != nil {
		// Chunks already delivered to the consumer cannot be retracted; a
		// POST_PROCESSING failure here becomes a CLEANUP warning, not a
		// stream failure.
		ec.AddCleanupWarning(err.Error())
	}

	emitter.FinishWithToolCalls(ctx, finalDelta, toolCalls)
	o.runCleanup(ctx, ec, execctx.StatusSucceeded)
}
