package execctx

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Clock abstracts time so tests can control quota windows and breaker
// timeouts deterministically.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default production Clock.
var SystemClock Clock = systemClock{}

// EngineContext is the process-wide, read-only handle exposed to plugins and
// providers. It lives for the duration of the gateway process and is shared
// by every ExecutionContext; nothing in it may be mutated through this
// handle — registration/config changes go through their owning component's
// own API (e.g. the provider registry's Register/Unregister).
type EngineContext struct {
	Registry ProviderLookup
	Meter    metric.MeterProvider
	Tracer   trace.TracerProvider
	Clock    Clock
}

// ProviderLookup is the narrow slice of ProviderRegistry that execctx
// consumers need, avoiding an import cycle between execctx and registry.
type ProviderLookup interface {
	Lookup(providerID string) (any, bool)
}

// NewEngineContext builds an EngineContext, defaulting Clock to SystemClock
// when unset.
func NewEngineContext(reg ProviderLookup, mp metric.MeterProvider, tp trace.TracerProvider, clk Clock) *EngineContext {
	if clk == nil {
		clk = SystemClock
	}
	return &EngineContext{Registry: reg, Meter: mp, Tracer: tp, Clock: clk}
}

// ExecutionContext is the mutable per-request container threaded through the
// pipeline. It is owned exclusively by one request and never shared across
// requests; its accessors still guard the token, variables, metadata and
// error with mutexes.
type ExecutionContext struct {
	Request *Request

	// Engine is a weak, read-only back-reference — lookup only, never
	// ownership.
	Engine *EngineContext

	token atomic32Token // current ExecutionToken, replaced atomically on transition

	mu        sync.Mutex
	variables map[string]any
	metadata  map[string]string
	err       error

	// cleanupWarnings collects POST/CLEANUP errors that must not replace a
	// successful payload.
	cleanupWarnings []string
}

// atomic32Token wraps sync.Mutex-guarded storage for the current token. A
// plain mutex is used rather than atomic.Value because ExecutionToken is a
// value type larger than a machine word and atomic.Value requires identical
// concrete types across Store calls, which is easy to violate accidentally.
type atomic32Token struct {
	mu  sync.Mutex
	val ExecutionToken
}

func (t *atomic32Token) load() ExecutionToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.val
}

func (t *atomic32Token) store(v ExecutionToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.val = v
}

// NewExecutionContext creates a fresh ExecutionContext for req, admitted at
// the given clock time.
func NewExecutionContext(req *Request, engine *EngineContext, clk Clock) *ExecutionContext {
	if clk == nil {
		clk = SystemClock
	}
	ec := &ExecutionContext{
		Request:   req,
		Engine:    engine,
		variables: make(map[string]any),
		metadata:  make(map[string]string),
	}
	ec.token.store(ExecutionToken{
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		Status:    StatusPending,
		StartedAt: clk.Now(),
	})
	return ec
}

// Token returns a snapshot of the current ExecutionToken.
func (ec *ExecutionContext) Token() ExecutionToken {
	return ec.token.load()
}

// Transition atomically replaces the current token, moving to phase/status
// and keeping every other field (including the attempt counter, which
// IncrementAttempt bumps).
func (ec *ExecutionContext) Transition(phase Phase, status Status) {
	cur := ec.token.load()
	cur.CurrentPhase = phase
	cur.Status = status
	ec.token.store(cur)
}

// IncrementAttempt bumps the attempt counter, used by the orchestrator's
// EXECUTE retry loop.
func (ec *ExecutionContext) IncrementAttempt() int {
	cur := ec.token.load()
	cur.Attempt++
	ec.token.store(cur)
	return cur.Attempt
}

// SetVariable stores scratch-space data keyed by name, visible to subsequent
// plugins in the same request.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[name] = value
}

// Variable retrieves scratch-space data previously stored with SetVariable.
func (ec *ExecutionContext) Variable(name string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.variables[name]
	return v, ok
}

// SetMetadata stores a diagnostics key surfaced in the final response.
func (ec *ExecutionContext) SetMetadata(key, value string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.metadata[key] = value
}

// Metadata returns a shallow copy of the accumulated metadata map.
func (ec *ExecutionContext) Metadata() map[string]string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]string, len(ec.metadata))
	for k, v := range ec.metadata {
		out[k] = v
	}
	return out
}

// SetError records the terminal error for this execution. VALIDATE/AUTHORIZE
// errors and exhausted EXECUTE retries call this; it does not itself change
// Status — callers should also call Transition.
func (ec *ExecutionContext) SetError(err error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.err = err
}

// Err returns the recorded terminal error, or nil if the execution has not
// failed.
func (ec *ExecutionContext) Err() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.err
}

// AddCleanupWarning appends a CLEANUP/POST_PROCESSING failure message to the
// response's metadata instead of replacing a successful payload.
func (ec *ExecutionContext) AddCleanupWarning(msg string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cleanupWarnings = append(ec.cleanupWarnings, msg)
}

// CleanupWarnings returns a copy of the accumulated warning messages.
func (ec *ExecutionContext) CleanupWarnings() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]string, len(ec.cleanupWarnings))
	copy(out, ec.cleanupWarnings)
	return out
}

// Deadline derives a context.Context carrying the request's deadline (if
// set), to be passed to suspension-point calls (provider RPCs, streaming
// writes).
func (ec *ExecutionContext) Deadline(parent context.Context) (context.Context, context.CancelFunc) {
	if ec.Request.Deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, ec.Request.Deadline)
}
