// Package pipeline implements the ordered, phase-based plugin dispatcher that
// drives every inference request through VALIDATE, AUTHORIZE, ROUTE,
// PRE_PROCESSING, EXECUTE, POST_PROCESSING, and CLEANUP.
//
// A Plugin declares a single phase and an integer order; ties are broken by
// stable registration order, mirroring the ordered-dispatch pattern in
// internal/mcp/mcphost of the voice-AI sibling this package was generalized
// from.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// PluginError wraps an error returned by a Plugin's Execute method with the
// plugin's id and phase. RunPhase wraps every plugin error this way before
// returning it; storing it on the ExecutionContext is left to the caller.
type PluginError struct {
	PluginID string
	Phase    execctx.Phase
	Err      error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("pipeline: plugin %q (phase %s): %v", e.PluginID, e.Phase, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// Plugin is a unit of policy attached to a phase with a stable order.
type Plugin interface {
	// ID is a short, unique, human-readable identifier used in logs and
	// errors.
	ID() string

	// Phase names the single phase this plugin runs in.
	Phase() execctx.Phase

	// Order controls intra-phase position; lower runs first. Ties are
	// broken by registration order.
	Order() int

	// ShouldExecute lets a plugin skip itself for a given request. The
	// default behavior (always true) is provided by embedding
	// [AlwaysExecute] in concrete plugin types.
	ShouldExecute(ec *execctx.ExecutionContext) bool

	// Execute runs the plugin's logic, mutating ec as needed. A non-nil
	// error halts the current phase's remaining plugins.
	Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error
}

// AlwaysExecute provides the default ShouldExecute implementation (always
// true); embed it in concrete plugin types that don't need conditional
// skipping.
type AlwaysExecute struct{}

// ShouldExecute always returns true.
func (AlwaysExecute) ShouldExecute(*execctx.ExecutionContext) bool { return true }

// registeredPlugin pairs a Plugin with its registration index, used only to
// break Order() ties deterministically.
type registeredPlugin struct {
	plugin Plugin
	index  int
}

// Pipeline holds the registered plugins for every phase and dispatches a
// request through them in order.
type Pipeline struct {
	byPhase map[execctx.Phase][]registeredPlugin
	nextIdx int
}

// New creates an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{byPhase: make(map[execctx.Phase][]registeredPlugin)}
}

// Register adds p to its declared phase. Plugins may be registered in any
// order; RunPhase sorts each phase's plugins by (Order, registration-index)
// before execution.
func (p *Pipeline) Register(plug Plugin) {
	p.byPhase[plug.Phase()] = append(p.byPhase[plug.Phase()], registeredPlugin{plugin: plug, index: p.nextIdx})
	p.nextIdx++
}

// Plugins returns the registered plugins for phase, sorted by (Order,
// registration-index). The returned slice must not be mutated by the caller.
func (p *Pipeline) Plugins(phase execctx.Phase) []Plugin {
	entries := append([]registeredPlugin(nil), p.byPhase[phase]...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].plugin.Order() != entries[j].plugin.Order() {
			return entries[i].plugin.Order() < entries[j].plugin.Order()
		}
		return entries[i].index < entries[j].index
	})
	out := make([]Plugin, len(entries))
	for i, e := range entries {
		out[i] = e.plugin
	}
	return out
}

// ErrHalted is wrapped into the error returned by RunPhase when a non-CLEANUP
// phase is halted by a plugin error.
var ErrHalted = errors.New("pipeline: halted by plugin error")

// RunPhase executes every applicable plugin registered for phase, in order.
// For phases other than CLEANUP, the first plugin error halts the loop and
// is returned immediately. For CLEANUP, every plugin runs regardless of
// earlier failures in this call; all CLEANUP errors are joined and returned.
func (p *Pipeline) RunPhase(ctx context.Context, phase execctx.Phase, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	ec.Transition(phase, execctx.StatusRunning)

	var cleanupErrs []error
	for _, plug := range p.Plugins(phase) {
		if !plug.ShouldExecute(ec) {
			continue
		}
		if err := plug.Execute(ctx, ec, eng); err != nil {
			pe := &PluginError{PluginID: plug.ID(), Phase: phase, Err: err}
			if phase == execctx.PhaseCleanup {
				cleanupErrs = append(cleanupErrs, pe)
				continue
			}
			return fmt.Errorf("%w: %w", ErrHalted, pe)
		}
	}
	if len(cleanupErrs) > 0 {
		return errors.Join(cleanupErrs...)
	}
	return nil
}
