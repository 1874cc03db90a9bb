// Package provider defines the uniform interface every backend — local
// runner wrapper or remote HTTP vendor — must implement so the router and
// provider adapter can treat them interchangeably.
//
// Implementations must be safe for concurrent use; a single Provider value
// is shared by every in-flight request that selects it.
package provider

import (
	"context"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// Capabilities describes static metadata about what a provider's underlying
// model supports. The result is assumed constant for the provider's lifetime.
type Capabilities struct {
	Streaming        bool
	ToolCalling      bool
	Multimodal       bool
	Embeddings       bool
	MaxContextTokens int
	SupportedFormats []string
	SupportedDevices []string
}

// State is a provider's lifecycle state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitialized   State = "INITIALIZED"
	StateHealthy       State = "HEALTHY"
	StateUnhealthy     State = "UNHEALTHY"
	StateShutdown      State = "SHUTDOWN"
)

// Health is the result of a provider health probe.
type Health struct {
	State  State
	Detail string
}

// Config is the provider configuration map: a mapping from string key to
// typed value. Recognized keys are enumerated per provider; the typed
// accessors below cover the common keys for remote vendors (api.key,
// api.base-url, api.version, timeout.seconds) and local runners (device,
// threads, base-path).
type Config map[string]any

// String returns the string value for key, or the empty string if absent or
// of the wrong type.
func (c Config) String(key string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Int returns the int value for key, or 0 if absent or of the wrong type.
func (c Config) Int(key string) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Bool returns the bool value for key, or false if absent or of the wrong type.
func (c Config) Bool(key string) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return false
}

// Provider is the abstraction over any LLM backend, local or remote.
type Provider interface {
	// ID returns the stable identifier used for registry lookup, routing
	// candidate lists, metrics labels, and log correlation.
	ID() string

	// Capabilities returns this provider's static capability metadata.
	Capabilities() Capabilities

	// Supports reports whether this provider can serve modelID for tenantID.
	// Implementations typically match modelID exactly or against a known
	// prefix (e.g. "gpt-*").
	Supports(modelID, tenantID string) bool

	// Initialize prepares the provider for use (opening connections,
	// validating credentials). It must be called exactly once before any
	// other method, and must be idempotent-safe to call again after
	// Shutdown for tests that reuse a provider value.
	Initialize(ctx context.Context, cfg Config) error

	// Infer sends req to the backend and waits for the full response.
	Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error)

	// Stream sends req to the backend and returns a channel of StreamChunk
	// values. The channel is closed by the implementation when generation
	// finishes or ctx is cancelled. Providers that do not support streaming
	// return a non-nil error immediately; callers should check
	// Capabilities().Streaming first.
	Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error)

	// Health reports the provider's current health, used by the router to
	// filter candidates and exposed externally via the health package.
	Health(ctx context.Context) Health

	// Shutdown releases all resources held by the provider. Safe to call
	// multiple times.
	Shutdown(ctx context.Context) error
}
