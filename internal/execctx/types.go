// Package execctx defines the data model threaded through the inference
// control plane: requests, the mutable per-request execution context, the
// read-only process-wide engine context, and the small value types
// (sampling config, routing decisions, quota snapshots, stream chunks) that
// flow between the orchestrator, router, and provider adapters.
//
// ExecutionContext is owned by exactly one request and never shared across
// requests; its accessors guard their fields with a mutex. EngineContext is
// a weak, read-only handle shared by every request and must never be mutated
// by callers.
package execctx

import (
	"time"
)

// Role identifies the speaker of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a request's conversation history.
type Message struct {
	Role Role

	// Content is the message text.
	Content string

	// ToolCallID is set when Role is RoleTool, identifying which tool call
	// this message answers.
	ToolCallID string

	// ToolCalls carries any tool invocations requested by the assistant in
	// this turn.
	ToolCalls []ToolCall
}

// ToolCall represents a tool/function invocation requested by a model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded arguments
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GrammarMode constrains the shape of generated output.
type GrammarMode string

const (
	GrammarModeNone GrammarMode = ""
	GrammarModeJSON GrammarMode = "json"
)

// SamplingConfig holds the sampling parameters for a completion, derived
// during PRE_PROCESSING from the request's raw parameter map with defaults
// applied for missing keys (see policy/sampling).
type SamplingConfig struct {
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	PresencePenalty   float64
	MaxTokens         int
	StopTokens        []string
	GrammarMode       GrammarMode
}

// DefaultSamplingConfig returns the default sampling parameters applied
// when a request leaves them unset.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:       0.7,
		TopK:              40,
		TopP:              0.95,
		RepetitionPenalty: 1.1,
		PresencePenalty:   0,
		MaxTokens:         2048,
		StopTokens:        nil,
		GrammarMode:       GrammarModeNone,
	}
}

// Request is an immutable (after admission) model-inference request.
type Request struct {
	// RequestID is an opaque, caller- or gateway-assigned identifier, unique
	// for the lifetime of the in-flight window.
	RequestID string

	TenantID string
	ModelID  string

	Messages []Message
	Tools    []ToolDefinition

	// RawParameters is the caller-supplied sampling parameter map, normalized
	// into a SamplingConfig by the sampling policy plugin during
	// PRE_PROCESSING. Nil entries fall back to DefaultSamplingConfig.
	RawParameters map[string]any

	Streaming bool
	Priority  int
	Deadline  time.Time
}

// Response is the result of a successful non-streaming Orchestrator.Infer call.
type Response struct {
	RequestID  string
	Model      string
	Content    string
	ToolCalls  []ToolCall
	TokensUsed int
	DurationMs int64
	Metadata   map[string]string
}

// Phase is one stage of the request pipeline. The zero value is not a valid
// phase; use the named constants.
type Phase int

const (
	PhaseValidate Phase = iota + 1
	PhaseAuthorize
	PhaseRoute
	PhasePreProcessing
	PhaseExecute
	PhasePostProcessing
	PhaseCleanup
)

// String returns the phase's canonical name.
func (p Phase) String() string {
	switch p {
	case PhaseValidate:
		return "VALIDATE"
	case PhaseAuthorize:
		return "AUTHORIZE"
	case PhaseRoute:
		return "ROUTE"
	case PhasePreProcessing:
		return "PRE_PROCESSING"
	case PhaseExecute:
		return "EXECUTE"
	case PhasePostProcessing:
		return "POST_PROCESSING"
	case PhaseCleanup:
		return "CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// Phases is the total order in which the pipeline runs phases.
var Phases = []Phase{
	PhaseValidate,
	PhaseAuthorize,
	PhaseRoute,
	PhasePreProcessing,
	PhaseExecute,
	PhasePostProcessing,
	PhaseCleanup,
}

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a sink state of the execution state machine.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionToken is an immutable snapshot of a request's execution state.
// The owning ExecutionContext replaces its token atomically on every
// transition; callers should treat a held Token as a point-in-time copy.
type ExecutionToken struct {
	RequestID    string
	TenantID     string
	CurrentPhase Phase
	Status       Status
	Attempt      int
	StartedAt    time.Time
}

// RoutingDecision is emitted by the Router and names the provider chosen for
// a request, or leaves ProviderID empty if none was available.
type RoutingDecision struct {
	ModelID    string
	ProviderID string // empty means no provider selected
	RequestID  string
	Score      float64
	Candidates []string
	Timestamp  time.Time
	Metadata   map[string]string
}

// QuotaInfo is a point-in-time snapshot of a windowed counter.
type QuotaInfo struct {
	ID             string
	Used           int64
	Limit          int64
	ResetAtEpochMs int64
}

// Remaining returns max(0, Limit-Used).
func (q QuotaInfo) Remaining() int64 {
	r := q.Limit - q.Used
	if r < 0 {
		return 0
	}
	return r
}

// BreakerState names a circuit breaker's operating mode, mirrored here so
// that execctx consumers (e.g. the router) can reason about it without
// importing the provideradapter package.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerState is a point-in-time snapshot of a per-provider breaker.
type CircuitBreakerState struct {
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// StreamChunk is one element of a streaming completion's chunk sequence.
// ToolCalls is populated only on the final chunk (IsFinal true), once
// accumulated fragments have resolved into complete invocations.
type StreamChunk struct {
	RequestID      string
	SequenceNumber int
	Delta          string
	IsFinal        bool
	ToolCalls      []ToolCall
}
