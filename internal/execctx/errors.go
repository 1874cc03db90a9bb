package execctx

import (
	"fmt"
	"time"
)

// Kind is one of the error taxonomy values in the gateway's control plane.
// It is not a Go error type itself — GatewayError wraps a Kind with request
// context.
type Kind string

const (
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindPermissionDenied   Kind = "PERMISSION_DENIED"
	KindQuotaExhausted     Kind = "QUOTA_EXHAUSTED"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindPolicyViolation    Kind = "POLICY_VIOLATION"
	KindProviderUnavailable Kind = "PROVIDER_UNAVAILABLE"
	KindProviderTransient  Kind = "PROVIDER_TRANSIENT"
	KindProviderPermanent  Kind = "PROVIDER_PERMANENT"
	KindDeadlineExceeded   Kind = "DEADLINE_EXCEEDED"
	KindCancelled          Kind = "CANCELLED"
	KindInternal           Kind = "INTERNAL"
)

// SuggestedAction hints at how a caller (or façade) should react to a
// GatewayError.
type SuggestedAction string

const (
	ActionRetry        SuggestedAction = "retry"
	ActionFallback     SuggestedAction = "fallback"
	ActionEscalate     SuggestedAction = "escalate"
	ActionHumanReview  SuggestedAction = "human_review"
)

// GatewayError is the structured error type propagated across the control
// plane. It implements the standard error interface so callers may still
// use errors.Is/errors.As against Kind via [GatewayError.Is].
type GatewayError struct {
	Kind            Kind
	Message         string
	ProviderID      string
	RequestID       string
	Retryable       bool
	RetryAfter      time.Duration
	SuggestedAction SuggestedAction

	// Cause is the underlying error, if any (e.g. a transport error from a
	// remote vendor). Unwrap returns it.
	Cause error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.ProviderID != "" {
		return fmt.Sprintf("%s: %s (provider=%s request=%s)", e.Kind, e.Message, e.ProviderID, e.RequestID)
	}
	return fmt.Sprintf("%s: %s (request=%s)", e.Kind, e.Message, e.RequestID)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *GatewayError with the same Kind, so that
// errors.Is(err, &GatewayError{Kind: KindQuotaExhausted}) works as a
// sentinel-style check.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a GatewayError with the given kind and message, deriving
// Retryable from the kind's default retryability (callers may override by
// setting fields on the returned value).
func NewError(kind Kind, requestID, message string) *GatewayError {
	return &GatewayError{
		Kind:            kind,
		Message:         message,
		RequestID:       requestID,
		Retryable:       defaultRetryable(kind),
		SuggestedAction: defaultAction(kind),
	}
}

func defaultRetryable(k Kind) bool {
	switch k {
	case KindProviderTransient, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

func defaultAction(k Kind) SuggestedAction {
	switch k {
	case KindProviderTransient:
		return ActionRetry
	case KindProviderUnavailable:
		return ActionFallback
	case KindQuotaExhausted, KindRateLimited:
		return ActionEscalate
	case KindPolicyViolation:
		return ActionHumanReview
	default:
		return ""
	}
}
