package provideradapter

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// Classify maps an arbitrary error returned by a provider call into the
// gateway's error taxonomy. Providers that already return a
// *execctx.GatewayError are passed through unchanged; any other error is
// treated as an opaque provider_transient failure, the conservative choice
// that lets the breaker and retry logic react rather than silently
// swallowing it.
func Classify(requestID, providerID string, err error) *execctx.GatewayError {
	if err == nil {
		return nil
	}

	var ge *execctx.GatewayError
	if errors.As(err, &ge) {
		if ge.ProviderID == "" {
			ge.ProviderID = providerID
		}
		if ge.RequestID == "" {
			ge.RequestID = requestID
		}
		return ge
	}

	if errors.Is(err, context.DeadlineExceeded) {
		out := execctx.NewError(execctx.KindDeadlineExceeded, requestID, err.Error())
		out.ProviderID = providerID
		out.Cause = err
		return out
	}
	if errors.Is(err, context.Canceled) {
		out := execctx.NewError(execctx.KindCancelled, requestID, err.Error())
		out.ProviderID = providerID
		out.Cause = err
		return out
	}

	out := execctx.NewError(execctx.KindProviderTransient, requestID, err.Error())
	out.ProviderID = providerID
	out.Retryable = true
	out.SuggestedAction = execctx.ActionRetry
	out.Cause = err
	return out
}

// ClassifyHTTPStatus builds a *execctx.GatewayError from an HTTP status code
// surfaced by a provider SDK (e.g. openai-go's *openai.Error.StatusCode),
// bucketing it into the gateway's taxonomy: 401 -> unauthenticated,
// 403 -> permission_denied, 429 -> rate_limited (or quota_exhausted if the
// message says so), 400 and 422 -> invalid_argument, 408 and 504 ->
// deadline_exceeded, other 4xx -> provider_permanent (non-retryable), other
// 5xx -> provider_transient (retryable).
func ClassifyHTTPStatus(requestID, providerID string, statusCode int, cause error) *execctx.GatewayError {
	kind := httpStatusKind(statusCode)
	out := execctx.NewError(kind, requestID, cause.Error())
	out.ProviderID = providerID
	out.Cause = cause

	if kind == execctx.KindRateLimited && strings.Contains(strings.ToLower(cause.Error()), "quota") {
		out.Kind = execctx.KindQuotaExhausted
		out.Retryable = false
		out.SuggestedAction = execctx.ActionEscalate
	}
	return out
}

func httpStatusKind(statusCode int) execctx.Kind {
	switch statusCode {
	case http.StatusUnauthorized:
		return execctx.KindUnauthenticated
	case http.StatusForbidden:
		return execctx.KindPermissionDenied
	case http.StatusTooManyRequests:
		return execctx.KindRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return execctx.KindInvalidArgument
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return execctx.KindDeadlineExceeded
	}
	switch {
	case statusCode >= 500:
		return execctx.KindProviderTransient
	case statusCode >= 400:
		return execctx.KindProviderPermanent
	default:
		return execctx.KindProviderTransient
	}
}

// statusCodePattern finds a 3-digit HTTP status code embedded in an error
// message, the common shape for SDKs (any-llm-go's backends, coder/websocket
// dial failures) that report the failed request's status in prose rather
// than a structured field.
var statusCodePattern = regexp.MustCompile(`\b([1-5][0-9]{2})\b`)

// ClassifyMessage is the fallback for SDKs that don't expose a structured
// status code: it looks for an embedded HTTP status in the error text, falls
// back to a handful of well-known substrings, and otherwise defers to
// Classify's opaque provider_transient treatment.
func ClassifyMessage(requestID, providerID string, cause error) *execctx.GatewayError {
	msg := strings.ToLower(cause.Error())

	if m := statusCodePattern.FindString(msg); m != "" {
		if code, err := strconv.Atoi(m); err == nil {
			return ClassifyHTTPStatus(requestID, providerID, code, cause)
		}
	}

	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "invalid_api_key"):
		return ClassifyHTTPStatus(requestID, providerID, http.StatusUnauthorized, cause)
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission"):
		return ClassifyHTTPStatus(requestID, providerID, http.StatusForbidden, cause)
	case strings.Contains(msg, "quota"):
		return ClassifyHTTPStatus(requestID, providerID, http.StatusTooManyRequests, cause)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ClassifyHTTPStatus(requestID, providerID, http.StatusTooManyRequests, cause)
	}

	return Classify(requestID, providerID, cause)
}

// CountsTowardBreaker reports whether ge should be recorded as a
// provider-side failure for circuit breaker accounting: only
// provider_transient and provider_permanent count.
func CountsTowardBreaker(ge *execctx.GatewayError) bool {
	if ge == nil {
		return false
	}
	switch ge.Kind {
	case execctx.KindProviderTransient, execctx.KindProviderPermanent:
		return true
	default:
		return false
	}
}
