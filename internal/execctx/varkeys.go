package execctx

// Well-known ExecutionContext.Variable keys shared across phases and
// plugins. Request and Response are left untouched by policy plugins
// (Request is immutable after admission; Response does not exist until
// EXECUTE completes), so intermediate and derived values travel as scratch
// variables under these keys instead.
const (
	// VarSamplingConfig holds the SamplingConfig value built by the sampling
	// policy plugin during PRE_PROCESSING, consumed by EXECUTE.
	VarSamplingConfig = "sampling_config"

	// VarEffectiveMessages holds the []Message EXECUTE should actually send,
	// after the memory-injection plugin has optionally prepended retrieved
	// context ahead of Request.Messages. Absent means "use Request.Messages
	// unmodified".
	VarEffectiveMessages = "effective_messages"

	// VarRoutingDecision holds the *RoutingDecision produced by the ROUTE
	// phase, consumed by EXECUTE to pick a provider.
	VarRoutingDecision = "routing_decision"

	// VarResponse holds the *Response produced by EXECUTE, consumed by
	// POST_PROCESSING plugins (e.g. the output parser) and the orchestrator.
	VarResponse = "response"

	// VarTenantQuotaReservation holds the int64 amount reserved against the
	// tenant quota during AUTHORIZE, consumed by CLEANUP to release on
	// failure or confirm on success.
	VarTenantQuotaReservation = "tenant_quota_reservation"
)
