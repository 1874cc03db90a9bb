package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/observe"
	"github.com/inference-gateway/gateway/internal/pipeline"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/registry"
	"github.com/inference-gateway/gateway/internal/router"
)

// fakeProvider is a minimal provider.Provider double, following the pattern
// established in internal/provideradapter's own test suite.
type fakeProvider struct {
	id         string
	inferResp  *execctx.Response
	inferErr   error
	streamCh   chan execctx.StreamChunk
	streamErr  error
	inferCalls int
}

func (f *fakeProvider) ID() string { return f.id }
func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true}
}
func (f *fakeProvider) Supports(modelID, tenantID string) bool                    { return true }
func (f *fakeProvider) Initialize(ctx context.Context, cfg provider.Config) error { return nil }
func (f *fakeProvider) Shutdown(ctx context.Context) error                       { return nil }
func (f *fakeProvider) Health(ctx context.Context) provider.Health {
	return provider.Health{State: provider.StateHealthy}
}
func (f *fakeProvider) Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error) {
	f.inferCalls++
	return f.inferResp, f.inferErr
}
func (f *fakeProvider) Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error) {
	return f.streamCh, f.streamErr
}

type fakeProfiles struct{}

func (fakeProfiles) Profile(providerID string) (router.ProviderProfile, bool) {
	return router.ProviderProfile{Performance: 1, Reliability: 1}, true
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// harness bundles the pieces an Orchestrator needs, with a single registered
// fake provider under id "p1".
func harness(t *testing.T, fp *fakeProvider, cfg Config) *Orchestrator {
	t.Helper()
	reg := registry.New()
	reg.Register(fp)
	rt := router.New(reg, fakeProfiles{}, nil, router.Config{})
	pl := pipeline.New()
	eng := execctx.NewEngineContext(reg, nil, nil, execctx.SystemClock)
	return New(pl, rt, reg, eng, testMetrics(t), cfg)
}

func TestInfer_HappyPath(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferResp: &execctx.Response{Content: "hello", TokensUsed: 3}}
	o := harness(t, fp, Config{})

	resp, err := o.Infer(context.Background(), &execctx.Request{TenantID: "t1", ModelID: "m1"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want hello", resp.Content)
	}
	if resp.RequestID == "" {
		t.Error("RequestID should be assigned when the caller left it empty")
	}
}

func TestInfer_RejectsMissingTenant(t *testing.T) {
	o := harness(t, &fakeProvider{id: "p1"}, Config{})

	_, err := o.Infer(context.Background(), &execctx.Request{ModelID: "m1"})
	var ge *execctx.GatewayError
	if !errors.As(err, &ge) || ge.Kind != execctx.KindInvalidArgument {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestInfer_RejectsDuplicateRequestID(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferResp: &execctx.Response{Content: "hi"}}
	o := harness(t, fp, Config{})

	release, err := o.admit(&execctx.Request{RequestID: "dup", TenantID: "t1", ModelID: "m1"})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	defer release()

	_, err = o.Infer(context.Background(), &execctx.Request{RequestID: "dup", TenantID: "t1", ModelID: "m1"})
	var ge *execctx.GatewayError
	if !errors.As(err, &ge) || ge.Kind != execctx.KindInvalidArgument {
		t.Fatalf("err = %v, want INVALID_ARGUMENT for collision", err)
	}
}

func TestInfer_NoCandidateFailsFast(t *testing.T) {
	reg := registry.New() // no providers registered
	rt := router.New(reg, fakeProfiles{}, nil, router.Config{})
	pl := pipeline.New()
	eng := execctx.NewEngineContext(reg, nil, nil, execctx.SystemClock)
	o := New(pl, rt, reg, eng, testMetrics(t), Config{})

	_, err := o.Infer(context.Background(), &execctx.Request{TenantID: "t1", ModelID: "m1"})
	var ge *execctx.GatewayError
	if !errors.As(err, &ge) || ge.Kind != execctx.KindProviderUnavailable {
		t.Fatalf("err = %v, want PROVIDER_UNAVAILABLE", err)
	}
}

func TestInfer_DeadlineDefaultedFromConfig(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferResp: &execctx.Response{}}
	o := harness(t, fp, Config{RequestTimeout: time.Hour})

	req := &execctx.Request{TenantID: "t1", ModelID: "m1"}
	if _, err := o.Infer(context.Background(), req); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if req.Deadline.IsZero() {
		t.Error("Deadline should default from Config.RequestTimeout")
	}
}

func TestInfer_CleanupRunsEvenOnValidateFailure(t *testing.T) {
	o := harness(t, &fakeProvider{id: "p1"}, Config{})
	var cleanupRan bool
	o.pipeline.Register(cleanupProbe{fn: func() { cleanupRan = true }})

	// Missing ModelID fails admission before any phase runs, so CLEANUP (a
	// phase-pipeline concept) never gets a chance — this exercises the
	// phase-level guarantee instead, by failing inside VALIDATE.
	o.pipeline.Register(failingPlugin{phase: execctx.PhaseValidate})

	_, err := o.Infer(context.Background(), &execctx.Request{TenantID: "t1", ModelID: "m1"})
	if err == nil {
		t.Fatal("expected VALIDATE failure")
	}
	if !cleanupRan {
		t.Error("CLEANUP should run even when an earlier phase fails")
	}
}

// failingPlugin always fails its declared phase.
type failingPlugin struct {
	pipeline.AlwaysExecute
	phase execctx.Phase
}

func (p failingPlugin) ID() string           { return "test.failing" }
func (p failingPlugin) Phase() execctx.Phase { return p.phase }
func (p failingPlugin) Order() int           { return -100 }
func (p failingPlugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	return errors.New("injected failure")
}

// cleanupProbe records that CLEANUP ran.
type cleanupProbe struct {
	pipeline.AlwaysExecute
	fn func()
}

func (p cleanupProbe) ID() string           { return "test.cleanup-probe" }
func (p cleanupProbe) Phase() execctx.Phase { return execctx.PhaseCleanup }
func (p cleanupProbe) Order() int           { return 100 }
func (p cleanupProbe) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	p.fn()
	return nil
}
