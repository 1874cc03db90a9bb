package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
	quotasvc "github.com/inference-gateway/gateway/internal/quota"
)

func newEC(tenantID string) *execctx.ExecutionContext {
	req := &execctx.Request{RequestID: "r1", TenantID: tenantID, ModelID: "m1"}
	return execctx.NewExecutionContext(req, nil, nil)
}

func TestExecute_ReservesAndStoresAmount(t *testing.T) {
	svc := quotasvc.New(quotasvc.Limits{DefaultLimit: 10, DefaultWindow: time.Minute}, nil)
	p := New(1, svc, 3)
	ec := newEC("t1")

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	v, ok := ec.Variable(execctx.VarTenantQuotaReservation)
	if !ok {
		t.Fatal("reservation not stored")
	}
	if v.(int64) != 3 {
		t.Errorf("reservation = %v, want 3", v)
	}
}

func TestExecute_ExhaustedQuotaFails(t *testing.T) {
	svc := quotasvc.New(quotasvc.Limits{DefaultLimit: 2, DefaultWindow: time.Minute}, nil)
	p := New(1, svc, 2)
	ec := newEC("t1")

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	ec2 := newEC("t1")
	err := p.Execute(context.Background(), ec2, nil)
	var ge *execctx.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *execctx.GatewayError", err)
	}
	if ge.Kind != execctx.KindQuotaExhausted {
		t.Errorf("Kind = %v, want QUOTA_EXHAUSTED", ge.Kind)
	}
}

func TestExecute_DistinctTenantsIndependent(t *testing.T) {
	svc := quotasvc.New(quotasvc.Limits{DefaultLimit: 1, DefaultWindow: time.Minute}, nil)
	p := New(1, svc, 1)

	if err := p.Execute(context.Background(), newEC("t1"), nil); err != nil {
		t.Fatalf("t1: %v", err)
	}
	if err := p.Execute(context.Background(), newEC("t2"), nil); err != nil {
		t.Fatalf("t2 should have independent quota: %v", err)
	}
}

func TestNew_DefaultsNonPositiveEstimateToOne(t *testing.T) {
	svc := quotasvc.New(quotasvc.Limits{DefaultLimit: 1, DefaultWindow: time.Minute}, nil)
	p := New(1, svc, 0)
	if p.estimate != 1 {
		t.Errorf("estimate = %d, want 1", p.estimate)
	}
}

func TestReconcile_SettlesAgainstActualUsage(t *testing.T) {
	svc := quotasvc.New(quotasvc.Limits{DefaultLimit: 10, DefaultWindow: time.Minute}, nil)
	p := New(1, svc, 5)
	rc := NewReconcile(1, svc)
	ec := newEC("t1")

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ec.SetVariable(execctx.VarResponse, &execctx.Response{TokensUsed: 2})

	if err := rc.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	info := svc.Info("t1")
	if info.Used != 2 {
		t.Errorf("Used = %d, want 2 (overreservation released)", info.Used)
	}
}

func TestReconcile_NoResponseReleasesFullReservation(t *testing.T) {
	svc := quotasvc.New(quotasvc.Limits{DefaultLimit: 10, DefaultWindow: time.Minute}, nil)
	p := New(1, svc, 5)
	rc := NewReconcile(1, svc)
	ec := newEC("t1")

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := rc.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	info := svc.Info("t1")
	if info.Used != 0 {
		t.Errorf("Used = %d, want 0 (full release on failure)", info.Used)
	}
}

func TestReconcile_NoReservationIsNoop(t *testing.T) {
	svc := quotasvc.New(quotasvc.Limits{DefaultLimit: 10, DefaultWindow: time.Minute}, nil)
	rc := NewReconcile(1, svc)
	ec := newEC("t1")

	if err := rc.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}
