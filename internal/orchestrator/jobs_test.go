package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/inference-gateway/gateway/internal/execctx"
)

func waitForStatus(t *testing.T, o *Orchestrator, jobID, tenantID string, want JobStatus) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, ok := o.JobStatus(jobID, tenantID)
		if ok && j.Status == want {
			return j
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return Job{}
}

func TestSubmitAsync_CompletesSuccessfully(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferResp: &execctx.Response{Content: "async done"}}
	o := harness(t, fp, Config{})

	jobID, err := o.SubmitAsync(context.Background(), &execctx.Request{TenantID: "t1", ModelID: "m1"})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	j := waitForStatus(t, o, jobID, "t1", JobSucceeded)
	if j.Result == nil || j.Result.Content != "async done" {
		t.Errorf("Result = %+v, want Content=async done", j.Result)
	}
}

func TestSubmitAsync_RecordsFailure(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferErr: execctx.NewError(execctx.KindProviderPermanent, "", "boom")}
	o := harness(t, fp, Config{MaxAttempts: 1})

	jobID, err := o.SubmitAsync(context.Background(), &execctx.Request{TenantID: "t1", ModelID: "m1"})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	j := waitForStatus(t, o, jobID, "t1", JobFailed)
	if j.Err == nil {
		t.Error("expected Err to be set on failure")
	}
}

func TestJobStatus_ScopedByTenant(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferResp: &execctx.Response{Content: "ok"}}
	o := harness(t, fp, Config{})

	jobID, err := o.SubmitAsync(context.Background(), &execctx.Request{TenantID: "t1", ModelID: "m1"})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	waitForStatus(t, o, jobID, "t1", JobSucceeded)

	if _, ok := o.JobStatus(jobID, "t2"); ok {
		t.Error("JobStatus should not leak across tenants")
	}
}

func TestBatch_TracksAggregateStatus(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferResp: &execctx.Response{Content: "ok"}}
	o := harness(t, fp, Config{})

	reqs := []*execctx.Request{
		{ModelID: "m1"},
		{ModelID: "m1"},
		{ModelID: "m1"},
	}
	batchID, err := o.Batch(context.Background(), "t1", reqs)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status BatchStatus
	for time.Now().Before(deadline) {
		status, _ = o.BatchStatus(batchID, "t1")
		if status.Succeeded == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if status.Total != 3 || status.Succeeded != 3 {
		t.Errorf("status = %+v, want Total=3 Succeeded=3", status)
	}
}

func TestBatchStatus_ScopedByTenant(t *testing.T) {
	fp := &fakeProvider{id: "p1", inferResp: &execctx.Response{}}
	o := harness(t, fp, Config{})

	batchID, err := o.Batch(context.Background(), "t1", []*execctx.Request{{ModelID: "m1"}})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if _, ok := o.BatchStatus(batchID, "t2"); ok {
		t.Error("BatchStatus should not leak across tenants")
	}
}
