package orchestrator

import (
	"context"
	"sync"

	"github.com/inference-gateway/gateway/internal/execctx"
)

// JobStatus is the lifecycle state of an asynchronous job: one of
// {PENDING, RUNNING, SUCCEEDED, FAILED}. Orchestrator jobs never reach
// CANCELLED externally since SubmitAsync exposes no cancel operation; an
// internally cancelled job (deadline exceeded) still reports FAILED.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// Job is a snapshot of one asynchronous request's progress, returned by
// JobStatus.
type Job struct {
	ID       string
	TenantID string
	Status   JobStatus
	Result   *execctx.Response
	Err      error
}

// job is the mutable record backing a Job snapshot.
type job struct {
	mu       sync.Mutex
	id       string
	tenantID string
	status   JobStatus
	result   *execctx.Response
	err      error
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Job{ID: j.id, TenantID: j.tenantID, Status: j.status, Result: j.result, Err: j.err}
}

func (j *job) setRunning() {
	j.mu.Lock()
	j.status = JobRunning
	j.mu.Unlock()
}

func (j *job) complete(resp *execctx.Response, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.status = JobFailed
		j.err = err
		return
	}
	j.status = JobSucceeded
	j.result = resp
}

// jobStore is an in-memory, process-lifetime registry of asynchronous jobs,
// keyed by id. There is no persistence or cross-process visibility — a
// gateway restart loses in-flight job state, just as it loses the
// in-memory quota counters and runner cache.
type jobStore struct {
	mu   sync.RWMutex
	byID map[string]*job
}

func newJobStore() *jobStore {
	return &jobStore{byID: make(map[string]*job)}
}

func (s *jobStore) create(id, tenantID string) *job {
	j := &job{id: id, tenantID: tenantID, status: JobPending}
	s.mu.Lock()
	s.byID[id] = j
	s.mu.Unlock()
	return j
}

// get returns the job for id, scoped to tenantID: a job belonging to another
// tenant is reported as not found, preventing cross-tenant status leakage.
func (s *jobStore) get(id, tenantID string) (*job, bool) {
	s.mu.RLock()
	j, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok || j.tenantID != tenantID {
		return nil, false
	}
	return j, true
}

// SubmitAsync admits req and runs it through Infer in the background,
// returning its job id immediately. The caller polls JobStatus for
// completion.
func (o *Orchestrator) SubmitAsync(ctx context.Context, req *execctx.Request) (string, error) {
	if req == nil {
		return "", execctx.NewError(execctx.KindInvalidArgument, "", "request is nil")
	}
	if req.RequestID == "" {
		req.RequestID = o.idGen()
	}
	jobID := req.RequestID
	j := o.jobs.create(jobID, req.TenantID)

	go func() {
		j.setRunning()
		resp, err := o.Infer(context.Background(), req)
		j.complete(resp, err)
	}()

	return jobID, nil
}

// JobStatus returns the current state of an asynchronous job previously
// created by SubmitAsync or Batch, scoped to tenantID.
func (o *Orchestrator) JobStatus(jobID, tenantID string) (Job, bool) {
	j, ok := o.jobs.get(jobID, tenantID)
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Batch submits every request in reqs as an independent asynchronous job
// under a shared batch id, and returns that id. BatchStatus reports the
// aggregate state across the batch's member jobs.
func (o *Orchestrator) Batch(ctx context.Context, tenantID string, reqs []*execctx.Request) (string, error) {
	batchID := o.idGen()
	jobIDs := make([]string, 0, len(reqs))
	for _, req := range reqs {
		req.TenantID = tenantID
		jobID, err := o.SubmitAsync(ctx, req)
		if err != nil {
			return "", err
		}
		jobIDs = append(jobIDs, jobID)
	}

	o.batchesMu.Lock()
	if o.batches == nil {
		o.batches = make(map[string]batchRecord)
	}
	o.batches[batchID] = batchRecord{tenantID: tenantID, jobIDs: jobIDs}
	o.batchesMu.Unlock()

	return batchID, nil
}

// BatchStatus is the aggregate state of a Batch call's member jobs.
type BatchStatus struct {
	BatchID   string
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Jobs      []Job
}

// batchRecord tracks which jobs belong to a batch.
type batchRecord struct {
	tenantID string
	jobIDs   []string
}

// BatchStatus returns the aggregate state of batchID's member jobs, scoped
// to tenantID.
func (o *Orchestrator) BatchStatus(batchID, tenantID string) (BatchStatus, bool) {
	o.batchesMu.RLock()
	rec, ok := o.batches[batchID]
	o.batchesMu.RUnlock()
	if !ok || rec.tenantID != tenantID {
		return BatchStatus{}, false
	}

	out := BatchStatus{BatchID: batchID, Total: len(rec.jobIDs), Jobs: make([]Job, 0, len(rec.jobIDs))}
	for _, id := range rec.jobIDs {
		j, ok := o.jobs.get(id, tenantID)
		if !ok {
			continue
		}
		snap := j.snapshot()
		out.Jobs = append(out.Jobs, snap)
		switch snap.Status {
		case JobPending:
			out.Pending++
		case JobRunning:
			out.Running++
		case JobSucceeded:
			out.Succeeded++
		case JobFailed:
			out.Failed++
		}
	}
	return out, true
}
