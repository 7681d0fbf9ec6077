// Package engine enforces workflow execution semantics: dependency
// graph construction, successor triggering, retry and always-run
// policy, skip computation, termination, and cancellation.
//
// The engine never returns job-level errors to its callers; it records
// outcomes in the state store. The only out-of-band signal it consumes
// is the dispatcher's placement result, which is a normal return value.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/cascade/internal/cachemanager"
	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/pubsub"
	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/workflow"
)

// ErrCancelled is recorded on running jobs when their workflow is
// cancelled out from under them.
const ErrCancelled = "workflow cancelled"

// ErrCoordinatorRestart is recorded on in-flight jobs found during
// restart reconciliation.
const ErrCoordinatorRestart = "coordinator restart"

// Dispatcher places one job on a worker. Returns the worker id, or ""
// when the job could not be placed. This narrow interface breaks the
// dependency cycle between the engine and the transport layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, jobType workflow.JobType, parameters map[string]any) string
	Release(ctx context.Context, jobID string)
}

// Event is published on the engine's broker for every significant
// state change. Consumed by the SSE endpoint and tests.
type Event struct {
	Kind       string              `json:"kind"`
	WorkflowID workflow.WorkflowID `json:"workflow_id,omitempty"`
	JobID      string              `json:"job_id,omitempty"`
	Status     string              `json:"status,omitempty"`
}

// Event kinds.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventJobScheduled      = "job_scheduled"
	EventJobCompleted      = "job_completed"
	EventJobFailed         = "job_failed"
	EventJobRetrying       = "job_retrying"
	EventJobSkipped        = "job_skipped"
)

// Engine drives workflows to a terminal outcome.
//
// A single mutex serialises all handlers so that each one is a
// linearisable transition on the workflow, regardless of how many
// connection readers deliver messages concurrently.
type Engine struct {
	mu         sync.Mutex
	store      *state.Store
	dispatcher Dispatcher
	graphs     *cachemanager.InMemoryCacheManager[workflow.WorkflowID, *workflow.Graph]
	events     *pubsub.Broker[Event]
}

// New creates an Engine.
func New(store *state.Store, dispatcher Dispatcher) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		graphs: cachemanager.NewInMemoryCacheManager[workflow.WorkflowID, *workflow.Graph](
			"dependency-graphs", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
		events: pubsub.NewBroker[Event](),
	}
}

// Events exposes the engine's event broker.
func (e *Engine) Events() *pubsub.Broker[Event] {
	return e.events
}

// Close shuts down the event broker.
func (e *Engine) Close() {
	e.events.Close()
}

// CreateWorkflow validates a workflow's graph and stores it.
// Definition errors are surfaced synchronously; the workflow is not
// created.
func (e *Engine) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if _, err := workflow.BuildGraph(wf.Jobs); err != nil {
		return err
	}
	return e.store.AddWorkflow(ctx, wf)
}

// StartWorkflow builds the dependency graph, caches it, and dispatches
// the entry jobs. Precondition: the workflow is pending.
func (e *Engine) StartWorkflow(ctx context.Context, id workflow.WorkflowID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.store.GetWorkflow(ctx, id)
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, state.ErrWorkflowNotFound)
	}
	if wf.Status != workflow.StatusPending {
		return fmt.Errorf("workflow %s is not pending (status %s)", id, wf.Status)
	}

	graph, err := workflow.BuildGraph(wf.Jobs)
	if err != nil {
		return err
	}
	e.graphs.Set(ctx, id, graph, cachemanager.DefaultExpiration)

	entries := graph.EntryJobs()
	if len(entries) == 0 {
		// Only possible when the workflow has no jobs; cyclic graphs
		// were already rejected.
		if err := e.store.UpdateWorkflow(ctx, id, func(w *workflow.Workflow) {
			_ = w.TransitionTo(workflow.StatusFailed)
		}); err != nil {
			return err
		}
		e.publish(EventWorkflowFailed, id, "", string(workflow.StatusFailed))
		return fmt.Errorf("workflow %s has no entry jobs", id)
	}

	if err := e.store.UpdateWorkflow(ctx, id, func(w *workflow.Workflow) {
		_ = w.TransitionTo(workflow.StatusRunning)
	}); err != nil {
		return err
	}
	e.publish(EventWorkflowStarted, id, "", string(workflow.StatusRunning))
	log.Info(log.CatEngine, "workflow started", "workflow_id", id, "entry_jobs", len(entries))

	for _, jobID := range entries {
		e.scheduleJob(ctx, id, jobID)
	}
	return nil
}

// HandleJobCompletion records a successful job and triggers its
// on_success successors. Idempotent: a job that is already terminal is
// left untouched, so duplicate delivery is a no-op.
func (e *Engine) HandleJobCompletion(ctx context.Context, jobID string, result map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.store.GetJob(ctx, jobID)
	if !ok {
		log.Error(log.CatEngine, "completion for unknown job", "job_id", jobID)
		return
	}
	if job.IsTerminal() {
		log.Debug(log.CatEngine, "completion for terminal job ignored", "job_id", jobID, "status", job.Status)
		return
	}

	if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
		j.Status = workflow.JobCompleted
		j.Result = result
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to record job completion", err, "job_id", jobID)
		return
	}

	wf, ok := e.store.GetWorkflow(ctx, job.WorkflowID)
	if !ok {
		log.Error(log.CatEngine, "no workflow for job", "job_id", jobID)
		return
	}
	if err := e.store.UpdateWorkflow(ctx, wf.ID, func(w *workflow.Workflow) {
		w.MarkCompleted(jobID)
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to record completion in workflow", err, "job_id", jobID)
		return
	}
	e.publish(EventJobCompleted, wf.ID, jobID, string(workflow.JobCompleted))
	log.Info(log.CatEngine, "job completed", "job_id", jobID, "workflow_id", wf.ID)

	// Successors fire only while the workflow is in flight; a late
	// always-run completion after termination must not revive work.
	wf, _ = e.store.GetWorkflow(ctx, job.WorkflowID)
	if wf.Status == workflow.StatusRunning {
		for _, nextID := range job.OnSuccess {
			if e.canScheduleJob(ctx, wf, nextID) {
				e.scheduleJob(ctx, wf.ID, nextID)
				wf, _ = e.store.GetWorkflow(ctx, job.WorkflowID)
			}
		}
	}

	e.checkWorkflowCompletion(ctx, wf.ID)
}

// HandleJobFailure routes a failed job through the retry policy. With
// retries remaining the job is marked retrying and redispatched; once
// exhausted it fails terminally and triggers its on_failure successors,
// or fails the workflow when there are none.
func (e *Engine) HandleJobFailure(ctx context.Context, jobID string, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleJobFailure(ctx, jobID, errMsg)
}

func (e *Engine) handleJobFailure(ctx context.Context, jobID string, errMsg string) {
	job, ok := e.store.GetJob(ctx, jobID)
	if !ok {
		log.Error(log.CatEngine, "failure for unknown job", "job_id", jobID)
		return
	}
	if job.IsTerminal() {
		log.Debug(log.CatEngine, "failure for terminal job ignored", "job_id", jobID, "status", job.Status)
		return
	}

	log.Warn(log.CatEngine, "job failed", "job_id", jobID, "error", errMsg)

	if job.CanRetry() {
		if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
			j.RetryCount++
			j.Status = workflow.JobRetrying
			j.Error = errMsg
			j.WorkerID = ""
		}); err != nil {
			log.ErrorErr(log.CatEngine, "failed to record retry", err, "job_id", jobID)
			return
		}
		e.publish(EventJobRetrying, job.WorkflowID, jobID, string(workflow.JobRetrying))
		log.Info(log.CatEngine, "retrying job", "job_id", jobID,
			"attempt", job.RetryCount+1, "max_retries", job.MaxRetries)
		// The job stays in current_jobs; it is still in-flight
		// conceptually.
		e.scheduleJob(ctx, job.WorkflowID, jobID)
		return
	}

	// Retries exhausted.
	if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
		j.Status = workflow.JobFailed
		j.Error = errMsg
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to record job failure", err, "job_id", jobID)
		return
	}

	wf, ok := e.store.GetWorkflow(ctx, job.WorkflowID)
	if !ok {
		log.Error(log.CatEngine, "no workflow for job", "job_id", jobID)
		return
	}
	if err := e.store.UpdateWorkflow(ctx, wf.ID, func(w *workflow.Workflow) {
		w.MarkFailed(jobID)
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to record failure in workflow", err, "job_id", jobID)
		return
	}
	e.publish(EventJobFailed, wf.ID, jobID, string(workflow.JobFailed))
	log.Error(log.CatEngine, "job failed terminally", "job_id", jobID, "retries", job.RetryCount)

	wf, _ = e.store.GetWorkflow(ctx, job.WorkflowID)
	if wf.Status != workflow.StatusRunning {
		return
	}

	if len(job.OnFailure) == 0 {
		e.failWorkflow(ctx, wf.ID)
		return
	}

	for _, nextID := range job.OnFailure {
		if e.canScheduleJob(ctx, wf, nextID) {
			e.scheduleJob(ctx, wf.ID, nextID)
			wf, _ = e.store.GetWorkflow(ctx, job.WorkflowID)
		}
	}
	e.checkWorkflowCompletion(ctx, wf.ID)
}

// UpdateJobStatus records a non-terminal status report (e.g. running)
// without engine side effects. Terminal jobs are left untouched.
func (e *Engine) UpdateJobStatus(ctx context.Context, jobID string, status workflow.JobStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !status.IsValid() {
		log.Error(log.CatEngine, "invalid job status", "job_id", jobID, "status", status)
		return
	}
	job, ok := e.store.GetJob(ctx, jobID)
	if !ok {
		log.Error(log.CatEngine, "status update for unknown job", "job_id", jobID)
		return
	}
	if job.IsTerminal() {
		return
	}
	if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
		j.Status = status
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to update job status", err, "job_id", jobID)
	}
}

// CancelWorkflow cancels a pending or running workflow. Running jobs
// are failed with ErrCancelled and their assignments dropped; workers
// that later report outcomes for them observe terminal jobs and their
// updates are no-ops.
func (e *Engine) CancelWorkflow(ctx context.Context, id workflow.WorkflowID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.store.GetWorkflow(ctx, id)
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, state.ErrWorkflowNotFound)
	}
	if wf.Status != workflow.StatusPending && wf.Status != workflow.StatusRunning {
		return fmt.Errorf("workflow %s is not pending or running (status %s)", id, wf.Status)
	}

	if err := e.store.UpdateWorkflow(ctx, id, func(w *workflow.Workflow) {
		_ = w.TransitionTo(workflow.StatusCancelled)
	}); err != nil {
		return err
	}

	// Fail running jobs in place. No retry, no successors.
	for _, jobID := range append([]string(nil), wf.CurrentJobs...) {
		job, ok := e.store.GetJob(ctx, jobID)
		if !ok || job.Status != workflow.JobRunning {
			continue
		}
		if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
			j.Status = workflow.JobFailed
			j.Error = ErrCancelled
		}); err != nil {
			log.ErrorErr(log.CatEngine, "failed to cancel job", err, "job_id", jobID)
			continue
		}
		if err := e.store.UpdateWorkflow(ctx, id, func(w *workflow.Workflow) {
			w.MarkFailed(jobID)
		}); err != nil {
			log.ErrorErr(log.CatEngine, "failed to record cancelled job", err, "job_id", jobID)
		}
		e.dispatcher.Release(ctx, jobID)
		e.publish(EventJobFailed, id, jobID, string(workflow.JobFailed))
	}

	log.Info(log.CatEngine, "workflow cancelled", "workflow_id", id)
	e.publish(EventWorkflowCancelled, id, "", string(workflow.StatusCancelled))

	e.runAlwaysRunJobs(ctx, id)
	e.graphs.Delete(ctx, id)
	return nil
}

// ResumePendingJobs reattempts scheduling of pending and retrying jobs
// across all running workflows. Called when a worker becomes ready.
func (e *Engine) ResumePendingJobs(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, wf := range e.store.ListWorkflows() {
		if wf.Status != workflow.StatusRunning {
			continue
		}
		for _, job := range wf.Jobs {
			if job.Status != workflow.JobPending && job.Status != workflow.JobRetrying {
				continue
			}
			current, ok := e.store.GetWorkflow(ctx, wf.ID)
			if !ok || !e.canScheduleJob(ctx, current, job.ID) {
				continue
			}
			e.scheduleJob(ctx, wf.ID, job.ID)
		}
	}
}

// ReconcileAfterRestart feeds every in-flight job through the failure
// handler with a synthesised error. Called once after the store has
// been rebuilt from durable storage; all such jobs lost their workers
// when the previous coordinator died.
func (e *Engine) ReconcileAfterRestart(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, wf := range e.store.ListWorkflows() {
		for _, job := range wf.Jobs {
			if job.Status != workflow.JobRunning && job.Status != workflow.JobRetrying {
				continue
			}
			log.Warn(log.CatEngine, "reconciling in-flight job after restart",
				"job_id", job.ID, "workflow_id", wf.ID, "status", job.Status)
			if err := e.store.UnassignJob(ctx, job.ID); err != nil {
				log.ErrorErr(log.CatEngine, "failed to drop stale assignment", err, "job_id", job.ID)
			}
			if err := e.store.UpdateJob(ctx, job.ID, func(j *workflow.Job) {
				j.WorkerID = ""
			}); err != nil {
				log.ErrorErr(log.CatEngine, "failed to clear stale worker", err, "job_id", job.ID)
			}
			e.handleJobFailure(ctx, job.ID, ErrCoordinatorRestart)
		}
	}
}

// graphFor returns the workflow's cached dependency graph, rebuilding
// and re-caching it after a TTL eviction or a coordinator restart.
func (e *Engine) graphFor(ctx context.Context, wf *workflow.Workflow) *workflow.Graph {
	if graph, ok := e.graphs.Get(ctx, wf.ID); ok {
		return graph
	}
	graph, err := workflow.BuildGraph(wf.Jobs)
	if err != nil {
		// Stored workflows were validated at creation.
		log.ErrorErr(log.CatEngine, "failed to rebuild dependency graph", err, "workflow_id", wf.ID)
		return nil
	}
	e.graphs.Set(ctx, wf.ID, graph, cachemanager.DefaultExpiration)
	return graph
}

func (e *Engine) publish(kind string, workflowID workflow.WorkflowID, jobID, status string) {
	e.events.Publish(Event{
		Kind:       kind,
		WorkflowID: workflowID,
		JobID:      jobID,
		Status:     status,
	})
}
