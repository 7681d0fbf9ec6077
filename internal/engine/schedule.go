package engine

import (
	"context"
	"slices"

	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/workflow"
)

// scheduleJob moves a job into current_jobs and hands it to the
// dispatcher. When no worker can take it the job reverts to pending and
// waits for a ready signal. Returns whether the job was placed.
func (e *Engine) scheduleJob(ctx context.Context, workflowID workflow.WorkflowID, jobID string) bool {
	job, ok := e.store.GetJob(ctx, jobID)
	if !ok {
		log.Error(log.CatEngine, "cannot schedule unknown job", "job_id", jobID)
		return false
	}
	if job.Status == workflow.JobRunning || job.Status == workflow.JobCompleted || job.Status == workflow.JobSkipped {
		return false
	}

	if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
		j.Status = workflow.JobRunning
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to mark job running", err, "job_id", jobID)
		return false
	}
	if err := e.store.UpdateWorkflow(ctx, workflowID, func(w *workflow.Workflow) {
		w.MarkCurrent(jobID)
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to record current job", err, "job_id", jobID)
		return false
	}

	workerID := e.dispatcher.Dispatch(ctx, jobID, job.Type, job.Parameters)
	if workerID == "" {
		// Nobody can take it right now. Park it until a worker
		// becomes ready.
		if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
			j.Status = workflow.JobPending
		}); err != nil {
			log.ErrorErr(log.CatEngine, "failed to park job", err, "job_id", jobID)
		}
		if err := e.store.UpdateWorkflow(ctx, workflowID, func(w *workflow.Workflow) {
			w.ClearCurrent(jobID)
		}); err != nil {
			log.ErrorErr(log.CatEngine, "failed to clear current job", err, "job_id", jobID)
		}
		log.Debug(log.CatEngine, "no worker available", "job_id", jobID, "job_type", job.Type)
		return false
	}

	if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
		j.WorkerID = workerID
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to record job worker", err, "job_id", jobID)
	}
	e.publish(EventJobScheduled, workflowID, jobID, string(workflow.JobRunning))
	log.Info(log.CatEngine, "job scheduled", "job_id", jobID, "worker_id", workerID)
	return true
}

// canScheduleJob reports whether a job's dependency precondition holds.
// A job with several predecessor edges fires on the first satisfied one
// (or-join); jobs with no predecessors are entry jobs and always
// eligible; always_run jobs bypass dependency checks entirely.
// Predecessor lookups go through the cached dependency graph.
func (e *Engine) canScheduleJob(ctx context.Context, wf *workflow.Workflow, jobID string) bool {
	if wf.IsCompleted(jobID) || wf.IsFailed(jobID) {
		return false
	}
	job := wf.Job(jobID)
	if job == nil {
		return false
	}
	if wf.IsCurrent(jobID) && job.Status == workflow.JobRunning {
		return false
	}
	if job.AlwaysRun {
		return true
	}

	graph := e.graphFor(ctx, wf)
	if graph == nil {
		return false
	}
	if !graph.HasPredecessors(jobID) {
		return true
	}
	for _, predID := range graph.Predecessors(jobID) {
		pred := graph.Job(predID)
		if wf.IsCompleted(predID) && slices.Contains(pred.OnSuccess, jobID) {
			return true
		}
		if wf.IsFailed(predID) && slices.Contains(pred.OnFailure, jobID) {
			return true
		}
	}
	return false
}

// checkWorkflowCompletion decides whether a running workflow has
// terminated. The workflow stays in flight while jobs are running or
// more work is schedulable; otherwise unreachable jobs are skipped,
// always-run jobs get their final chance, and the terminal status is
// derived from whether anything failed.
func (e *Engine) checkWorkflowCompletion(ctx context.Context, id workflow.WorkflowID) {
	wf, ok := e.store.GetWorkflow(ctx, id)
	if !ok || wf.Status != workflow.StatusRunning {
		return
	}
	if len(wf.CurrentJobs) > 0 {
		return
	}

	for _, job := range wf.Jobs {
		if job.Status == workflow.JobCompleted || job.Status == workflow.JobFailed || job.AlwaysRun {
			continue
		}
		if e.canScheduleJob(ctx, wf, job.ID) {
			// More work can still start; not done yet.
			return
		}
	}

	e.markSkippedJobs(ctx, id)
	e.runAlwaysRunJobs(ctx, id)

	wf, ok = e.store.GetWorkflow(ctx, id)
	if !ok {
		return
	}
	if len(wf.CurrentJobs) > 0 {
		// An always-run job was placed; termination re-evaluates when
		// it reports.
		return
	}

	final := workflow.StatusCompleted
	kind := EventWorkflowCompleted
	if len(wf.FailedJobs) > 0 {
		final = workflow.StatusFailed
		kind = EventWorkflowFailed
	}
	if err := e.store.UpdateWorkflow(ctx, id, func(w *workflow.Workflow) {
		_ = w.TransitionTo(final)
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to finalize workflow", err, "workflow_id", id)
		return
	}
	e.publish(kind, id, "", string(final))
	log.Info(log.CatEngine, "workflow finished", "workflow_id", id, "status", final)
	e.graphs.Delete(ctx, id)
}

// failWorkflow terminates a workflow whose failed job had no failure
// branch. Always-run jobs still get their final chance first.
func (e *Engine) failWorkflow(ctx context.Context, id workflow.WorkflowID) {
	wf, ok := e.store.GetWorkflow(ctx, id)
	if !ok || wf.Status.IsTerminal() {
		return
	}
	// Nothing else will run; skip every pending job outright.
	for _, job := range wf.Jobs {
		if job.AlwaysRun || job.Status != workflow.JobPending {
			continue
		}
		e.skipJob(ctx, id, job.ID)
	}
	if err := e.store.UpdateWorkflow(ctx, id, func(w *workflow.Workflow) {
		_ = w.TransitionTo(workflow.StatusFailed)
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to fail workflow", err, "workflow_id", id)
		return
	}
	e.publish(EventWorkflowFailed, id, "", string(workflow.StatusFailed))
	log.Warn(log.CatEngine, "workflow failed", "workflow_id", id)

	e.runAlwaysRunJobs(ctx, id)
	e.graphs.Delete(ctx, id)
}

// runAlwaysRunJobs schedules every always-run job that has not already
// run. Invoked on every terminal path, including cancellation.
func (e *Engine) runAlwaysRunJobs(ctx context.Context, id workflow.WorkflowID) {
	wf, ok := e.store.GetWorkflow(ctx, id)
	if !ok {
		return
	}
	for _, job := range wf.Jobs {
		if !job.AlwaysRun {
			continue
		}
		if job.Status == workflow.JobCompleted || job.Status == workflow.JobRunning {
			continue
		}
		log.Info(log.CatEngine, "running always-run job", "job_id", job.ID, "workflow_id", id)
		e.scheduleJob(ctx, id, job.ID)
	}
}

// markSkippedJobs marks pending jobs whose dependency precondition can
// no longer be satisfied.
func (e *Engine) markSkippedJobs(ctx context.Context, id workflow.WorkflowID) {
	wf, ok := e.store.GetWorkflow(ctx, id)
	if !ok {
		return
	}
	for _, job := range wf.Jobs {
		if wf.IsCompleted(job.ID) || wf.IsFailed(job.ID) || job.AlwaysRun {
			continue
		}
		if job.Status != workflow.JobPending {
			continue
		}
		if e.canScheduleJob(ctx, wf, job.ID) {
			continue
		}
		e.skipJob(ctx, id, job.ID)
	}
}

func (e *Engine) skipJob(ctx context.Context, id workflow.WorkflowID, jobID string) {
	if err := e.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
		j.Status = workflow.JobSkipped
	}); err != nil {
		log.ErrorErr(log.CatEngine, "failed to skip job", err, "job_id", jobID)
		return
	}
	e.publish(EventJobSkipped, id, jobID, string(workflow.JobSkipped))
	log.Info(log.CatEngine, "job skipped", "job_id", jobID, "workflow_id", id)
}
