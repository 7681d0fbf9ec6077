package workflow

import (
	"fmt"
	"slices"
	"time"
)

// Workflow is a directed job graph driven to a terminal outcome by the
// engine. The three id-sets are pairwise disjoint at every quiescent
// moment; CurrentJobs holds in-flight job ids in dispatch order.
type Workflow struct {
	ID     WorkflowID
	Name   string
	Status Status

	// Jobs in definition order. Entry jobs are dispatched in this order.
	Jobs []*Job

	CurrentJobs   []string
	CompletedJobs []string
	FailedJobs    []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates a pending workflow with a fresh id and wires each job's
// WorkflowID back-reference.
func New(name string, jobs []*Job) *Workflow {
	now := time.Now()
	wf := &Workflow{
		ID:        NewWorkflowID(),
		Name:      name,
		Status:    StatusPending,
		Jobs:      jobs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, j := range jobs {
		j.WorkflowID = wf.ID
	}
	return wf
}

// Clone returns a deep copy of the workflow, including its jobs.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Jobs = make([]*Job, len(w.Jobs))
	for i, j := range w.Jobs {
		c.Jobs[i] = j.Clone()
	}
	c.CurrentJobs = append([]string(nil), w.CurrentJobs...)
	c.CompletedJobs = append([]string(nil), w.CompletedJobs...)
	c.FailedJobs = append([]string(nil), w.FailedJobs...)
	return &c
}

// TransitionTo attempts to transition the workflow to the target status.
// Returns an error if the transition is not valid from the current status.
func (w *Workflow) TransitionTo(target Status) error {
	if !w.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid workflow transition from %s to %s", w.Status, target)
	}
	w.Status = target
	w.UpdatedAt = time.Now()
	return nil
}

// IsTerminal returns true if the workflow is in a terminal status.
func (w *Workflow) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// Job returns the job with the given id, or nil if not present.
func (w *Workflow) Job(id string) *Job {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// JobIDs returns all job ids in definition order.
func (w *Workflow) JobIDs() []string {
	ids := make([]string, len(w.Jobs))
	for i, j := range w.Jobs {
		ids[i] = j.ID
	}
	return ids
}

// MarkCurrent appends a job id to CurrentJobs if not already present.
func (w *Workflow) MarkCurrent(jobID string) {
	if !slices.Contains(w.CurrentJobs, jobID) {
		w.CurrentJobs = append(w.CurrentJobs, jobID)
		w.UpdatedAt = time.Now()
	}
}

// ClearCurrent removes a job id from CurrentJobs.
func (w *Workflow) ClearCurrent(jobID string) {
	if i := slices.Index(w.CurrentJobs, jobID); i >= 0 {
		w.CurrentJobs = slices.Delete(w.CurrentJobs, i, i+1)
		w.UpdatedAt = time.Now()
	}
}

// MarkCompleted moves a job id from CurrentJobs into CompletedJobs.
func (w *Workflow) MarkCompleted(jobID string) {
	w.ClearCurrent(jobID)
	if !slices.Contains(w.CompletedJobs, jobID) {
		w.CompletedJobs = append(w.CompletedJobs, jobID)
		w.UpdatedAt = time.Now()
	}
}

// MarkFailed moves a job id from CurrentJobs into FailedJobs.
func (w *Workflow) MarkFailed(jobID string) {
	w.ClearCurrent(jobID)
	if !slices.Contains(w.FailedJobs, jobID) {
		w.FailedJobs = append(w.FailedJobs, jobID)
		w.UpdatedAt = time.Now()
	}
}

// IsCurrent returns true if the job id is in CurrentJobs.
func (w *Workflow) IsCurrent(jobID string) bool {
	return slices.Contains(w.CurrentJobs, jobID)
}

// IsCompleted returns true if the job id is in CompletedJobs.
func (w *Workflow) IsCompleted(jobID string) bool {
	return slices.Contains(w.CompletedJobs, jobID)
}

// IsFailed returns true if the job id is in FailedJobs.
func (w *Workflow) IsFailed(jobID string) bool {
	return slices.Contains(w.FailedJobs, jobID)
}

// Assignment is a binding of a job to a worker, held only while the job
// is in-flight.
type Assignment struct {
	JobID      string
	WorkerID   string
	AssignedAt time.Time
}

// Worker is a remote process that executes jobs of the types it
// declared at registration. Invariant: Status == busy iff CurrentJobID
// is non-empty.
type Worker struct {
	ID            string
	Status        WorkerStatus
	Capabilities  []JobType
	CurrentJobID  string
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// NewWorker creates an idle worker with a fresh heartbeat.
func NewWorker(id string, capabilities []JobType) *Worker {
	now := time.Now()
	return &Worker{
		ID:            id,
		Status:        WorkerIdle,
		Capabilities:  capabilities,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

// Clone returns a deep copy of the worker.
func (w *Worker) Clone() *Worker {
	c := *w
	c.Capabilities = append([]JobType(nil), w.Capabilities...)
	return &c
}

// CanExecute returns true if the worker declared the given job type.
func (w *Worker) CanExecute(t JobType) bool {
	return slices.Contains(w.Capabilities, t)
}

// SetBusy marks the worker busy with the given job.
func (w *Worker) SetBusy(jobID string) {
	w.Status = WorkerBusy
	w.CurrentJobID = jobID
}

// SetIdle marks the worker idle and clears its current job.
func (w *Worker) SetIdle() {
	w.Status = WorkerIdle
	w.CurrentJobID = ""
}

// RecordHeartbeat updates the last heartbeat timestamp.
func (w *Worker) RecordHeartbeat() {
	w.LastHeartbeat = time.Now()
}
