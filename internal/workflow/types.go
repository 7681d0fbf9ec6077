// Package workflow provides the core domain entities for workflow
// orchestration: jobs, workflows, workers, assignments, and the
// dependency graph that drives execution. It defines the closed status
// sets and the legal lifecycle transitions for each entity.
package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// WorkflowID uniquely identifies a workflow.
// It is a string-based type using UUID format for global uniqueness.
type WorkflowID string

// NewWorkflowID generates a new unique WorkflowID using UUID v4.
func NewWorkflowID() WorkflowID {
	return WorkflowID(uuid.New().String())
}

// String returns the string representation of the WorkflowID.
func (id WorkflowID) String() string {
	return string(id)
}

// IsValid returns true if the WorkflowID is a valid UUID format.
func (id WorkflowID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// JobType is a label identifying a class of work. A worker declares the
// set of types it can execute; a job is dispatched only to a worker
// whose capabilities include its type.
type JobType string

const (
	JobTypeValidation  JobType = "validation"
	JobTypeProcessing  JobType = "processing"
	JobTypeIntegration JobType = "integration"
	JobTypeCleanup     JobType = "cleanup"
)

// JobTypes returns all recognized job types.
func JobTypes() []JobType {
	return []JobType{JobTypeValidation, JobTypeProcessing, JobTypeIntegration, JobTypeCleanup}
}

// IsValid returns true if this is a recognized JobType value.
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeValidation, JobTypeProcessing, JobTypeIntegration, JobTypeCleanup:
		return true
	}
	return false
}

func (t JobType) String() string {
	return string(t)
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobPending indicates the job has not been dispatched yet, or was
	// reverted after a dispatch attempt found no worker.
	JobPending JobStatus = "pending"
	// JobRunning indicates the job is assigned to a worker.
	JobRunning JobStatus = "running"
	// JobCompleted indicates the worker reported success.
	JobCompleted JobStatus = "completed"
	// JobFailed indicates retries are exhausted or the failure was fatal.
	JobFailed JobStatus = "failed"
	// JobRetrying indicates the job failed and is awaiting redispatch.
	JobRetrying JobStatus = "retrying"
	// JobSkipped indicates the job was never reached on the path the
	// workflow actually took.
	JobSkipped JobStatus = "skipped"
)

// IsValid returns true if this is a recognized JobStatus value.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobRetrying, JobSkipped:
		return true
	}
	return false
}

// IsTerminal returns true for statuses that never change again.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobSkipped
}

func (s JobStatus) String() string {
	return string(s)
}

// Status represents the lifecycle state of a workflow.
// Valid transitions:
//
//	Pending   -> Running, Failed, Cancelled
//	Running   -> Completed, Failed, Cancelled
//	Completed -> (terminal)
//	Failed    -> (terminal)
//	Cancelled -> (terminal)
type Status string

const (
	// StatusPending indicates the workflow is created but not yet started.
	StatusPending Status = "pending"
	// StatusRunning indicates the workflow has in-flight or reachable jobs.
	StatusRunning Status = "running"
	// StatusCompleted indicates every reached job completed.
	StatusCompleted Status = "completed"
	// StatusFailed indicates at least one job failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the workflow was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed state transitions for workflows.
// The key is the current status, the value is a set of valid targets.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true, // Empty entry set fails the workflow before it runs
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	// Terminal states have no valid transitions
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if this status is terminal
// (Completed, Failed, or Cancelled).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if transitioning from the current status
// to the target is valid according to the workflow state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// WorkerStatus represents the availability of a worker.
type WorkerStatus string

const (
	// WorkerIdle indicates the worker is connected and accepting jobs.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy indicates the worker is executing a job.
	WorkerBusy WorkerStatus = "busy"
	// WorkerOffline indicates the worker is known but not reachable.
	WorkerOffline WorkerStatus = "offline"
)

// IsValid returns true if this is a recognized WorkerStatus value.
func (s WorkerStatus) IsValid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerOffline:
		return true
	}
	return false
}

func (s WorkerStatus) String() string {
	return string(s)
}

// DefinitionError describes a problem with a workflow definition:
// duplicate ids, dangling successor references, cycles, unknown job
// types, or missing required fields. Definition errors are surfaced
// synchronously to the caller; the workflow is never created.
type DefinitionError struct {
	Msg string
}

func (e *DefinitionError) Error() string {
	return e.Msg
}

// NewDefinitionError creates a DefinitionError with a formatted message.
func NewDefinitionError(format string, args ...any) *DefinitionError {
	return &DefinitionError{Msg: fmt.Sprintf(format, args...)}
}
