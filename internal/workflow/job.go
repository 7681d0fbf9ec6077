package workflow

import (
	"maps"
	"time"
)

// DefaultMaxRetries is the retry budget applied when a definition does
// not specify one.
const DefaultMaxRetries = 3

// Job is a single unit of work within a workflow. The id is stable for
// the life of the workflow and is the key used by the state store, the
// assignment map, and the wire protocol.
//
// Mutation discipline: only the engine mutates Status, RetryCount,
// Result, and Error; only the scheduler sets WorkerID on assignment;
// the registry clears WorkerID on worker failure.
type Job struct {
	ID         string
	WorkflowID WorkflowID
	Type       JobType

	// Parameters are opaque structured data forwarded verbatim to the
	// worker in the job_assignment message.
	Parameters map[string]any

	Status   JobStatus
	WorkerID string // set only while running
	Result   map[string]any
	Error    string

	RetryCount int
	MaxRetries int

	// OnSuccess and OnFailure are ordered successor job ids.
	OnSuccess []string
	OnFailure []string

	// AlwaysRun marks a cleanup-style job scheduled during the terminal
	// pass regardless of other jobs' outcomes.
	AlwaysRun bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob creates a pending Job with the default retry budget.
func NewJob(id string, jobType JobType, params map[string]any) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Type:       jobType,
		Parameters: params,
		Status:     JobPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy of the job. The state store hands out and
// commits clones so that a failed durable write never leaves a
// half-mutated entity in memory.
func (j *Job) Clone() *Job {
	c := *j
	c.Parameters = maps.Clone(j.Parameters)
	c.Result = maps.Clone(j.Result)
	c.OnSuccess = append([]string(nil), j.OnSuccess...)
	c.OnFailure = append([]string(nil), j.OnFailure...)
	return &c
}

// IsTerminal returns true if the job status never changes again.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// CanRetry returns true if the retry budget is not exhausted.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Touch updates the modification timestamp.
func (j *Job) Touch() {
	j.UpdatedAt = time.Now()
}
