// Package state provides the authoritative store for workflows, jobs,
// workers, assignments, and live connections. Memory is the source of
// truth; an optional durable tier is written through on every mutation
// and an optional cache tier is kept best-effort.
package state

import (
	"context"
	"errors"

	"github.com/zjrosen/cascade/internal/workflow"
)

// Sentinel errors returned by store operations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrAlreadyExists    = errors.New("already exists")
)

// Conn is a live worker connection. Implementations must serialise
// concurrent writes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Durable is the write-through persistence tier. A save failure aborts
// the store mutation that triggered it; memory is left unchanged.
type Durable interface {
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error
	DeleteWorkflow(ctx context.Context, id workflow.WorkflowID) error

	SaveJob(ctx context.Context, job *workflow.Job) error
	DeleteJob(ctx context.Context, id string) error

	SaveWorker(ctx context.Context, w *workflow.Worker) error
	DeleteWorker(ctx context.Context, id string) error

	SaveAssignment(ctx context.Context, a workflow.Assignment) error
	DeleteAssignment(ctx context.Context, jobID string) error

	// Load returns everything needed to rebuild memory after restart.
	Load(ctx context.Context) (*Snapshot, error)
}

// Snapshot is the durable tier's full contents, used for rebuild.
type Snapshot struct {
	Workflows   []*workflow.Workflow // jobs populated
	Workers     []*workflow.Worker
	Assignments []workflow.Assignment
}

// Cache is the best-effort tier. Errors are logged and swallowed by
// the store; a cache must never fail a mutation.
type Cache interface {
	SetWorkflow(ctx context.Context, wf *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id workflow.WorkflowID) (*workflow.Workflow, error)
	DeleteWorkflow(ctx context.Context, id workflow.WorkflowID) error

	SetJob(ctx context.Context, job *workflow.Job) error
	GetJob(ctx context.Context, id string) (*workflow.Job, error)
	DeleteJob(ctx context.Context, id string) error

	// TouchWorkerHeartbeat refreshes the worker's liveness key.
	TouchWorkerHeartbeat(ctx context.Context, workerID string) error
}

// ErrCacheMiss is returned by Cache reads when the key is absent.
var ErrCacheMiss = errors.New("cache miss")
