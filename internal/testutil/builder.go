package testutil

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type assignmentData struct {
	jobID    string
	workerID string
}

// Builder accumulates test rows and inserts them in the correct order:
// workflows before their jobs, then workers and assignments.
type Builder struct {
	t           *testing.T
	db          *sql.DB
	workflows   []workflowData
	jobs        []jobData
	workers     []workerData
	assignments []assignmentData
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *sql.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithWorkflow adds a workflow row with optional configuration.
func (b *Builder) WithWorkflow(id, name string, opts ...WorkflowOption) *Builder {
	wf := defaultWorkflow(id, name)
	for _, opt := range opts {
		opt(&wf)
	}
	b.workflows = append(b.workflows, wf)
	return b
}

// WithJob adds a job row with optional configuration. Position is
// claimed in insertion order within the workflow.
func (b *Builder) WithJob(id, workflowID, jobType string, opts ...JobOption) *Builder {
	j := defaultJob(id, workflowID, jobType)
	for _, opt := range opts {
		opt(&j)
	}
	b.jobs = append(b.jobs, j)
	return b
}

// WithWorker adds a worker row with optional configuration.
func (b *Builder) WithWorker(id string, opts ...WorkerOption) *Builder {
	w := defaultWorker(id)
	for _, opt := range opts {
		opt(&w)
	}
	b.workers = append(b.workers, w)
	return b
}

// WithAssignment binds a job to a worker.
func (b *Builder) WithAssignment(jobID, workerID string) *Builder {
	b.assignments = append(b.assignments, assignmentData{jobID, workerID})
	return b
}

// Build inserts all accumulated data into the database.
func (b *Builder) Build() {
	b.t.Helper()
	for _, wf := range b.workflows {
		b.insertWorkflow(wf)
	}
	positions := make(map[string]int)
	for _, j := range b.jobs {
		b.insertJob(j, positions[j.workflowID])
		positions[j.workflowID]++
	}
	for _, w := range b.workers {
		b.insertWorker(w)
	}
	for _, a := range b.assignments {
		b.insertAssignment(a)
	}
}

func (b *Builder) insertWorkflow(wf workflowData) {
	b.t.Helper()
	_, err := b.db.Exec(
		`INSERT INTO workflows (id, name, status, current_jobs, completed_jobs, failed_jobs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.id, wf.name, wf.status,
		mustJSON(b.t, wf.currentJobs), mustJSON(b.t, wf.completedJobs), mustJSON(b.t, wf.failedJobs),
		wf.createdAt.Unix(), wf.updatedAt.Unix(),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertJob(j jobData, position int) {
	b.t.Helper()
	var params, result *string
	if j.parameters != nil {
		s := mustJSON(b.t, j.parameters)
		params = &s
	}
	if j.result != nil {
		s := mustJSON(b.t, j.result)
		result = &s
	}
	_, err := b.db.Exec(
		`INSERT INTO jobs (id, workflow_id, type, parameters, status, worker_id, result, error, retry_count, max_retries, on_success, on_failure, always_run, position, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.id, j.workflowID, j.jobType, params, j.status, nullable(j.workerID), result, nullable(j.errMsg),
		j.retryCount, j.maxRetries,
		mustJSON(b.t, j.onSuccess), mustJSON(b.t, j.onFailure),
		j.alwaysRun, position, j.createdAt.Unix(), j.updatedAt.Unix(),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertWorker(w workerData) {
	b.t.Helper()
	_, err := b.db.Exec(
		`INSERT INTO workers (id, status, capabilities, current_job_id, last_heartbeat, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.id, w.status, mustJSON(b.t, w.capabilities), nullable(w.currentJobID),
		w.lastHeartbeat.Unix(), w.registeredAt.Unix(),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertAssignment(a assignmentData) {
	b.t.Helper()
	_, err := b.db.Exec(
		`INSERT INTO assignments (job_id, worker_id, assigned_at) VALUES (?, ?, ?)`,
		a.jobID, a.workerID, time.Now().Unix(),
	)
	require.NoError(b.t, err)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
