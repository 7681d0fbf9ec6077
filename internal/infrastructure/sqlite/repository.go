package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/workflow"
)

const workflowColumns = `id, name, status, current_jobs, completed_jobs, failed_jobs, created_at, updated_at`

const jobColumns = `id, workflow_id, type, parameters, status, worker_id, result, error,
	retry_count, max_retries, on_success, on_failure, always_run, position, created_at, updated_at`

const workerColumns = `id, status, capabilities, current_job_id, last_heartbeat, registered_at`

// Repository implements the store's durable tier on SQLite. Every save
// is an upsert keyed on the entity id; the write-through discipline in
// the store means saves are frequent and idempotent.
type Repository struct {
	db *sql.DB
}

func newRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ state.Durable = (*Repository)(nil)

func (r *Repository) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	m := toWorkflowModel(wf)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			current_jobs = excluded.current_jobs,
			completed_jobs = excluded.completed_jobs,
			failed_jobs = excluded.failed_jobs,
			updated_at = excluded.updated_at`,
		m.ID, m.Name, m.Status, m.CurrentJobs, m.CompletedJobs, m.FailedJobs, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", m.ID, err)
	}
	return nil
}

func (r *Repository) DeleteWorkflow(ctx context.Context, id workflow.WorkflowID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}

func (r *Repository) SaveJob(ctx context.Context, job *workflow.Job) error {
	m := toJobModel(job)
	// Position is claimed on first insert and preserved on updates so
	// that rebuild returns jobs in definition order.
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COUNT(*) FROM jobs WHERE workflow_id = ?), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parameters = excluded.parameters,
			status = excluded.status,
			worker_id = excluded.worker_id,
			result = excluded.result,
			error = excluded.error,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			on_success = excluded.on_success,
			on_failure = excluded.on_failure,
			always_run = excluded.always_run,
			updated_at = excluded.updated_at`,
		m.ID, m.WorkflowID, m.Type, m.Parameters, m.Status, m.WorkerID, m.Result, m.Error,
		m.RetryCount, m.MaxRetries, m.OnSuccess, m.OnFailure, m.AlwaysRun,
		m.WorkflowID, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", m.ID, err)
	}
	return nil
}

func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (r *Repository) SaveWorker(ctx context.Context, w *workflow.Worker) error {
	m := toWorkerModel(w)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			capabilities = excluded.capabilities,
			current_job_id = excluded.current_job_id,
			last_heartbeat = excluded.last_heartbeat,
			registered_at = excluded.registered_at`,
		m.ID, m.Status, m.Capabilities, m.CurrentJobID, m.LastHeartbeat, m.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("save worker %s: %w", m.ID, err)
	}
	return nil
}

func (r *Repository) DeleteWorker(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

func (r *Repository) SaveAssignment(ctx context.Context, a workflow.Assignment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO assignments (job_id, worker_id, assigned_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			worker_id = excluded.worker_id,
			assigned_at = excluded.assigned_at`,
		a.JobID, a.WorkerID, a.AssignedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save assignment %s: %w", a.JobID, err)
	}
	return nil
}

func (r *Repository) DeleteAssignment(ctx context.Context, jobID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM assignments WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete assignment %s: %w", jobID, err)
	}
	return nil
}

// Load reads the full durable contents for a store rebuild. Jobs come
// back attached to their workflows in definition order.
func (r *Repository) Load(ctx context.Context) (*state.Snapshot, error) {
	workflows, err := r.loadWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.attachJobs(ctx, workflows); err != nil {
		return nil, err
	}
	workers, err := r.loadWorkers(ctx)
	if err != nil {
		return nil, err
	}
	assignments, err := r.loadAssignments(ctx)
	if err != nil {
		return nil, err
	}

	ordered := make([]*workflow.Workflow, 0, len(workflows))
	for _, wf := range workflows {
		ordered = append(ordered, wf)
	}
	return &state.Snapshot{
		Workflows:   ordered,
		Workers:     workers,
		Assignments: assignments,
	}, nil
}

func (r *Repository) loadWorkflows(ctx context.Context) (map[string]*workflow.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows`)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	workflows := make(map[string]*workflow.Workflow)
	for rows.Next() {
		var m WorkflowModel
		if err := rows.Scan(&m.ID, &m.Name, &m.Status, &m.CurrentJobs, &m.CompletedJobs,
			&m.FailedJobs, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		workflows[m.ID] = m.toDomain()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow rows: %w", err)
	}
	return workflows, nil
}

func (r *Repository) attachJobs(ctx context.Context, workflows map[string]*workflow.Workflow) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY workflow_id, position`)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var m JobModel
		if err := rows.Scan(&m.ID, &m.WorkflowID, &m.Type, &m.Parameters, &m.Status,
			&m.WorkerID, &m.Result, &m.Error, &m.RetryCount, &m.MaxRetries,
			&m.OnSuccess, &m.OnFailure, &m.AlwaysRun, &m.Position,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return fmt.Errorf("scan job row: %w", err)
		}
		wf, ok := workflows[m.WorkflowID]
		if !ok {
			// Orphan row; nothing to attach it to.
			continue
		}
		wf.Jobs = append(wf.Jobs, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate job rows: %w", err)
	}
	return nil
}

func (r *Repository) loadWorkers(ctx context.Context) ([]*workflow.Worker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*workflow.Worker
	for rows.Next() {
		var m WorkerModel
		if err := rows.Scan(&m.ID, &m.Status, &m.Capabilities, &m.CurrentJobID,
			&m.LastHeartbeat, &m.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		workers = append(workers, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker rows: %w", err)
	}
	return workers, nil
}

func (r *Repository) loadAssignments(ctx context.Context) ([]workflow.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT job_id, worker_id, assigned_at FROM assignments`)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var assignments []workflow.Assignment
	for rows.Next() {
		var jobID, workerID string
		var assignedAt int64
		if err := rows.Scan(&jobID, &workerID, &assignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment row: %w", err)
		}
		assignments = append(assignments, workflow.Assignment{
			JobID:      jobID,
			WorkerID:   workerID,
			AssignedAt: time.Unix(assignedAt, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment rows: %w", err)
	}
	return assignments, nil
}
