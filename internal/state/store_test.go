package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cascade/internal/workflow"
)

// fakeDurable records saves and can be told to fail.
type fakeDurable struct {
	failNext  error
	workflows map[workflow.WorkflowID]*workflow.Workflow
	jobs      map[string]*workflow.Job
	workers   map[string]*workflow.Worker
	assigns   map[string]workflow.Assignment
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		workflows: make(map[workflow.WorkflowID]*workflow.Workflow),
		jobs:      make(map[string]*workflow.Job),
		workers:   make(map[string]*workflow.Worker),
		assigns:   make(map[string]workflow.Assignment),
	}
}

func (d *fakeDurable) takeErr() error {
	err := d.failNext
	d.failNext = nil
	return err
}

func (d *fakeDurable) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if err := d.takeErr(); err != nil {
		return err
	}
	d.workflows[wf.ID] = wf.Clone()
	return nil
}

func (d *fakeDurable) DeleteWorkflow(_ context.Context, id workflow.WorkflowID) error {
	delete(d.workflows, id)
	return nil
}

func (d *fakeDurable) SaveJob(_ context.Context, j *workflow.Job) error {
	if err := d.takeErr(); err != nil {
		return err
	}
	d.jobs[j.ID] = j.Clone()
	return nil
}

func (d *fakeDurable) DeleteJob(_ context.Context, id string) error {
	delete(d.jobs, id)
	return nil
}

func (d *fakeDurable) SaveWorker(_ context.Context, w *workflow.Worker) error {
	if err := d.takeErr(); err != nil {
		return err
	}
	d.workers[w.ID] = w.Clone()
	return nil
}

func (d *fakeDurable) DeleteWorker(_ context.Context, id string) error {
	delete(d.workers, id)
	return nil
}

func (d *fakeDurable) SaveAssignment(_ context.Context, a workflow.Assignment) error {
	if err := d.takeErr(); err != nil {
		return err
	}
	d.assigns[a.JobID] = a
	return nil
}

func (d *fakeDurable) DeleteAssignment(_ context.Context, jobID string) error {
	delete(d.assigns, jobID)
	return nil
}

func (d *fakeDurable) Load(_ context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	for _, wf := range d.workflows {
		clone := wf.Clone()
		clone.Jobs = nil
		for _, j := range d.jobs {
			if j.WorkflowID == wf.ID {
				clone.Jobs = append(clone.Jobs, j.Clone())
			}
		}
		snap.Workflows = append(snap.Workflows, clone)
	}
	for _, w := range d.workers {
		snap.Workers = append(snap.Workers, w.Clone())
	}
	for _, a := range d.assigns {
		snap.Assignments = append(snap.Assignments, a)
	}
	return snap, nil
}

// erringCache fails every operation; the store must swallow it.
type erringCache struct{}

func (erringCache) SetWorkflow(context.Context, *workflow.Workflow) error { return errors.New("down") }
func (erringCache) GetWorkflow(context.Context, workflow.WorkflowID) (*workflow.Workflow, error) {
	return nil, errors.New("down")
}
func (erringCache) DeleteWorkflow(context.Context, workflow.WorkflowID) error {
	return errors.New("down")
}
func (erringCache) SetJob(context.Context, *workflow.Job) error { return errors.New("down") }
func (erringCache) GetJob(context.Context, string) (*workflow.Job, error) {
	return nil, errors.New("down")
}
func (erringCache) DeleteJob(context.Context, string) error          { return errors.New("down") }
func (erringCache) TouchWorkerHeartbeat(context.Context, string) error { return errors.New("down") }

func testWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	return workflow.New("test", []*workflow.Job{
		workflow.NewJob("a", workflow.JobTypeValidation, nil),
		workflow.NewJob("b", workflow.JobTypeProcessing, nil),
	})
}

func TestStore_WorkflowCRUD(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	wf := testWorkflow(t)

	require.NoError(t, s.AddWorkflow(ctx, wf))
	require.ErrorIs(t, s.AddWorkflow(ctx, wf), ErrAlreadyExists)

	got, ok := s.GetWorkflow(ctx, wf.ID)
	require.True(t, ok)
	require.Equal(t, wf.Name, got.Name)

	// Jobs are reachable through the global job map.
	j, ok := s.GetJob(ctx, "a")
	require.True(t, ok)
	require.Equal(t, wf.ID, j.WorkflowID)

	require.NoError(t, s.RemoveWorkflow(ctx, wf.ID))
	_, ok = s.GetWorkflow(ctx, wf.ID)
	require.False(t, ok)
	_, ok = s.GetJob(ctx, "a")
	require.False(t, ok)

	require.ErrorIs(t, s.RemoveWorkflow(ctx, wf.ID), ErrWorkflowNotFound)
}

func TestStore_ListWorkflows_NewestFirst(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()

	older := testWorkflow(t)
	older.Jobs = nil
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := workflow.New("newer", nil)

	require.NoError(t, s.AddWorkflow(ctx, older))
	require.NoError(t, s.AddWorkflow(ctx, newer))

	list := s.ListWorkflows()
	require.Len(t, list, 2)
	require.Equal(t, newer.ID, list[0].ID)
	require.Equal(t, older.ID, list[1].ID)
}

func TestStore_UpdateJob(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	wf := testWorkflow(t)
	require.NoError(t, s.AddWorkflow(ctx, wf))

	require.NoError(t, s.UpdateJob(ctx, "a", func(j *workflow.Job) {
		j.Status = workflow.JobRunning
		j.WorkerID = "worker-1"
	}))

	j, _ := s.GetJob(ctx, "a")
	require.Equal(t, workflow.JobRunning, j.Status)
	require.Equal(t, "worker-1", j.WorkerID)

	// The workflow's job list observes the same update.
	got, _ := s.GetWorkflow(ctx, wf.ID)
	require.Equal(t, workflow.JobRunning, got.Job("a").Status)

	require.ErrorIs(t, s.UpdateJob(ctx, "ghost", func(*workflow.Job) {}), ErrJobNotFound)
}

func TestStore_DurableFailureAbortsMutation(t *testing.T) {
	durable := newFakeDurable()
	s := New(Options{Durable: durable})
	ctx := context.Background()
	wf := testWorkflow(t)
	require.NoError(t, s.AddWorkflow(ctx, wf))

	durable.failNext = errors.New("disk full")
	err := s.UpdateJob(ctx, "a", func(j *workflow.Job) {
		j.Status = workflow.JobRunning
	})
	require.Error(t, err)

	// Memory unchanged after the aborted write.
	j, _ := s.GetJob(ctx, "a")
	require.Equal(t, workflow.JobPending, j.Status)

	durable.failNext = errors.New("disk full")
	err = s.UpdateWorkflow(ctx, wf.ID, func(w *workflow.Workflow) {
		w.Status = workflow.StatusRunning
	})
	require.Error(t, err)
	got, _ := s.GetWorkflow(ctx, wf.ID)
	require.Equal(t, workflow.StatusPending, got.Status)
}

func TestStore_CacheErrorsAreSwallowed(t *testing.T) {
	s := New(Options{Cache: erringCache{}})
	ctx := context.Background()
	wf := testWorkflow(t)

	require.NoError(t, s.AddWorkflow(ctx, wf))
	require.NoError(t, s.UpdateJob(ctx, "a", func(j *workflow.Job) {
		j.Status = workflow.JobRunning
	}))

	// A failing cache read falls through to not-found, not an error.
	_, ok := s.GetWorkflow(ctx, workflow.NewWorkflowID())
	require.False(t, ok)
}

func TestStore_Workers(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()

	w := workflow.NewWorker("worker-2", []workflow.JobType{workflow.JobTypeValidation})
	require.NoError(t, s.AddWorker(ctx, w))

	// Re-registration replaces the record.
	replacement := workflow.NewWorker("worker-2", []workflow.JobType{workflow.JobTypeCleanup})
	require.NoError(t, s.AddWorker(ctx, replacement))
	got, ok := s.GetWorker("worker-2")
	require.True(t, ok)
	require.Equal(t, []workflow.JobType{workflow.JobTypeCleanup}, got.Capabilities)

	require.NoError(t, s.AddWorker(ctx, workflow.NewWorker("worker-1", nil)))
	list := s.ListWorkers()
	require.Len(t, list, 2)
	require.Equal(t, "worker-1", list[0].ID)

	require.NoError(t, s.UpdateWorker(ctx, "worker-1", func(w *workflow.Worker) {
		w.SetBusy("job-1")
	}))
	got, _ = s.GetWorker("worker-1")
	require.Equal(t, workflow.WorkerBusy, got.Status)

	require.NoError(t, s.RemoveWorker(ctx, "worker-1"))
	require.ErrorIs(t, s.RemoveWorker(ctx, "worker-1"), ErrWorkerNotFound)
}

func TestStore_Assignments(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()

	require.NoError(t, s.AssignJob(ctx, "job-1", "worker-1"))
	require.NoError(t, s.AssignJob(ctx, "job-2", "worker-1"))
	require.NoError(t, s.AssignJob(ctx, "job-3", "worker-2"))

	workerID, ok := s.JobWorker("job-1")
	require.True(t, ok)
	require.Equal(t, "worker-1", workerID)

	require.Equal(t, []string{"job-1", "job-2"}, s.WorkerJobs("worker-1"))
	require.Len(t, s.Assignments(), 3)

	require.NoError(t, s.UnassignJob(ctx, "job-1"))
	_, ok = s.JobWorker("job-1")
	require.False(t, ok)

	// Unassigning twice is a no-op.
	require.NoError(t, s.UnassignJob(ctx, "job-1"))
}

type nopConn struct{}

func (nopConn) WriteJSON(any) error { return nil }
func (nopConn) Close() error        { return nil }

func TestStore_Connections(t *testing.T) {
	s := New(Options{})

	_, ok := s.Connection("worker-1")
	require.False(t, ok)

	s.RecordConnection("worker-1", nopConn{})
	conn, ok := s.Connection("worker-1")
	require.True(t, ok)
	require.NotNil(t, conn)

	s.DropConnection("worker-1")
	_, ok = s.Connection("worker-1")
	require.False(t, ok)
}

func TestStore_Rebuild(t *testing.T) {
	durable := newFakeDurable()
	ctx := context.Background()

	// First lifetime: populate the durable tier.
	first := New(Options{Durable: durable})
	wf := testWorkflow(t)
	require.NoError(t, first.AddWorkflow(ctx, wf))
	require.NoError(t, first.UpdateJob(ctx, "a", func(j *workflow.Job) {
		j.Status = workflow.JobRunning
		j.WorkerID = "worker-1"
	}))
	require.NoError(t, first.AddWorker(ctx, workflow.NewWorker("worker-1", []workflow.JobType{workflow.JobTypeValidation})))
	require.NoError(t, first.AssignJob(ctx, "a", "worker-1"))

	// Second lifetime: rebuild from the same durable tier.
	second := New(Options{Durable: durable})
	require.NoError(t, second.Rebuild(ctx))

	got, ok := second.GetWorkflow(ctx, wf.ID)
	require.True(t, ok)
	require.Len(t, got.Jobs, 2)
	require.Equal(t, workflow.JobRunning, got.Job("a").Status)

	j, ok := second.GetJob(ctx, "a")
	require.True(t, ok)
	require.Equal(t, "worker-1", j.WorkerID)

	_, ok = second.GetWorker("worker-1")
	require.True(t, ok)

	workerID, ok := second.JobWorker("a")
	require.True(t, ok)
	require.Equal(t, "worker-1", workerID)
}

func TestStore_RebuildWithoutDurableIsNoop(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Rebuild(context.Background()))
}
