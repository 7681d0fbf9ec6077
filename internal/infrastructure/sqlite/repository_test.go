package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cascade/internal/testutil"
	"github.com/zjrosen/cascade/internal/workflow"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	db := testutil.NewTestDB(t)
	t.Cleanup(func() { _ = db.Close() })
	return newRepository(db)
}

func sampleWorkflow() *workflow.Workflow {
	a := workflow.NewJob("extract", workflow.JobTypeValidation, map[string]any{"source": "s3://bucket/input"})
	a.OnSuccess = []string{"transform"}
	a.OnFailure = []string{"report"}
	b := workflow.NewJob("transform", workflow.JobTypeProcessing, nil)
	c := workflow.NewJob("report", workflow.JobTypeIntegration, nil)
	d := workflow.NewJob("teardown", workflow.JobTypeCleanup, nil)
	d.AlwaysRun = true
	return workflow.New("etl", []*workflow.Job{a, b, c, d})
}

func TestRepository_WorkflowRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	wf := sampleWorkflow()
	wf.Status = workflow.StatusRunning
	wf.CurrentJobs = []string{"extract"}
	wf.CompletedJobs = []string{"transform"}
	require.NoError(t, repo.SaveWorkflow(ctx, wf))
	for _, j := range wf.Jobs {
		require.NoError(t, repo.SaveJob(ctx, j))
	}

	snapshot, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Workflows, 1)

	got := snapshot.Workflows[0]
	require.Equal(t, wf.ID, got.ID)
	require.Equal(t, "etl", got.Name)
	require.Equal(t, workflow.StatusRunning, got.Status)
	require.Equal(t, []string{"extract"}, got.CurrentJobs)
	require.Equal(t, []string{"transform"}, got.CompletedJobs)
	require.Empty(t, got.FailedJobs)

	// Jobs come back in definition order with every field intact.
	require.Len(t, got.Jobs, 4)
	require.Equal(t, []string{"extract", "transform", "report", "teardown"}, got.JobIDs())

	extract := got.Job("extract")
	require.Equal(t, workflow.JobTypeValidation, extract.Type)
	require.Equal(t, map[string]any{"source": "s3://bucket/input"}, extract.Parameters)
	require.Equal(t, []string{"transform"}, extract.OnSuccess)
	require.Equal(t, []string{"report"}, extract.OnFailure)
	require.True(t, got.Job("teardown").AlwaysRun)
}

func TestRepository_SaveWorkflowIsUpsert(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	wf := sampleWorkflow()
	require.NoError(t, repo.SaveWorkflow(ctx, wf))

	wf.Status = workflow.StatusCompleted
	wf.CompletedJobs = []string{"extract", "transform"}
	require.NoError(t, repo.SaveWorkflow(ctx, wf))

	snapshot, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Workflows, 1)
	require.Equal(t, workflow.StatusCompleted, snapshot.Workflows[0].Status)
	require.Equal(t, []string{"extract", "transform"}, snapshot.Workflows[0].CompletedJobs)
}

func TestRepository_JobUpdatePreservesPosition(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	wf := sampleWorkflow()
	require.NoError(t, repo.SaveWorkflow(ctx, wf))
	for _, j := range wf.Jobs {
		require.NoError(t, repo.SaveJob(ctx, j))
	}

	// Rewrite the first job several times; order must not change.
	extract := wf.Job("extract")
	extract.Status = workflow.JobRunning
	require.NoError(t, repo.SaveJob(ctx, extract))
	extract.Status = workflow.JobCompleted
	extract.Result = map[string]any{"rows": float64(42)}
	require.NoError(t, repo.SaveJob(ctx, extract))

	snapshot, err := repo.Load(ctx)
	require.NoError(t, err)
	got := snapshot.Workflows[0]
	require.Equal(t, []string{"extract", "transform", "report", "teardown"}, got.JobIDs())
	require.Equal(t, workflow.JobCompleted, got.Job("extract").Status)
	require.Equal(t, map[string]any{"rows": float64(42)}, got.Job("extract").Result)
}

func TestRepository_JobErrorAndRetryFields(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	wf := sampleWorkflow()
	require.NoError(t, repo.SaveWorkflow(ctx, wf))
	j := wf.Job("extract")
	j.Status = workflow.JobRetrying
	j.Error = "connection reset"
	j.RetryCount = 2
	j.WorkerID = "worker-1"
	require.NoError(t, repo.SaveJob(ctx, j))

	snapshot, err := repo.Load(ctx)
	require.NoError(t, err)
	got := snapshot.Workflows[0].Job("extract")
	require.Equal(t, workflow.JobRetrying, got.Status)
	require.Equal(t, "connection reset", got.Error)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, "worker-1", got.WorkerID)
}

func TestRepository_DeleteWorkflowAndJobs(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	wf := sampleWorkflow()
	require.NoError(t, repo.SaveWorkflow(ctx, wf))
	for _, j := range wf.Jobs {
		require.NoError(t, repo.SaveJob(ctx, j))
	}
	for _, j := range wf.Jobs {
		require.NoError(t, repo.DeleteJob(ctx, j.ID))
	}
	require.NoError(t, repo.DeleteWorkflow(ctx, wf.ID))

	snapshot, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, snapshot.Workflows)
}

func TestRepository_WorkerRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	w := workflow.NewWorker("worker-1", []workflow.JobType{workflow.JobTypeProcessing, workflow.JobTypeCleanup})
	w.SetBusy("job-1")
	require.NoError(t, repo.SaveWorker(ctx, w))

	snapshot, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Workers, 1)

	got := snapshot.Workers[0]
	require.Equal(t, "worker-1", got.ID)
	require.Equal(t, workflow.WorkerBusy, got.Status)
	require.Equal(t, "job-1", got.CurrentJobID)
	require.Equal(t, []workflow.JobType{workflow.JobTypeProcessing, workflow.JobTypeCleanup}, got.Capabilities)

	require.NoError(t, repo.DeleteWorker(ctx, "worker-1"))
	snapshot, err = repo.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, snapshot.Workers)
}

func TestRepository_AssignmentRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	assigned := time.Now().Truncate(time.Second)
	a := workflow.Assignment{JobID: "job-1", WorkerID: "worker-1", AssignedAt: assigned}
	require.NoError(t, repo.SaveAssignment(ctx, a))

	// Re-assigning the same job replaces the binding.
	a.WorkerID = "worker-2"
	require.NoError(t, repo.SaveAssignment(ctx, a))

	snapshot, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Assignments, 1)
	require.Equal(t, "worker-2", snapshot.Assignments[0].WorkerID)
	require.True(t, snapshot.Assignments[0].AssignedAt.Equal(assigned))

	require.NoError(t, repo.DeleteAssignment(ctx, "job-1"))
	snapshot, err = repo.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, snapshot.Assignments)
}

func TestRepository_LoadBuilderRows(t *testing.T) {
	db := testutil.NewTestDB(t)
	t.Cleanup(func() { _ = db.Close() })
	repo := newRepository(db)

	testutil.NewBuilder(t, db).WithPipelineTestData().Build()

	snapshot, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Workflows, 1)
	require.Len(t, snapshot.Workers, 2)
	require.Len(t, snapshot.Assignments, 1)

	wf := snapshot.Workflows[0]
	require.Equal(t, workflow.StatusRunning, wf.Status)
	require.Equal(t, []string{"extract", "transform", "load", "report", "teardown"}, wf.JobIDs())
	require.Equal(t, "worker-1", wf.Job("transform").WorkerID)
	require.True(t, wf.Job("teardown").AlwaysRun)
	require.Equal(t, "transform", snapshot.Assignments[0].JobID)
}

func TestRepository_LoadEmpty(t *testing.T) {
	repo := newRepo(t)

	snapshot, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, snapshot.Workflows)
	require.Empty(t, snapshot.Workers)
	require.Empty(t, snapshot.Assignments)
}
