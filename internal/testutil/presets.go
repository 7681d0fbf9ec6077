package testutil

// WithPipelineTestData adds a running four-job pipeline with one
// completed job, one in flight on worker-1, and a pending remainder.
func (b *Builder) WithPipelineTestData() *Builder {
	return b.
		WithWorkflow("wf-1", "etl",
			WorkflowStatus("running"),
			CurrentJobs("transform"),
			CompletedJobs("extract")).
		WithJob("extract", "wf-1", "validation",
			JobStatus("completed"),
			Parameters(map[string]any{"source": "s3://bucket/input"}),
			Result(map[string]any{"rows": float64(42)}),
			OnSuccess("transform")).
		WithJob("transform", "wf-1", "processing",
			JobStatus("running"),
			AssignedWorker("worker-1"),
			OnSuccess("load"),
			OnFailure("report")).
		WithJob("load", "wf-1", "integration").
		WithJob("report", "wf-1", "integration").
		WithJob("teardown", "wf-1", "cleanup", AlwaysRun()).
		WithWorker("worker-1",
			WorkerStatus("busy"),
			Capabilities("validation", "processing"),
			CurrentJob("transform")).
		WithWorker("worker-2",
			Capabilities("integration", "cleanup")).
		WithAssignment("transform", "worker-1")
}
