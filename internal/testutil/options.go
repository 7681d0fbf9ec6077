package testutil

import "time"

type workflowData struct {
	id            string
	name          string
	status        string
	currentJobs   []string
	completedJobs []string
	failedJobs    []string
	createdAt     time.Time
	updatedAt     time.Time
}

func defaultWorkflow(id, name string) workflowData {
	now := time.Now()
	return workflowData{
		id:            id,
		name:          name,
		status:        "pending",
		currentJobs:   []string{},
		completedJobs: []string{},
		failedJobs:    []string{},
		createdAt:     now,
		updatedAt:     now,
	}
}

// WorkflowOption configures a workflow row.
type WorkflowOption func(*workflowData)

// WorkflowStatus sets the workflow status.
func WorkflowStatus(status string) WorkflowOption {
	return func(wf *workflowData) { wf.status = status }
}

// CurrentJobs sets the running job set.
func CurrentJobs(ids ...string) WorkflowOption {
	return func(wf *workflowData) { wf.currentJobs = ids }
}

// CompletedJobs sets the completed job set.
func CompletedJobs(ids ...string) WorkflowOption {
	return func(wf *workflowData) { wf.completedJobs = ids }
}

// FailedJobs sets the failed job set.
func FailedJobs(ids ...string) WorkflowOption {
	return func(wf *workflowData) { wf.failedJobs = ids }
}

// WorkflowCreatedAt sets the creation time.
func WorkflowCreatedAt(at time.Time) WorkflowOption {
	return func(wf *workflowData) { wf.createdAt = at }
}

type jobData struct {
	id         string
	workflowID string
	jobType    string
	parameters map[string]any
	status     string
	workerID   string
	result     map[string]any
	errMsg     string
	retryCount int
	maxRetries int
	onSuccess  []string
	onFailure  []string
	alwaysRun  bool
	createdAt  time.Time
	updatedAt  time.Time
}

func defaultJob(id, workflowID, jobType string) jobData {
	now := time.Now()
	return jobData{
		id:         id,
		workflowID: workflowID,
		jobType:    jobType,
		status:     "pending",
		maxRetries: 3,
		onSuccess:  []string{},
		onFailure:  []string{},
		createdAt:  now,
		updatedAt:  now,
	}
}

// JobOption configures a job row.
type JobOption func(*jobData)

// JobStatus sets the job status.
func JobStatus(status string) JobOption {
	return func(j *jobData) { j.status = status }
}

// Parameters sets the job parameters.
func Parameters(params map[string]any) JobOption {
	return func(j *jobData) { j.parameters = params }
}

// AssignedWorker sets the executing worker id.
func AssignedWorker(workerID string) JobOption {
	return func(j *jobData) { j.workerID = workerID }
}

// Result sets the job result.
func Result(result map[string]any) JobOption {
	return func(j *jobData) { j.result = result }
}

// JobError sets the last failure message.
func JobError(msg string) JobOption {
	return func(j *jobData) { j.errMsg = msg }
}

// Retries sets the retry counters.
func Retries(count, max int) JobOption {
	return func(j *jobData) { j.retryCount = count; j.maxRetries = max }
}

// OnSuccess sets the success successors.
func OnSuccess(ids ...string) JobOption {
	return func(j *jobData) { j.onSuccess = ids }
}

// OnFailure sets the failure successors.
func OnFailure(ids ...string) JobOption {
	return func(j *jobData) { j.onFailure = ids }
}

// AlwaysRun marks the job as an always-run job.
func AlwaysRun() JobOption {
	return func(j *jobData) { j.alwaysRun = true }
}

type workerData struct {
	id            string
	status        string
	capabilities  []string
	currentJobID  string
	lastHeartbeat time.Time
	registeredAt  time.Time
}

func defaultWorker(id string) workerData {
	now := time.Now()
	return workerData{
		id:            id,
		status:        "idle",
		capabilities:  []string{},
		lastHeartbeat: now,
		registeredAt:  now,
	}
}

// WorkerOption configures a worker row.
type WorkerOption func(*workerData)

// WorkerStatus sets the worker status.
func WorkerStatus(status string) WorkerOption {
	return func(w *workerData) { w.status = status }
}

// Capabilities sets the worker's job types.
func Capabilities(types ...string) WorkerOption {
	return func(w *workerData) { w.capabilities = types }
}

// CurrentJob sets the job the worker is executing.
func CurrentJob(jobID string) WorkerOption {
	return func(w *workerData) { w.currentJobID = jobID }
}

// LastHeartbeat sets the last heartbeat time.
func LastHeartbeat(at time.Time) WorkerOption {
	return func(w *workerData) { w.lastHeartbeat = at }
}
