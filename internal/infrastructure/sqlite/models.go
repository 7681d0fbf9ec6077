package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/cascade/internal/workflow"
)

// WorkflowModel is the database row for the workflows table. Id-lists
// are JSON encoded; time values are Unix timestamps.
type WorkflowModel struct {
	ID            string
	Name          string
	Status        string
	CurrentJobs   string
	CompletedJobs string
	FailedJobs    string
	CreatedAt     int64
	UpdatedAt     int64
}

// JobModel is the database row for the jobs table.
type JobModel struct {
	ID         string
	WorkflowID string
	Type       string
	Parameters *string // nullable, JSON encoded
	Status     string
	WorkerID   *string // nullable
	Result     *string // nullable, JSON encoded
	Error      *string // nullable
	RetryCount int
	MaxRetries int
	OnSuccess  string
	OnFailure  string
	AlwaysRun  bool
	Position   int
	CreatedAt  int64
	UpdatedAt  int64
}

// WorkerModel is the database row for the workers table.
type WorkerModel struct {
	ID            string
	Status        string
	Capabilities  string
	CurrentJobID  *string // nullable
	LastHeartbeat int64
	RegisteredAt  int64
}

func toWorkflowModel(wf *workflow.Workflow) *WorkflowModel {
	return &WorkflowModel{
		ID:            string(wf.ID),
		Name:          wf.Name,
		Status:        string(wf.Status),
		CurrentJobs:   encodeStrings(wf.CurrentJobs),
		CompletedJobs: encodeStrings(wf.CompletedJobs),
		FailedJobs:    encodeStrings(wf.FailedJobs),
		CreatedAt:     wf.CreatedAt.Unix(),
		UpdatedAt:     wf.UpdatedAt.Unix(),
	}
}

func (m *WorkflowModel) toDomain() *workflow.Workflow {
	return &workflow.Workflow{
		ID:            workflow.WorkflowID(m.ID),
		Name:          m.Name,
		Status:        workflow.Status(m.Status),
		CurrentJobs:   decodeStrings(m.CurrentJobs),
		CompletedJobs: decodeStrings(m.CompletedJobs),
		FailedJobs:    decodeStrings(m.FailedJobs),
		CreatedAt:     time.Unix(m.CreatedAt, 0),
		UpdatedAt:     time.Unix(m.UpdatedAt, 0),
	}
}

func toJobModel(j *workflow.Job) *JobModel {
	m := &JobModel{
		ID:         j.ID,
		WorkflowID: string(j.WorkflowID),
		Type:       string(j.Type),
		Status:     string(j.Status),
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		OnSuccess:  encodeStrings(j.OnSuccess),
		OnFailure:  encodeStrings(j.OnFailure),
		AlwaysRun:  j.AlwaysRun,
		CreatedAt:  j.CreatedAt.Unix(),
		UpdatedAt:  j.UpdatedAt.Unix(),
	}
	if len(j.Parameters) > 0 {
		if data, err := json.Marshal(j.Parameters); err == nil {
			s := string(data)
			m.Parameters = &s
		}
	}
	if j.WorkerID != "" {
		workerID := j.WorkerID
		m.WorkerID = &workerID
	}
	if len(j.Result) > 0 {
		if data, err := json.Marshal(j.Result); err == nil {
			s := string(data)
			m.Result = &s
		}
	}
	if j.Error != "" {
		errMsg := j.Error
		m.Error = &errMsg
	}
	return m
}

func (m *JobModel) toDomain() *workflow.Job {
	j := &workflow.Job{
		ID:         m.ID,
		WorkflowID: workflow.WorkflowID(m.WorkflowID),
		Type:       workflow.JobType(m.Type),
		Status:     workflow.JobStatus(m.Status),
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		OnSuccess:  decodeStrings(m.OnSuccess),
		OnFailure:  decodeStrings(m.OnFailure),
		AlwaysRun:  m.AlwaysRun,
		CreatedAt:  time.Unix(m.CreatedAt, 0),
		UpdatedAt:  time.Unix(m.UpdatedAt, 0),
	}
	if m.Parameters != nil {
		_ = json.Unmarshal([]byte(*m.Parameters), &j.Parameters)
	}
	if m.WorkerID != nil {
		j.WorkerID = *m.WorkerID
	}
	if m.Result != nil {
		_ = json.Unmarshal([]byte(*m.Result), &j.Result)
	}
	if m.Error != nil {
		j.Error = *m.Error
	}
	return j
}

func toWorkerModel(w *workflow.Worker) *WorkerModel {
	capabilities := make([]string, len(w.Capabilities))
	for i, c := range w.Capabilities {
		capabilities[i] = string(c)
	}
	m := &WorkerModel{
		ID:            w.ID,
		Status:        string(w.Status),
		Capabilities:  encodeStrings(capabilities),
		LastHeartbeat: w.LastHeartbeat.Unix(),
		RegisteredAt:  w.RegisteredAt.Unix(),
	}
	if w.CurrentJobID != "" {
		currentJobID := w.CurrentJobID
		m.CurrentJobID = &currentJobID
	}
	return m
}

func (m *WorkerModel) toDomain() *workflow.Worker {
	var capabilities []workflow.JobType
	for _, c := range decodeStrings(m.Capabilities) {
		capabilities = append(capabilities, workflow.JobType(c))
	}
	w := &workflow.Worker{
		ID:            m.ID,
		Status:        workflow.WorkerStatus(m.Status),
		Capabilities:  capabilities,
		LastHeartbeat: time.Unix(m.LastHeartbeat, 0),
		RegisteredAt:  time.Unix(m.RegisteredAt, 0),
	}
	if m.CurrentJobID != nil {
		w.CurrentJobID = *m.CurrentJobID
	}
	return w
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(encoded string) []string {
	var values []string
	_ = json.Unmarshal([]byte(encoded), &values)
	return values
}
