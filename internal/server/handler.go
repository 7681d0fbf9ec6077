// Package server exposes the coordinator over HTTP: REST endpoints for
// workflow management, SSE for event streaming, and the websocket
// endpoint workers connect to.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zjrosen/cascade/internal/engine"
	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/registry"
	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/workflow"
)

// Handler provides the coordinator's HTTP endpoints.
type Handler struct {
	store    *state.Store
	engine   *engine.Engine
	registry *registry.Registry
}

// NewHandler creates an API handler.
func NewHandler(store *state.Store, eng *engine.Engine, reg *registry.Registry) *Handler {
	return &Handler{store: store, engine: eng, registry: reg}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Workflow CRUD
	mux.HandleFunc("POST /workflows", h.Create)
	mux.HandleFunc("POST /workflows/definition", h.CreateFromDefinition)
	mux.HandleFunc("GET /workflows", h.List)
	mux.HandleFunc("GET /workflows/{id}", h.Get)
	mux.HandleFunc("DELETE /workflows/{id}", h.Delete)
	mux.HandleFunc("POST /workflows/{id}/start", h.Start)
	mux.HandleFunc("POST /workflows/{id}/cancel", h.Cancel)

	// Jobs
	mux.HandleFunc("GET /workflows/{id}/jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)

	// Workers
	mux.HandleFunc("GET /workers", h.ListWorkers)
	mux.HandleFunc("GET /workers/connect/{id}", h.ConnectWorker)

	// Event streaming
	mux.HandleFunc("GET /events", h.StreamEvents)

	// Health check
	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// === Request/Response Types ===

// JobSpec describes one job in a workflow creation request.
type JobSpec struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	OnSuccess  []string       `json:"on_success,omitempty"`
	OnFailure  []string       `json:"on_failure,omitempty"`
	AlwaysRun  bool           `json:"always_run,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

// CreateWorkflowRequest is the request body for creating a workflow.
type CreateWorkflowRequest struct {
	Name string    `json:"name"`
	Jobs []JobSpec `json:"jobs"`
}

// CreateWorkflowResponse is the response body for creating a workflow.
type CreateWorkflowResponse struct {
	ID string `json:"id"`
}

// JobResponse is the response body for a single job.
type JobResponse struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Status     string         `json:"status"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	OnSuccess  []string       `json:"on_success,omitempty"`
	OnFailure  []string       `json:"on_failure,omitempty"`
	AlwaysRun  bool           `json:"always_run,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// WorkflowResponse is the response body for a single workflow.
type WorkflowResponse struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Status        string        `json:"status"`
	Jobs          []JobResponse `json:"jobs,omitempty"`
	CurrentJobs   []string      `json:"current_jobs"`
	CompletedJobs []string      `json:"completed_jobs"`
	FailedJobs    []string      `json:"failed_jobs"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ListWorkflowsResponse is the response body for listing workflows.
type ListWorkflowsResponse struct {
	Workflows []WorkflowResponse `json:"workflows"`
	Total     int                `json:"total"`
}

// WorkerResponse is the response body for a single worker.
type WorkerResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// ListWorkersResponse is the response body for listing workers.
type ListWorkersResponse struct {
	Workers []WorkerResponse `json:"workers"`
	Total   int              `json:"total"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	Workflows     int    `json:"workflows"`
	Workers       int    `json:"workers"`
	ActiveWorkers int    `json:"active_workers"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Handlers ===

// Create creates a new workflow in pending state.
// POST /workflows
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "name is required", "")
		return
	}
	if len(req.Jobs) == 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "jobs are required", "")
		return
	}

	jobs := make([]*workflow.Job, 0, len(req.Jobs))
	for _, spec := range req.Jobs {
		job := workflow.NewJob(spec.ID, workflow.JobType(spec.Type), spec.Parameters)
		job.OnSuccess = spec.OnSuccess
		job.OnFailure = spec.OnFailure
		job.AlwaysRun = spec.AlwaysRun
		if spec.MaxRetries != nil {
			if *spec.MaxRetries < 0 {
				h.writeError(w, http.StatusBadRequest, "validation_error",
					fmt.Sprintf("job %s: max_retries must be non-negative", spec.ID), "")
				return
			}
			job.MaxRetries = *spec.MaxRetries
		}
		jobs = append(jobs, job)
	}

	wf := workflow.New(req.Name, jobs)
	if err := h.engine.CreateWorkflow(r.Context(), wf); err != nil {
		h.writeError(w, http.StatusBadRequest, "create_failed", "Failed to create workflow", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, CreateWorkflowResponse{ID: string(wf.ID)})
}

// CreateFromDefinition creates a workflow from a YAML definition body.
// POST /workflows/definition
func (h *Handler) CreateFromDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read_failed", "Failed to read body", err.Error())
		return
	}

	wf, err := workflow.Parse(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_definition", "Invalid workflow definition", err.Error())
		return
	}
	if err := h.engine.CreateWorkflow(r.Context(), wf); err != nil {
		h.writeError(w, http.StatusBadRequest, "create_failed", "Failed to create workflow", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, CreateWorkflowResponse{ID: string(wf.ID)})
}

// List returns all workflows, newest first.
// GET /workflows?status=running
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")

	workflows := h.store.ListWorkflows()
	resp := ListWorkflowsResponse{Workflows: make([]WorkflowResponse, 0, len(workflows))}
	for _, wf := range workflows {
		if statusFilter != "" && string(wf.Status) != statusFilter {
			continue
		}
		resp.Workflows = append(resp.Workflows, workflowToResponse(wf, false))
	}
	resp.Total = len(resp.Workflows)

	h.writeJSON(w, http.StatusOK, resp)
}

// Get returns a single workflow with its jobs.
// GET /workflows/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID(r.PathValue("id"))

	wf, ok := h.store.GetWorkflow(r.Context(), id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, workflowToResponse(wf, true))
}

// Delete removes a workflow and its jobs.
// DELETE /workflows/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID(r.PathValue("id"))

	if err := h.store.RemoveWorkflow(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrWorkflowNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete workflow", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start begins executing a pending workflow.
// POST /workflows/{id}/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID(r.PathValue("id"))

	if err := h.engine.StartWorkflow(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrWorkflowNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "start_failed", "Failed to start workflow", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel cancels a pending or running workflow.
// POST /workflows/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID(r.PathValue("id"))

	if err := h.engine.CancelWorkflow(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrWorkflowNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "cancel_failed", "Failed to cancel workflow", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs returns the jobs of one workflow in definition order.
// GET /workflows/{id}/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	id := workflow.WorkflowID(r.PathValue("id"))

	wf, ok := h.store.GetWorkflow(r.Context(), id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Workflow not found", "")
		return
	}

	jobs := make([]JobResponse, 0, len(wf.Jobs))
	for _, j := range wf.Jobs {
		jobs = append(jobs, jobToResponse(j))
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob returns a single job.
// GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.store.GetJob(r.Context(), r.PathValue("id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// ListWorkers returns all known workers.
// GET /workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.store.ListWorkers()
	resp := ListWorkersResponse{Workers: make([]WorkerResponse, 0, len(workers)), Total: len(workers)}
	for _, worker := range workers {
		resp.Workers = append(resp.Workers, workerToResponse(worker))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// StreamEvents streams engine events via SSE.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	events := h.engine.Events().Subscribe(r.Context())

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	// Heartbeat comments keep idle connections alive through proxies.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				log.ErrorErr(log.CatAPI, "failed to marshal event", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Payload.Kind, data)
			flusher.Flush()
		}
	}
}

// Health returns coordinator liveness plus basic counts.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	workers := h.store.ListWorkers()
	active := 0
	for _, worker := range workers {
		if worker.Status != workflow.WorkerOffline {
			active++
		}
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Workflows:     len(h.store.ListWorkflows()),
		Workers:       len(workers),
		ActiveWorkers: active,
	})
}

// === Helpers ===

func workflowToResponse(wf *workflow.Workflow, includeJobs bool) WorkflowResponse {
	resp := WorkflowResponse{
		ID:            string(wf.ID),
		Name:          wf.Name,
		Status:        string(wf.Status),
		CurrentJobs:   emptyIfNil(wf.CurrentJobs),
		CompletedJobs: emptyIfNil(wf.CompletedJobs),
		FailedJobs:    emptyIfNil(wf.FailedJobs),
		CreatedAt:     wf.CreatedAt,
		UpdatedAt:     wf.UpdatedAt,
	}
	if includeJobs {
		resp.Jobs = make([]JobResponse, 0, len(wf.Jobs))
		for _, j := range wf.Jobs {
			resp.Jobs = append(resp.Jobs, jobToResponse(j))
		}
	}
	return resp
}

func jobToResponse(j *workflow.Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		WorkflowID: string(j.WorkflowID),
		Type:       string(j.Type),
		Parameters: j.Parameters,
		Status:     string(j.Status),
		WorkerID:   j.WorkerID,
		Result:     j.Result,
		Error:      j.Error,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		OnSuccess:  j.OnSuccess,
		OnFailure:  j.OnFailure,
		AlwaysRun:  j.AlwaysRun,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func workerToResponse(w *workflow.Worker) WorkerResponse {
	capabilities := make([]string, 0, len(w.Capabilities))
	for _, c := range w.Capabilities {
		capabilities = append(capabilities, string(c))
	}
	return WorkerResponse{
		ID:            w.ID,
		Status:        string(w.Status),
		Capabilities:  capabilities,
		CurrentJobID:  w.CurrentJobID,
		LastHeartbeat: w.LastHeartbeat,
		RegisteredAt:  w.RegisteredAt,
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
