package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/workflow"
)

// Store is the single authority over orchestrator state. All mutations
// are serialised by one coarse lock; the critical sections are short
// (map lookups, small list edits) so the simplicity wins over
// fine-grained locking.
//
// When a durable tier is configured, every mutation is written through
// before memory is touched; a durable failure aborts the mutation.
// Cache failures are logged and swallowed.
type Store struct {
	mu          sync.RWMutex
	workflows   map[workflow.WorkflowID]*workflow.Workflow
	jobs        map[string]*workflow.Job
	workers     map[string]*workflow.Worker
	assignments map[string]workflow.Assignment
	conns       map[string]Conn

	durable Durable
	cache   Cache
}

// Options configures the optional persistence tiers.
type Options struct {
	Durable Durable
	Cache   Cache
}

// New creates a Store. Both tiers are optional; absent both, the store
// is memory-only.
func New(opts Options) *Store {
	return &Store{
		workflows:   make(map[workflow.WorkflowID]*workflow.Workflow),
		jobs:        make(map[string]*workflow.Job),
		workers:     make(map[string]*workflow.Worker),
		assignments: make(map[string]workflow.Assignment),
		conns:       make(map[string]Conn),
		durable:     opts.Durable,
		cache:       opts.Cache,
	}
}

// Persistent returns true when a durable tier is configured.
func (s *Store) Persistent() bool {
	return s.durable != nil
}

// AddWorkflow stores a workflow and all of its jobs.
func (s *Store) AddWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow cannot be nil")
	}
	if !wf.ID.IsValid() {
		return fmt.Errorf("workflow has invalid ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrAlreadyExists)
	}

	if s.durable != nil {
		if err := s.durable.SaveWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
		for _, j := range wf.Jobs {
			if err := s.durable.SaveJob(ctx, j); err != nil {
				return fmt.Errorf("persist job %s: %w", j.ID, err)
			}
		}
	}

	s.workflows[wf.ID] = wf
	for _, j := range wf.Jobs {
		s.jobs[j.ID] = j
	}

	s.cacheWorkflow(ctx, wf)
	log.Debug(log.CatState, "workflow added", "workflow_id", wf.ID, "jobs", len(wf.Jobs))
	return nil
}

// GetWorkflow retrieves a workflow, memory first, cache on miss.
func (s *Store) GetWorkflow(ctx context.Context, id workflow.WorkflowID) (*workflow.Workflow, bool) {
	s.mu.RLock()
	wf, ok := s.workflows[id]
	s.mu.RUnlock()
	if ok {
		return wf, true
	}

	if s.cache == nil {
		return nil, false
	}
	cached, err := s.cache.GetWorkflow(ctx, id)
	if err != nil {
		if err != ErrCacheMiss {
			log.ErrorErr(log.CatCache, "workflow cache read failed", err, "workflow_id", id)
		}
		return nil, false
	}

	// Backfill memory so subsequent reads stay on the hot path.
	s.mu.Lock()
	if existing, ok := s.workflows[id]; ok {
		s.mu.Unlock()
		return existing, true
	}
	s.workflows[id] = cached
	for _, j := range cached.Jobs {
		s.jobs[j.ID] = j
	}
	s.mu.Unlock()
	return cached, true
}

// RemoveWorkflow deletes a workflow and its jobs.
func (s *Store) RemoveWorkflow(ctx context.Context, id workflow.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}

	if s.durable != nil {
		for _, j := range wf.Jobs {
			if err := s.durable.DeleteJob(ctx, j.ID); err != nil {
				return fmt.Errorf("delete job %s: %w", j.ID, err)
			}
		}
		if err := s.durable.DeleteWorkflow(ctx, id); err != nil {
			return fmt.Errorf("delete workflow %s: %w", id, err)
		}
	}

	for _, j := range wf.Jobs {
		delete(s.jobs, j.ID)
		if s.cache != nil {
			if err := s.cache.DeleteJob(ctx, j.ID); err != nil {
				log.ErrorErr(log.CatCache, "job cache delete failed", err, "job_id", j.ID)
			}
		}
	}
	delete(s.workflows, id)
	if s.cache != nil {
		if err := s.cache.DeleteWorkflow(ctx, id); err != nil {
			log.ErrorErr(log.CatCache, "workflow cache delete failed", err, "workflow_id", id)
		}
	}

	log.Debug(log.CatState, "workflow removed", "workflow_id", id)
	return nil
}

// ListWorkflows returns all workflows sorted by creation time, newest
// first.
func (s *Store) ListWorkflows() []*workflow.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		results = append(results, wf)
	}
	sortWorkflowsByCreatedAtDesc(results)
	return results
}

// UpdateWorkflow atomically modifies workflow-level fields (status and
// the three id-sets). Jobs are mutated through UpdateJob, not here.
// The update is applied to a copy first so that a durable-write failure
// leaves memory unchanged.
func (s *Store) UpdateWorkflow(ctx context.Context, id workflow.WorkflowID, fn func(*workflow.Workflow)) error {
	if fn == nil {
		return fmt.Errorf("update function cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}

	updated := shallowCloneWorkflow(wf)
	fn(updated)

	if s.durable != nil {
		if err := s.durable.SaveWorkflow(ctx, updated); err != nil {
			return fmt.Errorf("persist workflow %s: %w", id, err)
		}
	}

	s.workflows[id] = updated
	s.cacheWorkflow(ctx, updated)
	return nil
}

// GetJob retrieves a job, memory first, cache on miss.
func (s *Store) GetJob(ctx context.Context, id string) (*workflow.Job, bool) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if ok {
		return j, true
	}

	if s.cache == nil {
		return nil, false
	}
	cached, err := s.cache.GetJob(ctx, id)
	if err != nil {
		if err != ErrCacheMiss {
			log.ErrorErr(log.CatCache, "job cache read failed", err, "job_id", id)
		}
		return nil, false
	}
	return cached, true
}

// AddJob stores a job and appends it to its workflow's job list.
func (s *Store) AddJob(ctx context.Context, job *workflow.Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
	}
	wf, ok := s.workflows[job.WorkflowID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", job.WorkflowID, ErrWorkflowNotFound)
	}

	if s.durable != nil {
		if err := s.durable.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("persist job %s: %w", job.ID, err)
		}
	}

	s.jobs[job.ID] = job
	wf.Jobs = append(wf.Jobs, job)
	s.cacheJob(ctx, job)
	return nil
}

// RemoveJob deletes a job from the store and its workflow.
func (s *Store) RemoveJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	if s.durable != nil {
		if err := s.durable.DeleteJob(ctx, id); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}

	delete(s.jobs, id)
	if wf, ok := s.workflows[job.WorkflowID]; ok {
		for i, j := range wf.Jobs {
			if j.ID == id {
				wf.Jobs = append(wf.Jobs[:i], wf.Jobs[i+1:]...)
				break
			}
		}
	}
	if s.cache != nil {
		if err := s.cache.DeleteJob(ctx, id); err != nil {
			log.ErrorErr(log.CatCache, "job cache delete failed", err, "job_id", id)
		}
	}
	return nil
}

// ListJobs returns the jobs of one workflow in definition order, or
// every job in the store when workflowID is empty.
func (s *Store) ListJobs(workflowID workflow.WorkflowID) []*workflow.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if workflowID != "" {
		wf, ok := s.workflows[workflowID]
		if !ok {
			return nil
		}
		return append([]*workflow.Job(nil), wf.Jobs...)
	}

	var results []*workflow.Job
	for _, wf := range s.workflows {
		results = append(results, wf.Jobs...)
	}
	return results
}

// UpdateJob atomically modifies a job. The update is applied to a copy
// first so that a durable-write failure leaves memory unchanged.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*workflow.Job)) error {
	if fn == nil {
		return fmt.Errorf("update function cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}

	updated := job.Clone()
	fn(updated)
	updated.UpdatedAt = time.Now()

	if s.durable != nil {
		if err := s.durable.SaveJob(ctx, updated); err != nil {
			return fmt.Errorf("persist job %s: %w", id, err)
		}
	}

	s.jobs[id] = updated
	if wf, ok := s.workflows[job.WorkflowID]; ok {
		for i, j := range wf.Jobs {
			if j.ID == id {
				wf.Jobs[i] = updated
				break
			}
		}
	}
	s.cacheJob(ctx, updated)
	return nil
}

func (s *Store) cacheWorkflow(ctx context.Context, wf *workflow.Workflow) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetWorkflow(ctx, wf); err != nil {
		log.ErrorErr(log.CatCache, "workflow cache write failed", err, "workflow_id", wf.ID)
	}
}

func (s *Store) cacheJob(ctx context.Context, job *workflow.Job) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJob(ctx, job); err != nil {
		log.ErrorErr(log.CatCache, "job cache write failed", err, "job_id", job.ID)
	}
}

// shallowCloneWorkflow copies the workflow struct and its id-set
// slices while sharing job pointers. UpdateWorkflow only touches
// workflow-level fields, so sharing jobs keeps the global job map
// consistent without re-pointing it.
func shallowCloneWorkflow(wf *workflow.Workflow) *workflow.Workflow {
	c := *wf
	c.Jobs = append([]*workflow.Job(nil), wf.Jobs...)
	c.CurrentJobs = append([]string(nil), wf.CurrentJobs...)
	c.CompletedJobs = append([]string(nil), wf.CompletedJobs...)
	c.FailedJobs = append([]string(nil), wf.FailedJobs...)
	return &c
}

// sortWorkflowsByCreatedAtDesc sorts newest first, with ID as the
// tie-breaker for stable ordering.
func sortWorkflowsByCreatedAtDesc(workflows []*workflow.Workflow) {
	for i := 1; i < len(workflows); i++ {
		for j := i; j > 0 && sortsBefore(workflows[j], workflows[j-1]); j-- {
			workflows[j], workflows[j-1] = workflows[j-1], workflows[j]
		}
	}
}

func sortsBefore(a, b *workflow.Workflow) bool {
	if a.CreatedAt.After(b.CreatedAt) {
		return true
	}
	if a.CreatedAt.Equal(b.CreatedAt) {
		return string(a.ID) > string(b.ID)
	}
	return false
}
