package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/workflow"
)

// AddWorker stores a worker, replacing any existing record with the
// same id. Reconnecting workers re-register under their old identity.
func (s *Store) AddWorker(ctx context.Context, w *workflow.Worker) error {
	if w == nil {
		return fmt.Errorf("worker cannot be nil")
	}
	if w.ID == "" {
		return fmt.Errorf("worker has empty ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.SaveWorker(ctx, w); err != nil {
			return fmt.Errorf("persist worker %s: %w", w.ID, err)
		}
	}

	s.workers[w.ID] = w
	s.touchHeartbeatCache(ctx, w.ID)
	log.Debug(log.CatState, "worker added", "worker_id", w.ID, "capabilities", w.Capabilities)
	return nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(id string) (*workflow.Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	return w, ok
}

// RemoveWorker deletes a worker from the store.
func (s *Store) RemoveWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}

	if s.durable != nil {
		if err := s.durable.DeleteWorker(ctx, id); err != nil {
			return fmt.Errorf("delete worker %s: %w", id, err)
		}
	}

	delete(s.workers, id)
	log.Debug(log.CatState, "worker removed", "worker_id", id)
	return nil
}

// ListWorkers returns all workers sorted by id.
func (s *Store) ListWorkers() []*workflow.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*workflow.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		results = append(results, w)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// UpdateWorker atomically modifies a worker. The update is applied to
// a copy first so that a durable-write failure leaves memory unchanged.
func (s *Store) UpdateWorker(ctx context.Context, id string, fn func(*workflow.Worker)) error {
	if fn == nil {
		return fmt.Errorf("update function cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}

	updated := w.Clone()
	fn(updated)

	if s.durable != nil {
		if err := s.durable.SaveWorker(ctx, updated); err != nil {
			return fmt.Errorf("persist worker %s: %w", id, err)
		}
	}

	s.workers[id] = updated
	s.touchHeartbeatCache(ctx, id)
	return nil
}

// AssignJob records a job-to-worker binding.
func (s *Store) AssignJob(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := workflow.Assignment{JobID: jobID, WorkerID: workerID, AssignedAt: time.Now()}
	if s.durable != nil {
		if err := s.durable.SaveAssignment(ctx, a); err != nil {
			return fmt.Errorf("persist assignment %s->%s: %w", jobID, workerID, err)
		}
	}

	s.assignments[jobID] = a
	log.Debug(log.CatState, "job assigned", "job_id", jobID, "worker_id", workerID)
	return nil
}

// UnassignJob removes a job's binding. Unassigning a job with no
// binding is a no-op.
func (s *Store) UnassignJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assignments[jobID]; !ok {
		return nil
	}

	if s.durable != nil {
		if err := s.durable.DeleteAssignment(ctx, jobID); err != nil {
			return fmt.Errorf("delete assignment %s: %w", jobID, err)
		}
	}

	delete(s.assignments, jobID)
	log.Debug(log.CatState, "job unassigned", "job_id", jobID)
	return nil
}

// JobWorker returns the worker a job is assigned to.
func (s *Store) JobWorker(jobID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[jobID]
	if !ok {
		return "", false
	}
	return a.WorkerID, true
}

// WorkerJobs returns the job ids assigned to a worker, oldest first.
func (s *Store) WorkerJobs(workerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []workflow.Assignment
	for _, a := range s.assignments {
		if a.WorkerID == workerID {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].AssignedAt.Equal(matched[j].AssignedAt) {
			return matched[i].JobID < matched[j].JobID
		}
		return matched[i].AssignedAt.Before(matched[j].AssignedAt)
	})

	ids := make([]string, len(matched))
	for i, a := range matched {
		ids[i] = a.JobID
	}
	return ids
}

// Assignments returns a snapshot of all live assignments.
func (s *Store) Assignments() []workflow.Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]workflow.Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		results = append(results, a)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].JobID < results[j].JobID })
	return results
}

// RecordConnection associates a live socket with a worker id.
// Connections are transient and never persisted.
func (s *Store) RecordConnection(workerID string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[workerID] = conn
}

// DropConnection removes a worker's socket.
func (s *Store) DropConnection(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, workerID)
}

// Connection returns the live socket for a worker.
func (s *Store) Connection(workerID string) (Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[workerID]
	return conn, ok
}

// Rebuild loads the durable tier's contents into memory. It must run
// before the coordinator accepts traffic; after it returns, in-flight
// jobs are subject to reconciliation by the engine.
func (s *Store) Rebuild(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}

	snapshot, err := s.durable.Load(ctx)
	if err != nil {
		return fmt.Errorf("load durable state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wf := range snapshot.Workflows {
		s.workflows[wf.ID] = wf
		for _, j := range wf.Jobs {
			s.jobs[j.ID] = j
		}
	}
	for _, w := range snapshot.Workers {
		s.workers[w.ID] = w
	}
	for _, a := range snapshot.Assignments {
		s.assignments[a.JobID] = a
	}

	log.Info(log.CatState, "state rebuilt from durable storage",
		"workflows", len(snapshot.Workflows),
		"workers", len(snapshot.Workers),
		"assignments", len(snapshot.Assignments))
	return nil
}

func (s *Store) touchHeartbeatCache(ctx context.Context, workerID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.TouchWorkerHeartbeat(ctx, workerID); err != nil {
		log.ErrorErr(log.CatCache, "heartbeat cache write failed", err, "worker_id", workerID)
	}
}
