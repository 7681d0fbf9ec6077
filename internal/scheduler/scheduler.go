// Package scheduler places ready jobs on capability-matched idle
// workers. Dispatch is all-or-nothing: if the assignment message cannot
// be written to the chosen worker's socket, every state change is
// reversed and the job is reported as unplaced.
package scheduler

import (
	"context"
	"fmt"

	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/protocol"
	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/workflow"
)

// Scheduler dispatches jobs over the state store's connection map.
type Scheduler struct {
	store *state.Store
}

// New creates a Scheduler.
func New(store *state.Store) *Scheduler {
	return &Scheduler{store: store}
}

// Dispatch assigns a job to an idle worker whose capabilities include
// the job's type. Returns the chosen worker id, or "" when no worker
// is available or the dispatch could not be completed. The caller is
// responsible for leaving the job pending/retrying so a future ready
// event retries scheduling.
//
// Selection is deterministic: the first match in worker-id sort order.
// This is a seam; a richer policy can be substituted without changing
// the contract.
func (s *Scheduler) Dispatch(ctx context.Context, jobID string, jobType workflow.JobType, parameters map[string]any) string {
	worker := s.pickWorker(jobType)
	if worker == nil {
		log.Debug(log.CatSched, "no idle worker for job", "job_id", jobID, "job_type", jobType)
		return ""
	}

	if err := s.reserve(ctx, jobID, worker.ID); err != nil {
		log.ErrorErr(log.CatSched, "failed to reserve worker", err, "job_id", jobID, "worker_id", worker.ID)
		return ""
	}

	if err := s.send(worker.ID, protocol.NewJobAssignment(jobID, string(jobType), parameters)); err != nil {
		log.ErrorErr(log.CatSched, "assignment send failed, reversing", err, "job_id", jobID, "worker_id", worker.ID)
		s.release(ctx, jobID, worker.ID)
		return ""
	}

	log.Info(log.CatSched, "job dispatched", "job_id", jobID, "worker_id", worker.ID)
	return worker.ID
}

// Release frees a worker after its job finished and drops the job's
// assignment.
func (s *Scheduler) Release(ctx context.Context, jobID string) {
	workerID, ok := s.store.JobWorker(jobID)
	if !ok {
		return
	}
	s.release(ctx, jobID, workerID)
}

// pickWorker snapshots the idle, capability-matched workers and picks
// the first in id order.
func (s *Scheduler) pickWorker(jobType workflow.JobType) *workflow.Worker {
	for _, w := range s.store.ListWorkers() {
		if w.Status == workflow.WorkerIdle && w.CanExecute(jobType) {
			return w
		}
	}
	return nil
}

// reserve marks the worker busy and records the assignment. On partial
// failure the completed half is reversed.
func (s *Scheduler) reserve(ctx context.Context, jobID, workerID string) error {
	if err := s.store.UpdateWorker(ctx, workerID, func(w *workflow.Worker) {
		w.SetBusy(jobID)
	}); err != nil {
		return fmt.Errorf("mark worker busy: %w", err)
	}
	if err := s.store.AssignJob(ctx, jobID, workerID); err != nil {
		_ = s.store.UpdateWorker(ctx, workerID, func(w *workflow.Worker) {
			w.SetIdle()
		})
		return fmt.Errorf("record assignment: %w", err)
	}
	return nil
}

// release reverses reserve: worker back to idle, assignment removed.
func (s *Scheduler) release(ctx context.Context, jobID, workerID string) {
	if err := s.store.UpdateWorker(ctx, workerID, func(w *workflow.Worker) {
		if w.CurrentJobID == jobID {
			w.SetIdle()
		}
	}); err != nil {
		log.ErrorErr(log.CatSched, "failed to release worker", err, "worker_id", workerID)
	}
	if err := s.store.UnassignJob(ctx, jobID); err != nil {
		log.ErrorErr(log.CatSched, "failed to remove assignment", err, "job_id", jobID)
	}
}

// send writes a message to one worker's socket.
func (s *Scheduler) send(workerID string, msg any) error {
	conn, ok := s.store.Connection(workerID)
	if !ok {
		return fmt.Errorf("worker %s has no live connection", workerID)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write to worker %s: %w", workerID, err)
	}
	return nil
}

// Broadcast writes a message to every connected worker. Best-effort;
// not part of the dispatch correctness contract.
func (s *Scheduler) Broadcast(msg any) {
	for _, w := range s.store.ListWorkers() {
		if conn, ok := s.store.Connection(w.ID); ok {
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn(log.CatSched, "broadcast write failed", "worker_id", w.ID, "error", err)
			}
		}
	}
}
