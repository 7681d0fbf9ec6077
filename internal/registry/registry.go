// Package registry owns the worker connection lifecycle: it converts
// socket events into engine and scheduler calls and evicts workers
// whose heartbeats go stale.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/protocol"
	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/workflow"
)

const (
	// HeartbeatCheckInterval is how often the liveness monitor wakes.
	HeartbeatCheckInterval = 30 * time.Second
	// HeartbeatTimeout is the silence threshold after which a worker
	// is considered failed.
	HeartbeatTimeout = 60 * time.Second
)

// ReasonWorkerDisconnected is recorded on jobs orphaned by a worker
// that dropped off or timed out.
const ReasonWorkerDisconnected = "worker_disconnected"

// Engine is the slice of the workflow engine the registry drives.
type Engine interface {
	HandleJobCompletion(ctx context.Context, jobID string, result map[string]any)
	HandleJobFailure(ctx context.Context, jobID string, errMsg string)
	UpdateJobStatus(ctx context.Context, jobID string, status workflow.JobStatus)
	ResumePendingJobs(ctx context.Context)
}

// Releaser frees a worker once its job has reached an outcome.
type Releaser interface {
	Release(ctx context.Context, jobID string)
}

// Registry tracks worker connections and demultiplexes their messages.
type Registry struct {
	store    *state.Store
	engine   Engine
	releaser Releaser

	checkInterval time.Duration
	timeout       time.Duration
}

// New creates a Registry with the default liveness thresholds.
func New(store *state.Store, engine Engine, releaser Releaser) *Registry {
	return NewWithThresholds(store, engine, releaser, HeartbeatCheckInterval, HeartbeatTimeout)
}

// NewWithThresholds creates a Registry with custom liveness thresholds.
func NewWithThresholds(store *state.Store, engine Engine, releaser Releaser, checkInterval, timeout time.Duration) *Registry {
	if checkInterval <= 0 {
		checkInterval = HeartbeatCheckInterval
	}
	if timeout <= 0 {
		timeout = HeartbeatTimeout
	}
	return &Registry{
		store:         store,
		engine:        engine,
		releaser:      releaser,
		checkInterval: checkInterval,
		timeout:       timeout,
	}
}

// Connect records a worker's live socket. The worker becomes known to
// the scheduler once it registers.
func (r *Registry) Connect(workerID string, conn state.Conn) {
	r.store.RecordConnection(workerID, conn)
	log.Info(log.CatRegistry, "worker connected", "worker_id", workerID)
}

// Disconnect drops a worker's socket and record, then routes its
// orphaned jobs through the engine's retry policy.
func (r *Registry) Disconnect(ctx context.Context, workerID string) {
	r.store.DropConnection(workerID)
	if err := r.store.RemoveWorker(ctx, workerID); err != nil && !errors.Is(err, state.ErrWorkerNotFound) {
		log.ErrorErr(log.CatRegistry, "failed to remove worker", err, "worker_id", workerID)
	}
	log.Info(log.CatRegistry, "worker disconnected", "worker_id", workerID)

	r.handleWorkerFailure(ctx, workerID)
}

// HandleMessage dispatches one framed message from a worker's socket.
// Unknown message types are logged and ignored.
func (r *Registry) HandleMessage(ctx context.Context, workerID string, data []byte) {
	msgType, err := protocol.DecodeType(data)
	if err != nil {
		log.ErrorErr(log.CatRegistry, "undecodable message", err, "worker_id", workerID)
		return
	}

	switch msgType {
	case protocol.TypeRegister:
		var msg protocol.Register
		if err := json.Unmarshal(data, &msg); err != nil {
			log.ErrorErr(log.CatRegistry, "bad register message", err, "worker_id", workerID)
			return
		}
		r.handleRegister(ctx, workerID, msg)

	case protocol.TypeHeartbeat:
		r.handleHeartbeat(ctx, workerID)

	case protocol.TypeJobStatus:
		var msg protocol.JobStatus
		if err := json.Unmarshal(data, &msg); err != nil {
			log.ErrorErr(log.CatRegistry, "bad job_status message", err, "worker_id", workerID)
			return
		}
		r.handleJobStatus(ctx, workerID, msg)

	case protocol.TypeReady:
		r.handleReady(ctx, workerID)

	default:
		log.Warn(log.CatRegistry, "unknown message type ignored", "worker_id", workerID, "type", msgType)
	}
}

func (r *Registry) handleRegister(ctx context.Context, workerID string, msg protocol.Register) {
	capabilities := make([]workflow.JobType, 0, len(msg.Capabilities))
	for _, c := range msg.Capabilities {
		jt := workflow.JobType(c)
		if !jt.IsValid() {
			log.Warn(log.CatRegistry, "ignoring unknown capability", "worker_id", workerID, "capability", c)
			continue
		}
		capabilities = append(capabilities, jt)
	}

	if err := r.store.AddWorker(ctx, workflow.NewWorker(workerID, capabilities)); err != nil {
		log.ErrorErr(log.CatRegistry, "failed to register worker", err, "worker_id", workerID)
		return
	}
	log.Info(log.CatRegistry, "worker registered", "worker_id", workerID, "capabilities", capabilities)

	r.send(workerID, protocol.NewRegistrationAck(workerID))
}

func (r *Registry) handleHeartbeat(ctx context.Context, workerID string) {
	err := r.store.UpdateWorker(ctx, workerID, func(w *workflow.Worker) {
		w.RecordHeartbeat()
	})
	if err != nil {
		log.Debug(log.CatRegistry, "heartbeat from unknown worker", "worker_id", workerID)
		return
	}
	r.send(workerID, protocol.NewHeartbeatAck())
}

func (r *Registry) handleJobStatus(ctx context.Context, workerID string, msg protocol.JobStatus) {
	log.Debug(log.CatRegistry, "job status received",
		"worker_id", workerID, "job_id", msg.JobID, "status", msg.Status)

	switch workflow.JobStatus(msg.Status) {
	case workflow.JobCompleted:
		r.releaser.Release(ctx, msg.JobID)
		r.engine.HandleJobCompletion(ctx, msg.JobID, msg.Result)
	case workflow.JobFailed:
		r.releaser.Release(ctx, msg.JobID)
		errMsg := msg.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		r.engine.HandleJobFailure(ctx, msg.JobID, errMsg)
	default:
		r.engine.UpdateJobStatus(ctx, msg.JobID, workflow.JobStatus(msg.Status))
	}
}

func (r *Registry) handleReady(ctx context.Context, workerID string) {
	err := r.store.UpdateWorker(ctx, workerID, func(w *workflow.Worker) {
		w.SetIdle()
	})
	if err != nil {
		log.Debug(log.CatRegistry, "ready from unknown worker", "worker_id", workerID)
		return
	}
	r.engine.ResumePendingJobs(ctx)
}

// MonitorHeartbeats periodically evicts workers whose last heartbeat is
// older than the timeout. Blocks until the context is cancelled.
func (r *Registry) MonitorHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStaleWorkers(ctx)
		}
	}
}

func (r *Registry) evictStaleWorkers(ctx context.Context) {
	now := time.Now()
	for _, w := range r.store.ListWorkers() {
		if now.Sub(w.LastHeartbeat) <= r.timeout {
			continue
		}
		log.Warn(log.CatRegistry, "worker unresponsive, evicting",
			"worker_id", w.ID, "last_heartbeat", w.LastHeartbeat)
		if conn, ok := r.store.Connection(w.ID); ok {
			_ = conn.Close()
		}
		r.Disconnect(ctx, w.ID)
	}
}

// handleWorkerFailure clears the failed worker's assignments and feeds
// each orphaned job to the engine's failure handler.
func (r *Registry) handleWorkerFailure(ctx context.Context, workerID string) {
	for _, jobID := range r.store.WorkerJobs(workerID) {
		log.Warn(log.CatRegistry, "job orphaned by worker failure",
			"job_id", jobID, "worker_id", workerID)
		if err := r.store.UnassignJob(ctx, jobID); err != nil {
			log.ErrorErr(log.CatRegistry, "failed to unassign orphaned job", err, "job_id", jobID)
		}
		if err := r.store.UpdateJob(ctx, jobID, func(j *workflow.Job) {
			j.WorkerID = ""
		}); err != nil {
			log.ErrorErr(log.CatRegistry, "failed to clear job worker", err, "job_id", jobID)
		}
		r.engine.HandleJobFailure(ctx, jobID, ReasonWorkerDisconnected)
	}
}

func (r *Registry) send(workerID string, msg any) {
	conn, ok := r.store.Connection(workerID)
	if !ok {
		log.Warn(log.CatRegistry, "no connection for reply", "worker_id", workerID)
		return
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.ErrorErr(log.CatRegistry, "reply write failed", err, "worker_id", workerID)
	}
}
