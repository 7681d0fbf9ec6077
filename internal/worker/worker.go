// Package worker implements the worker node: it connects to the
// coordinator over websocket, registers its capabilities, heartbeats,
// and executes assigned jobs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/protocol"
	"github.com/zjrosen/cascade/internal/workflow"
)

const (
	// DefaultHeartbeatInterval is how often the worker pings the
	// coordinator. Must stay below the coordinator's eviction timeout.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultConnectAttempts bounds initial connection retries.
	DefaultConnectAttempts = 5

	// DefaultConnectBackoff is the wait between connection attempts.
	DefaultConnectBackoff = 5 * time.Second
)

// Options configures a worker. Zero values get sensible defaults.
type Options struct {
	ID                string
	CoordinatorURL    string
	Capabilities      []workflow.JobType
	HeartbeatInterval time.Duration
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	Executors         map[workflow.JobType]Executor
}

// Worker is a single worker node.
type Worker struct {
	id                string
	url               string
	capabilities      []workflow.JobType
	executors         map[workflow.JobType]Executor
	heartbeatInterval time.Duration
	connectAttempts   int
	connectBackoff    time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	jobs sync.WaitGroup
}

// New creates a worker from options, filling in defaults.
func New(opts Options) *Worker {
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.NewString()[:8]
	}
	if opts.CoordinatorURL == "" {
		opts.CoordinatorURL = "ws://localhost:8080"
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = workflow.JobTypes()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = DefaultConnectBackoff
	}
	if opts.Executors == nil {
		opts.Executors = SimulatedExecutors(time.Second, nil)
	}
	return &Worker{
		id:                opts.ID,
		url:               opts.CoordinatorURL + "/workers/connect/" + opts.ID,
		capabilities:      opts.Capabilities,
		executors:         opts.Executors,
		heartbeatInterval: opts.HeartbeatInterval,
		connectAttempts:   opts.ConnectAttempts,
		connectBackoff:    opts.ConnectBackoff,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run connects to the coordinator and serves jobs until ctx is
// cancelled or the connection is lost beyond recovery.
func (w *Worker) Run(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= w.connectAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
		if err != nil {
			lastErr = err
			log.Warn(log.CatWorker, "connection attempt failed",
				"worker_id", w.id, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.connectBackoff):
			}
			continue
		}

		w.runSession(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		// Session ended without shutdown; reconnect from a fresh
		// attempt budget.
		attempt = 0
		lastErr = nil
	}
	return fmt.Errorf("connect to coordinator at %s: %w", w.url, lastErr)
}

// runSession drives one connection: register, heartbeat, read loop.
func (w *Worker) runSession(ctx context.Context, conn *websocket.Conn) {
	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	// Unblock the read loop when shutting down.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	capabilities := make([]string, 0, len(w.capabilities))
	for _, c := range w.capabilities {
		capabilities = append(capabilities, string(c))
	}
	if err := w.send(protocol.NewRegister(w.id, capabilities)); err != nil {
		log.ErrorErr(log.CatWorker, "failed to register", err, "worker_id", w.id)
		return
	}
	log.Info(log.CatWorker, "registered with coordinator", "worker_id", w.id, "capabilities", capabilities)

	go w.heartbeatLoop(sessionCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sessionCtx.Err() == nil {
				log.Warn(log.CatWorker, "connection lost", "worker_id", w.id, "error", err)
			}
			break
		}
		w.handleMessage(sessionCtx, data)
	}

	cancel()
	w.jobs.Wait()
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.send(protocol.NewHeartbeat(w.id)); err != nil {
				log.Warn(log.CatWorker, "heartbeat failed", "worker_id", w.id, "error", err)
				return
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, data []byte) {
	msgType, err := protocol.DecodeType(data)
	if err != nil {
		log.Warn(log.CatWorker, "undecodable message", "worker_id", w.id, "error", err)
		return
	}

	switch msgType {
	case protocol.TypeJobAssignment:
		var assignment protocol.JobAssignment
		if err := json.Unmarshal(data, &assignment); err != nil {
			log.ErrorErr(log.CatWorker, "invalid job assignment", err, "worker_id", w.id)
			return
		}
		w.jobs.Add(1)
		go func() {
			defer w.jobs.Done()
			w.executeJob(ctx, assignment)
		}()
	case protocol.TypeRegistrationAck:
		log.Debug(log.CatWorker, "registration acknowledged", "worker_id", w.id)
	case protocol.TypeHeartbeatAck:
		log.Debug(log.CatWorker, "heartbeat acknowledged", "worker_id", w.id)
	default:
		log.Warn(log.CatWorker, "unknown message type", "worker_id", w.id, "type", msgType)
	}
}

// executeJob runs one assignment and reports its outcome. A ready
// message always follows so the coordinator can resume parked jobs.
func (w *Worker) executeJob(ctx context.Context, assignment protocol.JobAssignment) {
	defer func() {
		if err := w.send(protocol.NewReady(w.id)); err != nil {
			log.Warn(log.CatWorker, "failed to signal ready", "worker_id", w.id, "error", err)
		}
	}()

	log.Info(log.CatWorker, "executing job",
		"worker_id", w.id, "job_id", assignment.JobID, "job_type", assignment.JobType)

	running := protocol.NewJobStatus(assignment.JobID, string(workflow.JobRunning), w.id)
	if err := w.send(running); err != nil {
		log.Warn(log.CatWorker, "failed to report job start", "worker_id", w.id, "error", err)
	}

	result, err := w.runExecutor(ctx, assignment)
	if err != nil {
		log.Warn(log.CatWorker, "job failed",
			"worker_id", w.id, "job_id", assignment.JobID, "error", err)
		failed := protocol.NewJobStatus(assignment.JobID, string(workflow.JobFailed), w.id)
		failed.Error = err.Error()
		if sendErr := w.send(failed); sendErr != nil {
			log.Warn(log.CatWorker, "failed to report job failure", "worker_id", w.id, "error", sendErr)
		}
		return
	}

	log.Info(log.CatWorker, "job completed", "worker_id", w.id, "job_id", assignment.JobID)
	completed := protocol.NewJobStatus(assignment.JobID, string(workflow.JobCompleted), w.id)
	completed.Result = result
	if err := w.send(completed); err != nil {
		log.Warn(log.CatWorker, "failed to report job completion", "worker_id", w.id, "error", err)
	}
}

func (w *Worker) runExecutor(ctx context.Context, assignment protocol.JobAssignment) (map[string]any, error) {
	executor, ok := w.executors[workflow.JobType(assignment.JobType)]
	if !ok {
		return nil, fmt.Errorf("no executor for job type %q", assignment.JobType)
	}
	return executor.Execute(ctx, assignment.Parameters)
}

func (w *Worker) send(msg any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	return w.conn.WriteJSON(msg)
}
