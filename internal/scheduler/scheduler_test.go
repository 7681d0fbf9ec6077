package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cascade/internal/protocol"
	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/workflow"
)

// recordingConn captures written messages and can be told to fail.
type recordingConn struct {
	writeErr error
	messages []any
}

func (c *recordingConn) WriteJSON(v any) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, v)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func setup(t *testing.T) (*Scheduler, *state.Store) {
	t.Helper()
	store := state.New(state.Options{})
	return New(store), store
}

func addWorker(t *testing.T, store *state.Store, id string, caps ...workflow.JobType) *recordingConn {
	t.Helper()
	require.NoError(t, store.AddWorker(context.Background(), workflow.NewWorker(id, caps)))
	conn := &recordingConn{}
	store.RecordConnection(id, conn)
	return conn
}

func TestDispatch_AssignsFirstIdleMatch(t *testing.T) {
	sched, store := setup(t)
	ctx := context.Background()

	// worker-b sorts after worker-a; both match.
	connB := addWorker(t, store, "worker-b", workflow.JobTypeProcessing)
	connA := addWorker(t, store, "worker-a", workflow.JobTypeProcessing)

	params := map[string]any{"operation": "transform"}
	workerID := sched.Dispatch(ctx, "job-1", workflow.JobTypeProcessing, params)
	require.Equal(t, "worker-a", workerID)

	// Worker state and assignment recorded.
	w, _ := store.GetWorker("worker-a")
	require.Equal(t, workflow.WorkerBusy, w.Status)
	require.Equal(t, "job-1", w.CurrentJobID)
	assigned, ok := store.JobWorker("job-1")
	require.True(t, ok)
	require.Equal(t, "worker-a", assigned)

	// Assignment message sent to the chosen worker only.
	require.Len(t, connA.messages, 1)
	require.Empty(t, connB.messages)
	msg, ok := connA.messages[0].(protocol.JobAssignment)
	require.True(t, ok)
	require.Equal(t, "job-1", msg.JobID)
	require.Equal(t, "processing", msg.JobType)
	require.Equal(t, params, msg.Parameters)
}

func TestDispatch_NoCapabilityMatch(t *testing.T) {
	sched, store := setup(t)
	addWorker(t, store, "worker-a", workflow.JobTypeValidation)

	workerID := sched.Dispatch(context.Background(), "job-1", workflow.JobTypeProcessing, nil)
	require.Empty(t, workerID)

	w, _ := store.GetWorker("worker-a")
	require.Equal(t, workflow.WorkerIdle, w.Status)
}

func TestDispatch_SkipsBusyWorkers(t *testing.T) {
	sched, store := setup(t)
	ctx := context.Background()
	addWorker(t, store, "worker-a", workflow.JobTypeProcessing)

	require.Equal(t, "worker-a", sched.Dispatch(ctx, "job-1", workflow.JobTypeProcessing, nil))
	// Same worker now busy; second dispatch finds nobody.
	require.Empty(t, sched.Dispatch(ctx, "job-2", workflow.JobTypeProcessing, nil))
}

func TestDispatch_WriteFailureReversesEverything(t *testing.T) {
	sched, store := setup(t)
	conn := addWorker(t, store, "worker-a", workflow.JobTypeProcessing)
	conn.writeErr = errors.New("broken pipe")

	workerID := sched.Dispatch(context.Background(), "job-1", workflow.JobTypeProcessing, nil)
	require.Empty(t, workerID)

	w, _ := store.GetWorker("worker-a")
	require.Equal(t, workflow.WorkerIdle, w.Status)
	require.Empty(t, w.CurrentJobID)
	_, ok := store.JobWorker("job-1")
	require.False(t, ok)
}

func TestDispatch_NoConnectionReverses(t *testing.T) {
	sched, store := setup(t)
	require.NoError(t, store.AddWorker(context.Background(), workflow.NewWorker("worker-a", []workflow.JobType{workflow.JobTypeCleanup})))
	// Worker registered but socket never recorded.

	workerID := sched.Dispatch(context.Background(), "job-1", workflow.JobTypeCleanup, nil)
	require.Empty(t, workerID)

	w, _ := store.GetWorker("worker-a")
	require.Equal(t, workflow.WorkerIdle, w.Status)
	_, ok := store.JobWorker("job-1")
	require.False(t, ok)
}

func TestRelease_FreesWorkerAndAssignment(t *testing.T) {
	sched, store := setup(t)
	ctx := context.Background()
	addWorker(t, store, "worker-a", workflow.JobTypeProcessing)

	require.Equal(t, "worker-a", sched.Dispatch(ctx, "job-1", workflow.JobTypeProcessing, nil))
	sched.Release(ctx, "job-1")

	w, _ := store.GetWorker("worker-a")
	require.Equal(t, workflow.WorkerIdle, w.Status)
	_, ok := store.JobWorker("job-1")
	require.False(t, ok)

	// Releasing an unassigned job is a no-op.
	sched.Release(ctx, "job-1")
}

func TestBroadcast(t *testing.T) {
	sched, store := setup(t)
	connA := addWorker(t, store, "worker-a", workflow.JobTypeProcessing)
	connB := addWorker(t, store, "worker-b", workflow.JobTypeProcessing)

	sched.Broadcast(protocol.NewHeartbeatAck())
	require.Len(t, connA.messages, 1)
	require.Len(t, connB.messages, 1)

	// Messages are JSON-encodable.
	_, err := json.Marshal(connA.messages[0])
	require.NoError(t, err)
}
