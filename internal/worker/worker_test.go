package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cascade/internal/protocol"
	"github.com/zjrosen/cascade/internal/workflow"
)

// testCoordinator is a bare websocket endpoint that records every
// message a worker sends and lets tests push messages back.
type testCoordinator struct {
	server *httptest.Server
	conns  chan *websocket.Conn
	msgs   chan map[string]any
}

func newTestCoordinator(t *testing.T) *testCoordinator {
	t.Helper()
	tc := &testCoordinator{
		conns: make(chan *websocket.Conn, 1),
		msgs:  make(chan map[string]any, 64),
	}
	upgrader := websocket.Upgrader{}
	tc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tc.conns <- conn
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			tc.msgs <- msg
		}
	}))
	t.Cleanup(tc.server.Close)
	return tc
}

func (tc *testCoordinator) url() string {
	return "ws" + strings.TrimPrefix(tc.server.URL, "http")
}

func (tc *testCoordinator) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-tc.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("worker never connected")
		return nil
	}
}

// expect waits for the next message of the given type, skipping
// heartbeats that may interleave.
func (tc *testCoordinator) expect(t *testing.T, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-tc.msgs:
			if msg["type"] == msgType {
				return msg
			}
			if msg["type"] == protocol.TypeHeartbeat {
				continue
			}
			t.Fatalf("expected %s, got %v", msgType, msg)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func startWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	w := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not shut down")
		}
	})
	return w
}

func instantExecutors() map[workflow.JobType]Executor {
	execs := make(map[workflow.JobType]Executor)
	for _, jt := range workflow.JobTypes() {
		execs[jt] = ExecutorFunc(func(_ context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
	}
	return execs
}

func TestWorker_RegistersOnConnect(t *testing.T) {
	tc := newTestCoordinator(t)
	startWorker(t, Options{
		ID:             "worker-test",
		CoordinatorURL: tc.url(),
		Capabilities:   []workflow.JobType{workflow.JobTypeProcessing, workflow.JobTypeCleanup},
		Executors:      instantExecutors(),
	})

	msg := tc.expect(t, protocol.TypeRegister)
	require.Equal(t, "worker-test", msg["worker_id"])
	require.Equal(t, []any{"processing", "cleanup"}, msg["capabilities"])
}

func TestWorker_DefaultsToAllCapabilities(t *testing.T) {
	w := New(Options{})
	require.True(t, strings.HasPrefix(w.ID(), "worker-"))
	require.Len(t, w.capabilities, 4)
}

func TestWorker_ExecutesAssignment(t *testing.T) {
	tc := newTestCoordinator(t)
	startWorker(t, Options{
		ID:             "worker-test",
		CoordinatorURL: tc.url(),
		Executors:      instantExecutors(),
	})
	tc.expect(t, protocol.TypeRegister)

	conn := tc.conn(t)
	require.NoError(t, conn.WriteJSON(protocol.NewJobAssignment("job-1", "processing", map[string]any{"operation": "sum"})))

	running := tc.expect(t, protocol.TypeJobStatus)
	require.Equal(t, "job-1", running["job_id"])
	require.Equal(t, "running", running["status"])

	completed := tc.expect(t, protocol.TypeJobStatus)
	require.Equal(t, "completed", completed["status"])
	require.Equal(t, map[string]any{"ok": true}, completed["result"])

	ready := tc.expect(t, protocol.TypeReady)
	require.Equal(t, "worker-test", ready["worker_id"])
}

func TestWorker_ReportsFailure(t *testing.T) {
	tc := newTestCoordinator(t)
	execs := instantExecutors()
	execs[workflow.JobTypeValidation] = ExecutorFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("schema mismatch")
	})
	startWorker(t, Options{ID: "worker-test", CoordinatorURL: tc.url(), Executors: execs})
	tc.expect(t, protocol.TypeRegister)

	conn := tc.conn(t)
	require.NoError(t, conn.WriteJSON(protocol.NewJobAssignment("job-1", "validation", nil)))

	running := tc.expect(t, protocol.TypeJobStatus)
	require.Equal(t, "running", running["status"])

	failed := tc.expect(t, protocol.TypeJobStatus)
	require.Equal(t, "failed", failed["status"])
	require.Equal(t, "schema mismatch", failed["error"])

	tc.expect(t, protocol.TypeReady)
}

func TestWorker_RejectsUnknownJobType(t *testing.T) {
	tc := newTestCoordinator(t)
	startWorker(t, Options{
		ID:             "worker-test",
		CoordinatorURL: tc.url(),
		Executors:      map[workflow.JobType]Executor{},
	})
	tc.expect(t, protocol.TypeRegister)

	conn := tc.conn(t)
	require.NoError(t, conn.WriteJSON(protocol.NewJobAssignment("job-1", "processing", nil)))

	running := tc.expect(t, protocol.TypeJobStatus)
	require.Equal(t, "running", running["status"])

	failed := tc.expect(t, protocol.TypeJobStatus)
	require.Equal(t, "failed", failed["status"])
	require.Contains(t, failed["error"], "no executor")

	tc.expect(t, protocol.TypeReady)
}

func TestWorker_Heartbeats(t *testing.T) {
	tc := newTestCoordinator(t)
	startWorker(t, Options{
		ID:                "worker-test",
		CoordinatorURL:    tc.url(),
		HeartbeatInterval: 10 * time.Millisecond,
		Executors:         instantExecutors(),
	})
	tc.expect(t, protocol.TypeRegister)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-tc.msgs:
			if msg["type"] == protocol.TypeHeartbeat {
				require.Equal(t, "worker-test", msg["worker_id"])
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestWorker_ConnectRetriesExhausted(t *testing.T) {
	w := New(Options{
		ID:              "worker-test",
		CoordinatorURL:  "ws://127.0.0.1:1", // nothing listens here
		ConnectAttempts: 2,
		ConnectBackoff:  time.Millisecond,
		Executors:       instantExecutors(),
	})

	err := w.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "connect to coordinator")
}
