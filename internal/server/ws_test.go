package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cascade/internal/protocol"
	"github.com/zjrosen/cascade/internal/workflow"
)

func dialWorker(t *testing.T, f *fixture, workerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/workers/connect/" + workerID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestConnectWorker_RegisterFlow(t *testing.T) {
	f := newFixture(t)
	conn := dialWorker(t, f, "worker-9")

	require.NoError(t, conn.WriteJSON(protocol.NewRegister("worker-9", []string{"processing", "cleanup"})))

	var ack protocol.RegistrationAck
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, protocol.TypeRegistrationAck, ack.Type)
	require.Equal(t, "worker-9", ack.WorkerID)

	w, ok := f.store.GetWorker("worker-9")
	require.True(t, ok)
	require.Equal(t, workflow.WorkerIdle, w.Status)
	require.Equal(t, []workflow.JobType{workflow.JobTypeProcessing, workflow.JobTypeCleanup}, w.Capabilities)
}

func TestConnectWorker_HeartbeatAck(t *testing.T) {
	f := newFixture(t)
	conn := dialWorker(t, f, "worker-9")

	require.NoError(t, conn.WriteJSON(protocol.NewRegister("worker-9", []string{"processing"})))
	var regAck protocol.RegistrationAck
	require.NoError(t, conn.ReadJSON(&regAck))

	require.NoError(t, conn.WriteJSON(protocol.NewHeartbeat("worker-9")))
	var hbAck protocol.HeartbeatAck
	require.NoError(t, conn.ReadJSON(&hbAck))
	require.Equal(t, protocol.TypeHeartbeatAck, hbAck.Type)
}

func TestConnectWorker_DisconnectRemovesWorker(t *testing.T) {
	f := newFixture(t)
	conn := dialWorker(t, f, "worker-9")

	require.NoError(t, conn.WriteJSON(protocol.NewRegister("worker-9", []string{"processing"})))
	var ack protocol.RegistrationAck
	require.NoError(t, conn.ReadJSON(&ack))

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, ok := f.store.GetWorker("worker-9")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWorker_MissingIDRejected(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/workers/connect/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
}
