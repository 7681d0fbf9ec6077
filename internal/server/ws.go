package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/cascade/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Workers connect from arbitrary hosts.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// safeConn serialises writes to a websocket connection. Gorilla
// connections allow only one concurrent writer.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *safeConn) Close() error {
	return c.conn.Close()
}

// ConnectWorker upgrades the connection and pumps worker messages into
// the registry until the socket closes.
// GET /workers/connect/{id}
func (h *Handler) ConnectWorker(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if workerID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "worker id is required", "")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatWS, "websocket upgrade failed", err, "worker_id", workerID)
		return
	}

	log.Info(log.CatWS, "worker connected", "worker_id", workerID)
	h.registry.Connect(workerID, &safeConn{conn: conn})

	defer func() {
		// Use a fresh context: the request context is already done
		// once the read loop exits.
		h.registry.Disconnect(context.Background(), workerID)
		log.Info(log.CatWS, "worker disconnected", "worker_id", workerID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn(log.CatWS, "worker read error", "worker_id", workerID, "error", err)
			}
			return
		}
		h.registry.HandleMessage(r.Context(), workerID, data)
	}
}
