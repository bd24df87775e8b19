package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The debug surface binds to localhost; origin checks are left to
		// whatever fronts it in production.
		return true
	},
}

// Handler upgrades debug connections. URL format: /ws/events/{workflow_id},
// where an empty workflow ID subscribes to every event.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/events")
	workflowID := strings.Trim(path, "/")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.WithError(err).Debug("upgrade failed")
		return
	}

	h.hub.register(workflowID, conn)
	go h.readPump(workflowID, conn)
}

// readPump keeps the connection alive and notices disconnects. Clients are
// not expected to send anything beyond pongs.
func (h *Handler) readPump(workflowID string, conn *websocket.Conn) {
	defer func() {
		h.hub.unregister(workflowID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
