// Package ws streams live observability events to WebSocket clients: node
// lifecycle, detections and status updates scoped per workflow.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"overwatch/internal/events"
	"overwatch/internal/logging"
)

const writeDeadline = 10 * time.Second

// Hub fans bus events out to connected clients. Clients are grouped by the
// workflow ID they subscribed to; the empty ID receives everything.
type Hub struct {
	log     *logrus.Entry
	bus     *events.Bus
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool

	stop chan struct{}
	done chan struct{}
}

func NewHub(logger logging.Logger, bus *events.Bus) *Hub {
	h := &Hub{
		log:     logging.Component(logger, "ws"),
		bus:     bus,
		clients: make(map[string]map[*websocket.Conn]bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.pump()
	return h
}

// Close detaches from the bus and drops every client.
func (h *Hub) Close() {
	close(h.stop)
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for conn := range conns {
			conn.Close()
		}
	}
	h.clients = make(map[string]map[*websocket.Conn]bool)
}

func (h *Hub) register(workflowID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[workflowID] == nil {
		h.clients[workflowID] = make(map[*websocket.Conn]bool)
	}
	h.clients[workflowID][conn] = true
	h.log.WithFields(logrus.Fields{
		"workflow_id": workflowID, "clients": len(h.clients[workflowID]),
	}).Debug("client registered")
}

func (h *Hub) unregister(workflowID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[workflowID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, workflowID)
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// pump drains one bus subscription and broadcasts each event to its
// workflow's clients plus the firehose subscribers.
func (h *Hub) pump() {
	defer close(h.done)
	sub, cancel := h.bus.Subscribe("", "", 256)
	defer cancel()

	for {
		select {
		case <-h.stop:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Warn("event marshal failed")
		return
	}

	h.mu.RLock()
	targets := make([]clientRef, 0, 8)
	for conn := range h.clients[ev.WorkflowID] {
		targets = append(targets, clientRef{conn: conn, key: ev.WorkflowID})
	}
	if ev.WorkflowID != "" {
		for conn := range h.clients[""] {
			targets = append(targets, clientRef{conn: conn, key: ""})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(t.key, t.conn)
			t.conn.Close()
		}
	}
}

type clientRef struct {
	conn *websocket.Conn
	key  string
}
