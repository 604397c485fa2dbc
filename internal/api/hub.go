package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/carbono-zero/co2-live/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 32
)

// Message is the envelope sent to WebSocket clients.
type Message struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	SessionID string            `json:"session_id"`
	Data      *session.Snapshot `json:"data"`
}

type client struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// run and seq identify the newest snapshot queued; guarded by hub.mu.
	run time.Time
	seq uint64
}

// queueLocked queues snap unless the client already has a newer one. It
// reports false when the send buffer is full.
func (c *client) queueLocked(snap *session.Snapshot, msg []byte) bool {
	if snap.StartedAt.Before(c.run) || (snap.StartedAt.Equal(c.run) && snap.Seq <= c.seq) {
		return true
	}
	select {
	case c.send <- msg:
		c.run, c.seq = snap.StartedAt, snap.Seq
		return true
	default:
		return false
	}
}

// Hub keeps one room of WebSocket clients per session id and forwards every
// published snapshot of that session to the room.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run forwards snapshots to their rooms until ctx is cancelled or the
// channel is closed. All clients are disconnected on return.
func (h *Hub) Run(ctx context.Context, snaps <-chan *session.Snapshot) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			h.Broadcast(snap)
		}
	}
}

// Broadcast sends a snapshot to every client watching its session. Clients
// whose send buffer is full are dropped.
func (h *Hub) Broadcast(snap *session.Snapshot) {
	if snap == nil {
		return
	}
	h.mu.RLock()
	n := len(h.rooms[snap.SessionID])
	h.mu.RUnlock()
	if n == 0 {
		return
	}

	msg, err := encode(snap)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode snapshot for WebSocket clients")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[snap.SessionID] {
		if !c.queueLocked(snap, msg) {
			h.logger.WithFields(logrus.Fields{
				"client_id":  c.id,
				"session_id": c.room,
			}).Warn("WebSocket client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// RoomSizes returns the number of connected clients per session.
func (h *Hub) RoomSizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sizes := make(map[string]int, len(h.rooms))
	for room, clients := range h.rooms {
		sizes[room] = len(clients)
	}
	return sizes
}

// Serve upgrades the request and joins the client to the session's room.
// current is read once the client is in the room, and its snapshot is queued
// ahead of any later broadcast.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string, current func() (session.Snapshot, bool)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		room: sessionID,
		conn: conn,
		send: make(chan []byte, clientSendSize),
		hub:  h,
	}
	h.join(c, current)

	go c.writePump()
	go c.readPump()
}

// join adds c to its room and queues the current snapshot in one critical
// section, so a broadcast is either already reflected in that snapshot or
// queued after it.
func (h *Hub) join(c *client, current func() (session.Snapshot, bool)) {
	h.mu.Lock()
	if h.rooms[c.room] == nil {
		h.rooms[c.room] = make(map[*client]struct{})
	}
	h.rooms[c.room][c] = struct{}{}
	n := len(h.rooms[c.room])
	if current != nil {
		if snap, ok := current(); ok {
			if msg, err := encode(&snap); err == nil {
				c.queueLocked(&snap, msg)
			}
		}
	}
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"client_id":  c.id,
		"session_id": c.room,
		"clients":    n,
	}).Info("WebSocket client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	h.mu.Unlock()
	if removed {
		h.logger.WithFields(logrus.Fields{
			"client_id":  c.id,
			"session_id": c.room,
		}).Info("WebSocket client disconnected")
	}
}

// removeLocked drops c from its room and closes its send channel once.
func (h *Hub) removeLocked(c *client) bool {
	clients, ok := h.rooms[c.room]
	if !ok {
		return false
	}
	if _, ok := clients[c]; !ok {
		return false
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.rooms, c.room)
	}
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.rooms {
		for c := range clients {
			h.removeLocked(c)
		}
	}
}

func encode(snap *session.Snapshot) ([]byte, error) {
	return json.Marshal(Message{
		Type:      "snapshot",
		Timestamp: snap.UpdatedAt.UTC().Format(time.RFC3339),
		SessionID: snap.SessionID,
		Data:      snap,
	})
}

// readPump discards client messages and detects closed connections.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("client_id", c.id).Debug("WebSocket read error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame.
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
