package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VivifySoftIT/PoSync/modules/session"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// Message types pushed to websocket clients.
const (
	MsgSnapshot = "snapshot"
	MsgEvent    = "event"
)

// WSMessage is one frame pushed to websocket clients.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// Hub pushes session events to websocket clients. It implements
// session.Observer; a client that cannot keep up is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool

	snapshot func() session.Snapshot
	origins  map[string]bool
	upgrader websocket.Upgrader
}

// NewHub creates a hub. snapshot, if set, is sent to every new client.
// With no allowed origins any origin is accepted.
func NewHub(snapshot func() session.Snapshot, allowedOrigins []string) *Hub {
	h := &Hub{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
		origins:  make(map[string]bool),
	}
	for _, o := range allowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			h.origins[u.Host] = true
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return h.origins[u.Host] || u.Host == r.Host
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c, ok := h.addClient(conn)
	if !ok {
		conn.Close()
		return
	}
	slog.Debug("httpapi: websocket client connected", "remote", r.RemoteAddr)

	// Reader only detects disconnects; clients never send.
	go func() {
		defer func() {
			h.removeClient(c)
			slog.Debug("httpapi: websocket client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) addClient(conn *websocket.Conn) (*client, bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false
	}
	c := newClient(conn)
	h.clients[c] = true
	h.mu.Unlock()

	if h.snapshot != nil {
		data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: h.snapshot()})
		if err == nil {
			h.trySend(c, data)
		}
	}
	return c, true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// trySend queues data for c, disconnecting it when its buffer is full.
// The send happens under the read lock so it cannot race close(c.send).
func (h *Hub) trySend(c *client, data []byte) {
	h.mu.RLock()
	member, sent := h.clients[c], false
	if member {
		select {
		case c.send <- data:
			sent = true
		default:
		}
	}
	h.mu.RUnlock()

	if member && !sent {
		slog.Warn("httpapi: websocket client too slow, disconnecting")
		h.removeClient(c)
	}
}

// OnEvent implements session.Observer.
func (h *Hub) OnEvent(ev session.Event) {
	h.Broadcast(WSMessage{Type: MsgEvent, Payload: ev})
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("httpapi: broadcast marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.trySend(c, data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
