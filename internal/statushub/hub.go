// Package statushub streams sync status to UI clients over WebSocket and
// serves a small REST surface for status and manual flush.
package statushub

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventPendingCount = "sync.pending_count"
	EventConnectivity = "network.connectivity"
	EventSnapshot     = "status.snapshot"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isLocalOrigin,
}

// isLocalOrigin only accepts connections made to a loopback host.
func isLocalOrigin(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives messages of type t. A client
// with no subscriptions receives everything.
func (c *Client) wants(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type message struct {
	typ  string
	data []byte
}

// Hub maintains active client connections and broadcasts messages.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("status client connected", map[string]interface{}{"client": client.id, "total": n})

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("status client disconnected", map[string]interface{}{"client": client.id, "total": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for _, client := range h.clients {
				if !client.wants(msg.typ) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// slow consumer
					h.drop(client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for _, client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// drop removes a client and closes its send channel. Caller holds mu.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients. It drops the message
// once the hub is closed.
func (h *Hub) Broadcast(messageType string, data map[string]interface{}) {
	bytes, err := encode(messageType, data)
	if err != nil {
		logging.Error("failed to marshal status message", err, map[string]interface{}{"type": messageType})
		return
	}
	select {
	case h.broadcast <- message{typ: messageType, data: bytes}:
	case <-h.done:
	}
}

func encode(messageType string, data map[string]interface{}) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// trySend queues msg for c unless c has been dropped.
func (c *Client) trySend(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// readPump handles subscribe, unsubscribe and ping requests from the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("status client read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var req struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			logging.Debug("invalid status client message", map[string]interface{}{"client": c.id, "error": err.Error()})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": req.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *Client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	bytes, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.trySend(bytes)
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades the request and registers the client. The first
// message a client receives is snapshot, when non-nil.
func (h *Hub) HandleWebSocket(snapshot func() map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &Client{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           h,
			subscriptions: make(map[string]bool),
		}

		if snapshot != nil {
			if bytes, err := encode(EventSnapshot, snapshot()); err == nil {
				client.send <- bytes
			}
		}
		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
