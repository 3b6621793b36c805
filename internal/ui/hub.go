// Package ui pushes the visible alert and session status to browser
// clients over a websocket and accepts start/stop requests from them.
package ui

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message types
const (
	TypeStatus = "STATUS"
	TypeAlert  = "ALERT"
	TypeStart  = "START"
	TypeStop   = "STOP"
	TypePing   = "PING"
	TypePong   = "PONG"
	TypeError  = "ERROR"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Message is the websocket envelope in both directions
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// StatusPayload carries session status
type StatusPayload struct {
	Running   bool   `json:"running"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
}

// AlertPayload carries the visible alert text; "" means cleared
type AlertPayload struct {
	Text string `json:"text"`
}

// ErrorPayload carries a failed request
type ErrorPayload struct {
	Error string `json:"error"`
}

// Controls is the session control surface exposed to clients
type Controls interface {
	Start(ctx context.Context) error
	Stop() error
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Hub tracks connected clients and the last alert and status sent to them
type Hub struct {
	controls Controls
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	alert   AlertPayload
	status  StatusPayload
	closed  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub creates a hub that forwards START and STOP to controls
func NewHub(controls Controls) *Hub {
	return &Hub{
		controls: controls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*client),
		status:  StatusPayload{State: "stopped"},
	}
}

// BroadcastAlert records text as the visible alert and sends it to every client
func (h *Hub) BroadcastAlert(text string) {
	h.mu.Lock()
	h.alert = AlertPayload{Text: text}
	h.mu.Unlock()

	h.broadcast(Message{Type: TypeAlert, Payload: AlertPayload{Text: text}})
}

// BroadcastStatus records the session status and sends it to every client
func (h *Hub) BroadcastStatus(running bool, state, sessionID string) {
	status := StatusPayload{Running: running, State: state, SessionID: sessionID}

	h.mu.Lock()
	h.status = status
	h.mu.Unlock()

	h.broadcast(Message{Type: TypeStatus, Payload: status})
}

// broadcast never blocks; a client whose buffer is full misses the message
func (h *Hub) broadcast(msg Message) {
	msg.Timestamp = time.Now().UnixMilli()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		h.enqueue(c, msg)
	}
}

// enqueue sends msg to c without blocking. Caller holds h.mu.
func (h *Hub) enqueue(c *client, msg Message) {
	select {
	case c.send <- msg:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
		slog.Warn("websocket client buffer full, dropping message",
			"client_id", c.id,
			"type", msg.Type,
		)
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	c := &client{
		id:   clientID,
		conn: conn,
		send: make(chan Message, sendBuffer),
	}

	if !h.register(c) {
		conn.Close()
		return
	}
	slog.Info("websocket client connected", "client_id", clientID)

	go h.writePump(c)
	h.readPump(r.Context(), c)

	h.unregister(c)
	slog.Info("websocket client disconnected", "client_id", clientID)
}

// register adds c and queues the current status and alert for it
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if old, ok := h.clients[c.id]; ok {
		close(old.send)
	}
	h.clients[c.id] = c

	now := time.Now().UnixMilli()
	h.enqueue(c, Message{Type: TypeStatus, Payload: h.status, ClientID: c.id, Timestamp: now})
	h.enqueue(c, Message{Type: TypeAlert, Payload: h.alert, ClientID: c.id, Timestamp: now})
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// reply queues msg for c alone
func (h *Hub) reply(c *client, msg Message) {
	msg.ClientID = c.id
	msg.Timestamp = time.Now().UnixMilli()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		h.enqueue(c, msg)
	}
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		slog.Debug("websocket message received", "client_id", c.id, "type", msg.Type)
		h.handle(ctx, c, msg)
	}
}

// handle runs a client request and answers it
func (h *Hub) handle(ctx context.Context, c *client, msg Message) {
	var err error

	switch msg.Type {
	case TypePing:
		h.reply(c, Message{Type: TypePong})
		return
	case TypeStart:
		err = h.controls.Start(context.WithoutCancel(ctx))
	case TypeStop:
		err = h.controls.Stop()
	default:
		h.reply(c, Message{Type: TypeError, Payload: ErrorPayload{Error: "unknown message type: " + msg.Type}})
		return
	}

	if err != nil {
		h.reply(c, Message{Type: TypeError, Payload: ErrorPayload{Error: err.Error()}})
	}

	h.mu.RLock()
	status := h.status
	h.mu.RUnlock()
	h.reply(c, Message{Type: TypeStatus, Payload: status})
}

func (h *Hub) writePump(c *client) {
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
			if err := c.conn.WriteJSON(msg); err != nil {
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

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	slog.Info("websocket hub closed")
}

// Stats contains hub statistics
type Stats struct {
	Clients  int    `json:"clients"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	LastText string `json:"last_alert"`
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Clients:  len(h.clients),
		Sent:     h.sent.Load(),
		Dropped:  h.dropped.Load(),
		LastText: h.alert.Text,
	}
}
