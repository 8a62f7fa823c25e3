package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veildrop/veildrop/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a single inbound frame. Chunk payloads are
	// base64/array encoded, so this sits well above the 1 MiB chunk size
	// clients use.
	maxMessageSize = 4 << 20
)

// Hub accepts WebSocket connections, dispatches their events to
// registered handlers, and fans events out to session rooms. It
// implements Bus and Registry.
type Hub struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader

	mu           sync.RWMutex
	handlers     map[string]Handler
	onDisconnect []func(c Conn)
	rooms        map[string]map[string]*wsConn
}

// NewHub creates a hub. checkOrigin decides whether a handshake origin is
// acceptable; nil allows any origin.
func NewHub(logger *observability.Logger, metrics *observability.Metrics, checkOrigin func(origin string) bool) *Hub {
	h := &Hub{
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
		rooms:    make(map[string]map[string]*wsConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if checkOrigin == nil {
				return true
			}
			return checkOrigin(r.Header.Get("Origin"))
		},
	}
	return h
}

// OnEvent installs the handler for a named event.
func (h *Hub) OnEvent(name string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = handler
}

// OnDisconnect installs a callback invoked after a connection closes.
func (h *Hub) OnDisconnect(fn func(c Conn)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// JoinRoom adds a connection to a session room.
func (h *Hub) JoinRoom(room string, c Conn) {
	wc, ok := c.(*wsConn)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, exists := h.rooms[room]
	if !exists {
		members = make(map[string]*wsConn)
		h.rooms[room] = members
	}
	members[c.ID()] = wc
}

// LeaveRoom removes a connection from a session room.
func (h *Hub) LeaveRoom(room string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, exists := h.rooms[room]; exists {
		delete(members, c.ID())
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// BroadcastToRoom emits an event to every member of a room except the
// excluded connection id.
func (h *Hub) BroadcastToRoom(room, event string, payload interface{}, exclude string) {
	h.mu.RLock()
	members := make([]*wsConn, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id == exclude {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if err := c.Emit(event, payload); err != nil {
			h.logger.WithClient(c.id).Error(err, "broadcast emit failed")
		}
	}
	h.metrics.RecordBroadcast(event)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.RecordConnection(false)
		h.logger.Error(err, "websocket upgrade failed")
		return
	}

	c := &wsConn{
		id:          uuid.NewString(),
		ws:          ws,
		hub:         h,
		send:        make(chan []byte, sendBuffer),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}

	h.metrics.RecordConnection(true)
	h.logger.ConnectionEstablished(ws.RemoteAddr().String(), c.id)

	go c.writeLoop()
	go c.readLoop()
}

// readLoop dispatches inbound frames serially, preserving per-connection
// receive order.
func (c *wsConn) readLoop() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			continue
		}

		c.hub.mu.RLock()
		handler, ok := c.hub.handlers[f.Event]
		c.hub.mu.RUnlock()
		if !ok {
			continue
		}

		reply := handler(c, f.Data)
		if reply != nil && f.AckID != nil {
			if err := c.ack(*f.AckID, reply); err != nil {
				return
			}
		}
	}
}

// writeLoop owns all writes to the socket.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// teardown closes the socket and notifies disconnect handlers exactly
// once per connection.
func (c *wsConn) teardown() {
	c.close()

	c.hub.mu.RLock()
	handlers := make([]func(Conn), len(c.hub.onDisconnect))
	copy(handlers, c.hub.onDisconnect)
	c.hub.mu.RUnlock()

	for _, fn := range handlers {
		fn(c)
	}

	c.hub.metrics.RecordConnectionClose()
	c.hub.logger.ConnectionClosed(c.id, time.Since(c.connectedAt))
}
