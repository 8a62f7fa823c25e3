package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Emit after the connection shut down.
var ErrConnClosed = errors.New("connection closed")

// sendBuffer bounds the per-connection outbound queue. A client that
// cannot drain a full buffer is disconnected rather than allowed to stall
// fan-out for the rest of the room.
const sendBuffer = 256

// frame is the wire envelope. Inbound frames carry an event name, a JSON
// payload, and an optional ack id; outbound frames are either events or
// acks.
type frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID *int64          `json:"ackId,omitempty"`
}

// wsConn is the WebSocket implementation of Conn.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	connectedAt time.Time

	mu         sync.RWMutex
	sessionID  string
	token      string
	clientName string
	hasSession bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.enqueue(buf)
}

func (c *wsConn) ack(ackID int64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(frame{AckID: &ackID, Data: data})
	if err != nil {
		return err
	}
	return c.enqueue(buf)
}

// enqueue hands a frame to the writer goroutine. A full buffer means the
// client is too slow to keep its ordered stream; the connection is closed.
func (c *wsConn) enqueue(buf []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	case c.send <- buf:
		return nil
	default:
		c.hub.logger.WithClient(c.id).Warn("send buffer full, disconnecting slow client")
		c.close()
		return ErrConnClosed
	}
}

func (c *wsConn) Session() (string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.token, c.hasSession
}

func (c *wsConn) BindSession(sessionID, token, clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.token = token
	c.clientName = clientName
	c.hasSession = true
}

func (c *wsConn) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.token = ""
	c.hasSession = false
}

func (c *wsConn) ClientName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientName
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
