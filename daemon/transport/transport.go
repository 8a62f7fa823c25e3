// Package transport carries realtime events between the broker and
// connected clients. The broker depends only on the Conn/Bus contract;
// the WebSocket hub is one implementation of it.
package transport

import "encoding/json"

// Conn is one live client connection with its per-connection state. The
// transport guarantees a stable id for the connection's lifetime and
// serial, receive-order dispatch of its events.
type Conn interface {
	// ID returns the stable connection identifier (the clientId).
	ID() string

	// Emit sends a named event with a JSON payload to this client only.
	Emit(event string, payload interface{}) error

	// Session returns the session binding established by a successful
	// join, or ok=false before one exists.
	Session() (sessionID, token string, ok bool)

	// BindSession records a successful join on the connection.
	BindSession(sessionID, token, clientName string)

	// ClearSession removes the session binding.
	ClearSession()

	// ClientName returns the display name from the last join.
	ClientName() string
}

// Handler processes one inbound event and returns the ack payload, which
// the transport delivers to the event's callback. A nil return sends no
// ack.
type Handler func(c Conn, data json.RawMessage) interface{}

// Registry installs per-event handlers. Events from one connection are
// dispatched one at a time, in receive order.
type Registry interface {
	OnEvent(name string, h Handler)
	OnDisconnect(h func(c Conn))
}

// Bus fans events out to rooms. Rooms correspond 1:1 to session ids.
type Bus interface {
	JoinRoom(room string, c Conn)
	LeaveRoom(room string, c Conn)

	// BroadcastToRoom emits an event to every room member except the
	// connection named by exclude ("" excludes nobody).
	BroadcastToRoom(room, event string, payload interface{}, exclude string)
}
