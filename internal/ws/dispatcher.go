package ws

import (
	"log"

	"github.com/unveil/ritual-app/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.SendMessageMsg).
type EventHandler func(conn *Connection, msg interface{})

// EventDispatcher routes incoming WebSocket events to registered handlers
// based on the event type. It handles the built-in heartbeat keepalive
// internally and sends structured error responses for malformed or
// unsupported events; either way the connection stays open.
type EventDispatcher struct {
	handlers map[string]EventHandler
}

// NewEventDispatcher creates an empty EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string]EventHandler),
	}
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *EventDispatcher) Register(msgType string, handler EventHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed event, handles heartbeat internally, and routes all
// other types to the registered handler. Parse errors and unregistered
// types result in an error event sent back to the client.
func (d *EventDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.SendError(conn, "invalid_event", "invalid event format")
		return
	}

	// Built-in heartbeat handler: ack immediately. A registered heartbeat
	// handler still runs afterwards so the coordinator can refresh presence.
	if msgType == protocol.TypeHeartbeat {
		d.sendHeartbeatAck(conn)
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		if msgType == protocol.TypeHeartbeat {
			return
		}
		log.Printf("ws: unsupported event type=%q conn=%s", msgType, conn.ID)
		d.SendError(conn, "invalid_event", "unsupported event type")
		return
	}

	handler(conn, msg)
}

// SendError sends a structured error event back to the client. Errors
// during construction or transmission are logged but not propagated.
func (d *EventDispatcher) SendError(conn *Connection, code string, detail string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:   code,
		Detail: detail,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendHeartbeatAck responds to a client heartbeat and refreshes the
// connection's activity timestamp for the staleness checks.
func (d *EventDispatcher) sendHeartbeatAck(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypeHeartbeatAck, protocol.HeartbeatAckMsg{})
	if err != nil {
		log.Printf("ws: failed to build heartbeat_ack conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send heartbeat_ack conn=%s: %v", conn.ID, err)
	}
}
