package ws

import (
	"log"
	"time"

	"github.com/portfolio/presence-relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.CursorChangeMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers based on the message type. It handles the built-in ping/pong
// keepalive internally and unicasts a warning for malformed or unsupported
// messages; a bad frame never terminates the connection.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates an unbound MessageDispatcher. The server
// reference is attached via SetServer once the server exists (the server
// constructor needs Dispatch as its message callback, so the dispatcher is
// created first).
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// SetServer assigns the Server reference used to send responses to clients.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed message, handles ping internally, and routes all other
// types to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error socket=%s: %v", conn.ID, err)
		d.sendWarning(conn, "invalid message format")
		return
	}

	// Ping is handled here so keepalives work without any registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q socket=%s", msgType, conn.ID)
		d.sendWarning(conn, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendWarning unicasts a warning notice to the offending client. Errors
// during construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendWarning(conn *Connection, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeWarning, protocol.WarningMsg{
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build warning socket=%s: %v", conn.ID, err)
		return
	}

	if err := d.write(conn, data); err != nil {
		log.Printf("ws: failed to send warning socket=%s: %v", conn.ID, err)
	}
}

// write sends through the server when bound so write deadlines apply, and
// falls back to the raw connection otherwise.
func (d *MessageDispatcher) write(conn *Connection, data []byte) error {
	if d.server != nil {
		return d.server.SendMessage(conn.ID, data)
	}
	return conn.WriteMessage(data)
}

// sendPong responds to a client ping with a pong message and refreshes the
// connection's LastPing timestamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong socket=%s: %v", conn.ID, err)
		return
	}

	if err := d.write(conn, data); err != nil {
		log.Printf("ws: failed to send pong socket=%s: %v", conn.ID, err)
	}
}
