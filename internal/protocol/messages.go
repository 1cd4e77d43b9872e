// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
// The set of types is closed: every event on the wire maps to exactly one
// variant below, validated at the relay boundary before any state mutation.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCursorChange = "cursor-change"
	TypeMsgSend      = "msg-send"
	TypeUpdateUser   = "update-user"
	TypeTypingSend   = "typing-send"
	TypeConfettiSend = "confetti-send"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeSession         = "session"
	TypeMsgsReceiveInit = "msgs-receive-init"
	TypeUsersUpdated    = "users-updated"
	TypeCursorChanged   = "cursor-changed"
	TypeMsgReceive      = "msg-receive"
	TypeMsgDelete       = "msg-delete"
	TypeTypingReceive   = "typing-receive"
	TypeConfettiReceive = "confetti-receive"
	TypeWarning         = "warning"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Shared model types
// ---------------------------------------------------------------------------

// Position is a cursor position in page coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is the presence-visible identity of one live connection. The ID is the
// durable session id and is stable across reconnects; SocketID identifies the
// current transport connection and changes on every reconnect.
type User struct {
	ID        string  `json:"id"`
	SocketID  string  `json:"socketId"`
	Name      string  `json:"name"`
	Avatar    string  `json:"avatar"`
	Color     string  `json:"color"`
	IsOnline  bool    `json:"isOnline"`
	PosX      float64 `json:"posX"`
	PosY      float64 `json:"posY"`
	Location  string  `json:"location"`
	Flag      string  `json:"flag"`
	LastSeen  int64   `json:"lastSeen"`
	CreatedAt int64   `json:"createdAt"`
}

// Message is one immutable chat entry. SessionID is the author's durable
// session id, never the transport socket id, so authorship survives
// reconnects. Content is never mutated after creation; the only supported
// change is whole-message deletion by id.
type Message struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar"`
	Color     string `json:"color"`
	Content   string `json:"content"`
	Flag      string `json:"flag"`
	Country   string `json:"country"`
	CreatedAt int64  `json:"createdAt"`
}

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// CursorChangeMsg reports the client's own cursor position. Clients throttle
// these; the relay additionally rate-limits per connection and drops excess.
type CursorChangeMsg struct {
	Type     string   `json:"type"`
	SocketID string   `json:"socketId"`
	Pos      Position `json:"pos"`
}

// MsgSendMsg submits a chat message. Content is validated server-side.
type MsgSendMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// UpdateUserMsg is a partial profile edit. Empty fields retain their prior
// values; Username must be non-empty after trimming.
type UpdateUserMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Color    string `json:"color"`
}

// TypingSendMsg signals that the client is typing. Receivers expire the
// indicator locally after a fixed window; there is no explicit stop event.
type TypingSendMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// ConfettiSendMsg fires a decorative reaction burst at page coordinates.
type ConfettiSendMsg struct {
	Type  string  `json:"type"`
	ID    string  `json:"id"`
	Emoji string  `json:"emoji"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionMsg tells the client which session id to persist locally for future
// reconnects. It is always the first event delivered on a new connection.
type SessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// MsgsReceiveInitMsg replays chat history to a newly connected client, in
// insertion order, before any live event.
type MsgsReceiveInitMsg struct {
	Type string    `json:"type"`
	Msgs []Message `json:"msgs"`
}

// UsersUpdatedMsg is a full roster sync.
type UsersUpdatedMsg struct {
	Type  string `json:"type"`
	Users []User `json:"users"`
}

// CursorChangedMsg is an incremental cursor delta for one remote user. The
// display fields ride along so observers can render a cursor for a user they
// have not yet seen in a roster sync.
type CursorChangedMsg struct {
	Type     string   `json:"type"`
	SocketID string   `json:"socketId"`
	Pos      Position `json:"pos"`
	Name     string   `json:"name"`
	Avatar   string   `json:"avatar"`
	Color    string   `json:"color"`
	Flag     string   `json:"flag"`
}

// MsgDeleteMsg announces a moderation deletion by message id.
type MsgDeleteMsg struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// TypingReceiveMsg relays a typing signal to other clients.
type TypingReceiveMsg struct {
	Type     string `json:"type"`
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// ConfettiReceiveMsg relays a reaction burst to other clients. The id is the
// originator's burst id, echoed so clients that de-duplicate defensively can
// still do so.
type ConfettiReceiveMsg struct {
	Type  string  `json:"type"`
	ID    string  `json:"id"`
	Emoji string  `json:"emoji"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// WarningMsg is a unicast system notice for a rejected or rate-limited
// action. It is never broadcast.
type WarningMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeCursorChange:
		var m CursorChangeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMsgSend:
		var m MsgSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateUser:
		var m UpdateUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingSend:
		var m TypingSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConfettiSend:
		var m ConfettiSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
