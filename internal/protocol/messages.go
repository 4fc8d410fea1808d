// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
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
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypeRoomJoined        = "room_joined"
	TypeNewMessage        = "new_message"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried by ErrorMsg. Each maps to one failure class: the
// operation was rejected and only the originating session is told.
const (
	CodeParseError         = "parse_error"
	CodeUnsupportedType    = "unsupported_type"
	CodeNotAMember         = "not_a_member"
	CodeInvalidMessage     = "invalid_message"
	CodePersistenceFailure = "persistence_failure"
	CodeNotFound           = "not_found"
	CodeRateLimited        = "rate_limited"
	CodeServerError        = "server_error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
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

// JoinRoomMsg is sent by the client to subscribe to a room's event stream.
// Membership is re-verified server-side on every join.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg is sent by the client to unsubscribe from a room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg is a chat message the client wants persisted and fanned out
// to the room.
type SendMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// TypingStartMsg signals a non-empty input change in the given room.
type TypingStartMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// TypingStopMsg signals that the client cleared its input or otherwise
// stopped typing before the inactivity deadline.
type TypingStopMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// User identifies a chat participant in server events.
type User struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// SessionCreatedMsg is sent by the server once the handshake has
// authenticated and a session is registered.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomJoinedMsg confirms a join and carries the identities currently
// subscribed to the room so the client can render "who's here".
type RoomJoinedMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Members []User `json:"members"`
}

// Message is the wire form of a persisted chat message.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// NewMessageMsg carries a freshly persisted message to room subscribers.
type NewMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// UserJoinedMsg announces that a user joined the room.
type UserJoinedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	User   User   `json:"user"`
}

// UserLeftMsg announces that a user left the room.
type UserLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	User   User   `json:"user"`
}

// UserTypingMsg announces the Idle -> Typing transition for a user in a room.
type UserTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// UserStoppedTypingMsg announces the Typing -> Idle transition.
type UserStoppedTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// UserOnlineMsg announces a user's 0 -> 1 connection transition.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// UserOfflineMsg announces a user's 1 -> 0 connection transition.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition to the
// originating session only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
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
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
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
