// Package client provides a reusable WebSocket load test client for the
// Parley chat server. It connects using gobwas/ws (the same library the
// server uses), authenticates with a bearer token on the upgrade URL, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
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

// MintToken signs a short-lived HS256 bearer token for the given user. The
// secret must match the server's JWT_SECRET and the user must exist in the
// users table (seed the database before running a test).
func MintToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Parley server.
// It manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	userID    string
	sessionID string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
}

// New connects to the given WebSocket URL as userID, authenticating with the
// provided bearer token via the token query parameter. The connection is
// established immediately and a background goroutine begins reading messages.
func New(ctx context.Context, wsURL, userID, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinRoom subscribes the client to a room's event stream.
func (c *Client) JoinRoom(roomID string) error {
	return c.Send(map[string]string{"type": TypeJoinRoom, "room_id": roomID})
}

// LeaveRoom unsubscribes the client from a room.
func (c *Client) LeaveRoom(roomID string) error {
	return c.Send(map[string]string{"type": TypeLeaveRoom, "room_id": roomID})
}

// SendMessage sends a chat message into a room.
func (c *Client) SendMessage(roomID, content string) error {
	return c.Send(map[string]string{
		"type":    TypeSendMessage,
		"room_id": roomID,
		"content": content,
	})
}

// TypingStart signals a typing edge into a room.
func (c *Client) TypingStart(roomID string) error {
	return c.Send(map[string]string{"type": TypeTypingStart, "room_id": roomID})
}

// TypingStop clears the client's typing state in a room.
func (c *Client) TypingStop(roomID string) error {
	return c.Send(map[string]string{"type": TypeTypingStop, "room_id": roomID})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled. Useful for coordinating test phases that depend on
// the handshake being complete.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
			if c.SessionID() != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user this client authenticated as.
func (c *Client) UserID() string {
	return c.userID
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + time.Since(c.firstMsg)
		}
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Capture the session ID from the handshake confirmation.
		if envelope.Type == TypeSessionCreated {
			var msg struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.mu.Lock()
				c.sessionID = msg.SessionID
				c.mu.Unlock()
			}
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
