// Package room owns the subscriber sets of live connections and fans events
// out to them. All delivery flows through one bus subject per room, so a
// single broadcasting process preserves the order in which sends completed
// persistence, and additional instances join the same stream without room
// pinning. Delivery to each local subscriber is a non-blocking enqueue; a
// slow consumer drops events rather than stalling the room.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/parley/chat-app/internal/history"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/session"
)

// Authorizer re-validates membership before every join and send.
// Satisfied by *membership.Gate.
type Authorizer interface {
	Authorize(ctx context.Context, userID, roomID string) error
}

// Sender delivers an encoded event to one local session. Implementations
// must not block on a slow connection. Satisfied by the ws server.
type Sender interface {
	Send(sessionID string, data []byte) error
}

// Bus is the cross-instance fan-out transport. Satisfied by
// *messaging.NATSClient.
type Bus interface {
	PublishRoomEvent(roomID string, data []byte) error
	SubscribeRoom(roomID string, handler func(data []byte)) (func() error, error)
}

// Member is a subscriber identity snapshot returned from Join.
type Member struct {
	SessionID string
	UserID    string
	Username  string
	AvatarURL string
}

// activeRoom tracks one room's local subscriber set. Created lazily on the
// first local join, garbage-collected when the last subscriber leaves.
type activeRoom struct {
	subscribers map[string]*session.Session // sessionID -> identity (referenced, never owned)
	unsubscribe func() error                // tears down the bus subscription
}

// Router is the room broadcast router.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]*activeRoom

	gate   Authorizer
	store  history.Store
	bus    Bus
	sender Sender
	onSent func(roomID, userID string)
}

// NewRouter creates a Router. The sender is attached separately because the
// transport server is constructed after the router in the wiring order.
func NewRouter(gate Authorizer, store history.Store, bus Bus) *Router {
	return &Router{
		rooms: make(map[string]*activeRoom),
		gate:  gate,
		store: store,
		bus:   bus,
	}
}

// SetSender attaches the delivery transport. Must be called before the
// first Join.
func (r *Router) SetSender(sender Sender) {
	r.sender = sender
}

// SetOnSent registers a hook invoked after a message is persisted and
// before it fans out. Used to end the author's typing state so the
// stopped-typing event precedes the message; a rejected or failed send
// never reaches it.
func (r *Router) SetOnSent(fn func(roomID, userID string)) {
	r.onSent = fn
}

// Join re-validates membership and adds the session to the room's
// subscriber set. Idempotent: a second join by the same session is a no-op
// that still returns the member list. The first local subscriber creates
// the room and its bus subscription. On success the room is told via
// user-joined, excluding the joiner.
func (r *Router) Join(ctx context.Context, sess *session.Session, roomID string) ([]Member, error) {
	if err := r.gate.Authorize(ctx, sess.UserID, roomID); err != nil {
		return nil, err
	}

	// The bus subscribe is network I/O and runs outside r.mu, so one room's
	// first join cannot stall joins, leaves, and delivery in other rooms.
	// The room can appear (or disappear) while the lock is dropped, hence
	// the re-check loop; a subscription made redundant by a concurrent
	// first join is released after the lock is dropped again.
	var pending func() error
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	for !ok {
		if pending != nil {
			rm = &activeRoom{
				subscribers: make(map[string]*session.Session),
				unsubscribe: pending,
			}
			r.rooms[roomID] = rm
			pending = nil
			break
		}
		r.mu.Unlock()
		unsubscribe, err := r.bus.SubscribeRoom(roomID, func(data []byte) {
			r.deliver(roomID, data)
		})
		if err != nil {
			return nil, fmt.Errorf("room: subscribe %s: %w", roomID, err)
		}
		pending = unsubscribe
		r.mu.Lock()
		rm, ok = r.rooms[roomID]
	}

	_, already := rm.subscribers[sess.SessionID]
	if !already {
		rm.subscribers[sess.SessionID] = sess
	}
	members := snapshotMembers(rm)
	r.mu.Unlock()

	if pending != nil {
		if err := pending(); err != nil {
			log.Printf("room: release redundant subscription %s: %v", roomID, err)
		}
	}

	if !already {
		data, err := protocol.NewServerMessage(protocol.TypeUserJoined, protocol.UserJoinedMsg{
			RoomID: roomID,
			User:   protocol.User{UserID: sess.UserID, Username: sess.Username, AvatarURL: sess.AvatarURL},
		})
		if err == nil {
			r.Publish(roomID, data, sess.SessionID)
		}
	}

	return members, nil
}

// Leave removes the session from the room's subscriber set. Idempotent and
// never errors for non-members. The last local subscriber tears down the
// room and its bus subscription.
func (r *Router) Leave(sess *session.Session, roomID string) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := rm.subscribers[sess.SessionID]; !member {
		r.mu.Unlock()
		return
	}
	delete(rm.subscribers, sess.SessionID)

	var unsubscribe func() error
	if len(rm.subscribers) == 0 {
		unsubscribe = rm.unsubscribe
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		if err := unsubscribe(); err != nil {
			log.Printf("room: unsubscribe %s: %v", roomID, err)
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeUserLeft, protocol.UserLeftMsg{
		RoomID: roomID,
		User:   protocol.User{UserID: sess.UserID, Username: sess.Username, AvatarURL: sess.AvatarURL},
	})
	if err == nil {
		r.Publish(roomID, data, sess.SessionID)
	}
}

// LeaveAll removes the session from every room it is subscribed to and
// returns the rooms left. Used on disconnect so callers can also cancel the
// session's typing state per room.
func (r *Router) LeaveAll(sess *session.Session) []string {
	r.mu.RLock()
	var roomIDs []string
	for roomID, rm := range r.rooms {
		if _, member := rm.subscribers[sess.SessionID]; member {
			roomIDs = append(roomIDs, roomID)
		}
	}
	r.mu.RUnlock()

	for _, roomID := range roomIDs {
		r.Leave(sess, roomID)
	}
	return roomIDs
}

// SendMessage is the one side-effecting operation: re-authorize, validate,
// persist, and only after successful persistence fan out new-message to the
// room, sender included. A persistence failure returns the error to the
// sender and nothing is published.
func (r *Router) SendMessage(ctx context.Context, sess *session.Session, roomID, content string) (*history.Message, error) {
	if err := r.gate.Authorize(ctx, sess.UserID, roomID); err != nil {
		return nil, err
	}
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	msg := &history.Message{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		UserID:    sess.UserID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Save(ctx, msg); err != nil {
		return nil, err
	}

	if r.onSent != nil {
		r.onSent(roomID, sess.UserID)
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: protocol.Message{
			ID:        msg.ID,
			RoomID:    msg.RoomID,
			UserID:    msg.UserID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.UnixMilli(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("room: encode new-message: %w", err)
	}
	r.Publish(roomID, data, "")
	return msg, nil
}

// Publish fans data out to every current subscriber of the room except
// excludeSessionID, via the bus so all instances see it.
func (r *Router) Publish(roomID string, data []byte, excludeSessionID string) {
	payload, err := json.Marshal(busEvent{
		RoomID:  roomID,
		Exclude: excludeSessionID,
		Data:    data,
	})
	if err != nil {
		log.Printf("room: encode bus event room=%s: %v", roomID, err)
		return
	}
	if err := r.bus.PublishRoomEvent(roomID, payload); err != nil {
		log.Printf("room: publish room=%s: %v", roomID, err)
	}
}

// deliver handles a bus event for a room: decode, snapshot the local
// subscriber set, and enqueue to each connection. Per-subscriber failures
// are ignored; a dead connection is cleaned up by its own read path.
func (r *Router) deliver(roomID string, payload []byte) {
	var ev busEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("room: decode bus event room=%s: %v", roomID, err)
		return
	}

	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	targets := make([]string, 0, len(rm.subscribers))
	for sessionID := range rm.subscribers {
		if sessionID == ev.Exclude {
			continue
		}
		targets = append(targets, sessionID)
	}
	r.mu.RUnlock()

	for _, sessionID := range targets {
		_ = r.sender.Send(sessionID, ev.Data)
	}
}

// Subscribers returns the sessionIDs currently subscribed to the room.
func (r *Router) Subscribers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rm.subscribers))
	for sessionID := range rm.subscribers {
		ids = append(ids, sessionID)
	}
	return ids
}

// RoomCount returns the number of rooms with at least one local subscriber.
func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// snapshotMembers copies the subscriber identities. Caller holds the lock.
func snapshotMembers(rm *activeRoom) []Member {
	members := make([]Member, 0, len(rm.subscribers))
	for _, sess := range rm.subscribers {
		members = append(members, Member{
			SessionID: sess.SessionID,
			UserID:    sess.UserID,
			Username:  sess.Username,
			AvatarURL: sess.AvatarURL,
		})
	}
	return members
}
