// Package typing collapses keystroke bursts into exactly one start/stop
// event pair per burst. Each (room, user) pair owns one state machine with
// two states, Idle and Typing, and one inactivity timer. Timer callbacks are
// guarded by an epoch counter: any activity bumps the epoch, so a stale
// timer that fires after a newer transition is a detectable no-op.
package typing

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is the inactivity deadline after which a typing user is
// transitioned back to Idle.
const DefaultIdleTimeout = 2 * time.Second

// Event describes a typing transition to broadcast. SessionID is the
// connection that caused the transition, so fan-out can exclude it.
type Event struct {
	RoomID    string
	UserID    string
	Username  string
	SessionID string
	Typing    bool // true on Idle -> Typing, false on Typing -> Idle
}

// EmitFunc receives transition events. Calls are serialized in the order
// the transitions occurred, without the state lock held.
type EmitFunc func(ev Event)

type key struct {
	roomID string
	userID string
}

type state struct {
	username  string
	sessionID string
	epoch     uint64
	timer     *time.Timer
}

// Tracker holds the typing state machines for all (room, user) pairs.
type Tracker struct {
	mu     sync.Mutex
	states map[key]*state // only Typing pairs are present; absence means Idle

	// emitMu is acquired before mu is released on each transition, so
	// concurrent starts and stops of the same pair reach emit in the order
	// the transitions took effect.
	emitMu sync.Mutex

	idleTimeout time.Duration
	emit        EmitFunc
}

// NewTracker creates a Tracker that reports transitions through emit.
func NewTracker(idleTimeout time.Duration, emit EmitFunc) *Tracker {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Tracker{
		states:      make(map[key]*state),
		idleTimeout: idleTimeout,
		emit:        emit,
	}
}

// Start records a non-empty input change. On the Idle -> Typing edge it
// emits a user-typing event; on the Typing self-loop it only resets the
// inactivity deadline and emits nothing.
func (t *Tracker) Start(roomID, userID, username, sessionID string) {
	k := key{roomID: roomID, userID: userID}

	t.mu.Lock()
	st, typing := t.states[k]
	if typing {
		// Self-loop: bump the epoch so the old timer becomes stale, then
		// re-arm the deadline. No emission.
		st.epoch++
		st.sessionID = sessionID
		st.timer.Stop()
		st.timer = t.scheduleTimeout(k, st.epoch)
		t.mu.Unlock()
		return
	}

	st = &state{username: username, sessionID: sessionID, epoch: 1}
	st.timer = t.scheduleTimeout(k, st.epoch)
	t.states[k] = st
	t.emitMu.Lock()
	t.mu.Unlock()

	t.emit(Event{RoomID: roomID, UserID: userID, Username: username, SessionID: sessionID, Typing: true})
	t.emitMu.Unlock()
}

// Stop records an explicit stop (input cleared, message sent, leave, or
// disconnect). If the pair was Typing it cancels the pending deadline and
// emits user-stopped-typing immediately; if Idle it is a no-op.
func (t *Tracker) Stop(roomID, userID string) {
	k := key{roomID: roomID, userID: userID}

	t.mu.Lock()
	st, typing := t.states[k]
	if !typing {
		t.mu.Unlock()
		return
	}
	st.timer.Stop()
	delete(t.states, k)
	t.emitMu.Lock()
	t.mu.Unlock()

	t.emit(Event{RoomID: roomID, UserID: userID, Username: st.username, SessionID: st.sessionID, Typing: false})
	t.emitMu.Unlock()
}

// IsTyping reports whether the pair is currently in the Typing state.
func (t *Tracker) IsTyping(roomID, userID string) bool {
	t.mu.Lock()
	_, typing := t.states[key{roomID: roomID, userID: userID}]
	t.mu.Unlock()
	return typing
}

// scheduleTimeout arms the inactivity deadline for the given epoch.
// Caller holds the lock.
func (t *Tracker) scheduleTimeout(k key, epoch uint64) *time.Timer {
	return time.AfterFunc(t.idleTimeout, func() {
		t.onTimeout(k, epoch)
	})
}

// onTimeout fires when the inactivity deadline elapses. The epoch check
// rejects timers scheduled before a newer keystroke or stop, so a late fire
// cannot emit a stale stopped-typing event.
func (t *Tracker) onTimeout(k key, epoch uint64) {
	t.mu.Lock()
	st, typing := t.states[k]
	if !typing || st.epoch != epoch {
		t.mu.Unlock()
		return
	}
	delete(t.states, k)
	t.emitMu.Lock()
	t.mu.Unlock()

	t.emit(Event{RoomID: k.roomID, UserID: k.userID, Username: st.username, SessionID: st.sessionID, Typing: false})
	t.emitMu.Unlock()
}
