// Package presence derives online/offline state from a reference count of
// live connections per user. A count rather than a boolean keeps multi-tab
// and multi-device users online until their last connection closes.
package presence

import "sync"

// Tracker keeps connection counts per user. All mutations for a user are
// serialized under one mutex so near-simultaneous opens and closes cannot
// race to the same stale read.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// ConnectionOpened increments the user's connection count. It returns true
// only on the 0 -> 1 transition, i.e. when the caller should broadcast a
// user-online event.
func (t *Tracker) ConnectionOpened(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[userID]++
	return t.counts[userID] == 1
}

// ConnectionClosed decrements the user's connection count. It returns true
// only on the 1 -> 0 transition, when the entry is evicted and the caller
// should broadcast a user-offline event. Closing at count 0 is a no-op,
// defensive against double-terminate.
func (t *Tracker) ConnectionClosed(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	count, ok := t.counts[userID]
	if !ok || count == 0 {
		return false
	}
	if count == 1 {
		delete(t.counts, userID)
		return true
	}
	t.counts[userID] = count - 1
	return false
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID] > 0
}

// OnlineCount returns the number of distinct online users.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
