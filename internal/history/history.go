// Package history serves paginated message history consistent with the live
// stream. Pages are keyed strictly-before a fixed cursor, so messages
// arriving concurrently with a page request are invisible to it and surface
// only through the live broadcast path.
package history

import (
	"context"
	"errors"
	"time"
)

// Pagination bounds enforced server-side.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// maxCursorID sorts after every ULID, giving an open upper bound on the id
// tiebreak when paginating from "now".
const maxCursorID = "ZZZZZZZZZZZZZZZZZZZZZZZZZZ"

var (
	// ErrCursorNotFound means the before-message no longer exists.
	ErrCursorNotFound = errors.New("history: cursor message not found")

	// ErrPersistence wraps storage failures on the write path.
	ErrPersistence = errors.New("history: persistence failure")
)

// Message is a durably stored chat message. Immutable once created except
// for the soft-delete flag. The ordering key is (CreatedAt, ID); IDs are
// ULIDs so the tiebreak is a plain string comparison.
type Message struct {
	ID        string
	RoomID    string
	UserID    string
	Content   string
	CreatedAt time.Time
	Deleted   bool
}

// Store is the narrow contract to the external Message Store.
type Store interface {
	// Save durably persists a message.
	Save(ctx context.Context, msg *Message) error

	// Resolve returns the message with the given ID in the room, including
	// soft-deleted ones (a deleted message remains a valid cursor).
	Resolve(ctx context.Context, roomID, messageID string) (*Message, error)

	// ListBefore returns up to limit non-deleted room messages with
	// (created_at, id) strictly less than the cursor, newest first.
	ListBefore(ctx context.Context, roomID string, cursorAt time.Time, cursorID string, limit int) ([]Message, error)
}

// Page is one page of history in chronological (oldest-first) order.
type Page struct {
	Messages []Message
	HasMore  bool
}

// Service implements cursor pagination over a Store.
type Service struct {
	store Store
}

// NewService creates a Service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// FetchPage returns up to limit messages older than beforeMessageID (or
// older than now if beforeMessageID is empty), oldest-first. HasMore is true
// iff exactly limit messages were returned: a short page conclusively means
// no older messages remain.
func (s *Service) FetchPage(ctx context.Context, roomID string, limit int, beforeMessageID string) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	cursorAt := time.Now()
	cursorID := maxCursorID
	if beforeMessageID != "" {
		cursor, err := s.store.Resolve(ctx, roomID, beforeMessageID)
		if err != nil {
			return nil, err
		}
		cursorAt = cursor.CreatedAt
		cursorID = cursor.ID
	}

	messages, err := s.store.ListBefore(ctx, roomID, cursorAt, cursorID, limit)
	if err != nil {
		return nil, err
	}

	// The store returns newest-first; the caller always receives
	// chronological order regardless of pagination direction.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return &Page{
		Messages: messages,
		HasMore:  len(messages) == limit,
	}, nil
}
