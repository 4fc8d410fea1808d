package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

// memStore is an in-memory Store keeping messages in insertion order.
type memStore struct {
	messages []Message
	saveErr  error
}

func (s *memStore) Save(_ context.Context, msg *Message) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *memStore) Resolve(_ context.Context, roomID, messageID string) (*Message, error) {
	for _, msg := range s.messages {
		if msg.RoomID == roomID && msg.ID == messageID {
			m := msg
			return &m, nil
		}
	}
	return nil, ErrCursorNotFound
}

func (s *memStore) ListBefore(_ context.Context, roomID string, cursorAt time.Time, cursorID string, limit int) ([]Message, error) {
	var matched []Message
	for _, msg := range s.messages {
		if msg.RoomID != roomID || msg.Deleted {
			continue
		}
		if before(msg, cursorAt, cursorID) {
			matched = append(matched, msg)
		}
	}
	// Newest first by (CreatedAt, ID).
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if before(matched[i], matched[j].CreatedAt, matched[j].ID) {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// before reports (msg.CreatedAt, msg.ID) < (at, id).
func before(msg Message, at time.Time, id string) bool {
	if msg.CreatedAt.Before(at) {
		return true
	}
	if msg.CreatedAt.Equal(at) {
		return msg.ID < id
	}
	return false
}

// seed inserts n messages M1..Mn one millisecond apart and returns them.
func seed(t *testing.T, store *memStore, roomID string, n int) []Message {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	var out []Message
	for i := 1; i <= n; i++ {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		msg := Message{
			ID:        ulid.MustNew(ulid.Timestamp(ts), nil).String(),
			RoomID:    roomID,
			UserID:    "u1",
			Content:   fmt.Sprintf("M%d", i),
			CreatedAt: ts,
		}
		if err := store.Save(context.Background(), &msg); err != nil {
			t.Fatalf("seed: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestFetchPage_NewestWithoutCursor(t *testing.T) {
	store := &memStore{}
	seed(t, store, "r1", 10)
	svc := NewService(store)

	page, err := svc.FetchPage(context.Background(), "r1", 4, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(page.Messages))
	}
	// Chronological order: M7..M10.
	for i, want := range []string{"M7", "M8", "M9", "M10"} {
		if page.Messages[i].Content != want {
			t.Errorf("index %d: expected %s, got %s", i, want, page.Messages[i].Content)
		}
	}
	if !page.HasMore {
		t.Error("expected HasMore=true for a full page")
	}
}

func TestFetchPage_WalkReconstructsHistory(t *testing.T) {
	store := &memStore{}
	seed(t, store, "r1", 10)
	svc := NewService(store)

	var collected []string
	before := ""
	pages := 0
	for {
		page, err := svc.FetchPage(context.Background(), "r1", 4, before)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++
		if len(page.Messages) == 0 {
			if page.HasMore {
				t.Fatal("empty page must have HasMore=false")
			}
			break
		}
		// Prepend this page; each page's oldest id is the next cursor.
		texts := make([]string, 0, len(page.Messages))
		for _, msg := range page.Messages {
			texts = append(texts, msg.Content)
		}
		collected = append(texts, collected...)
		if !page.HasMore {
			break
		}
		before = page.Messages[0].ID
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if len(collected) != 10 {
		t.Fatalf("expected 10 messages total, got %d: %v", len(collected), collected)
	}
	for i := 0; i < 10; i++ {
		want := fmt.Sprintf("M%d", i+1)
		if collected[i] != want {
			t.Errorf("index %d: expected %s, got %s", i, want, collected[i])
		}
	}
}

func TestFetchPage_LastPageHasMoreFalse(t *testing.T) {
	store := &memStore{}
	msgs := seed(t, store, "r1", 10)
	svc := NewService(store)

	// Cursor at M3: only M1, M2 remain, a short page.
	page, err := svc.FetchPage(context.Background(), "r1", 4, msgs[2].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	if page.HasMore {
		t.Error("short page must report HasMore=false")
	}
}

func TestFetchPage_SkipsDeleted(t *testing.T) {
	store := &memStore{}
	seed(t, store, "r1", 5)
	store.messages[2].Deleted = true // M3
	svc := NewService(store)

	page, err := svc.FetchPage(context.Background(), "r1", 10, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(page.Messages))
	}
	for _, msg := range page.Messages {
		if msg.Content == "M3" {
			t.Error("deleted message must not appear in pages")
		}
	}
}

func TestFetchPage_CursorNotFound(t *testing.T) {
	store := &memStore{}
	seed(t, store, "r1", 3)
	svc := NewService(store)

	_, err := svc.FetchPage(context.Background(), "r1", 4, "01AAAAAAAAAAAAAAAAAAAAAAAA")
	if !errors.Is(err, ErrCursorNotFound) {
		t.Fatalf("expected ErrCursorNotFound, got %v", err)
	}
}

func TestFetchPage_LimitClamping(t *testing.T) {
	store := &memStore{}
	seed(t, store, "r1", MaxPageLimit+20)
	svc := NewService(store)

	// Zero limit falls back to the default.
	page, err := svc.FetchPage(context.Background(), "r1", 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Messages) != DefaultPageLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultPageLimit, len(page.Messages))
	}

	// Oversized limit clamps to the maximum.
	page, err = svc.FetchPage(context.Background(), "r1", 10000, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Messages) != MaxPageLimit {
		t.Fatalf("expected max limit %d, got %d", MaxPageLimit, len(page.Messages))
	}
}

func TestFetchPage_LiveMessagesInvisibleToOpenPage(t *testing.T) {
	store := &memStore{}
	msgs := seed(t, store, "r1", 6)
	svc := NewService(store)

	// A page request with a fixed cursor at M5.
	page, err := svc.FetchPage(context.Background(), "r1", 10, msgs[4].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := len(page.Messages)

	// A live message arrives after the cursor; re-running the same request
	// must return the identical page.
	live := Message{
		ID:        ulid.MustNew(ulid.Now(), nil).String(),
		RoomID:    "r1",
		UserID:    "u2",
		Content:   "live",
		CreatedAt: time.Now(),
	}
	if err := store.Save(context.Background(), &live); err != nil {
		t.Fatalf("save live: %v", err)
	}

	again, err := svc.FetchPage(context.Background(), "r1", 10, msgs[4].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again.Messages) != got {
		t.Fatalf("page changed under a fixed cursor: %d -> %d", got, len(again.Messages))
	}
	for _, msg := range again.Messages {
		if msg.Content == "live" {
			t.Error("message created after the cursor leaked into the page")
		}
	}
}
