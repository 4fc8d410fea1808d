package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/history"
	"github.com/parley/chat-app/internal/membership"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/session"
)

// fakeGate grants pairs present in the allowed set.
type fakeGate struct {
	mu      sync.Mutex
	allowed map[string]bool
}

func (g *fakeGate) Authorize(_ context.Context, userID, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.allowed[userID+"/"+roomID] {
		return nil
	}
	return fmt.Errorf("%w: user=%s room=%s", membership.ErrNotAMember, userID, roomID)
}

func (g *fakeGate) revoke(userID, roomID string) {
	g.mu.Lock()
	g.allowed[userID+"/"+roomID] = false
	g.mu.Unlock()
}

// fakeStore records saved messages and optionally fails.
type fakeStore struct {
	mu      sync.Mutex
	saved   []history.Message
	saveErr error
}

func (s *fakeStore) Save(_ context.Context, msg *history.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, *msg)
	return nil
}

func (s *fakeStore) Resolve(context.Context, string, string) (*history.Message, error) {
	return nil, history.ErrCursorNotFound
}

func (s *fakeStore) ListBefore(context.Context, string, time.Time, string, int) ([]history.Message, error) {
	return nil, nil
}

// loopbackBus delivers published events synchronously to room subscribers,
// standing in for a NATS connection. Each subscription has its own
// identity so releasing one never tears down another for the same room.
type loopbackBus struct {
	mu            sync.Mutex
	nextID        int
	handlers      map[string]map[int]func(data []byte)
	subscribeErr  error
	subscribeHook func(roomID string) // called at the top of SubscribeRoom, outside the lock
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: make(map[string]map[int]func(data []byte))}
}

func (b *loopbackBus) PublishRoomEvent(roomID string, data []byte) error {
	b.mu.Lock()
	handlers := make([]func(data []byte), 0, len(b.handlers[roomID]))
	for _, handler := range b.handlers[roomID] {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(data)
	}
	return nil
}

func (b *loopbackBus) SubscribeRoom(roomID string, handler func(data []byte)) (func() error, error) {
	if hook := b.subscribeHook; hook != nil {
		hook(roomID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.nextID++
	id := b.nextID
	if b.handlers[roomID] == nil {
		b.handlers[roomID] = make(map[int]func(data []byte))
	}
	b.handlers[roomID][id] = handler
	return func() error {
		b.mu.Lock()
		delete(b.handlers[roomID], id)
		b.mu.Unlock()
		return nil
	}, nil
}

func (b *loopbackBus) subscribed(roomID string) bool {
	return b.subscriptionCount(roomID) > 0
}

func (b *loopbackBus) subscriptionCount(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[roomID])
}

// captureSender records delivered events per session.
type captureSender struct {
	mu       sync.Mutex
	received map[string][][]byte
}

func newCaptureSender() *captureSender {
	return &captureSender{received: make(map[string][][]byte)}
}

func (s *captureSender) Send(sessionID string, data []byte) error {
	s.mu.Lock()
	s.received[sessionID] = append(s.received[sessionID], data)
	s.mu.Unlock()
	return nil
}

// eventsOf decodes the type field of every event a session received.
func (s *captureSender) eventsOf(t *testing.T, sessionID string) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, data := range s.received[sessionID] {
		var partial struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &partial); err != nil {
			t.Fatalf("undecodable event for %s: %v", sessionID, err)
		}
		types = append(types, partial.Type)
	}
	return types
}

func countOf(types []string, want string) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func indexOf(types []string, want string) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}

type fixture struct {
	router *Router
	gate   *fakeGate
	store  *fakeStore
	bus    *loopbackBus
	sender *captureSender
}

func newFixture(allowed ...string) *fixture {
	gate := &fakeGate{allowed: make(map[string]bool)}
	for _, pair := range allowed {
		gate.allowed[pair] = true
	}
	store := &fakeStore{}
	bus := newLoopbackBus()
	sender := newCaptureSender()
	router := NewRouter(gate, store, bus)
	router.SetSender(sender)
	return &fixture{router: router, gate: gate, store: store, bus: bus, sender: sender}
}

func sess(id, userID string) *session.Session {
	return &session.Session{
		SessionID:   id,
		UserID:      userID,
		Username:    "user-" + userID,
		ConnectedAt: time.Now(),
	}
}

func TestJoin_Idempotent(t *testing.T) {
	f := newFixture("u1/r1")
	a := sess("s1", "u1")

	members, err := f.router.Join(context.Background(), a, "r1")
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}

	members, err = f.router.Join(context.Background(), a, "r1")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("joining twice must not grow the subscriber set, got %d", len(members))
	}
	if got := len(f.router.Subscribers("r1")); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
}

func TestJoin_Denied(t *testing.T) {
	f := newFixture()
	a := sess("s1", "u1")

	_, err := f.router.Join(context.Background(), a, "r1")
	if !errors.Is(err, membership.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if f.router.RoomCount() != 0 {
		t.Error("denied join must not create the room")
	}
	if f.bus.subscribed("r1") {
		t.Error("denied join must not subscribe to the bus")
	}
}

func TestJoin_AnnouncesToOthersOnly(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")

	if _, err := f.router.Join(context.Background(), a, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.Join(context.Background(), b, "r1"); err != nil {
		t.Fatal(err)
	}

	aEvents := f.sender.eventsOf(t, "s1")
	if countOf(aEvents, protocol.TypeUserJoined) != 1 {
		t.Errorf("a should see exactly b's join, got %v", aEvents)
	}
	bEvents := f.sender.eventsOf(t, "s2")
	if countOf(bEvents, protocol.TypeUserJoined) != 0 {
		t.Errorf("joiner must not receive their own user-joined, got %v", bEvents)
	}

	// Re-join emits nothing further.
	if _, err := f.router.Join(context.Background(), b, "r1"); err != nil {
		t.Fatal(err)
	}
	if countOf(f.sender.eventsOf(t, "s1"), protocol.TypeUserJoined) != 1 {
		t.Error("idempotent join must not re-announce")
	}
}

func TestSendMessage_FansOutToAllIncludingSender(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), b, "r1")

	msg, err := f.router.SendMessage(context.Background(), a, "r1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" || msg.RoomID != "r1" || msg.UserID != "u1" {
		t.Errorf("unexpected message: %+v", msg)
	}

	if countOf(f.sender.eventsOf(t, "s1"), protocol.TypeNewMessage) != 1 {
		t.Error("sender must receive their own new-message")
	}
	if countOf(f.sender.eventsOf(t, "s2"), protocol.TypeNewMessage) != 1 {
		t.Error("other member must receive new-message")
	}
	if len(f.store.saved) != 1 || f.store.saved[0].Content != "hello" {
		t.Errorf("expected one persisted message, got %+v", f.store.saved)
	}
}

func TestSendMessage_RevocationBetweenSends(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), b, "r1")

	if _, err := f.router.SendMessage(context.Background(), a, "r1", "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}

	// Membership revoked while still joined.
	f.gate.revoke("u1", "r1")

	_, err := f.router.SendMessage(context.Background(), a, "r1", "second")
	if !errors.Is(err, membership.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if countOf(f.sender.eventsOf(t, "s2"), protocol.TypeNewMessage) != 1 {
		t.Error("revoked send must not be broadcast")
	}
	if len(f.store.saved) != 1 {
		t.Error("revoked send must not be persisted")
	}
}

func TestSendMessage_ValidationRejects(t *testing.T) {
	f := newFixture("u1/r1")
	a := sess("s1", "u1")
	_, _ = f.router.Join(context.Background(), a, "r1")

	if _, err := f.router.SendMessage(context.Background(), a, "r1", ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for empty content, got %v", err)
	}
	if len(f.store.saved) != 0 {
		t.Error("invalid content must not be persisted")
	}
}

func TestSendMessage_PersistenceFailureNotBroadcast(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), b, "r1")

	f.store.saveErr = fmt.Errorf("%w: connection refused", history.ErrPersistence)

	_, err := f.router.SendMessage(context.Background(), a, "r1", "hello")
	if !errors.Is(err, history.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if countOf(f.sender.eventsOf(t, "s2"), protocol.TypeNewMessage) != 0 {
		t.Error("failed persistence must not be broadcast")
	}
	if countOf(f.sender.eventsOf(t, "s1"), protocol.TypeNewMessage) != 0 {
		t.Error("failed persistence must not echo to sender")
	}
}

func TestSendMessage_OnSentRunsBetweenSaveAndFanOut(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), b, "r1")

	var calls []string
	f.router.SetOnSent(func(roomID, userID string) {
		calls = append(calls, roomID+"/"+userID)
		data, _ := protocol.NewServerMessage(protocol.TypeUserStoppedTyping, protocol.UserStoppedTypingMsg{
			RoomID: roomID, UserID: userID,
		})
		f.router.Publish(roomID, data, "")
	})

	if _, err := f.router.SendMessage(context.Background(), a, "r1", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(calls) != 1 || calls[0] != "r1/u1" {
		t.Fatalf("expected one on-sent call for r1/u1, got %v", calls)
	}

	bEvents := f.sender.eventsOf(t, "s2")
	stopIdx := indexOf(bEvents, protocol.TypeUserStoppedTyping)
	msgIdx := indexOf(bEvents, protocol.TypeNewMessage)
	if stopIdx == -1 || msgIdx == -1 || stopIdx > msgIdx {
		t.Errorf("stopped-typing must precede the message, got %v", bEvents)
	}
}

func TestSendMessage_RejectedSendSkipsOnSent(t *testing.T) {
	f := newFixture("u1/r1")
	a := sess("s1", "u1")
	_, _ = f.router.Join(context.Background(), a, "r1")

	calls := 0
	f.router.SetOnSent(func(roomID, userID string) { calls++ })

	if _, err := f.router.SendMessage(context.Background(), a, "r1", ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	f.store.saveErr = fmt.Errorf("%w: connection refused", history.ErrPersistence)
	if _, err := f.router.SendMessage(context.Background(), a, "r1", "hello"); !errors.Is(err, history.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	f.store.saveErr = nil

	f.gate.revoke("u1", "r1")
	if _, err := f.router.SendMessage(context.Background(), a, "r1", "hello"); !errors.Is(err, membership.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}

	if calls != 0 {
		t.Errorf("a rejected or failed send must not invoke on-sent, got %d calls", calls)
	}
}

func TestJoin_SubscribeFailureIsNotMembershipDenial(t *testing.T) {
	f := newFixture("u1/r1")
	f.bus.subscribeErr = errors.New("nats: connection closed")

	_, err := f.router.Join(context.Background(), sess("s1", "u1"), "r1")
	if err == nil {
		t.Fatal("expected join to fail when the bus is down")
	}
	if errors.Is(err, membership.ErrNotAMember) {
		t.Fatalf("a bus failure must not read as a membership denial, got %v", err)
	}
	if f.router.RoomCount() != 0 {
		t.Error("failed join must not leave a half-created room behind")
	}
}

func TestJoin_SlowSubscribeDoesNotBlockOtherRooms(t *testing.T) {
	f := newFixture("u1/slow", "u2/fast")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.bus.subscribeHook = func(roomID string) {
		if roomID == "slow" {
			close(entered)
			<-release
		}
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := f.router.Join(context.Background(), sess("s1", "u1"), "slow")
		slowDone <- err
	}()
	<-entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := f.router.Join(context.Background(), sess("s2", "u2"), "fast")
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast join: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join of an unrelated room stalled behind another room's bus subscribe")
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow join: %v", err)
	}
	if got := len(f.router.Subscribers("slow")); got != 1 {
		t.Errorf("expected 1 subscriber in slow, got %d", got)
	}
}

func TestJoin_ConcurrentFirstJoinsShareOneSubscription(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	sessions := []*session.Session{sess("s1", "u1"), sess("s2", "u2")}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			<-start
			if _, err := f.router.Join(context.Background(), s, "r1"); err != nil {
				t.Errorf("join %s: %v", s.SessionID, err)
			}
		}(s)
	}
	close(start)
	wg.Wait()

	if got := len(f.router.Subscribers("r1")); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
	if n := f.bus.subscriptionCount("r1"); n != 1 {
		t.Fatalf("expected exactly one live bus subscription, got %d", n)
	}
}

func TestPublish_ExcludesSession(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), b, "r1")

	data, _ := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		RoomID: "r1", UserID: "u2", Username: "user-u2",
	})
	f.router.Publish("r1", data, "s2")

	if countOf(f.sender.eventsOf(t, "s1"), protocol.TypeUserTyping) != 1 {
		t.Error("a should receive b's typing event")
	}
	if countOf(f.sender.eventsOf(t, "s2"), protocol.TypeUserTyping) != 0 {
		t.Error("excluded session must not receive the event")
	}
}

func TestLeave_NoCrossTalkAfterLeave(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), b, "r1")

	f.router.Leave(b, "r1")

	if _, err := f.router.SendMessage(context.Background(), a, "r1", "after leave"); err != nil {
		t.Fatalf("send: %v", err)
	}

	bEvents := f.sender.eventsOf(t, "s2")
	if countOf(bEvents, protocol.TypeNewMessage) != 0 {
		t.Errorf("b must receive no new-message after leaving, got %v", bEvents)
	}
	if countOf(f.sender.eventsOf(t, "s1"), protocol.TypeUserLeft) != 1 {
		t.Error("a should be told b left")
	}
}

func TestLeave_IdempotentAndGarbageCollects(t *testing.T) {
	f := newFixture("u1/r1")
	a := sess("s1", "u1")
	_, _ = f.router.Join(context.Background(), a, "r1")

	if !f.bus.subscribed("r1") {
		t.Fatal("expected bus subscription after first join")
	}

	f.router.Leave(a, "r1")
	if f.router.RoomCount() != 0 {
		t.Error("empty room must be garbage-collected")
	}
	if f.bus.subscribed("r1") {
		t.Error("empty room must release its bus subscription")
	}

	// Leaving again, or leaving a room never joined, never errors.
	f.router.Leave(a, "r1")
	f.router.Leave(a, "r999")
}

func TestLeaveAll_ReturnsRoomsLeft(t *testing.T) {
	f := newFixture("u1/r1", "u1/r2", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), a, "r2")
	_, _ = f.router.Join(context.Background(), b, "r1")

	left := f.router.LeaveAll(a)
	if len(left) != 2 {
		t.Fatalf("expected 2 rooms left, got %v", left)
	}

	if got := len(f.router.Subscribers("r1")); got != 1 {
		t.Errorf("r1 should keep b, got %d subscribers", got)
	}
	if f.router.RoomCount() != 1 {
		t.Errorf("r2 should be garbage-collected, room count %d", f.router.RoomCount())
	}
}

func TestOrdering_MessagesDeliveredInPersistenceOrder(t *testing.T) {
	f := newFixture("u1/r1", "u2/r1")
	a, b := sess("s1", "u1"), sess("s2", "u2")
	_, _ = f.router.Join(context.Background(), a, "r1")
	_, _ = f.router.Join(context.Background(), b, "r1")

	for i := 0; i < 5; i++ {
		if _, err := f.router.SendMessage(context.Background(), a, "r1", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	var contents []string
	for _, data := range f.sender.received["s2"] {
		var ev protocol.NewMessageMsg
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type != protocol.TypeNewMessage {
			continue
		}
		contents = append(contents, ev.Message.Content)
	}
	if len(contents) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(contents))
	}
	for i, content := range contents {
		if want := fmt.Sprintf("m%d", i); content != want {
			t.Errorf("position %d: expected %s, got %s", i, want, content)
		}
	}
}
