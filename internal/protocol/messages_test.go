package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join_room message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinRoom(t *testing.T) {
	input := []byte(`{"type":"join_room","room_id":"r42"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinRoom {
		t.Fatalf("expected type %q, got %q", TypeJoinRoom, msgType)
	}

	jm, ok := msg.(JoinRoomMsg)
	if !ok {
		t.Fatalf("expected JoinRoomMsg, got %T", msg)
	}
	if jm.RoomID != "r42" {
		t.Errorf("expected room_id %q, got %q", "r42", jm.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","room_id":"r42","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.RoomID != "r42" {
		t.Errorf("expected room_id %q, got %q", "r42", sm.RoomID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

func TestParseClientMessage_TypingStartStop(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"typing_start","room_id":"r1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTypingStart {
		t.Fatalf("expected type %q, got %q", TypeTypingStart, msgType)
	}
	if ts, ok := msg.(TypingStartMsg); !ok || ts.RoomID != "r1" {
		t.Fatalf("unexpected typing_start decode: %T %+v", msg, msg)
	}

	msgType, msg, err = ParseClientMessage([]byte(`{"type":"typing_stop","room_id":"r1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTypingStop {
		t.Fatalf("expected type %q, got %q", TypeTypingStop, msgType)
	}
	if ts, ok := msg.(TypingStopMsg); !ok || ts.RoomID != "r1" {
		t.Fatalf("unexpected typing_stop decode: %T %+v", msg, msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed and unknown inputs
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"room_id":"r42"}`))
	if err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"fly_to_moon"}`))
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "fly_to_moon" {
		t.Errorf("expected type echoed back, got %q", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	// Server -> client types must not be accepted from clients.
	_, _, err := ParseClientMessage([]byte(`{"type":"new_message"}`))
	if err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Server message construction
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeUserTyping, UserTypingMsg{
		RoomID:   "r42",
		UserID:   "u1",
		Username: "ada",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeUserTyping {
		t.Errorf("expected type %q, got %v", TypeUserTyping, m["type"])
	}
	if m["room_id"] != "r42" || m["user_id"] != "u1" || m["username"] != "ada" {
		t.Errorf("payload fields missing or wrong: %v", m)
	}
}

func TestNewServerMessage_RoomJoinedMembers(t *testing.T) {
	data, err := NewServerMessage(TypeRoomJoined, RoomJoinedMsg{
		RoomID:  "r42",
		Members: []User{{UserID: "u1", Username: "ada"}, {UserID: "u2", Username: "grace"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded RoomJoinedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded.Type != TypeRoomJoined {
		t.Errorf("expected type %q, got %q", TypeRoomJoined, decoded.Type)
	}
	if len(decoded.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(decoded.Members))
	}
	if decoded.Members[1].Username != "grace" {
		t.Errorf("unexpected member order: %+v", decoded.Members)
	}
}
