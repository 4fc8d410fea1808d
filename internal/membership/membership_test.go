package membership

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeAuthority grants any pair present in the allowed set.
type fakeAuthority struct {
	allowed map[string]bool // "user/room" -> granted
	failErr error           // if set, every check fails with this error
}

func (a *fakeAuthority) Check(_ context.Context, userID, roomID string) error {
	if a.failErr != nil {
		return a.failErr
	}
	if a.allowed[userID+"/"+roomID] {
		return nil
	}
	return fmt.Errorf("%w: user=%s room=%s", ErrNotAMember, userID, roomID)
}

func TestAuthorize_Granted(t *testing.T) {
	gate := NewGate(&fakeAuthority{allowed: map[string]bool{"u1/r1": true}})

	if err := gate.Authorize(context.Background(), "u1", "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthorize_Denied(t *testing.T) {
	gate := NewGate(&fakeAuthority{allowed: map[string]bool{}})

	var deniedRooms []string
	gate.SetOnDenied(func(roomID string) { deniedRooms = append(deniedRooms, roomID) })

	err := gate.Authorize(context.Background(), "u1", "r1")
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if len(deniedRooms) != 1 || deniedRooms[0] != "r1" {
		t.Errorf("expected denial hook for r1, got %v", deniedRooms)
	}
}

func TestAuthorize_RevocationTakesEffect(t *testing.T) {
	authority := &fakeAuthority{allowed: map[string]bool{"u1/r1": true}}
	gate := NewGate(authority)

	if err := gate.Authorize(context.Background(), "u1", "r1"); err != nil {
		t.Fatalf("expected grant before revocation, got %v", err)
	}

	// Revoke between two operations; the next check must deny.
	authority.allowed["u1/r1"] = false

	if err := gate.Authorize(context.Background(), "u1", "r1"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember after revocation, got %v", err)
	}
}

func TestAuthorize_AuthorityFailureDenies(t *testing.T) {
	gate := NewGate(&fakeAuthority{failErr: errors.New("connection refused")})

	err := gate.Authorize(context.Background(), "u1", "r1")
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("authority failure must deny, got %v", err)
	}
}
