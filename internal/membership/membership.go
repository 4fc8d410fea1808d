// Package membership gates every room operation on the external Membership
// Authority. The gate is deliberately thin: it is consulted synchronously
// before each join, send, and typing change, so a revocation takes effect on
// the very next operation rather than at reconnect.
package membership

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotAMember is returned when the authority denies (userID, roomID).
var ErrNotAMember = errors.New("membership: not a member of room")

// Authority answers "is user U allowed in room R?". It is the narrow
// contract to the external service that owns rooms and their member lists.
type Authority interface {
	// Check returns nil if the user may operate in the room, ErrNotAMember
	// (possibly wrapped) if denied, or another error for authority failures.
	Check(ctx context.Context, userID, roomID string) error
}

// Gate verifies room access per request and records denial metrics. It never
// caches grants: membership can be revoked between operations.
type Gate struct {
	authority Authority
	onDenied  func(roomID string) // optional metrics hook
}

// NewGate creates a Gate over the given authority.
func NewGate(authority Authority) *Gate {
	return &Gate{authority: authority}
}

// SetOnDenied registers a hook invoked for every denial.
func (g *Gate) SetOnDenied(fn func(roomID string)) {
	g.onDenied = fn
}

// Authorize checks access and returns ErrNotAMember on denial. A denial
// never alters any room, typing, or presence state; that is the caller's
// contract to keep, and the gate helps by doing nothing but the check.
func (g *Gate) Authorize(ctx context.Context, userID, roomID string) error {
	err := g.authority.Check(ctx, userID, roomID)
	if err == nil {
		return nil
	}
	if g.onDenied != nil {
		g.onDenied(roomID)
	}
	if errors.Is(err, ErrNotAMember) {
		return err
	}
	// Authority failure: deny rather than admit on error, with the cause kept.
	return fmt.Errorf("%w: authority check failed: %v", ErrNotAMember, err)
}
