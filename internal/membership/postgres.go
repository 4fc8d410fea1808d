package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresAuthority checks membership against the room_members table owned
// by the external channel-administration system. Read-only.
type PostgresAuthority struct {
	db *sql.DB
}

// NewPostgresAuthority creates an authority backed by the given database handle.
func NewPostgresAuthority(db *sql.DB) *PostgresAuthority {
	return &PostgresAuthority{db: db}
}

// Check returns nil if a membership row exists for (userID, roomID).
func (a *PostgresAuthority) Check(ctx context.Context, userID, roomID string) error {
	const query = `
		SELECT 1
		FROM room_members
		WHERE room_id = $1 AND user_id = $2`

	var one int
	err := a.db.QueryRowContext(ctx, query, roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: user=%s room=%s", ErrNotAMember, userID, roomID)
	}
	if err != nil {
		return fmt.Errorf("membership: check user=%s room=%s: %w", userID, roomID, err)
	}
	return nil
}
