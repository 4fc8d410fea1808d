package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDirectory resolves principals from the users table owned by the
// external account system. Read-only.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by the given database handle.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Lookup returns the directory record for userID, or ErrNoDirectoryEntry if
// the user does not exist.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (*Principal, error) {
	const query = `
		SELECT id, username, COALESCE(avatar_url, '')
		FROM users
		WHERE id = $1`

	var p Principal
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &p.Username, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDirectoryEntry
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup user %s: %w", userID, err)
	}
	return &p, nil
}
