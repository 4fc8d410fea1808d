package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists messages in the messages table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save inserts a message. Failures are wrapped in ErrPersistence so the
// router can map them to the client-facing taxonomy.
func (s *PostgresStore) Save(ctx context.Context, msg *Message) error {
	const query = `
		INSERT INTO messages (id, room_id, user_id, content, created_at, deleted)
		VALUES ($1, $2, $3, $4, $5, false)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.RoomID,
		msg.UserID,
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert message %s: %v", ErrPersistence, msg.ID, err)
	}
	return nil
}

// Resolve returns the message with the given ID, deleted or not.
func (s *PostgresStore) Resolve(ctx context.Context, roomID, messageID string) (*Message, error) {
	const query = `
		SELECT id, room_id, user_id, content, created_at, deleted
		FROM messages
		WHERE room_id = $1 AND id = $2`

	var msg Message
	err := s.db.QueryRowContext(ctx, query, roomID, messageID).Scan(
		&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.CreatedAt, &msg.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: resolve message %s: %w", messageID, err)
	}
	return &msg, nil
}

// ListBefore returns up to limit non-deleted messages strictly before the
// (cursorAt, cursorID) bound, newest first. The tuple comparison matches the
// composite index on (room_id, created_at, id).
func (s *PostgresStore) ListBefore(ctx context.Context, roomID string, cursorAt time.Time, cursorID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, room_id, user_id, content, created_at, deleted
		FROM messages
		WHERE room_id = $1
		  AND (created_at, id) < ($2, $3)
		  AND NOT deleted
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, roomID, cursorAt, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list room %s: %w", roomID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.CreatedAt, &msg.Deleted); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate messages: %w", err)
	}
	return messages, nil
}

// SoftDelete marks a message deleted. It disappears from pagination but
// remains a valid cursor.
func (s *PostgresStore) SoftDelete(ctx context.Context, roomID, messageID string) error {
	const query = `
		UPDATE messages SET deleted = true
		WHERE room_id = $1 AND id = $2`

	result, err := s.db.ExecContext(ctx, query, roomID, messageID)
	if err != nil {
		return fmt.Errorf("history: soft delete %s: %w", messageID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrCursorNotFound
	}
	return nil
}
