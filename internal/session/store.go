package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Live
	// connections refresh it via the heartbeat path.
	SessionTTL = 1 * time.Hour
)

// Record is the Redis-mirrored view of a session. Best-effort operational
// state; the in-process Registry stays authoritative.
type Record struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Username   string `redis:"username"`
	Server     string `redis:"server"` // which server instance holds the connection
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store mirrors session state into Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session record in Redis with a 1h TTL.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	key := SessionPrefix + sess.SessionID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          sess.SessionID,
		"user_id":     sess.UserID,
		"username":    sess.Username,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session record from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	key := SessionPrefix + sessionID
	var record Record
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Touch updates last_active and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session record from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
