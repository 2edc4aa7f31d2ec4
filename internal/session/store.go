// Package session stores the mapping from an HTTP-issued session id to the
// username that owns it, in Redis, so that a WebSocket connection's auth
// message can resolve {"sessionid":"..."} to a username without a
// database round trip. Adapted from the original session/store.go, which
// carried this server's teacher's own matchmaking status machine
// (idle/matching/chatting, chat_id, interests, fingerprint) — all dropped
// here since this server has no matchmaking; only the session id ->
// username binding and its TTL survive.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for all session hashes.
	Prefix = "session:"

	// TTL is the time-to-live applied to a session key, refreshed on
	// every successful auth lookup.
	TTL = 24 * time.Hour
)

// Session is the persisted record for one login session.
type Session struct {
	ID         string `redis:"id"`
	Username   string `redis:"username"`
	Server     string `redis:"server"`      // which server instance created it
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a Store connected to redisAddr, pinging it once to
// surface a misconfigured address immediately rather than on first use.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session bound to username under sessionID's own key
// with TTL applied. Called after a successful login.
func (s *Store) Create(ctx context.Context, sessionID, username string) error {
	key := Prefix + sessionID
	now := time.Now().Unix()

	fields := map[string]any{
		"id":          sessionID,
		"username":    username,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := Prefix + sessionID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Username resolves sessionID to a bound username, refreshing the
// session's TTL on success. This is the lookup the WebSocket auth message
// handler uses (internal/wsserver.Server.handleAuth).
func (s *Store) Username(ctx context.Context, sessionID string) (string, bool) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return "", false
	}
	_ = s.RefreshTTL(ctx, sessionID)
	return sess.Username, true
}

// RefreshTTL extends the session's TTL and bumps last_active.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := Prefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis (logout).
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, Prefix+sessionID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for packages (e.g.
// internal/ban) that share the same Redis instance.
func (s *Store) Client() *redis.Client {
	return s.client
}
