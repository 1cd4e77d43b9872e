package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionPrefix is the Redis key prefix for all session hashes.
const SessionPrefix = "session:"

// RedisStore persists sessions as Redis hashes with a sliding TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and returns a ready store.
func NewRedisStore(redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client. The caller retains
// ownership of the client; Close on the returned store closes it.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a session. Returns (nil, nil) if the key does not exist,
// which covers both unknown and TTL-expired ids.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.client.HGetAll(ctx, SessionPrefix+id).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Put writes the full session hash and refreshes the TTL.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	key := SessionPrefix + sess.ID

	fields := map[string]interface{}{
		"id":         sess.ID,
		"name":       sess.Name,
		"avatar":     sess.Avatar,
		"color":      sess.Color,
		"location":   sess.Location,
		"flag":       sess.Flag,
		"created_at": sess.CreatedAt,
		"last_seen":  sess.LastSeen,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch updates last-seen and extends the TTL without rewriting the profile.
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	key := SessionPrefix + id
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().UnixMilli())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (rate limiting shares the same connection).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
