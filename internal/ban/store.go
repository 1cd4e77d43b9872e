// Package ban manages session mutes backed by Redis. A muted session keeps
// its presence on the page but cannot post messages or edit its profile.
// Records are plain key-value pairs with TTL expiry:
//
//	Key:   mute:<session id>
//	Value: <reason>
//	TTL:   mute duration
//
// Repeated offenses escalate through a strike counter with its own TTL.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MutePrefix is the Redis key prefix for mute records.
	MutePrefix = "mute:"

	// StrikesPrefix is the Redis key prefix for offense counters.
	StrikesPrefix = "strike:"

	// Escalating mute durations.
	Mute15Min  = 15 * time.Minute // 1st offense
	Mute1Hour  = 1 * time.Hour    // 2nd offense
	Mute24Hour = 24 * time.Hour   // 3rd+ offense

	// StrikesTTL is how long the strike counter lives. A session with no new
	// offenses for 24h starts from a clean slate.
	StrikesTTL = 24 * time.Hour

	// AutoMuteThreshold is the number of strikes within StrikesTTL that
	// triggers an automatic mute.
	AutoMuteThreshold = 3
)

// Store manages mute records in Redis. A nil *Store is valid and reports
// every session as unmuted, which is how the relay runs without Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a mute store over the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsMuted checks whether a session is currently muted. Returns the mute
// state, the remaining seconds, and the recorded reason. Redis errors are
// returned so callers can decide the policy; the relay fails open.
func (s *Store) IsMuted(ctx context.Context, sessionID string) (bool, int, string, error) {
	if s == nil {
		return false, 0, "", nil
	}
	key := MutePrefix + sessionID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The mute exists but the TTL read failed. Report muted with zero
		// remaining rather than swallowing the mute.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Mute silences a session for the given duration. The record expires on its
// own; there is no cleanup job.
func (s *Store) Mute(ctx context.Context, sessionID string, duration time.Duration, reason string) error {
	if s == nil {
		return nil
	}
	return s.client.Set(ctx, MutePrefix+sessionID, reason, duration).Err()
}

// Unmute lifts a mute immediately.
func (s *Store) Unmute(ctx context.Context, sessionID string) error {
	if s == nil {
		return nil
	}
	return s.client.Del(ctx, MutePrefix+sessionID).Err()
}

// escalationDuration returns the mute duration for a given strike count.
func escalationDuration(strikes int) time.Duration {
	switch {
	case strikes <= 1:
		return Mute15Min
	case strikes == 2:
		return Mute1Hour
	default:
		return Mute24Hour
	}
}

// Strikes returns the current strike counter for a session. Returns 0 when
// no strikes are recorded or the counter has expired.
func (s *Store) Strikes(ctx context.Context, sessionID string) (int, error) {
	if s == nil {
		return 0, nil
	}
	val, err := s.client.Get(ctx, StrikesPrefix+sessionID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Strike records an offense for a session and, once the auto-mute threshold
// is reached, applies a mute whose duration escalates with the strike count:
//
//	3rd strike   -> 15 minutes
//	4th strike   -> 1 hour
//	5th+ strike  -> 24 hours
//
// The strike counter gets its TTL on the first increment only, so the 24h
// window does not slide. Returns whether a mute was applied and its duration.
func (s *Store) Strike(ctx context.Context, sessionID string, reason string) (bool, time.Duration, error) {
	if s == nil {
		return false, 0, nil
	}
	key := StrikesPrefix + sessionID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: strike incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: strike expire: %w", err)
		}
	}

	if count >= AutoMuteThreshold {
		duration := escalationDuration(int(count) - AutoMuteThreshold + 1)
		if err := s.Mute(ctx, sessionID, duration, reason); err != nil {
			return false, 0, fmt.Errorf("ban: strike mute: %w", err)
		}
		return true, duration, nil
	}
	return false, 0, nil
}
