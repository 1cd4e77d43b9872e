package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisStore creates a RedisStore connected to a local Redis instance.
// Tests that call this helper require a running Redis on localhost:6379 and
// are skipped otherwise.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewRedisStoreWithClient(client)
}

func TestRedisStore_PutGetRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	want := &Session{
		ID:        "test_roundtrip",
		Name:      "Ada",
		Avatar:    "42",
		Color:     "#3b82f6",
		Location:  "GB",
		Flag:      "🇬🇧",
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := store.Get(ctx, "test_roundtrip")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Name != want.Name || got.Avatar != want.Avatar || got.Color != want.Color || got.Flag != want.Flag {
		t.Errorf("round trip mismatch: want %+v, got %+v", want, got)
	}
}

func TestRedisStore_GetUnknown(t *testing.T) {
	store := newTestRedisStore(t)

	got, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown id, got %+v", got)
	}
}
