package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to a local Redis and skips when none is running.
func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestLocker_Integration(t *testing.T) {
	rdb := newTestRedis(t)
	locker := NewLocker(rdb, "contestwatch-test:"+uuid.NewString())
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, "stream-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := locker.Acquire(ctx, "stream-a", time.Minute); ok {
		t.Fatal("second acquire must fail while the lease is held")
	}

	if err := locker.Refresh(ctx, "stream-a", "someone-else", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for a foreign token, got %v", err)
	}
	if err := locker.Refresh(ctx, "stream-a", token, time.Minute); err != nil {
		t.Errorf("Refresh: %v", err)
	}

	// A foreign release leaves the lease in place.
	if err := locker.Release(ctx, "stream-a", "someone-else"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := locker.Acquire(ctx, "stream-a", time.Minute); ok {
		t.Fatal("foreign release must not free the lease")
	}

	if err := locker.Release(ctx, "stream-a", token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	other, ok, err := locker.Acquire(ctx, "stream-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire after release: ok=%v err=%v", ok, err)
	}
	locker.Release(ctx, "stream-a", other)
}

func TestLocker_Expiry(t *testing.T) {
	rdb := newTestRedis(t)
	locker := NewLocker(rdb, "contestwatch-test:"+uuid.NewString())
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, "stream-b", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(150 * time.Millisecond)

	if err := locker.Refresh(ctx, "stream-b", token, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost after expiry, got %v", err)
	}
	if err := locker.Release(ctx, "stream-b", token); err != nil {
		t.Errorf("releasing an expired lease should succeed, got %v", err)
	}
}
