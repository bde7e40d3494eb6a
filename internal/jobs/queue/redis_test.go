package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestRedisBackend connects to a local Redis and skips when none is running.
func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBackend(rdb, "contestwatch-test:"+uuid.NewString())
}

func newJob(name string, priority int, singleton string) *Job {
	now := time.Now()
	return &Job{
		ID:           uuid.NewString(),
		Name:         name,
		Payload:      []byte(`{"ok":true}`),
		Priority:     priority,
		SingletonKey: singleton,
		RetryLimit:   1,
		State:        JobStateCreated,
		StartAfter:   now.Add(-time.Second),
		CreatedAt:    now,
	}
}

func TestRedisBackend_Integration(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	low := newJob("family", 0, "")
	high := newJob("family", 10, "dedupe")
	dup := newJob("family", 0, "dedupe")

	for _, j := range []*Job{low, high} {
		ok, err := b.Insert(ctx, j)
		if err != nil || !ok {
			t.Fatalf("Insert %s: ok=%v err=%v", j.ID, ok, err)
		}
	}
	if ok, err := b.Insert(ctx, dup); err != nil || ok {
		t.Fatalf("singleton duplicate must be suppressed: ok=%v err=%v", ok, err)
	}

	got, err := b.Fetch(ctx, "family", time.Minute)
	if err != nil || got == nil {
		t.Fatalf("Fetch: job=%v err=%v", got, err)
	}
	if got.ID != high.ID {
		t.Errorf("expected high priority job first, got %s", got.ID)
	}
	if got.State != JobStateActive {
		t.Errorf("expected active, got %s", got.State)
	}

	if err := b.Complete(ctx, high.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	stored, err := b.Get(ctx, high.ID)
	if err != nil || stored.State != JobStateCompleted {
		t.Fatalf("expected completed, got %+v err=%v", stored, err)
	}

	// Terminal state releases the singleton key.
	if ok, err := b.Insert(ctx, dup); err != nil || !ok {
		t.Fatalf("singleton key should be free: ok=%v err=%v", ok, err)
	}

	next, _ := b.Fetch(ctx, "family", time.Minute)
	if next == nil {
		t.Fatal("expected another job")
	}
	retryAt := time.Now().Add(-time.Millisecond)
	if err := b.Fail(ctx, next.ID, "boom", &retryAt); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	again, _ := b.Fetch(ctx, "family", time.Minute)
	if again == nil || again.ID != next.ID || again.RetryCount != 1 {
		t.Fatalf("expected retried job %s, got %+v", next.ID, again)
	}

	if err := b.Cancel(ctx, high.ID); err != nil {
		t.Errorf("cancel of completed job should be a no-op, got %v", err)
	}

	n, err := b.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Errorf("Prune: n=%d err=%v", n, err)
	}
	if _, err := b.Get(ctx, high.ID); err != ErrJobNotFound {
		t.Errorf("pruned job should be gone, got %v", err)
	}
}

func TestRedisBackend_Reap(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	j := newJob("reap", 0, "")
	b.Insert(ctx, j)
	if got, _ := b.Fetch(ctx, "reap", time.Millisecond); got == nil {
		t.Fatal("expected job")
	}
	time.Sleep(20 * time.Millisecond)

	n, err := b.Reap(ctx, "reap")
	if err != nil || n != 1 {
		t.Fatalf("Reap: n=%d err=%v", n, err)
	}
	stored, _ := b.Get(ctx, j.ID)
	if stored.State != JobStateRetry || stored.LastError != "lease expired" {
		t.Errorf("unexpected reaped job %+v", stored)
	}
	if got, _ := b.Fetch(ctx, "reap", time.Minute); got == nil || got.ID != j.ID {
		t.Error("reaped job should be fetchable again")
	}
}
