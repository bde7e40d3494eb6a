package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/contestwatch/internal/infra/redis"
)

// Lease guarantees a single poller per stream. Acquire returns ok=false when
// another holder owns name; release must be called once the work is done.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLease serializes pollers inside one process.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]struct{})}
}

func (l *LocalLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, false, nil
	}
	l.held[name] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

// RedisLease shares the single-poller guarantee across instances.
type RedisLease struct {
	locker *redis.Locker
}

func NewRedisLease(locker *redis.Locker) *RedisLease {
	return &RedisLease{locker: locker}
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	token, ok, err := l.locker.Acquire(ctx, name, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}

	return func() {
		// The tick context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.locker.Release(releaseCtx, name, token)
	}, true, nil
}
