package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when a lease expired or is held by someone else.
var ErrLeaseLost = errors.New("lease lost")

// Token identifies one holder of a lease.
type Token string

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker grants exclusive, expiring leases keyed by name. A lease is owned
// by the token returned from Acquire and only that token can refresh or
// release it.
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewLocker creates a locker. Keys are stored under prefix.
func NewLocker(rdb redis.UniversalClient, prefix string) *Locker {
	if prefix == "" {
		prefix = "contestwatch:lease"
	}
	return &Locker{rdb: rdb, prefix: prefix}
}

func (l *Locker) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}

// Acquire takes the lease if it is free. ok is false when another holder
// owns it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (Token, bool, error) {
	token := Token(uuid.NewString())
	ok, err := l.rdb.SetNX(ctx, l.key(name), string(token), ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Refresh extends a held lease.
func (l *Locker) Refresh(ctx context.Context, name string, token Token, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key(name)}, string(token), ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("refresh lease %s: %w", name, ErrLeaseLost)
	}
	return nil
}

// Release gives the lease up. Releasing an expired lease is not an error.
func (l *Locker) Release(ctx context.Context, name string, token Token) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key(name)}, string(token)).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
