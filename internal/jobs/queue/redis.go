package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// insertScript stores a job and makes it due, unless its singleton key is held.
// KEYS[1] = job hash, KEYS[2] = due zset, KEYS[3] = singleton key
// ARGV[1] = job json, ARGV[2] = run-at (ms), ARGV[3] = job id,
// ARGV[4] = priority, ARGV[5] = "1" when the job has a singleton key
var insertScript = redis.NewScript(`
if ARGV[5] == "1" then
    if not redis.call("SET", KEYS[3], ARGV[3], "NX") then
        return 0
    end
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "priority", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// fetchScript moves the highest-priority due job into the active set.
// KEYS[1] = due zset, KEYS[2] = active zset
// ARGV[1] = now (ms), ARGV[2] = lease expiry (ms), ARGV[3] = job key prefix
var fetchScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 50)
if #ids == 0 then
    return false
end
local best = nil
local bestPriority = nil
for _, id in ipairs(ids) do
    local p = tonumber(redis.call("HGET", ARGV[3] .. id, "priority") or "0")
    if bestPriority == nil or p > bestPriority then
        best = id
        bestPriority = p
    end
end
redis.call("ZREM", KEYS[1], best)
redis.call("ZADD", KEYS[2], ARGV[2], best)
return {best, redis.call("HGET", ARGV[3] .. best, "data")}
`)

// finishScript records a terminal job and releases its singleton key.
// KEYS[1] = job hash, KEYS[2] = due zset, KEYS[3] = active zset,
// KEYS[4] = done zset, KEYS[5] = singleton key
// ARGV[1] = job json, ARGV[2] = job id, ARGV[3] = finished at (ms)
var finishScript = redis.NewScript(`
redis.call("HSET", KEYS[1], "data", ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("ZREM", KEYS[3], ARGV[2])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[2])
if redis.call("GET", KEYS[5]) == ARGV[2] then
    redis.call("DEL", KEYS[5])
end
return 1
`)

// reapScript returns expired leases to the due set.
// KEYS[1] = active zset, KEYS[2] = due zset
// ARGV[1] = now (ms)
var reapScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return ids
`)

// RedisBackend stores jobs in Redis. Each family has a due set scored by
// run-at time and an active set scored by lease expiry.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisBackend creates a backend on an existing connection. The caller
// owns rdb; Close does not close it.
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "contestwatch:queue"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, now: time.Now}
}

func (b *RedisBackend) jobPrefix() string { return b.prefix + ":job:" }
func (b *RedisBackend) jobKey(id string) string { return b.jobPrefix() + id }
func (b *RedisBackend) dueKey(name string) string { return b.prefix + ":due:" + name }
func (b *RedisBackend) activeKey(name string) string { return b.prefix + ":active:" + name }
func (b *RedisBackend) doneKey() string { return b.prefix + ":done" }
func (b *RedisBackend) schedulesKey() string { return b.prefix + ":schedules" }
func (b *RedisBackend) singletonKey(key string) string {
	return b.prefix + ":singleton:" + key
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBackend) Insert(ctx context.Context, job *Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	useSingleton := "0"
	if job.SingletonKey != "" {
		useSingleton = "1"
	}

	res, err := insertScript.Run(ctx, b.rdb,
		[]string{b.jobKey(job.ID), b.dueKey(job.Name), b.singletonKey(job.SingletonKey)},
		string(data), job.StartAfter.UnixMilli(), job.ID, job.Priority, useSingleton,
	).Int()
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return res == 1, nil
}

func (b *RedisBackend) Fetch(ctx context.Context, name string, lease time.Duration) (*Job, error) {
	now := b.now()
	leaseUntil := now.Add(lease)

	res, err := fetchScript.Run(ctx, b.rdb,
		[]string{b.dueKey(name), b.activeKey(name)},
		now.UnixMilli(), leaseUntil.UnixMilli(), b.jobPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("fetch job: unexpected reply of %d elements", len(res))
	}

	data, _ := res[1].(string)
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job %v: %w", res[0], err)
	}
	job.State = JobStateActive
	job.LeaseUntil = leaseUntil
	if err := b.store(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *RedisBackend) store(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := b.rdb.HSet(ctx, b.jobKey(job.ID), "data", data).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (b *RedisBackend) finish(ctx context.Context, job *Job, state JobState) error {
	now := b.now()
	job.State = state
	job.CompletedAt = &now
	job.LeaseUntil = time.Time{}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	err = finishScript.Run(ctx, b.rdb,
		[]string{
			b.jobKey(job.ID), b.dueKey(job.Name), b.activeKey(job.Name),
			b.doneKey(), b.singletonKey(job.SingletonKey),
		},
		string(data), job.ID, now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Complete(ctx context.Context, id string) error {
	job, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	return b.finish(ctx, job, JobStateCompleted)
}

func (b *RedisBackend) Fail(ctx context.Context, id string, cause string, retryAt *time.Time) error {
	job, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	job.LastError = cause
	if retryAt == nil {
		return b.finish(ctx, job, JobStateFailed)
	}

	job.State = JobStateRetry
	job.RetryCount++
	job.StartAfter = *retryAt
	job.LeaseUntil = time.Time{}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobKey(id), "data", data)
		pipe.ZRem(ctx, b.activeKey(job.Name), id)
		pipe.ZAdd(ctx, b.dueKey(job.Name), redis.Z{Score: float64(retryAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Cancel(ctx context.Context, id string) error {
	job, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	return b.finish(ctx, job, JobStateCancelled)
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Job, error) {
	data, err := b.rdb.HGet(ctx, b.jobKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *RedisBackend) Reap(ctx context.Context, name string) (int, error) {
	ids, err := reapScript.Run(ctx, b.rdb,
		[]string{b.activeKey(name), b.dueKey(name)},
		b.now().UnixMilli(),
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("reap jobs: %w", err)
	}

	for _, id := range ids {
		job, err := b.Get(ctx, id)
		if err != nil {
			continue
		}
		job.State = JobStateRetry
		job.LeaseUntil = time.Time{}
		job.LastError = "lease expired"
		if err := b.store(ctx, job); err != nil {
			return len(ids), err
		}
	}
	return len(ids), nil
}

func (b *RedisBackend) PutSchedule(ctx context.Context, s Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	return b.rdb.HSet(ctx, b.schedulesKey(), s.Name, data).Err()
}

func (b *RedisBackend) Schedules(ctx context.Context) ([]Schedule, error) {
	raw, err := b.rdb.HGetAll(ctx, b.schedulesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]Schedule, 0, len(raw))
	for name, data := range raw {
		var s Schedule
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("decode schedule %s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *RedisBackend) ClaimSlot(ctx context.Context, name string, slot int64, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, b.prefix+":"+slotKey(name, slot), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim slot: %w", err)
	}
	return ok, nil
}

func (b *RedisBackend) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, b.doneKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list finished jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, b.jobKey(id))
			pipe.ZRem(ctx, b.doneKey(), id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return len(ids), nil
}

func (b *RedisBackend) Close() error { return nil }
