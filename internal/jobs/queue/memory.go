package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process. It is meant for development and tests.
type MemoryBackend struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	singletons map[string]string // singleton key -> job id
	schedules  map[string]Schedule
	slots      map[string]time.Time
	now        func() time.Time
	pingErr    error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:       make(map[string]*Job),
		singletons: make(map[string]string),
		schedules:  make(map[string]Schedule),
		slots:      make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetPingError makes Ping fail with err until cleared with nil.
func (b *MemoryBackend) SetPingError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = err
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *MemoryBackend) Insert(ctx context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if job.SingletonKey != "" {
		if _, held := b.singletons[job.SingletonKey]; held {
			return false, nil
		}
		b.singletons[job.SingletonKey] = job.ID
	}
	cp := *job
	b.jobs[job.ID] = &cp
	return true, nil
}

func (b *MemoryBackend) Fetch(ctx context.Context, name string, lease time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var due []*Job
	for _, j := range b.jobs {
		if j.Name != name {
			continue
		}
		if j.State != JobStateCreated && j.State != JobStateRetry {
			continue
		}
		if j.StartAfter.After(now) {
			continue
		}
		due = append(due, j)
	}
	if len(due) == 0 {
		return nil, nil
	}

	// Highest priority first, then oldest run-at
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		if !due[i].StartAfter.Equal(due[k].StartAfter) {
			return due[i].StartAfter.Before(due[k].StartAfter)
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})

	j := due[0]
	j.State = JobStateActive
	j.LeaseUntil = now.Add(lease)
	cp := *j
	return &cp, nil
}

func (b *MemoryBackend) leased(id string) (*Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (b *MemoryBackend) release(j *Job) {
	if j.SingletonKey != "" && b.singletons[j.SingletonKey] == j.ID {
		delete(b.singletons, j.SingletonKey)
	}
}

func (b *MemoryBackend) Complete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.leased(id)
	if err != nil {
		return err
	}
	now := b.now()
	j.State = JobStateCompleted
	j.CompletedAt = &now
	j.LeaseUntil = time.Time{}
	b.release(j)
	return nil
}

func (b *MemoryBackend) Fail(ctx context.Context, id string, cause string, retryAt *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.leased(id)
	if err != nil {
		return err
	}
	j.LastError = cause
	j.LeaseUntil = time.Time{}
	if retryAt != nil {
		j.State = JobStateRetry
		j.RetryCount++
		j.StartAfter = *retryAt
		return nil
	}
	now := b.now()
	j.State = JobStateFailed
	j.CompletedAt = &now
	b.release(j)
	return nil
}

func (b *MemoryBackend) Cancel(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.State.Terminal() {
		return nil
	}
	now := b.now()
	j.State = JobStateCancelled
	j.CompletedAt = &now
	b.release(j)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (b *MemoryBackend) Reap(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for _, j := range b.jobs {
		if j.Name == name && j.State == JobStateActive && !j.LeaseUntil.After(now) {
			j.State = JobStateRetry
			j.LeaseUntil = time.Time{}
			j.LastError = "lease expired"
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) PutSchedule(ctx context.Context, s Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schedules[s.Name] = s
	return nil
}

func (b *MemoryBackend) Schedules(ctx context.Context) ([]Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Schedule, 0, len(b.schedules))
	for _, s := range b.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (b *MemoryBackend) ClaimSlot(ctx context.Context, name string, slot int64, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := slotKey(name, slot)
	now := b.now()
	if exp, ok := b.slots[key]; ok && exp.After(now) {
		return false, nil
	}
	b.slots[key] = now.Add(ttl)
	return true, nil
}

func (b *MemoryBackend) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, j := range b.jobs {
		if j.State.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(olderThan) {
			delete(b.jobs, id)
			n++
		}
	}
	for key, exp := range b.slots {
		if exp.Before(olderThan) {
			delete(b.slots, key)
		}
	}
	return n, nil
}

func (b *MemoryBackend) Close() error { return nil }
