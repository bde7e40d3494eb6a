package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrJobNotFound is returned by backends for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// Schedule is a recurring job registration.
type Schedule struct {
	Name      string          `json:"name"`
	Every     time.Duration   `json:"every"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Backend is the storage and transport behind a Client.
type Backend interface {
	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Insert stores a new job. inserted is false when the singleton key is held.
	Insert(ctx context.Context, job *Job) (inserted bool, err error)

	// Fetch leases the next due job of a family until now+lease. It returns nil when none is due.
	Fetch(ctx context.Context, name string, lease time.Duration) (*Job, error)

	// Complete marks a leased job completed.
	Complete(ctx context.Context, id string) error

	// Fail records cause on a leased job. A nil retryAt makes the failure terminal.
	Fail(ctx context.Context, id string, cause string, retryAt *time.Time) error

	// Cancel cancels a job that has not finished. Terminal jobs are left alone.
	Cancel(ctx context.Context, id string) error

	// Get returns a job by id.
	Get(ctx context.Context, id string) (*Job, error)

	// Reap returns jobs of a family whose lease expired to the queue.
	Reap(ctx context.Context, name string) (int, error)

	// PutSchedule creates or replaces a schedule by name.
	PutSchedule(ctx context.Context, s Schedule) error

	// Schedules lists every registered schedule.
	Schedules(ctx context.Context) ([]Schedule, error)

	// ClaimSlot claims one recurrence slot of a schedule; only the first caller wins.
	ClaimSlot(ctx context.Context, name string, slot int64, ttl time.Duration) (bool, error)

	// Prune deletes terminal jobs finished before olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
