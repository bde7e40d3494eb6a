package queue

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateRetry     JobState = "retry"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further work happens for a job in this state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Job is a unit of durable work. The queue is the system of record for it.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	SingletonKey string          `json:"singletonKey,omitempty"`
	RetryLimit   int             `json:"retryLimit"`
	RetryCount   int             `json:"retryCount"`
	RetryDelay   time.Duration   `json:"retryDelay"`
	State        JobState        `json:"state"`
	StartAfter   time.Time       `json:"startAfter"`
	LeaseUntil   time.Time       `json:"leaseUntil,omitzero"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// FinalAttempt reports whether a failure of the current attempt is terminal.
func (j *Job) FinalAttempt() bool {
	return j.RetryCount >= j.RetryLimit
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// SendOption customizes a job before it is sent.
type SendOption func(*Job)

// WithPriority orders the job ahead of lower priorities that are due at the same time.
func WithPriority(p int) SendOption {
	return func(j *Job) { j.Priority = p }
}

// WithSingletonKey suppresses the send while another unfinished job holds key.
func WithSingletonKey(key string) SendOption {
	return func(j *Job) { j.SingletonKey = key }
}

// WithRetry overrides the retry limit and base backoff delay.
func WithRetry(limit int, delay time.Duration) SendOption {
	return func(j *Job) {
		j.RetryLimit = limit
		j.RetryDelay = delay
	}
}

// WithStartAfter delays the first delivery until t.
func WithStartAfter(t time.Time) SendOption {
	return func(j *Job) { j.StartAfter = t }
}
