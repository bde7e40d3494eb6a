// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// StreamHealth contains health metrics for one ingestion stream.
type StreamHealth struct {
	Stream    string       `json:"stream"`
	Status    SystemStatus `json:"status"`
	State     string       `json:"state"`
	Running   bool         `json:"running"`
	BlockLag  int64        `json:"block_lag"`
	Tip       uint64       `json:"tip"`
	Position  string       `json:"position,omitempty"`
	LastError string       `json:"last_error,omitempty"`

	Cursor *CursorHealth `json:"cursor,omitempty"`
}

// CursorHealth is the in-process view of a stream cursor: throughput over
// recent advances and its latest state changes.
type CursorHealth struct {
	BlocksPerSecond  float64           `json:"blocks_per_second"`
	AverageBatchTime string            `json:"average_batch_time"`
	LastPausedAt     *time.Time        `json:"last_paused_at,omitempty"`
	Transitions      []StateTransition `json:"transitions,omitempty"`
}

// StateTransition is one recorded cursor state change.
type StateTransition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// QueueHealth mirrors the queue client status.
type QueueHealth struct {
	Status    SystemStatus `json:"status"`
	State     string       `json:"state"`
	LastError string       `json:"last_error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus            `json:"system_status"`
	Streams      map[string]StreamHealth `json:"streams"`
	Queue        *QueueHealth            `json:"queue,omitempty"`
}

// Worse returns the more severe of a and b.
func Worse(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
