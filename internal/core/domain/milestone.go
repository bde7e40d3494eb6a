package domain

import "time"

type MilestoneStatus string

const (
	MilestoneStatusPending   MilestoneStatus = "pending"
	MilestoneStatusQueued    MilestoneStatus = "queued"
	MilestoneStatusCompleted MilestoneStatus = "completed"
	MilestoneStatusFailed    MilestoneStatus = "failed"
)

// SourceEvent is the on-chain occurrence that triggered a milestone.
type SourceEvent struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,string"`
	LogIndex    uint64 `json:"logIndex"`
}

// MilestoneExecution tracks one business milestone until it completes.
// Status is owned by the milestone service; attempts only grow.
type MilestoneExecution struct {
	ContestID      string          `json:"contestId"`
	ChainID        int64           `json:"chainId"`
	Milestone      string          `json:"milestone"`
	Source         SourceEvent     `json:"sourceEvent"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempts       int             `json:"attempts"`
	Status         MilestoneStatus `json:"status"`
	JobID          string          `json:"jobId,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
