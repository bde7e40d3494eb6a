package domain

import (
	"encoding/json"
	"time"
)

type ReportStatus string

const (
	ReportStatusPendingReview  ReportStatus = "pending_review"
	ReportStatusInReview       ReportStatus = "in_review"
	ReportStatusResolved       ReportStatus = "resolved"
	ReportStatusNeedsAttention ReportStatus = "needs_attention"
)

// Valid reports whether s is one of the known report statuses.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportStatusPendingReview, ReportStatusInReview,
		ReportStatusResolved, ReportStatusNeedsAttention:
		return true
	}
	return false
}

// Difference is one divergence between expected and observed state.
type Difference struct {
	Kind     string `json:"kind"`
	Key      string `json:"key"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Notification records an alert sent about a report.
type Notification struct {
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

// StatusChange is an audit entry for an operator status transition.
type StatusChange struct {
	From  ReportStatus `json:"from"`
	To    ReportStatus `json:"to"`
	Actor string       `json:"actor"`
	Note  string       `json:"note,omitempty"`
	At    time.Time    `json:"at"`
}

// ReconciliationReport is a detected divergence between expected and
// chain-derived state.
type ReconciliationReport struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	ReportID       string          `json:"reportId"`
	JobID          string          `json:"jobId"`
	ContestID      string          `json:"contestId"`
	ChainID        int64           `json:"chainId"`
	Range          BlockRange      `json:"range"`
	GeneratedAt    time.Time       `json:"generatedAt"`
	Status         ReportStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	Differences    []Difference    `json:"differences"`
	Notifications  []Notification  `json:"notifications"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	StatusHistory  []StatusChange  `json:"statusHistory,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
