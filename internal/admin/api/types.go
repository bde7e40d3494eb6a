package api

import "github.com/vietddude/contestwatch/internal/core/domain"

// RetryMilestoneRequest is the body of POST /v1/tasks/milestones/actions/retry.
type RetryMilestoneRequest struct {
	IdempotencyKey string  `json:"idempotencyKey"`
	ContestID      string  `json:"contestId" binding:"required"`
	ChainID        int64   `json:"chainId" binding:"required,gt=0"`
	Milestone      string  `json:"milestone" binding:"required"`
	SourceTxHash   string  `json:"sourceTxHash" binding:"required,txhash"`
	SourceLogIndex *uint64 `json:"sourceLogIndex" binding:"required"`
	Actor          string  `json:"actor" binding:"required"`
	Reason         string  `json:"reason" binding:"omitempty,max=1024"`
}

// UpdateReportStatusRequest is the body of POST /v1/tasks/reports/actions/status.
type UpdateReportStatusRequest struct {
	ReportID string `json:"reportId" binding:"required"`
	Status   string `json:"status" binding:"required,oneof=pending_review in_review resolved needs_attention"`
	Actor    string `json:"actor" binding:"required"`
	Note     string `json:"note" binding:"omitempty,max=2048"`
}

type AcceptedResponse struct {
	Status string `json:"status"`
}

type ReportStatusResponse struct {
	ReportID string              `json:"reportId"`
	Status   domain.ReportStatus `json:"status"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is a stable machine readable code.
	Error string `json:"error"`

	// Message is a human readable description, empty for internal errors.
	Message string `json:"message,omitempty"`
}

const (
	CodeValidation   = "validation_error"
	CodeInvalidState = "invalid_state"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInternal     = "internal_error"
)
