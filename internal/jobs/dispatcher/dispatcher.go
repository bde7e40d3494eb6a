// Package dispatcher publishes the typed follow-on jobs of the ingestion
// pipeline: range replays, reconciliation reports and milestone triggers.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/metrics"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// Job family names.
const (
	FamilyReplay    = "indexer.replay"
	FamilyReconcile = "indexer.reconcile"
	FamilyMilestone = "indexer.milestone"
)

// Sender is the queue operation the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, name string, payload any, opts ...queue.SendOption) (string, error)
}

// Replay reasons. A lag skip window was never ingested live, so events it
// recovers are expected rather than missing.
const (
	ReasonLagSkip  = "lag_skip"
	ReasonOperator = "operator"
)

// ReplayRequest is the indexer.replay payload. Block numbers travel as
// decimal strings.
type ReplayRequest struct {
	ContestID   string `json:"contestId"`
	ChainID     int64  `json:"chainId"`
	Contract    string `json:"contractAddress,omitempty"`
	FromBlock   uint64 `json:"fromBlock,string"`
	ToBlock     uint64 `json:"toBlock,string"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// MilestoneRequest is the indexer.milestone payload.
type MilestoneRequest struct {
	ContestID   string             `json:"contestId"`
	ChainID     int64              `json:"chainId"`
	Milestone   string             `json:"milestone"`
	SourceEvent domain.SourceEvent `json:"sourceEvent"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// Dispatcher sends jobs with one queue call per dispatch and no internal retry.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

// New creates a dispatcher.
func New(sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender: sender,
		logger: logger.With("component", "dispatcher"),
	}
}

// DispatchReplay enqueues a replay of [FromBlock, ToBlock].
func (d *Dispatcher) DispatchReplay(ctx context.Context, req ReplayRequest, opts ...queue.SendOption) (string, error) {
	if req.FromBlock > req.ToBlock {
		return "", domain.NewValidationError("replay range %d-%d is inverted", req.FromBlock, req.ToBlock)
	}
	return d.send(ctx, FamilyReplay, req, []any{
		"contest_id", req.ContestID,
		"chain_id", req.ChainID,
		"from_block", req.FromBlock,
		"to_block", req.ToBlock,
		"reason", req.Reason,
	}, opts)
}

// DispatchReconcile enqueues a reconciliation report as-is.
func (d *Dispatcher) DispatchReconcile(
	ctx context.Context,
	report *domain.ReconciliationReport,
	opts ...queue.SendOption,
) (string, error) {
	if report == nil {
		return "", domain.NewValidationError("reconcile report is required")
	}
	return d.send(ctx, FamilyReconcile, report, []any{
		"contest_id", report.ContestID,
		"chain_id", report.ChainID,
		"report_id", report.ReportID,
		"idempotency_key", report.IdempotencyKey,
	}, opts)
}

// DispatchMilestone enqueues a milestone trigger. A zero GeneratedAt is set to now.
func (d *Dispatcher) DispatchMilestone(ctx context.Context, req MilestoneRequest, opts ...queue.SendOption) (string, error) {
	if req.GeneratedAt.IsZero() {
		req.GeneratedAt = time.Now().UTC()
	}
	return d.send(ctx, FamilyMilestone, req, []any{
		"contest_id", req.ContestID,
		"chain_id", req.ChainID,
		"milestone", req.Milestone,
		"source_tx", req.SourceEvent.TxHash,
		"source_log_index", req.SourceEvent.LogIndex,
	}, opts)
}

func (d *Dispatcher) send(
	ctx context.Context,
	family string,
	payload any,
	attrs []any,
	opts []queue.SendOption,
) (string, error) {
	jobID, err := d.sender.Send(ctx, family, payload, opts...)
	if err != nil {
		metrics.JobsDispatched.WithLabelValues(family, "error").Inc()
		d.logger.Error("Failed to dispatch job", append(attrs, "family", family, "error", err)...)
		return "", &domain.DispatchError{Family: family, Cause: err}
	}

	if jobID == "" {
		metrics.JobsDispatched.WithLabelValues(family, "suppressed").Inc()
		d.logger.Info("Job suppressed by queue", append(attrs, "family", family)...)
		return "", nil
	}

	metrics.JobsDispatched.WithLabelValues(family, "sent").Inc()
	d.logger.Info("Job dispatched", append(attrs, "family", family, "job_id", jobID)...)
	return jobID, nil
}
