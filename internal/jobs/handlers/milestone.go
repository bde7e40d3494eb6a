package handlers

import (
	"context"
	"log/slog"

	"github.com/vietddude/contestwatch/internal/admin/milestone"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/ingest"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// MilestoneOutcomes records job outcomes against milestone executions.
type MilestoneOutcomes interface {
	Complete(ctx context.Context, key string) error
	Fail(ctx context.Context, key string, cause error, final bool) error
}

// Milestone runs indexer.milestone jobs through an executor.
type Milestone struct {
	executor milestone.Executor
	outcomes MilestoneOutcomes
	logger   *slog.Logger
}

func NewMilestone(executor milestone.Executor, outcomes MilestoneOutcomes, logger *slog.Logger) *Milestone {
	if logger == nil {
		logger = slog.Default()
	}
	return &Milestone{executor: executor, outcomes: outcomes, logger: logger.With("component", "milestone-handler")}
}

// Handle executes the milestone. A failure is recorded and returned so the
// queue retries it; the last attempt marks the execution failed.
func (h *Milestone) Handle(ctx context.Context, job *queue.Job) error {
	var req MilestoneRequest
	if err := job.Decode(&req); err != nil {
		verr := domain.NewValidationError("milestone payload: %v", err)
		h.recordUndecodable(ctx, job, req, verr)
		return verr
	}
	key := milestone.IdempotencyKey(req.ContestID, req.ChainID, req.Milestone,
		req.SourceEvent.TxHash, req.SourceEvent.LogIndex)

	if err := h.executor.Execute(ctx, req); err != nil {
		if ferr := h.outcomes.Fail(ctx, key, err, job.FinalAttempt()); ferr != nil {
			h.logger.Error("Failed to record milestone failure", "key", key, "error", ferr)
		}
		return err
	}
	return h.outcomes.Complete(ctx, key)
}

// recordUndecodable charges a bad payload to its execution when the key
// fields survived decoding, so the last attempt still marks it failed.
func (h *Milestone) recordUndecodable(ctx context.Context, job *queue.Job, req MilestoneRequest, cause error) {
	if req.ContestID == "" || req.Milestone == "" || req.SourceEvent.TxHash == "" {
		h.logger.Error("Undecodable milestone payload", "job_id", job.ID, "error", cause)
		return
	}
	key := milestone.IdempotencyKey(req.ContestID, req.ChainID, req.Milestone,
		req.SourceEvent.TxHash, req.SourceEvent.LogIndex)
	if err := h.outcomes.Fail(ctx, key, cause, job.FinalAttempt()); err != nil {
		h.logger.Error("Failed to record milestone failure", "key", key, "job_id", job.ID, "error", err)
	}
}

// MilestoneTriggerer starts milestone executions.
type MilestoneTriggerer interface {
	Trigger(ctx context.Context, req milestone.TriggerRequest) (*domain.MilestoneExecution, error)
}

// TriggerMilestone returns an ingestion handler that starts the named
// milestone for every event it receives. Redelivered events find the
// existing execution.
func TriggerMilestone(svc MilestoneTriggerer, name string) ingest.Handler {
	return func(ctx context.Context, in ingest.HandlerInput) error {
		_, err := svc.Trigger(ctx, milestone.TriggerRequest{
			ContestID: in.Stream.ContestID,
			ChainID:   in.Stream.ChainID,
			Milestone: name,
			Source: domain.SourceEvent{
				TxHash:      in.Event.TxHash,
				BlockNumber: in.Event.Block.Number,
				LogIndex:    in.Event.LogIndex,
			},
		})
		return err
	}
}
