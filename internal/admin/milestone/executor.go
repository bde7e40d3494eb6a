package milestone

import (
	"context"
	"log/slog"

	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
)

// Executor performs the business action behind a milestone. Implementations
// must be idempotent on the request's source event.
type Executor interface {
	Execute(ctx context.Context, req dispatcher.MilestoneRequest) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req dispatcher.MilestoneRequest) error

func (f ExecutorFunc) Execute(ctx context.Context, req dispatcher.MilestoneRequest) error {
	return f(ctx, req)
}

// LogExecutor only records that a milestone was reached.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e LogExecutor) Execute(ctx context.Context, req dispatcher.MilestoneRequest) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Milestone reached",
		"contest_id", req.ContestID,
		"chain_id", req.ChainID,
		"milestone", req.Milestone,
		"tx_hash", req.SourceEvent.TxHash,
		"log_index", req.SourceEvent.LogIndex,
	)
	return nil
}
