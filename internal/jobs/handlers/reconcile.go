package handlers

import (
	"context"
	"log/slog"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// ReportRecorder stores reconciliation outcomes.
type ReportRecorder interface {
	Record(ctx context.Context, report *domain.ReconciliationReport) (*domain.ReconciliationReport, bool, error)
}

// Reconcile records the report carried by an indexer.reconcile job.
type Reconcile struct {
	reports ReportRecorder
	logger  *slog.Logger
}

func NewReconcile(reports ReportRecorder, logger *slog.Logger) *Reconcile {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconcile{reports: reports, logger: logger.With("component", "reconcile-handler")}
}

func (h *Reconcile) Handle(ctx context.Context, job *queue.Job) error {
	var report domain.ReconciliationReport
	if err := job.Decode(&report); err != nil {
		return domain.NewValidationError("reconcile payload: %v", err)
	}
	if report.JobID == "" {
		report.JobID = job.ID
	}

	stored, created, err := h.reports.Record(ctx, &report)
	if err != nil {
		return err
	}
	if created && stored.Status == domain.ReportStatusNeedsAttention {
		h.logger.Warn("Reconciliation needs attention",
			"report_id", stored.ReportID,
			"contest_id", stored.ContestID,
			"range", stored.Range.String(),
			"differences", len(stored.Differences),
		)
	}
	return nil
}
