// Package reconcile owns reconciliation report status: automated recording
// by the reconcile job and manual transitions by operators.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage"
)

// Service is the reconciliation report state machine.
type Service struct {
	repo   storage.ReportRepository
	logger *slog.Logger
	now    func() time.Time

	// mu serializes read-modify-write of reports within this process.
	mu sync.Mutex
}

func NewService(repo storage.ReportRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		logger: logger.With("component", "reconcile"),
		now:    time.Now,
	}
}

// Get returns a report by id.
func (s *Service) Get(ctx context.Context, reportID string) (*domain.ReconciliationReport, error) {
	if strings.TrimSpace(reportID) == "" {
		return nil, domain.NewValidationError("report id is required")
	}
	return s.repo.GetByID(ctx, reportID)
}

// UpdateStatus moves a report to status on behalf of actor. Every transition
// between known statuses is accepted; setting the current status again
// succeeds without writing.
func (s *Service) UpdateStatus(
	ctx context.Context,
	reportID string,
	status domain.ReportStatus,
	actor string,
	note string,
) (*domain.ReconciliationReport, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("unknown report status %q", status)
	}
	if strings.TrimSpace(actor) == "" {
		return nil, domain.NewValidationError("actor is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.Status == status {
		return report, nil
	}
	if !report.Status.Valid() {
		return nil, fmt.Errorf("%w: report %s has status %q", domain.ErrInvalidState, reportID, report.Status)
	}

	now := s.now().UTC()
	report.StatusHistory = append(report.StatusHistory, domain.StatusChange{
		From:  report.Status,
		To:    status,
		Actor: actor,
		Note:  note,
		At:    now,
	})
	from := report.Status
	report.Status = status
	report.UpdatedAt = now

	if err := s.repo.Save(ctx, report); err != nil {
		return nil, &domain.PersistenceError{Op: "save report " + reportID, Cause: err}
	}

	s.logger.Info("Report status updated",
		"report_id", reportID,
		"from", from,
		"to", status,
		"actor", actor,
	)
	return report, nil
}

// Record stores the outcome of a reconcile run. A new report starts in
// needs_attention when it carries differences and in pending_review
// otherwise. A report seen again keeps its status; only its attempts and
// notifications grow.
func (s *Service) Record(ctx context.Context, report *domain.ReconciliationReport) (*domain.ReconciliationReport, bool, error) {
	if report == nil {
		return nil, false, domain.NewValidationError("report is required")
	}
	if report.IdempotencyKey == "" || report.ContestID == "" {
		return nil, false, domain.NewValidationError("idempotency key and contest id are required")
	}
	if err := report.Range.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	fresh := *report
	if fresh.ReportID == "" {
		fresh.ReportID = uuid.NewString()
	}
	if fresh.GeneratedAt.IsZero() {
		fresh.GeneratedAt = now
	}
	fresh.Status = domain.ReportStatusPendingReview
	if len(fresh.Differences) > 0 {
		fresh.Status = domain.ReportStatusNeedsAttention
	}
	fresh.Attempts = 1
	fresh.StatusHistory = nil
	fresh.CreatedAt = now
	fresh.UpdatedAt = now

	created, err := s.repo.Create(ctx, &fresh)
	if err != nil {
		return nil, false, &domain.PersistenceError{Op: "create report " + fresh.IdempotencyKey, Cause: err}
	}
	if created {
		s.logger.Info("Report recorded",
			"report_id", fresh.ReportID,
			"contest_id", fresh.ContestID,
			"status", fresh.Status,
			"differences", len(fresh.Differences),
		)
		return &fresh, true, nil
	}

	existing, err := s.repo.GetByIdempotencyKey(ctx, report.IdempotencyKey)
	if errors.Is(err, domain.ErrNotFound) {
		// Another report already owns this report id or job id.
		return nil, false, fmt.Errorf("%w: report %s collides with an existing report", domain.ErrConflict, fresh.ReportID)
	}
	if err != nil {
		return nil, false, err
	}

	existing.Attempts++
	existing.Notifications = append(existing.Notifications, report.Notifications...)
	existing.LastError = report.LastError
	existing.UpdatedAt = now
	if err := s.repo.Save(ctx, existing); err != nil {
		return nil, false, &domain.PersistenceError{Op: "save report " + existing.ReportID, Cause: err}
	}

	s.logger.Debug("Report seen again", "report_id", existing.ReportID, "attempts", existing.Attempts)
	return existing, false, nil
}
