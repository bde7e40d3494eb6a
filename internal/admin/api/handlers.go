// Package api exposes the operator endpoints for milestone retries and
// reconciliation report review.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/vietddude/contestwatch/internal/admin/milestone"
	"github.com/vietddude/contestwatch/internal/core/domain"
)

// MilestoneService retries milestone executions.
type MilestoneService interface {
	Retry(ctx context.Context, req milestone.RetryRequest) (*domain.MilestoneExecution, error)
}

// ReportService reads and transitions reconciliation reports.
type ReportService interface {
	Get(ctx context.Context, reportID string) (*domain.ReconciliationReport, error)
	UpdateStatus(ctx context.Context, reportID string, status domain.ReportStatus, actor, note string) (*domain.ReconciliationReport, error)
}

// Handlers holds the admin endpoint handlers.
type Handlers struct {
	milestones MilestoneService
	reports    ReportService
	logger     *slog.Logger
}

func NewHandlers(milestones MilestoneService, reports ReportService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	registerValidators()
	return &Handlers{
		milestones: milestones,
		reports:    reports,
		logger:     logger.With("component", "admin-api"),
	}
}

// HandleRetryMilestone handles POST /v1/tasks/milestones/actions/retry.
func (h *Handlers) HandleRetryMilestone(c *gin.Context) {
	var req RetryMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	_, err := h.milestones.Retry(c.Request.Context(), milestone.RetryRequest{
		IdempotencyKey: req.IdempotencyKey,
		ContestID:      req.ContestID,
		ChainID:        req.ChainID,
		Milestone:      req.Milestone,
		SourceTxHash:   req.SourceTxHash,
		SourceLogIndex: *req.SourceLogIndex,
		Actor:          req.Actor,
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted"})
}

// HandleUpdateReportStatus handles POST /v1/tasks/reports/actions/status.
func (h *Handlers) HandleUpdateReportStatus(c *gin.Context) {
	var req UpdateReportStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	report, err := h.reports.UpdateStatus(c.Request.Context(), req.ReportID,
		domain.ReportStatus(req.Status), req.Actor, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ReportStatusResponse{ReportID: report.ReportID, Status: report.Status})
}

// HandleGetReport handles GET /v1/tasks/reports/:id.
func (h *Handlers) HandleGetReport(c *gin.Context) {
	report, err := h.reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) bindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" failed "+fe.Tag())
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Message: strings.Join(fields, "; ")})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Message: "malformed request body"})
}

// writeError maps the domain error taxonomy onto HTTP responses.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeInvalidState, Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: CodeNotFound, Message: err.Error()})
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: CodeConflict, Message: err.Error()})
	default:
		h.logger.Error("Admin request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: CodeInternal})
	}
}
