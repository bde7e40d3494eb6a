package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/contestwatch/internal/admin/milestone"
	"github.com/vietddude/contestwatch/internal/admin/reconcile"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Mocks
// =============================================================================

type mockMilestones struct {
	calls int
	last  milestone.RetryRequest
	err   error
}

func (m *mockMilestones) Retry(ctx context.Context, req milestone.RetryRequest) (*domain.MilestoneExecution, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &domain.MilestoneExecution{Status: domain.MilestoneStatusQueued}, nil
}

type failingReports struct{ err error }

func (f *failingReports) Get(ctx context.Context, id string) (*domain.ReconciliationReport, error) {
	return nil, f.err
}

func (f *failingReports) UpdateStatus(ctx context.Context, id string, s domain.ReportStatus, a, n string) (*domain.ReconciliationReport, error) {
	return nil, f.err
}

const validHash = "0x8f5a3c2b1d0e9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d2e1f0a9b8c7d6e5f4a"

func setupRouter(ms MilestoneService, rs ReportService) *gin.Engine {
	return NewRouter(NewHandlers(ms, rs, nil))
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func retryBody() map[string]any {
	return map[string]any{
		"contestId":      "contest-1",
		"chainId":        1,
		"milestone":      "payout",
		"sourceTxHash":   validHash,
		"sourceLogIndex": 0,
		"actor":          "ops@example.com",
		"reason":         "retry after fix",
	}
}

// =============================================================================
// Milestone retry
// =============================================================================

func TestRetryMilestone_Accepted(t *testing.T) {
	ms := &mockMilestones{}
	router := setupRouter(ms, &failingReports{})

	w := do(t, router, http.MethodPost, "/v1/tasks/milestones/actions/retry", retryBody())

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"accepted"}`, w.Body.String())
	assert.Equal(t, 1, ms.calls)
	assert.Equal(t, uint64(0), ms.last.SourceLogIndex)
	assert.Equal(t, "ops@example.com", ms.last.Actor)
}

func TestRetryMilestone_ValidationBeforeService(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"short hash", func(b map[string]any) { b["sourceTxHash"] = "0x1234" }},
		{"missing prefix", func(b map[string]any) { b["sourceTxHash"] = strings.TrimPrefix(validHash, "0x") + "ab" }},
		{"non hex", func(b map[string]any) { b["sourceTxHash"] = "0x" + strings.Repeat("z", 64) }},
		{"missing actor", func(b map[string]any) { delete(b, "actor") }},
		{"missing log index", func(b map[string]any) { delete(b, "sourceLogIndex") }},
		{"zero chain", func(b map[string]any) { b["chainId"] = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockMilestones{}
			router := setupRouter(ms, &failingReports{})
			body := retryBody()
			tt.mutate(body)

			w := do(t, router, http.MethodPost, "/v1/tasks/milestones/actions/retry", body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeValidation, decodeError(t, w).Error)
			assert.Equal(t, 0, ms.calls, "service must not be reached")
		})
	}
}

func TestRetryMilestone_MalformedJSON(t *testing.T) {
	ms := &mockMilestones{}
	router := setupRouter(ms, &failingReports{})

	w := do(t, router, http.MethodPost, "/v1/tasks/milestones/actions/retry", "{not json")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeValidation, decodeError(t, w).Error)
	assert.Equal(t, 0, ms.calls)
}

func TestRetryMilestone_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("milestone x: %w", domain.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("%w: already queued", domain.ErrConflict), http.StatusConflict, CodeConflict},
		{domain.NewValidationError("bad"), http.StatusBadRequest, CodeValidation},
		{fmt.Errorf("%w: corrupt", domain.ErrInvalidState), http.StatusBadRequest, CodeInvalidState},
		{&domain.DispatchError{Family: "indexer.milestone", Cause: errors.New("dial tcp 10.0.0.1:6379")}, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			router := setupRouter(&mockMilestones{err: tt.err}, &failingReports{})

			w := do(t, router, http.MethodPost, "/v1/tasks/milestones/actions/retry", retryBody())

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Error)
			if tt.status == http.StatusInternalServerError {
				assert.Empty(t, resp.Message)
				assert.NotContains(t, w.Body.String(), "10.0.0.1")
			}
		})
	}
}

// =============================================================================
// Report status
// =============================================================================

func newReportService(t *testing.T) *reconcile.Service {
	t.Helper()
	svc := reconcile.NewService(memory.NewReportRepo(memory.NewMemoryStorage()), nil)
	_, _, err := svc.Record(context.Background(), &domain.ReconciliationReport{
		IdempotencyKey: "reconcile:contest-1:1:0-10",
		ReportID:       "report-1",
		JobID:          "job-1",
		ContestID:      "contest-1",
		ChainID:        1,
		Range:          domain.BlockRange{FromBlock: 0, ToBlock: 10},
		GeneratedAt:    time.Now(),
	})
	require.NoError(t, err)
	return svc
}

func TestUpdateReportStatus_Resolved(t *testing.T) {
	router := setupRouter(&mockMilestones{}, newReportService(t))

	w := do(t, router, http.MethodPost, "/v1/tasks/reports/actions/status", map[string]any{
		"reportId": "report-1",
		"status":   "resolved",
		"actor":    "ops",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"reportId":"report-1","status":"resolved"}`, w.Body.String())
}

func TestUpdateReportStatus_Errors(t *testing.T) {
	router := setupRouter(&mockMilestones{}, newReportService(t))

	w := do(t, router, http.MethodPost, "/v1/tasks/reports/actions/status", map[string]any{
		"reportId": "missing",
		"status":   "resolved",
		"actor":    "ops",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, w).Error)

	w = do(t, router, http.MethodPost, "/v1/tasks/reports/actions/status", map[string]any{
		"reportId": "report-1",
		"status":   "archived",
		"actor":    "ops",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeValidation, decodeError(t, w).Error)
}

func TestGetReport(t *testing.T) {
	router := setupRouter(&mockMilestones{}, newReportService(t))

	w := do(t, router, http.MethodGet, "/v1/tasks/reports/report-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report domain.ReconciliationReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "report-1", report.ReportID)
	assert.Equal(t, domain.ReportStatusPendingReview, report.Status)

	w = do(t, router, http.MethodGet, "/v1/tasks/reports/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateTxHash(t *testing.T) {
	assert.True(t, txHashPattern.MatchString(validHash))
	assert.True(t, txHashPattern.MatchString("0x"+strings.ToUpper(validHash[2:])))
	assert.False(t, txHashPattern.MatchString(validHash+"0"))
	assert.False(t, txHashPattern.MatchString(""))
}
