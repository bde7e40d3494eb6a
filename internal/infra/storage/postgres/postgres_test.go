package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return &DB{DB: sqlx.NewDb(raw, "sqlmock")}, mock
}

var testStream = domain.StreamKey{ContestID: "c-1", ChainID: 8453, Contract: "0xabc"}

// =============================================================================
// Events
// =============================================================================

func TestEventRepo_Record(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)
	ctx := context.Background()

	ev := &domain.EventEnvelope{
		Stream:    testStream,
		TxHash:    "0xtx",
		LogIndex:  3,
		EventType: "PhaseChanged",
		Block:     domain.BlockAnchor{Number: 100, Hash: "0xblock"},
		Payload:   []byte(`{"phase":2}`),
	}

	insert := regexp.QuoteMeta("INSERT INTO contest_events")

	mock.ExpectExec(insert).
		WithArgs(int64(8453), "0xtx", int64(3), "c-1", "0xabc", "PhaseChanged",
			int64(100), "0xblock", sqlmock.AnyArg(), `{"phase":2}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.Record(ctx, ev)
	assert.NoError(t, err)
	assert.True(t, inserted)

	// Second insert hits ON CONFLICT DO NOTHING
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err = repo.Record(ctx, ev)
	assert.NoError(t, err)
	assert.False(t, inserted)

	mock.ExpectExec(insert).WillReturnError(errors.New("connection reset"))
	_, err = repo.Record(ctx, ev)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepo_GetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM contest_events")).
		WithArgs(int64(1), "0xmissing", int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"chain_id"}))

	_, err := repo.Get(context.Background(), domain.EventKey{ChainID: 1, TxHash: "0xmissing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Cursors
// =============================================================================

var cursorCols = []string{
	"contest_id", "chain_id", "contract_address", "block_number", "log_index",
	"latest_block_number", "latest_block_hash", "latest_block_time", "state", "updated_at",
}

func TestCursorRepo_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCursorRepo(db)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM stream_cursors WHERE chain_id = $1 AND contract_address = $2")).
		WithArgs(int64(8453), "0xabc").
		WillReturnRows(sqlmock.NewRows(cursorCols).
			AddRow("c-1", 8453, "0xabc", 120, 4, 150, "0xhead", now, "scanning", now))

	c, err := repo.Get(ctx, testStream)
	require.NoError(t, err)
	require.NotNil(t, c.Position)
	assert.Equal(t, domain.Cursor{BlockNumber: 120, LogIndex: 4}, *c.Position)
	require.NotNil(t, c.LatestBlock)
	assert.Equal(t, uint64(150), c.LatestBlock.Number)
	assert.Equal(t, domain.CursorStateScanning, c.State)

	mock.ExpectQuery(regexp.QuoteMeta("FROM stream_cursors")).
		WillReturnRows(sqlmock.NewRows(cursorCols))

	_, err = repo.Get(ctx, testStream)
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorRepo_UpdatePosition(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCursorRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stream_cursors")).
		WithArgs("c-1", int64(8453), "0xabc", int64(200), int64(1),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdatePosition(context.Background(), testStream,
		domain.Cursor{BlockNumber: 200, LogIndex: 1}, &domain.BlockAnchor{Number: 210, Hash: "0xh"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorRepo_UpdateStateMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCursorRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE stream_cursors")).
		WithArgs(int64(8453), "0xabc", "paused").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateState(context.Background(), testStream, domain.CursorStatePaused)
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)
}

// =============================================================================
// Milestones
// =============================================================================

func TestMilestoneRepo_CreateDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMilestoneRepo(db)
	ctx := context.Background()

	m := &domain.MilestoneExecution{
		ContestID:      "c-1",
		ChainID:        8453,
		Milestone:      "settle",
		Source:         domain.SourceEvent{TxHash: "0xtx", BlockNumber: 10, LogIndex: 2},
		IdempotencyKey: "k-1",
		Status:         domain.MilestoneStatusPending,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO milestone_executions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := repo.Create(ctx, m)
	assert.NoError(t, err)
	assert.True(t, created)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO milestone_executions")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	created, err = repo.Create(ctx, m)
	assert.NoError(t, err)
	assert.False(t, created)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO milestone_executions")).
		WillReturnError(&pq.Error{Code: "23505"})
	created, err = repo.Create(ctx, m)
	assert.NoError(t, err)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMilestoneRepo_SaveMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMilestoneRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE milestone_executions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Save(context.Background(), &domain.MilestoneExecution{IdempotencyKey: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// Reports
// =============================================================================

func TestReportRepo_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReportRepo(db)
	now := time.Now()

	cols := []string{
		"report_id", "idempotency_key", "job_id", "contest_id", "chain_id", "from_block", "to_block",
		"generated_at", "status", "attempts", "differences", "notifications", "payload", "last_error",
		"status_history", "created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM reconciliation_reports WHERE report_id = $1")).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"r-1", "key-1", nil, "c-1", 8453, 100, 200, now, "needs_attention", 1,
			[]byte(`[{"kind":"missing","key":"0xtx:1","expected":"1","actual":"0"}]`),
			[]byte(`[]`), nil, "", []byte(`[]`), now, now,
		))

	r, err := repo.GetByID(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusNeedsAttention, r.Status)
	assert.Equal(t, "", r.JobID)
	assert.Equal(t, domain.BlockRange{FromBlock: 100, ToBlock: 200}, r.Range)
	require.Len(t, r.Differences, 1)
	assert.Equal(t, "missing", r.Differences[0].Kind)
	assert.Empty(t, r.Notifications)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepo_SaveEncodesLists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReportRepo(db)

	rep := &domain.ReconciliationReport{
		ReportID: "r-1",
		Status:   domain.ReportStatusResolved,
		Attempts: 2,
		StatusHistory: []domain.StatusChange{
			{From: domain.ReportStatusPendingReview, To: domain.ReportStatusResolved, Actor: "ops"},
		},
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE reconciliation_reports")).
		WithArgs("r-1", "resolved", 2, "[]", "[]", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.Save(context.Background(), rep))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}
