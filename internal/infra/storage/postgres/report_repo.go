package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// ReportRepo implements storage.ReportRepository using PostgreSQL.
type ReportRepo struct {
	db *DB
}

// NewReportRepo creates a new PostgreSQL reconciliation report repository.
func NewReportRepo(db *DB) *ReportRepo {
	return &ReportRepo{db: db}
}

type reportRow struct {
	ReportID       string         `db:"report_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	JobID          sql.NullString `db:"job_id"`
	ContestID      string         `db:"contest_id"`
	ChainID        int64          `db:"chain_id"`
	FromBlock      int64          `db:"from_block"`
	ToBlock        int64          `db:"to_block"`
	GeneratedAt    time.Time      `db:"generated_at"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	Differences    []byte         `db:"differences"`
	Notifications  []byte         `db:"notifications"`
	Payload        []byte         `db:"payload"`
	LastError      string         `db:"last_error"`
	StatusHistory  []byte         `db:"status_history"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (row reportRow) toDomain() (*domain.ReconciliationReport, error) {
	r := &domain.ReconciliationReport{
		IdempotencyKey: row.IdempotencyKey,
		ReportID:       row.ReportID,
		JobID:          row.JobID.String,
		ContestID:      row.ContestID,
		ChainID:        row.ChainID,
		Range:          domain.BlockRange{FromBlock: uint64(row.FromBlock), ToBlock: uint64(row.ToBlock)},
		GeneratedAt:    row.GeneratedAt,
		Status:         domain.ReportStatus(row.Status),
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if len(row.Payload) > 0 {
		r.Payload = json.RawMessage(row.Payload)
	}
	if err := unmarshalList(row.Differences, &r.Differences); err != nil {
		return nil, fmt.Errorf("decode differences: %w", err)
	}
	if err := unmarshalList(row.Notifications, &r.Notifications); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	if err := unmarshalList(row.StatusHistory, &r.StatusHistory); err != nil {
		return nil, fmt.Errorf("decode status history: %w", err)
	}
	return r, nil
}

func unmarshalList(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// marshalList encodes a JSON array column; nil slices become "[]".
func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const reportColumns = `report_id, idempotency_key, job_id, contest_id, chain_id, from_block, to_block,
	generated_at, status, attempts, differences, notifications, payload, last_error,
	status_history, created_at, updated_at`

func (r *ReportRepo) getOne(ctx context.Context, what, query string, arg any) (*domain.ReconciliationReport, error) {
	var row reportRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return row.toDomain()
}

// GetByID retrieves a report by report id.
func (r *ReportRepo) GetByID(ctx context.Context, reportID string) (*domain.ReconciliationReport, error) {
	query := `SELECT ` + reportColumns + ` FROM reconciliation_reports WHERE report_id = $1`
	return r.getOne(ctx, reportID, query, reportID)
}

// GetByIdempotencyKey retrieves a report by idempotency key.
func (r *ReportRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.ReconciliationReport, error) {
	query := `SELECT ` + reportColumns + ` FROM reconciliation_reports WHERE idempotency_key = $1`
	return r.getOne(ctx, key, query, key)
}

type reportArgs struct {
	jobID         sql.NullString
	differences   string
	notifications string
	history       string
}

func encodeReport(rep *domain.ReconciliationReport) (reportArgs, error) {
	var a reportArgs
	var err error
	if rep.JobID != "" {
		a.jobID = sql.NullString{String: rep.JobID, Valid: true}
	}
	if a.differences, err = marshalList(rep.Differences); err != nil {
		return a, fmt.Errorf("encode differences: %w", err)
	}
	if a.notifications, err = marshalList(rep.Notifications); err != nil {
		return a, fmt.Errorf("encode notifications: %w", err)
	}
	if a.history, err = marshalList(rep.StatusHistory); err != nil {
		return a, fmt.Errorf("encode status history: %w", err)
	}
	return a, nil
}

// Create inserts the report. created is false when the idempotency key, report id
// or job id is already taken.
func (r *ReportRepo) Create(ctx context.Context, rep *domain.ReconciliationReport) (bool, error) {
	query := `
		INSERT INTO reconciliation_reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11::jsonb, $12::jsonb, $13::jsonb, $14, $15::jsonb, $16, $17)
		ON CONFLICT DO NOTHING
	`
	a, err := encodeReport(rep)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = now
	}
	rep.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, query,
		rep.ReportID, rep.IdempotencyKey, a.jobID, rep.ContestID, rep.ChainID,
		int64(rep.Range.FromBlock), int64(rep.Range.ToBlock), rep.GeneratedAt,
		string(rep.Status), rep.Attempts, a.differences, a.notifications,
		nullJSON(rep.Payload), rep.LastError, a.history, rep.CreatedAt, rep.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Save updates the mutable columns of an existing report.
func (r *ReportRepo) Save(ctx context.Context, rep *domain.ReconciliationReport) error {
	query := `
		UPDATE reconciliation_reports
		SET status = $2, attempts = $3, differences = $4::jsonb, notifications = $5::jsonb,
		    last_error = $6, status_history = $7::jsonb, updated_at = $8
		WHERE report_id = $1
	`
	a, err := encodeReport(rep)
	if err != nil {
		return err
	}
	rep.UpdatedAt = time.Now()

	res, err := r.db.ExecContext(ctx, query,
		rep.ReportID, string(rep.Status), rep.Attempts, a.differences, a.notifications,
		rep.LastError, a.history, rep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("report %s: %w", rep.ReportID, domain.ErrNotFound)
	}
	return nil
}
