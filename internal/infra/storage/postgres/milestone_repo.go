package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// MilestoneRepo implements storage.MilestoneRepository using PostgreSQL.
type MilestoneRepo struct {
	db *DB
}

// NewMilestoneRepo creates a new PostgreSQL milestone repository.
func NewMilestoneRepo(db *DB) *MilestoneRepo {
	return &MilestoneRepo{db: db}
}

type milestoneRow struct {
	IdempotencyKey    string    `db:"idempotency_key"`
	ContestID         string    `db:"contest_id"`
	ChainID           int64     `db:"chain_id"`
	Milestone         string    `db:"milestone"`
	SourceTxHash      string    `db:"source_tx_hash"`
	SourceBlockNumber int64     `db:"source_block_number"`
	SourceLogIndex    int64     `db:"source_log_index"`
	Attempts          int       `db:"attempts"`
	Status            string    `db:"status"`
	JobID             string    `db:"job_id"`
	Actor             string    `db:"actor"`
	Reason            string    `db:"reason"`
	LastError         string    `db:"last_error"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (row milestoneRow) toDomain() *domain.MilestoneExecution {
	return &domain.MilestoneExecution{
		ContestID: row.ContestID,
		ChainID:   row.ChainID,
		Milestone: row.Milestone,
		Source: domain.SourceEvent{
			TxHash:      row.SourceTxHash,
			BlockNumber: uint64(row.SourceBlockNumber),
			LogIndex:    uint64(row.SourceLogIndex),
		},
		IdempotencyKey: row.IdempotencyKey,
		Attempts:       row.Attempts,
		Status:         domain.MilestoneStatus(row.Status),
		JobID:          row.JobID,
		Actor:          row.Actor,
		Reason:         row.Reason,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

const milestoneColumns = `idempotency_key, contest_id, chain_id, milestone, source_tx_hash,
	source_block_number, source_log_index, attempts, status, job_id, actor, reason,
	last_error, created_at, updated_at`

func (r *MilestoneRepo) getOne(ctx context.Context, what, query string, args ...any) (*domain.MilestoneExecution, error) {
	var row milestoneRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("milestone execution %s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get milestone execution: %w", err)
	}
	return row.toDomain(), nil
}

// GetByKey retrieves an execution by idempotency key.
func (r *MilestoneRepo) GetByKey(ctx context.Context, key string) (*domain.MilestoneExecution, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestone_executions WHERE idempotency_key = $1`
	return r.getOne(ctx, key, query, key)
}

// FindBySource retrieves an execution by its source event identity.
func (r *MilestoneRepo) FindBySource(
	ctx context.Context,
	contestID string,
	chainID int64,
	milestone string,
	txHash string,
	logIndex uint64,
) (*domain.MilestoneExecution, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestone_executions
		WHERE contest_id = $1 AND chain_id = $2 AND milestone = $3
		  AND source_tx_hash = $4 AND source_log_index = $5`
	what := fmt.Sprintf("%s/%s@%s:%d", contestID, milestone, txHash, logIndex)
	return r.getOne(ctx, what, query, contestID, chainID, milestone, txHash, int64(logIndex))
}

// Create inserts the execution. created is false when either unique key already exists.
func (r *MilestoneRepo) Create(ctx context.Context, m *domain.MilestoneExecution) (bool, error) {
	query := `
		INSERT INTO milestone_executions (` + milestoneColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
	`
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, query,
		m.IdempotencyKey, m.ContestID, m.ChainID, m.Milestone, m.Source.TxHash,
		int64(m.Source.BlockNumber), int64(m.Source.LogIndex), m.Attempts, string(m.Status),
		m.JobID, m.Actor, m.Reason, m.LastError, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create milestone execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Save updates the mutable columns of an existing execution.
func (r *MilestoneRepo) Save(ctx context.Context, m *domain.MilestoneExecution) error {
	query := `
		UPDATE milestone_executions
		SET attempts = $2, status = $3, job_id = $4, actor = $5, reason = $6,
		    last_error = $7, updated_at = $8
		WHERE idempotency_key = $1
	`
	m.UpdatedAt = time.Now()
	res, err := r.db.ExecContext(ctx, query,
		m.IdempotencyKey, m.Attempts, string(m.Status), m.JobID, m.Actor, m.Reason,
		m.LastError, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save milestone execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("milestone execution %s: %w", m.IdempotencyKey, domain.ErrNotFound)
	}
	return nil
}
