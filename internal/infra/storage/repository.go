package storage

import (
	"context"
	"fmt"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

var (
	// ErrCursorNotFound is returned when a stream has no persisted cursor yet.
	ErrCursorNotFound = fmt.Errorf("cursor %w", domain.ErrNotFound)
)

// EventRepository persists event envelopes keyed by (chain id, tx hash, log index).
type EventRepository interface {
	// Record inserts the event unless a row with the same key already exists.
	// inserted is false when the event had been recorded before.
	Record(ctx context.Context, event *domain.EventEnvelope) (inserted bool, err error)

	// Get retrieves a recorded event by its natural key
	Get(ctx context.Context, key domain.EventKey) (*domain.EventEnvelope, error)

	// CountByStream returns the number of recorded events of a stream
	CountByStream(ctx context.Context, stream domain.StreamKey) (int, error)
}

// CursorRepository handles stream cursor storage
type CursorRepository interface {
	// Get retrieves the cursor of a stream
	Get(ctx context.Context, stream domain.StreamKey) (*domain.StreamCursor, error)

	// Save inserts or replaces the cursor row
	Save(ctx context.Context, cursor *domain.StreamCursor) error

	// UpdatePosition moves the cursor and records the high-water block
	UpdatePosition(
		ctx context.Context,
		stream domain.StreamKey,
		position domain.Cursor,
		latest *domain.BlockAnchor,
	) error

	// UpdateState updates cursor state
	UpdateState(ctx context.Context, stream domain.StreamKey, state domain.CursorState) error

	// List returns every stream cursor
	List(ctx context.Context) ([]*domain.StreamCursor, error)
}

// MilestoneRepository stores milestone executions.
type MilestoneRepository interface {
	// GetByKey retrieves an execution by idempotency key
	GetByKey(ctx context.Context, key string) (*domain.MilestoneExecution, error)

	// FindBySource retrieves an execution by the identity of its source event
	FindBySource(
		ctx context.Context,
		contestID string,
		chainID int64,
		milestone string,
		txHash string,
		logIndex uint64,
	) (*domain.MilestoneExecution, error)

	// Create inserts the execution; created is false if the key already exists
	Create(ctx context.Context, m *domain.MilestoneExecution) (created bool, err error)

	// Save updates an existing execution
	Save(ctx context.Context, m *domain.MilestoneExecution) error
}

// ReportRepository stores reconciliation reports.
type ReportRepository interface {
	// GetByID retrieves a report by report id
	GetByID(ctx context.Context, reportID string) (*domain.ReconciliationReport, error)

	// GetByIdempotencyKey retrieves a report by idempotency key
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.ReconciliationReport, error)

	// Create inserts the report; created is false if the key already exists
	Create(ctx context.Context, r *domain.ReconciliationReport) (created bool, err error)

	// Save updates an existing report
	Save(ctx context.Context, r *domain.ReconciliationReport) error
}
