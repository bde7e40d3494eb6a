package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// EventRepo implements storage.EventRepository using PostgreSQL.
type EventRepo struct {
	db *DB
}

// NewEventRepo creates a new PostgreSQL event repository.
func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// Record inserts an event, ignoring rows that collide on (chain_id, tx_hash, log_index).
func (r *EventRepo) Record(ctx context.Context, ev *domain.EventEnvelope) (bool, error) {
	query := `
		INSERT INTO contest_events (
			chain_id, tx_hash, log_index, contest_id, contract_address,
			event_type, block_number, block_hash, block_timestamp, payload, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, NOW())
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`
	var ts sql.NullTime
	if !ev.Block.Timestamp.IsZero() {
		ts = sql.NullTime{Time: ev.Block.Timestamp, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query,
		ev.Stream.ChainID, ev.TxHash, int64(ev.LogIndex), ev.Stream.ContestID, ev.Stream.Contract,
		ev.EventType, int64(ev.Block.Number), ev.Block.Hash, ts, nullJSON(ev.Payload),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", ev.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

type eventRow struct {
	ChainID        int64          `db:"chain_id"`
	TxHash         string         `db:"tx_hash"`
	LogIndex       int64          `db:"log_index"`
	ContestID      string         `db:"contest_id"`
	Contract       string         `db:"contract_address"`
	EventType      string         `db:"event_type"`
	BlockNumber    int64          `db:"block_number"`
	BlockHash      string         `db:"block_hash"`
	BlockTimestamp sql.NullTime   `db:"block_timestamp"`
	Payload        sql.NullString `db:"payload"`
}

// Get retrieves a recorded event by its natural key.
func (r *EventRepo) Get(ctx context.Context, key domain.EventKey) (*domain.EventEnvelope, error) {
	query := `
		SELECT chain_id, tx_hash, log_index, contest_id, contract_address,
		       event_type, block_number, block_hash, block_timestamp, payload
		FROM contest_events
		WHERE chain_id = $1 AND tx_hash = $2 AND log_index = $3
	`
	var row eventRow
	err := r.db.GetContext(ctx, &row, query, key.ChainID, key.TxHash, int64(key.LogIndex))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	ev := &domain.EventEnvelope{
		Stream:    domain.StreamKey{ContestID: row.ContestID, ChainID: row.ChainID, Contract: row.Contract},
		TxHash:    row.TxHash,
		LogIndex:  uint64(row.LogIndex),
		EventType: row.EventType,
		Block: domain.BlockAnchor{
			Number: uint64(row.BlockNumber),
			Hash:   row.BlockHash,
		},
	}
	if row.BlockTimestamp.Valid {
		ev.Block.Timestamp = row.BlockTimestamp.Time
	}
	if row.Payload.Valid {
		ev.Payload = []byte(row.Payload.String)
	}
	return ev, nil
}

// CountByStream returns the number of events recorded for a stream.
func (r *EventRepo) CountByStream(ctx context.Context, stream domain.StreamKey) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM contest_events
		WHERE chain_id = $1 AND contract_address = $2
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, stream.ChainID, stream.Contract); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
