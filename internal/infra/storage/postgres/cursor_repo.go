package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

type cursorRow struct {
	ContestID         string         `db:"contest_id"`
	ChainID           int64          `db:"chain_id"`
	Contract          string         `db:"contract_address"`
	BlockNumber       sql.NullInt64  `db:"block_number"`
	LogIndex          sql.NullInt64  `db:"log_index"`
	LatestBlockNumber sql.NullInt64  `db:"latest_block_number"`
	LatestBlockHash   sql.NullString `db:"latest_block_hash"`
	LatestBlockTime   sql.NullTime   `db:"latest_block_time"`
	State             string         `db:"state"`
	UpdatedAt         sql.NullTime   `db:"updated_at"`
}

func (row cursorRow) toDomain() *domain.StreamCursor {
	c := &domain.StreamCursor{
		Stream: domain.StreamKey{ContestID: row.ContestID, ChainID: row.ChainID, Contract: row.Contract},
		State:  domain.CursorState(row.State),
	}
	if row.BlockNumber.Valid {
		c.Position = &domain.Cursor{
			BlockNumber: uint64(row.BlockNumber.Int64),
			LogIndex:    uint64(row.LogIndex.Int64),
		}
	}
	if row.LatestBlockNumber.Valid {
		c.LatestBlock = &domain.BlockAnchor{
			Number: uint64(row.LatestBlockNumber.Int64),
			Hash:   row.LatestBlockHash.String,
		}
		if row.LatestBlockTime.Valid {
			c.LatestBlock.Timestamp = row.LatestBlockTime.Time
		}
	}
	if row.UpdatedAt.Valid {
		c.UpdatedAt = row.UpdatedAt.Time
	}
	return c
}

const cursorColumns = `contest_id, chain_id, contract_address, block_number, log_index,
	latest_block_number, latest_block_hash, latest_block_time, state, updated_at`

// Get retrieves the cursor of a stream.
func (r *CursorRepo) Get(ctx context.Context, stream domain.StreamKey) (*domain.StreamCursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM stream_cursors WHERE chain_id = $1 AND contract_address = $2`
	var row cursorRow
	err := r.db.GetContext(ctx, &row, query, stream.ChainID, stream.Contract)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return row.toDomain(), nil
}

// Save inserts or replaces the cursor row.
func (r *CursorRepo) Save(ctx context.Context, c *domain.StreamCursor) error {
	query := `
		INSERT INTO stream_cursors (` + cursorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (chain_id, contract_address) DO UPDATE SET
			contest_id = EXCLUDED.contest_id,
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			latest_block_number = EXCLUDED.latest_block_number,
			latest_block_hash = EXCLUDED.latest_block_hash,
			latest_block_time = EXCLUDED.latest_block_time,
			state = EXCLUDED.state,
			updated_at = NOW()
	`
	var blockNumber, logIndex, latestNumber sql.NullInt64
	var latestHash sql.NullString
	var latestTime sql.NullTime
	if c.Position != nil {
		blockNumber = sql.NullInt64{Int64: int64(c.Position.BlockNumber), Valid: true}
		logIndex = sql.NullInt64{Int64: int64(c.Position.LogIndex), Valid: true}
	}
	if c.LatestBlock != nil {
		latestNumber = sql.NullInt64{Int64: int64(c.LatestBlock.Number), Valid: true}
		latestHash = sql.NullString{String: c.LatestBlock.Hash, Valid: true}
		latestTime = sql.NullTime{Time: c.LatestBlock.Timestamp, Valid: !c.LatestBlock.Timestamp.IsZero()}
	}

	_, err := r.db.ExecContext(ctx, query,
		c.Stream.ContestID, c.Stream.ChainID, c.Stream.Contract,
		blockNumber, logIndex, latestNumber, latestHash, latestTime, string(c.State),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// UpdatePosition moves the cursor. The row is created when missing.
func (r *CursorRepo) UpdatePosition(
	ctx context.Context,
	stream domain.StreamKey,
	position domain.Cursor,
	latest *domain.BlockAnchor,
) error {
	query := `
		INSERT INTO stream_cursors (
			contest_id, chain_id, contract_address, block_number, log_index,
			latest_block_number, latest_block_hash, latest_block_time, state, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'scanning', NOW())
		ON CONFLICT (chain_id, contract_address) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			latest_block_number = COALESCE(EXCLUDED.latest_block_number, stream_cursors.latest_block_number),
			latest_block_hash = COALESCE(EXCLUDED.latest_block_hash, stream_cursors.latest_block_hash),
			latest_block_time = COALESCE(EXCLUDED.latest_block_time, stream_cursors.latest_block_time),
			updated_at = NOW()
	`
	var latestNumber sql.NullInt64
	var latestHash sql.NullString
	var latestTime sql.NullTime
	if latest != nil {
		latestNumber = sql.NullInt64{Int64: int64(latest.Number), Valid: true}
		latestHash = sql.NullString{String: latest.Hash, Valid: true}
		latestTime = sql.NullTime{Time: latest.Timestamp, Valid: !latest.Timestamp.IsZero()}
	}

	_, err := r.db.ExecContext(ctx, query,
		stream.ContestID, stream.ChainID, stream.Contract,
		int64(position.BlockNumber), int64(position.LogIndex),
		latestNumber, latestHash, latestTime,
	)
	if err != nil {
		return fmt.Errorf("failed to update cursor position: %w", err)
	}
	return nil
}

// UpdateState updates cursor state.
func (r *CursorRepo) UpdateState(ctx context.Context, stream domain.StreamKey, state domain.CursorState) error {
	query := `
		UPDATE stream_cursors
		SET state = $3, updated_at = NOW()
		WHERE chain_id = $1 AND contract_address = $2
	`
	res, err := r.db.ExecContext(ctx, query, stream.ChainID, stream.Contract, string(state))
	if err != nil {
		return fmt.Errorf("failed to update cursor state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrCursorNotFound
	}
	return nil
}

// List returns every stream cursor.
func (r *CursorRepo) List(ctx context.Context) ([]*domain.StreamCursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM stream_cursors ORDER BY contest_id, chain_id, contract_address`
	var rows []cursorRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	cursors := make([]*domain.StreamCursor, 0, len(rows))
	for _, row := range rows {
		cursors = append(cursors, row.toDomain())
	}
	return cursors, nil
}
