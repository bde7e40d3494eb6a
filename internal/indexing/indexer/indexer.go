package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/decoder"
	"github.com/vietddude/contestwatch/internal/indexing/ingest"
	"github.com/vietddude/contestwatch/internal/indexing/source"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// Indexer polls one stream and commits its events in cursor order.
type Indexer interface {
	// Start runs the polling loop until ctx is done or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the indexer
	Stop() error

	// GetStatus returns current indexing status
	GetStatus() Status
}

type Status struct {
	Stream      domain.StreamKey
	Position    *domain.Cursor
	LatestBlock uint64
	Tip         uint64
	Lag         int64
	State       domain.CursorState
	Running     bool
	LastTick    time.Time
	LastError   string
}

// Cursors is the cursor surface the pipeline drives.
type Cursors interface {
	Get(ctx context.Context, stream domain.StreamKey) (*domain.StreamCursor, error)
	Initialize(ctx context.Context, stream domain.StreamKey, start *domain.Cursor) (*domain.StreamCursor, error)
	Advance(ctx context.Context, stream domain.StreamKey, next *domain.Cursor, latest *domain.BlockAnchor) error
}

// BatchWriter commits a decoded batch and advances the cursor.
type BatchWriter interface {
	WriteBatch(ctx context.Context, stream domain.StreamKey, batch decoder.Batch) (ingest.Result, error)
}

// ReplayDispatcher enqueues the replay of a skipped window.
type ReplayDispatcher interface {
	DispatchReplay(ctx context.Context, req dispatcher.ReplayRequest, opts ...queue.SendOption) (string, error)
}

// Config holds indexer configuration
type Config struct {
	Stream     domain.StreamKey
	StartBlock uint64

	ScanInterval time.Duration
	// MinScanInterval bounds how fast the pipeline polls while catching up.
	MinScanInterval time.Duration
	BatchBlocks     uint64
	BatchLimit      int
	Confirmations   uint64

	// ReplayThreshold is the lag in blocks above which the pipeline jumps
	// toward the tip and hands the skipped window to a replay job. Zero disables it.
	ReplayThreshold uint64
	MaxReplayWindow uint64

	LeaseTTL time.Duration

	Source  source.Source
	Cursor  Cursors
	Writer  BatchWriter
	Replays ReplayDispatcher
	Lease   Lease
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.MinScanInterval <= 0 || c.MinScanInterval > c.ScanInterval {
		c.MinScanInterval = c.ScanInterval / 10
	}
	if c.BatchBlocks == 0 {
		c.BatchBlocks = 500
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 1000
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.Lease == nil {
		c.Lease = NewLocalLease()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
