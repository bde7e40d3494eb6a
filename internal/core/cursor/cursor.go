// Package cursor tracks the ingestion position of each event stream.
//
// # Purpose
//
// A stream cursor is the (block number, log index) of the last event that was
// durably ingested for one (contest, chain, contract) stream. The cursor only
// moves forward, and only after a whole batch was recorded and handled.
//
// # Key Features
//
// State Machine - Only allows valid transitions:
//
//	INIT → SCANNING ⇄ PAUSED
//
// Monotonic Advance - Advance refuses a position before the stored one
// (ErrCursorRegression). Advancing to the stored position is a no-op apart
// from refreshing the high-water block.
//
// Single Writer - Advance on the same stream is serialized in process. Across
// processes the indexer holds a Redis lease per stream.
//
// # Quick Start
//
//	manager := cursor.NewManager(cursorRepo)
//
//	c, _ := manager.Initialize(ctx, stream, nil)
//	manager.Advance(ctx, stream, &domain.Cursor{BlockNumber: 100, LogIndex: 2}, anchor)
//
//	manager.SetStateChangeCallback(func(s domain.StreamKey, t cursor.Transition) {
//	    slog.Info("cursor state", "stream", s, "from", t.From, "to", t.To)
//	})
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Manager implementation with regression checks
//   - metrics.go - Throughput metrics and state history
package cursor

import (
	"sync"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage"
)

// Cursor represents a position in a stream.
type Cursor = domain.Cursor

// CursorState represents the current state of the cursor.
type CursorState = domain.CursorState

// State constants re-exported for convenience.
const (
	StateInit     = domain.CursorStateInit
	StateScanning = domain.CursorStateScanning
	StatePaused   = domain.CursorStatePaused
)

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *DefaultManager {
	return &DefaultManager{
		repo:       repo,
		collectors: make(map[string]*MetricsCollector),
		locks:      make(map[string]*sync.Mutex),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		advances:    make([]advanceRecord, 0, windowSize),
		transitions: make([]Transition, 0, 10),
	}
}
