package domain

import (
	"fmt"
	"math"
	"time"
)

// Cursor is a position in a stream's log sequence.
//
// Cursors are totally ordered: A precedes B iff A.BlockNumber < B.BlockNumber,
// or the block numbers are equal and A.LogIndex < B.LogIndex.
type Cursor struct {
	BlockNumber uint64 `json:"blockNumber"`
	LogIndex    uint64 `json:"logIndex"`
}

// Compare returns -1, 0 or +1 when c is before, equal to or after o.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.BlockNumber < o.BlockNumber:
		return -1
	case c.BlockNumber > o.BlockNumber:
		return 1
	case c.LogIndex < o.LogIndex:
		return -1
	case c.LogIndex > o.LogIndex:
		return 1
	default:
		return 0
	}
}

// Less reports whether c strictly precedes o.
func (c Cursor) Less(o Cursor) bool { return c.Compare(o) < 0 }

// After reports whether c is strictly after o.
func (c Cursor) After(o Cursor) bool { return c.Compare(o) > 0 }

// EndOfBlock is the cursor after every log of block n.
func EndOfBlock(n uint64) Cursor {
	return Cursor{BlockNumber: n, LogIndex: math.MaxUint64}
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.BlockNumber, c.LogIndex)
}

// CursorState is the lifecycle state of a stream cursor.
type CursorState string

const (
	CursorStateInit     CursorState = "init"
	CursorStateScanning CursorState = "scanning"
	CursorStatePaused   CursorState = "paused"
)

// StreamCursor is the persisted cursor row of a stream.
type StreamCursor struct {
	Stream StreamKey
	// Position is the last durably ingested event; nil until the first batch commits.
	Position *Cursor
	// LatestBlock is the high-water block anchor reported by the last batch.
	LatestBlock *BlockAnchor
	State       CursorState
	UpdatedAt   time.Time
}
