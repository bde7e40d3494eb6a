// Package decoder orders, filters and paginates raw event envelopes into
// batches that the ingestion writer can commit against a stream cursor.
//
// Decode is pure: it performs no I/O, never mutates its input and returns
// identical output for identical input, so a failed batch can be retried by
// decoding the same logs again.
package decoder

import (
	"slices"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// Options controls which envelopes make it into a batch.
type Options struct {
	// Cursor is the last committed position; only envelopes strictly after it are kept.
	Cursor *domain.Cursor
	// FromBlock and ToBlock bound the batch to an inclusive block range.
	FromBlock *uint64
	ToBlock   *uint64
	// Limit truncates the batch when positive.
	Limit int
	// FallbackCursor is reported as NextCursor for an empty batch when Cursor is nil.
	FallbackCursor *domain.Cursor
	// FallbackBlock is reported as LatestBlock for an empty batch.
	FallbackBlock *domain.BlockAnchor
}

// Batch is the ordered result of Decode.
type Batch struct {
	Events      []domain.EventEnvelope
	NextCursor  *domain.Cursor
	LatestBlock *domain.BlockAnchor
}

// Empty reports whether the batch carries no events.
func (b Batch) Empty() bool { return len(b.Events) == 0 }

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }

// Decode sorts raw ascending by (block number, log index), drops envelopes at
// or before opts.Cursor and outside [FromBlock, ToBlock], then keeps the first
// opts.Limit of them.
func Decode(raw []domain.EventEnvelope, opts Options) Batch {
	sorted := slices.Clone(raw)
	slices.SortStableFunc(sorted, func(a, b domain.EventEnvelope) int {
		return a.Cursor().Compare(b.Cursor())
	})

	events := make([]domain.EventEnvelope, 0, len(sorted))
	for _, ev := range sorted {
		if opts.Cursor != nil && !ev.Cursor().After(*opts.Cursor) {
			continue
		}
		if opts.FromBlock != nil && ev.Block.Number < *opts.FromBlock {
			continue
		}
		if opts.ToBlock != nil && ev.Block.Number > *opts.ToBlock {
			continue
		}
		events = append(events, ev)
		if opts.Limit > 0 && len(events) == opts.Limit {
			break
		}
	}

	if len(events) == 0 {
		next := opts.Cursor
		if next == nil {
			next = opts.FallbackCursor
		}
		return Batch{
			Events:      events,
			NextCursor:  cloneCursor(next),
			LatestBlock: cloneAnchor(opts.FallbackBlock),
		}
	}

	last := events[len(events)-1]
	next := last.Cursor()
	anchor := last.Block
	return Batch{
		Events:      events,
		NextCursor:  &next,
		LatestBlock: &anchor,
	}
}

func cloneCursor(c *domain.Cursor) *domain.Cursor {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func cloneAnchor(a *domain.BlockAnchor) *domain.BlockAnchor {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
