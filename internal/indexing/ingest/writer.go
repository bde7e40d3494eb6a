// Package ingest materializes decoded batches: every event is recorded once by
// its natural key, handed to its domain handler, and only then is the stream
// cursor advanced.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/decoder"
	"github.com/vietddude/contestwatch/internal/indexing/metrics"
	"github.com/vietddude/contestwatch/internal/infra/storage"
)

// CursorAdvancer moves a stream cursor after a batch commits.
type CursorAdvancer interface {
	Advance(ctx context.Context, stream domain.StreamKey, next *domain.Cursor, latest *domain.BlockAnchor) error
}

// HandlerError reports a domain handler failure for one event.
type HandlerError struct {
	Key       domain.EventKey
	EventType string
	Cause     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for event %s: %v", e.EventType, e.Key, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// Result summarizes one WriteBatch or Replay call.
type Result struct {
	Recorded   int
	Duplicates int
	Handled    int
	Skipped    int
	Advanced   bool
}

// Writer persists batches against a stream.
type Writer struct {
	events   storage.EventRepository
	cursors  CursorAdvancer
	registry *Registry
	logger   *slog.Logger
}

// NewWriter creates a writer. registry must be fully populated before the
// first batch is written.
func NewWriter(events storage.EventRepository, cursors CursorAdvancer, registry *Registry, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		events:   events,
		cursors:  cursors,
		registry: registry,
		logger:   logger.With("component", "ingest.writer"),
	}
}

// WriteBatch records and handles every event of batch in order, then advances
// the cursor of stream to batch.NextCursor. The first failure aborts the call
// and leaves the cursor untouched, so the caller retries the same range.
func (w *Writer) WriteBatch(ctx context.Context, stream domain.StreamKey, batch decoder.Batch) (Result, error) {
	res, err := w.materialize(ctx, stream, batch)
	if err != nil {
		metrics.BatchFailures.WithLabelValues(stream.String()).Inc()
		return res, err
	}

	if err := w.cursors.Advance(ctx, stream, batch.NextCursor, batch.LatestBlock); err != nil {
		metrics.BatchFailures.WithLabelValues(stream.String()).Inc()
		return res, &domain.PersistenceError{Op: "advance cursor", Cause: err}
	}
	res.Advanced = batch.NextCursor != nil
	metrics.BatchesCommitted.WithLabelValues(stream.String()).Inc()

	if !batch.Empty() {
		w.logger.Debug("Batch committed",
			"stream", stream.String(),
			"events", batch.Len(),
			"recorded", res.Recorded,
			"duplicates", res.Duplicates,
			"cursor", batch.NextCursor,
		)
	}
	return res, nil
}

// Replay records and handles a batch without touching the stream cursor.
// Replay jobs use it to re-materialize a historical range.
func (w *Writer) Replay(ctx context.Context, stream domain.StreamKey, batch decoder.Batch) (Result, error) {
	return w.materialize(ctx, stream, batch)
}

func (w *Writer) materialize(ctx context.Context, stream domain.StreamKey, batch decoder.Batch) (Result, error) {
	var res Result
	label := stream.String()

	for i := range batch.Events {
		ev := batch.Events[i]
		if ev.Stream == (domain.StreamKey{}) {
			ev.Stream = stream
		}

		inserted, err := w.events.Record(ctx, &ev)
		if err != nil {
			return res, &domain.PersistenceError{Op: "record event " + ev.Key().String(), Cause: err}
		}
		if inserted {
			res.Recorded++
			metrics.EventsRecorded.WithLabelValues(label).Inc()
		} else {
			res.Duplicates++
			metrics.EventsDuplicate.WithLabelValues(label).Inc()
		}

		h, ok := w.registry.Lookup(ev.EventType)
		if !ok {
			res.Skipped++
			w.logger.Debug("No handler registered", "event_type", ev.EventType, "event", ev.Key().String())
			continue
		}

		if err := h(ctx, HandlerInput{Stream: stream, Event: ev}); err != nil {
			metrics.HandlerFailures.WithLabelValues(ev.EventType).Inc()
			return res, &HandlerError{Key: ev.Key(), EventType: ev.EventType, Cause: err}
		}
		res.Handled++
	}

	return res, nil
}
