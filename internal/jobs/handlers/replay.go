// Package handlers implements the queue workers of the indexer job families
// and the ingestion handlers that feed them.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/decoder"
	"github.com/vietddude/contestwatch/internal/indexing/ingest"
	"github.com/vietddude/contestwatch/internal/indexing/source"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// Sources resolves the event source of a chain.
type Sources interface {
	For(chainID int64) (source.Source, error)
}

// Replayer materializes a batch without moving the stream cursor.
type Replayer interface {
	Replay(ctx context.Context, stream domain.StreamKey, batch decoder.Batch) (ingest.Result, error)
}

// ReconcileDispatcher publishes reconciliation reports.
type ReconcileDispatcher interface {
	DispatchReconcile(ctx context.Context, report *domain.ReconciliationReport, opts ...queue.SendOption) (string, error)
}

// Replay re-ingests a block range. Outside lag skips, events that were not
// recorded before show the live pipeline missed them, and the replay files a
// reconciliation report for the range.
type Replay struct {
	sources   Sources
	writer    Replayer
	reconcile ReconcileDispatcher
	streams   []domain.StreamKey
	chunkSize uint64
	logger    *slog.Logger
}

// NewReplay creates the replay handler. streams lists the configured streams
// used when a request names no contract. reconcile may be nil.
func NewReplay(
	sources Sources,
	writer Replayer,
	reconcile ReconcileDispatcher,
	streams []domain.StreamKey,
	chunkSize uint64,
	logger *slog.Logger,
) *Replay {
	if chunkSize == 0 {
		chunkSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replay{
		sources:   sources,
		writer:    writer,
		reconcile: reconcile,
		streams:   streams,
		chunkSize: chunkSize,
		logger:    logger.With("component", "replay"),
	}
}

// Handle processes one indexer.replay job.
func (h *Replay) Handle(ctx context.Context, job *queue.Job) error {
	var req ReplayRequest
	if err := job.Decode(&req); err != nil {
		return domain.NewValidationError("replay payload: %v", err)
	}

	full := domain.BlockRange{FromBlock: req.FromBlock, ToBlock: req.ToBlock}
	if err := full.Validate(); err != nil {
		return err
	}

	streams := h.resolve(req)
	if len(streams) == 0 {
		return domain.NewValidationError("no stream matches contest %s on chain %d", req.ContestID, req.ChainID)
	}

	src, err := h.sources.For(req.ChainID)
	if err != nil {
		return err
	}

	for _, stream := range streams {
		total, recorded, err := h.replayStream(ctx, src, stream, full)
		if err != nil {
			return err
		}

		h.logger.Info("Replay finished",
			"stream", stream.String(),
			"range", full.String(),
			"events", total,
			"recovered", recorded,
			"reason", req.Reason,
		)

		if recorded > 0 && req.Reason != dispatcher.ReasonLagSkip {
			if err := h.fileReport(ctx, stream, full, total, recorded); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Replay) replayStream(ctx context.Context, src source.Source, stream domain.StreamKey, full domain.BlockRange) (total, recorded int, err error) {
	for _, chunk := range full.Split(h.chunkSize) {
		raw, err := src.FetchLogs(ctx, stream, chunk.FromBlock, chunk.ToBlock)
		if err != nil {
			return total, recorded, fmt.Errorf("fetch %s %s: %w", stream, chunk, err)
		}

		from, to := chunk.FromBlock, chunk.ToBlock
		batch := decoder.Decode(raw, decoder.Options{FromBlock: &from, ToBlock: &to})
		res, err := h.writer.Replay(ctx, stream, batch)
		if err != nil {
			return total, recorded, err
		}
		total += batch.Len()
		recorded += res.Recorded
	}
	return total, recorded, nil
}

func (h *Replay) resolve(req ReplayRequest) []domain.StreamKey {
	if req.Contract != "" {
		return []domain.StreamKey{domain.NewStreamKey(req.ContestID, req.ChainID, req.Contract)}
	}
	var out []domain.StreamKey
	for _, s := range h.streams {
		if s.ContestID == req.ContestID && s.ChainID == req.ChainID {
			out = append(out, s)
		}
	}
	return out
}

func (h *Replay) fileReport(
	ctx context.Context,
	stream domain.StreamKey,
	full domain.BlockRange,
	total, recorded int,
) error {
	if h.reconcile == nil {
		return nil
	}

	// JobID stays empty: one replay can file a report per stream, and each
	// reconcile job stamps its own id.
	key := fmt.Sprintf("reconcile:%s:%s", stream, full)
	report := &domain.ReconciliationReport{
		IdempotencyKey: key,
		ReportID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String(),
		ContestID:      stream.ContestID,
		ChainID:        stream.ChainID,
		Range:          full,
		Differences: []domain.Difference{{
			Kind:     "missing_events",
			Key:      stream.String(),
			Expected: strconv.Itoa(total),
			Actual:   strconv.Itoa(total - recorded),
		}},
	}
	_, err := h.reconcile.DispatchReconcile(ctx, report, queue.WithSingletonKey(key))
	return err
}
