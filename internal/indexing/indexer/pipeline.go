package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/contestwatch/internal/core/cursor"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/decoder"
	"github.com/vietddude/contestwatch/internal/indexing/metrics"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// Pipeline implements the Indexer interface for a single stream.
type Pipeline struct {
	cfg      Config
	logger   *slog.Logger
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	status Status
}

// NewPipeline creates a new indexing pipeline
func NewPipeline(cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "indexer", "stream", cfg.Stream.String()),
		stop:   make(chan struct{}),
		status: Status{Stream: cfg.Stream},
	}
}

// Start runs one tick immediately, then keeps ticking at an interval that
// shrinks toward MinScanInterval while the stream lags.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.running.Store(false)

	p.logger.Info("Pipeline started",
		"start_block", p.cfg.StartBlock,
		"interval", p.cfg.ScanInterval,
		"batch_blocks", p.cfg.BatchBlocks,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if err := p.tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Tick failed", "error", err)
		}
		timer.Reset(p.nextInterval())

		select {
		case <-ctx.Done():
			p.logger.Info("Pipeline stopped")
			return nil
		case <-p.stop:
			p.logger.Info("Pipeline stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Stop stops the pipeline
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

// GetStatus returns the status recorded by the last tick.
func (p *Pipeline) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.status
	s.Running = p.running.Load()
	return s
}

func (p *Pipeline) setStatus(fn func(s *Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.status)
}

// tick processes at most one batch while holding the stream lease.
func (p *Pipeline) tick(ctx context.Context) error {
	release, ok, err := p.cfg.Lease.Acquire(ctx, "stream:"+p.cfg.Stream.String(), p.cfg.LeaseTTL)
	if err != nil {
		return p.fail(fmt.Errorf("acquire lease: %w", err))
	}
	if !ok {
		p.logger.Debug("Stream leased by another poller")
		return nil
	}
	defer release()

	tickCtx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTTL)
	defer cancel()

	err = p.process(tickCtx)
	p.setStatus(func(s *Status) {
		s.LastTick = time.Now()
		if err == nil {
			s.LastError = ""
		}
	})
	if err != nil {
		return p.fail(err)
	}
	return nil
}

func (p *Pipeline) fail(err error) error {
	p.setStatus(func(s *Status) { s.LastError = err.Error() })
	return err
}

func (p *Pipeline) process(ctx context.Context) error {
	stream := p.cfg.Stream

	c, err := p.cfg.Cursor.Get(ctx, stream)
	if errors.Is(err, cursor.ErrCursorNotFound) {
		c, err = p.cfg.Cursor.Initialize(ctx, stream, nil)
	}
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	p.setStatus(func(s *Status) { s.State = c.State })
	if c.State == domain.CursorStatePaused {
		return nil
	}

	tip, err := p.cfg.Source.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if tip < p.cfg.Confirmations {
		return nil
	}
	safe := tip - p.cfg.Confirmations

	from := p.nextFrom(c)
	p.recordProgress(c, tip, safe, from)
	if from > safe {
		return nil
	}

	if jumped, ok := p.maybeJump(ctx, from, safe); ok {
		from = jumped
		if from > safe {
			return nil
		}
	}

	to := min(from+p.cfg.BatchBlocks-1, safe)
	logs, err := p.cfg.Source.FetchLogs(ctx, stream, from, to)
	if err != nil {
		return fmt.Errorf("fetch logs %d-%d: %w", from, to, err)
	}

	// Re-read: a jump may have moved the cursor.
	if c, err = p.cfg.Cursor.Get(ctx, stream); err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	batch := decoder.Decode(logs, decoder.Options{
		Cursor:        c.Position,
		FromBlock:     &from,
		ToBlock:       &to,
		Limit:         p.cfg.BatchLimit,
		FallbackBlock: &domain.BlockAnchor{Number: to},
	})

	// A truncated batch stops inside the range; the rest of its block range is
	// picked up from the cursor next tick.
	truncated := batch.Len() >= p.cfg.BatchLimit
	switch {
	case truncated:
		batch.LatestBlock = nil
	case batch.LatestBlock == nil || batch.LatestBlock.Number < to:
		batch.LatestBlock = &domain.BlockAnchor{Number: to}
	}

	res, err := p.cfg.Writer.WriteBatch(ctx, stream, batch)
	if err != nil {
		p.logger.Error("Batch failed, cursor unchanged",
			"from_block", from,
			"to_block", to,
			"events", batch.Len(),
			"error", err,
		)
		return err
	}

	if !batch.Empty() {
		p.logger.Info("Batch ingested",
			"from_block", from,
			"to_block", to,
			"events", batch.Len(),
			"recorded", res.Recorded,
			"duplicates", res.Duplicates,
			"truncated", truncated,
		)
	}

	p.setStatus(func(s *Status) {
		s.Position = batch.NextCursor
		if batch.LatestBlock != nil {
			s.LatestBlock = batch.LatestBlock.Number
		}
	})
	return nil
}

// nextFrom returns the first block not yet fully ingested. Truncated batches
// never record a high-water block, so a position block above it was only
// partly read and is fetched again.
func (p *Pipeline) nextFrom(c *domain.StreamCursor) uint64 {
	from := p.cfg.StartBlock
	if c.Position != nil {
		from = max(from, c.Position.BlockNumber)
	}
	if c.LatestBlock != nil && (c.Position == nil || c.LatestBlock.Number >= c.Position.BlockNumber) {
		from = max(from, c.LatestBlock.Number+1)
	}
	return from
}

// maybeJump hands [from, skipTo] to a replay job when the stream lags by more
// than ReplayThreshold, then moves the cursor past skipTo. It returns the new
// start block.
func (p *Pipeline) maybeJump(ctx context.Context, from, safe uint64) (uint64, bool) {
	if p.cfg.ReplayThreshold == 0 || p.cfg.Replays == nil {
		return from, false
	}
	lag := safe - from + 1
	if lag <= p.cfg.ReplayThreshold || safe < p.cfg.BatchBlocks {
		return from, false
	}

	skipTo := safe - p.cfg.BatchBlocks
	if p.cfg.MaxReplayWindow > 0 {
		skipTo = min(skipTo, from+p.cfg.MaxReplayWindow-1)
	}
	if skipTo < from {
		return from, false
	}

	stream := p.cfg.Stream
	req := dispatcher.ReplayRequest{
		ContestID:   stream.ContestID,
		ChainID:     stream.ChainID,
		Contract:    stream.Contract,
		FromBlock:   from,
		ToBlock:     skipTo,
		Reason:      dispatcher.ReasonLagSkip,
		RequestedBy: "indexer",
	}
	window := domain.BlockRange{FromBlock: from, ToBlock: skipTo}
	key := fmt.Sprintf("replay:%s:%s", stream, window)
	if _, err := p.cfg.Replays.DispatchReplay(ctx, req, queue.WithSingletonKey(key)); err != nil {
		p.logger.Warn("Replay dispatch failed, ingesting without jump", "window", window.String(), "error", err)
		return from, false
	}

	end := domain.EndOfBlock(skipTo)
	if err := p.cfg.Cursor.Advance(ctx, stream, &end, &domain.BlockAnchor{Number: skipTo}); err != nil {
		p.logger.Error("Failed to jump cursor", "window", window.String(), "error", err)
		return from, false
	}

	metrics.GapJumpsTotal.WithLabelValues(stream.String()).Inc()
	metrics.GapJumpSize.WithLabelValues(stream.String()).Observe(float64(window.Size()))
	p.logger.Info("Jumped cursor toward tip",
		"lag", lag,
		"skipped", window.String(),
		"new_from", skipTo+1,
	)
	return skipTo + 1, true
}

func (p *Pipeline) recordProgress(c *domain.StreamCursor, tip, safe, from uint64) {
	var lag int64
	if safe+1 > from {
		lag = int64(safe + 1 - from)
	}
	metrics.StreamLag.WithLabelValues(p.cfg.Stream.String()).Set(float64(lag))

	p.setStatus(func(s *Status) {
		s.Tip = tip
		s.Lag = lag
		s.Position = c.Position
		if c.LatestBlock != nil {
			s.LatestBlock = c.LatestBlock.Number
		}
	})
}
