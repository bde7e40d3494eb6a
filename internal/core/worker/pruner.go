package worker

import (
	"context"
	"log/slog"
	"time"
)

// JobStore deletes finished jobs older than a cutoff.
type JobStore interface {
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// Pruner deletes old data based on retention policy.
type Pruner struct {
	store     JobStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewPruner creates a new Pruner worker. A zero interval is derived from
// retention: a tenth of it, between one minute and one hour.
func NewPruner(store JobStore, retention, interval time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = min(retention/10, time.Hour)
		interval = max(interval, time.Minute)
	}
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error("Failed to prune jobs", "retention", p.retention, "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("Pruned finished jobs", "count", n, "retention", p.retention)
	}
}
