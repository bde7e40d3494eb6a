package indexer

import (
	"time"

	"github.com/vietddude/contestwatch/internal/indexing/metrics"
)

// computeInterval picks the wait before the next tick from the current lag:
//   - lag <= 0: ScanInterval (at the confirmed tip)
//   - lag < one batch: ScanInterval / 2
//   - lag < ten batches: MinScanInterval * 2
//   - otherwise: MinScanInterval
func (c *Config) computeInterval(lag int64) time.Duration {
	batch := int64(c.BatchBlocks)

	var interval time.Duration
	switch {
	case lag <= 0:
		interval = c.ScanInterval
	case lag < batch:
		interval = c.ScanInterval / 2
	case lag < batch*10:
		interval = c.MinScanInterval * 2
	default:
		interval = c.MinScanInterval
	}

	return min(max(interval, c.MinScanInterval), c.ScanInterval)
}

func (p *Pipeline) nextInterval() time.Duration {
	p.mu.RLock()
	lag := p.status.Lag
	p.mu.RUnlock()

	interval := p.cfg.computeInterval(lag)
	metrics.ScanInterval.WithLabelValues(p.cfg.Stream.String()).Set(interval.Seconds())
	return interval
}
