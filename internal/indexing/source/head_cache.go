package source

import (
	"context"
	"sync"
	"time"
)

// HeadCache wraps a Source and caches LatestBlock for ttl, so streams that
// share a chain do not each ask the node for the tip on every tick.
type HeadCache struct {
	Source
	ttl time.Duration

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
}

func NewHeadCache(src Source, ttl time.Duration) *HeadCache {
	return &HeadCache{Source: src, ttl: ttl}
}

// LatestBlock returns the cached tip if within ttl, otherwise fetches it.
func (c *HeadCache) LatestBlock(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if time.Since(c.cachedAt) < c.ttl && c.cached > 0 {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	head, err := c.Source.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cached = head
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return head, nil
}

// Invalidate forces the next LatestBlock to hit the source.
func (c *HeadCache) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

// Close closes the wrapped source if it can be closed.
func (c *HeadCache) Close() error {
	if cl, ok := c.Source.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
