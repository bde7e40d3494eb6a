// Package source supplies raw contract event logs to the indexer.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// Source fetches the logs of one chain.
type Source interface {
	// FetchLogs returns the stream's logs in the inclusive block range. Order
	// is unspecified.
	FetchLogs(ctx context.Context, stream domain.StreamKey, from, to uint64) ([]domain.EventEnvelope, error)

	// LatestBlock returns the chain tip.
	LatestBlock(ctx context.Context) (uint64, error)
}

// Set maps chain ids to their sources.
type Set struct {
	mu      sync.RWMutex
	sources map[int64]Source
}

func NewSet() *Set {
	return &Set{sources: make(map[int64]Source)}
}

// Add registers src for chainID, replacing any previous source.
func (s *Set) Add(chainID int64, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[chainID] = src
}

// For returns the source of chainID.
func (s *Set) For(chainID int64) (Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[chainID]
	if !ok {
		return nil, fmt.Errorf("no event source for chain %d: %w", chainID, domain.ErrNotFound)
	}
	return src, nil
}
