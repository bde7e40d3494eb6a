package source

import (
	"context"
	"slices"
	"sync"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// MemorySource serves events appended in process. The tip is the highest
// appended block unless set explicitly.
type MemorySource struct {
	mu     sync.RWMutex
	events []domain.EventEnvelope
	tip    uint64
	err    error
	calls  int
}

func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Append adds events and raises the tip to cover them.
func (m *MemorySource) Append(events ...domain.EventEnvelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.events = append(m.events, e)
		m.tip = max(m.tip, e.Block.Number)
	}
}

// SetTip overrides the chain tip.
func (m *MemorySource) SetTip(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tip = n
}

// SetError makes every call fail with err until cleared with nil.
func (m *MemorySource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of FetchLogs calls.
func (m *MemorySource) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MemorySource) FetchLogs(ctx context.Context, stream domain.StreamKey, from, to uint64) ([]domain.EventEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}

	out := make([]domain.EventEnvelope, 0)
	for _, e := range m.events {
		if e.Stream == stream && e.Block.Number >= from && e.Block.Number <= to {
			out = append(out, e)
		}
	}
	// Reverse to exercise callers' ordering.
	slices.Reverse(out)
	return out, nil
}

func (m *MemorySource) LatestBlock(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.tip, nil
}
