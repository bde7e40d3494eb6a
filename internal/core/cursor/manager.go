package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/metrics"
	"github.com/vietddude/contestwatch/internal/infra/storage"
)

var (
	// ErrCursorNotFound is returned when a stream has no cursor.
	ErrCursorNotFound = storage.ErrCursorNotFound

	// ErrCursorRegression is returned when Advance would move a cursor backwards.
	ErrCursorRegression = errors.New("cursor regression")

	// ErrCursorPaused is returned when trying to advance a paused cursor.
	ErrCursorPaused = errors.New("cursor is paused")
)

// Manager handles cursor operations with state machine enforcement.
type Manager interface {
	// Get retrieves the current cursor for a stream.
	Get(ctx context.Context, stream domain.StreamKey) (*domain.StreamCursor, error)

	// Initialize creates the cursor if the stream has none. An existing cursor
	// is returned unchanged.
	Initialize(ctx context.Context, stream domain.StreamKey, start *domain.Cursor) (*domain.StreamCursor, error)

	// Advance moves the cursor to next and records latest as the high-water block.
	Advance(ctx context.Context, stream domain.StreamKey, next *domain.Cursor, latest *domain.BlockAnchor) error

	// Reset forces the cursor to position, bypassing the regression check.
	Reset(ctx context.Context, stream domain.StreamKey, position *domain.Cursor) error

	// SetState transitions cursor to new state (validates transition).
	SetState(ctx context.Context, stream domain.StreamKey, newState State, reason string) error

	// Pause pauses ingestion of a stream.
	Pause(ctx context.Context, stream domain.StreamKey, reason string) error

	// Resume resumes ingestion of a stream.
	Resume(ctx context.Context, stream domain.StreamKey) error

	// GetMetrics returns performance metrics for a stream.
	GetMetrics(stream domain.StreamKey) Metrics

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(stream domain.StreamKey, t Transition))
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo          storage.CursorRepository
	mu            sync.RWMutex
	stateCallback func(domain.StreamKey, Transition)
	collectors    map[string]*MetricsCollector
	locks         map[string]*sync.Mutex
}

// lock serializes writers of one stream within this process.
func (m *DefaultManager) lock(stream domain.StreamKey) func() {
	m.mu.Lock()
	l, ok := m.locks[stream.String()]
	if !ok {
		l = &sync.Mutex{}
		m.locks[stream.String()] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *DefaultManager) collector(stream domain.StreamKey) *MetricsCollector {
	key := stream.String()
	c, ok := m.collectors[key]
	if !ok {
		c = NewMetricsCollector(100)
		m.collectors[key] = c
	}
	return c
}

// Get retrieves the current cursor for a stream.
func (m *DefaultManager) Get(ctx context.Context, stream domain.StreamKey) (*domain.StreamCursor, error) {
	return m.repo.Get(ctx, stream)
}

// Initialize creates the cursor at start if the stream has none.
func (m *DefaultManager) Initialize(
	ctx context.Context,
	stream domain.StreamKey,
	start *domain.Cursor,
) (*domain.StreamCursor, error) {
	unlock := m.lock(stream)
	defer unlock()

	existing, err := m.repo.Get(ctx, stream)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrCursorNotFound) {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	c := &domain.StreamCursor{
		Stream:    stream,
		State:     domain.CursorStateInit,
		UpdatedAt: time.Now(),
	}
	if start != nil {
		pos := *start
		c.Position = &pos
	}

	if err := m.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}

	m.mu.Lock()
	m.collectors[stream.String()] = NewMetricsCollector(100)
	m.mu.Unlock()

	return c, nil
}

// Advance moves the cursor forward after a batch was fully materialized.
// A nil next only refreshes the high-water block.
func (m *DefaultManager) Advance(
	ctx context.Context,
	stream domain.StreamKey,
	next *domain.Cursor,
	latest *domain.BlockAnchor,
) error {
	unlock := m.lock(stream)
	defer unlock()

	current, err := m.repo.Get(ctx, stream)
	if err != nil && !errors.Is(err, ErrCursorNotFound) {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if current != nil && current.State == domain.CursorStatePaused {
		return ErrCursorPaused
	}

	if next == nil {
		if current == nil || latest == nil {
			return nil
		}
		l := *latest
		current.LatestBlock = &l
		if err := m.repo.Save(ctx, current); err != nil {
			return fmt.Errorf("failed to update high-water block: %w", err)
		}
		return nil
	}

	if current != nil && current.Position != nil && next.Less(*current.Position) {
		return fmt.Errorf(
			"%w: stream %s at %s, got %s",
			ErrCursorRegression,
			stream,
			current.Position,
			next,
		)
	}

	if err := m.repo.UpdatePosition(ctx, stream, *next, latest); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	metrics.StreamCursorBlock.WithLabelValues(stream.String()).Set(float64(next.BlockNumber))

	if current != nil && current.State == domain.CursorStateInit {
		if err := m.transition(ctx, stream, current.State, domain.CursorStateScanning, "first batch committed"); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.collector(stream).RecordAdvance(*next, time.Now())
	m.mu.Unlock()

	return nil
}

// Reset forces the cursor position and forgets the high-water block. A nil
// position rewinds to the start of the stream.
func (m *DefaultManager) Reset(ctx context.Context, stream domain.StreamKey, position *domain.Cursor) error {
	unlock := m.lock(stream)
	defer unlock()

	c, err := m.repo.Get(ctx, stream)
	if err != nil {
		if !errors.Is(err, ErrCursorNotFound) {
			return fmt.Errorf("failed to get cursor: %w", err)
		}
		c = &domain.StreamCursor{Stream: stream, State: domain.CursorStateInit}
	}

	c.Position = nil
	c.LatestBlock = nil
	if position != nil {
		pos := *position
		c.Position = &pos
	}
	if err := m.repo.Save(ctx, c); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}

	m.mu.Lock()
	m.collector(stream).Reset()
	m.mu.Unlock()
	return nil
}

// SetState transitions cursor to a new state.
func (m *DefaultManager) SetState(
	ctx context.Context,
	stream domain.StreamKey,
	newState State,
	reason string,
) error {
	unlock := m.lock(stream)
	defer unlock()

	c, err := m.repo.Get(ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	return m.transition(ctx, stream, c.State, newState, reason)
}

func (m *DefaultManager) transition(
	ctx context.Context,
	stream domain.StreamKey,
	from, to State,
	reason string,
) error {
	if !CanTransition(from, to) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			from,
			to,
		)
	}

	t := NewTransition(from, to, reason)

	if err := m.repo.UpdateState(ctx, stream, to); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	m.mu.Lock()
	m.collector(stream).RecordTransition(t)
	callback := m.stateCallback
	m.mu.Unlock()

	if callback != nil {
		callback(stream, t)
	}

	return nil
}

// Pause pauses ingestion of a stream.
func (m *DefaultManager) Pause(ctx context.Context, stream domain.StreamKey, reason string) error {
	return m.SetState(ctx, stream, domain.CursorStatePaused, reason)
}

// Resume resumes ingestion of a stream.
func (m *DefaultManager) Resume(ctx context.Context, stream domain.StreamKey) error {
	c, err := m.repo.Get(ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if c.State != domain.CursorStatePaused {
		return fmt.Errorf("cursor is not paused, current state: %s", c.State)
	}

	return m.SetState(ctx, stream, domain.CursorStateScanning, "manual resume")
}

// GetMetrics returns performance metrics for a stream.
func (m *DefaultManager) GetMetrics(stream domain.StreamKey) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.collectors[stream.String()]; ok {
		return c.GetMetrics()
	}

	return Metrics{}
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(stream domain.StreamKey, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}
