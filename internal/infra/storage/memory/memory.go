package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/infra/storage"
)

type streamID struct {
	chainID  int64
	contract string
}

func idOf(s domain.StreamKey) streamID {
	return streamID{chainID: s.ChainID, contract: s.Contract}
}

type MemoryStorage struct {
	events     map[domain.EventKey]domain.EventEnvelope
	cursors    map[streamID]*domain.StreamCursor
	milestones map[string]*domain.MilestoneExecution
	reports    map[string]*domain.ReconciliationReport
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		events:     make(map[domain.EventKey]domain.EventEnvelope),
		cursors:    make(map[streamID]*domain.StreamCursor),
		milestones: make(map[string]*domain.MilestoneExecution),
		reports:    make(map[string]*domain.ReconciliationReport),
	}
}

// -----------------------------------------------------------------------------
// Event Repository
// -----------------------------------------------------------------------------

type EventRepo struct {
	store *MemoryStorage
}

func NewEventRepo(store *MemoryStorage) *EventRepo {
	return &EventRepo{store: store}
}

func (r *EventRepo) Record(ctx context.Context, event *domain.EventEnvelope) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := event.Key()
	if _, ok := r.store.events[key]; ok {
		return false, nil
	}
	r.store.events[key] = *event
	return true, nil
}

func (r *EventRepo) Get(ctx context.Context, key domain.EventKey) (*domain.EventEnvelope, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	ev, ok := r.store.events[key]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", key, domain.ErrNotFound)
	}
	return &ev, nil
}

func (r *EventRepo) CountByStream(ctx context.Context, stream domain.StreamKey) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, ev := range r.store.events {
		if idOf(ev.Stream) == idOf(stream) {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, stream domain.StreamKey) (*domain.StreamCursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.cursors[idOf(stream)]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	return copyCursor(c), nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.StreamCursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := copyCursor(cursor)
	c.UpdatedAt = time.Now()
	r.store.cursors[idOf(cursor.Stream)] = c
	return nil
}

func (r *CursorRepo) UpdatePosition(
	ctx context.Context,
	stream domain.StreamKey,
	position domain.Cursor,
	latest *domain.BlockAnchor,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.cursors[idOf(stream)]
	if !ok {
		c = &domain.StreamCursor{Stream: stream, State: domain.CursorStateScanning}
		r.store.cursors[idOf(stream)] = c
	}
	pos := position
	c.Position = &pos
	if latest != nil {
		l := *latest
		c.LatestBlock = &l
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CursorRepo) UpdateState(ctx context.Context, stream domain.StreamKey, state domain.CursorState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.cursors[idOf(stream)]
	if !ok {
		return storage.ErrCursorNotFound
	}
	c.State = state
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.StreamCursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.StreamCursor, 0, len(r.store.cursors))
	for _, c := range r.store.cursors {
		out = append(out, copyCursor(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream.String() < out[j].Stream.String() })
	return out, nil
}

func copyCursor(c *domain.StreamCursor) *domain.StreamCursor {
	cp := *c
	if c.Position != nil {
		p := *c.Position
		cp.Position = &p
	}
	if c.LatestBlock != nil {
		l := *c.LatestBlock
		cp.LatestBlock = &l
	}
	return &cp
}

// -----------------------------------------------------------------------------
// Milestone Repository
// -----------------------------------------------------------------------------

type MilestoneRepo struct {
	store *MemoryStorage
}

func NewMilestoneRepo(store *MemoryStorage) *MilestoneRepo {
	return &MilestoneRepo{store: store}
}

func (r *MilestoneRepo) GetByKey(ctx context.Context, key string) (*domain.MilestoneExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.milestones[key]
	if !ok {
		return nil, fmt.Errorf("milestone %s: %w", key, domain.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (r *MilestoneRepo) FindBySource(
	ctx context.Context,
	contestID string,
	chainID int64,
	milestone string,
	txHash string,
	logIndex uint64,
) (*domain.MilestoneExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, m := range r.store.milestones {
		if m.ContestID == contestID && m.ChainID == chainID && m.Milestone == milestone &&
			m.Source.TxHash == txHash && m.Source.LogIndex == logIndex {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("milestone %s for %s:%d: %w", milestone, txHash, logIndex, domain.ErrNotFound)
}

func (r *MilestoneRepo) Create(ctx context.Context, m *domain.MilestoneExecution) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.milestones[m.IdempotencyKey]; ok {
		return false, nil
	}
	cp := *m
	r.store.milestones[m.IdempotencyKey] = &cp
	return true, nil
}

func (r *MilestoneRepo) Save(ctx context.Context, m *domain.MilestoneExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.milestones[m.IdempotencyKey]; !ok {
		return fmt.Errorf("milestone %s: %w", m.IdempotencyKey, domain.ErrNotFound)
	}
	cp := *m
	r.store.milestones[m.IdempotencyKey] = &cp
	return nil
}

// -----------------------------------------------------------------------------
// Report Repository
// -----------------------------------------------------------------------------

type ReportRepo struct {
	store *MemoryStorage
}

func NewReportRepo(store *MemoryStorage) *ReportRepo {
	return &ReportRepo{store: store}
}

func (r *ReportRepo) GetByID(ctx context.Context, reportID string) (*domain.ReconciliationReport, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, rep := range r.store.reports {
		if rep.ReportID == reportID {
			return copyReport(rep), nil
		}
	}
	return nil, fmt.Errorf("report %s: %w", reportID, domain.ErrNotFound)
}

func (r *ReportRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.ReconciliationReport, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rep, ok := r.store.reports[key]
	if !ok {
		return nil, fmt.Errorf("report with key %s: %w", key, domain.ErrNotFound)
	}
	return copyReport(rep), nil
}

func (r *ReportRepo) Create(ctx context.Context, rep *domain.ReconciliationReport) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.reports[rep.IdempotencyKey]; ok {
		return false, nil
	}
	for _, existing := range r.store.reports {
		if existing.ReportID == rep.ReportID || (rep.JobID != "" && existing.JobID == rep.JobID) {
			return false, nil
		}
	}
	r.store.reports[rep.IdempotencyKey] = copyReport(rep)
	return true, nil
}

func (r *ReportRepo) Save(ctx context.Context, rep *domain.ReconciliationReport) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.reports[rep.IdempotencyKey]; !ok {
		return fmt.Errorf("report %s: %w", rep.ReportID, domain.ErrNotFound)
	}
	r.store.reports[rep.IdempotencyKey] = copyReport(rep)
	return nil
}

func copyReport(r *domain.ReconciliationReport) *domain.ReconciliationReport {
	cp := *r
	cp.Differences = append([]domain.Difference(nil), r.Differences...)
	cp.Notifications = append([]domain.Notification(nil), r.Notifications...)
	cp.StatusHistory = append([]domain.StatusChange(nil), r.StatusHistory...)
	return &cp
}
