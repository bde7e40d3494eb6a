package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/contestwatch/internal/core/cursor"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/indexer"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// StatusSource reports the status of one stream pipeline.
type StatusSource interface {
	GetStatus() indexer.Status
}

// CursorMetrics reports in-process cursor metrics per stream.
type CursorMetrics interface {
	GetMetrics(stream domain.StreamKey) cursor.Metrics
}

// QueueSource reports the queue client status.
type QueueSource interface {
	Health() queue.Health
}

// Thresholds are block lags at which a stream degrades or goes critical.
type Thresholds struct {
	DegradedLag int64
	CriticalLag int64
}

// DefaultThresholds returns the default lag thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{DegradedLag: 10, CriticalLag: 100}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	streams    []StatusSource
	queue      QueueSource
	cursors    CursorMetrics
	thresholds Thresholds
	cacheTTL   time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor. queue may be nil.
func NewMonitor(streams []StatusSource, q QueueSource, thresholds Thresholds) *Monitor {
	if thresholds.CriticalLag <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		streams:    streams,
		queue:      q,
		thresholds: thresholds,
		cacheTTL:   10 * time.Second,
	}
}

// WithCursorMetrics adds cursor throughput and state history to every
// stream in the report.
func (m *Monitor) WithCursorMetrics(c CursorMetrics) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors = c
	return m
}

// CheckHealth builds a report, reusing the previous one for cacheTTL.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheTTL {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Streams:      make(map[string]StreamHealth, len(m.streams)),
	}

	for _, src := range m.streams {
		h := m.streamHealth(src.GetStatus())
		report.Streams[h.Stream] = h
		report.SystemStatus = Worse(report.SystemStatus, h.Status)
	}

	if m.queue != nil {
		q := queueHealth(m.queue.Health())
		report.Queue = &q
		report.SystemStatus = Worse(report.SystemStatus, q.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) streamHealth(s indexer.Status) StreamHealth {
	h := StreamHealth{
		Stream:    s.Stream.String(),
		Status:    StatusHealthy,
		State:     string(s.State),
		Running:   s.Running,
		BlockLag:  s.Lag,
		Tip:       s.Tip,
		LastError: s.LastError,
	}
	if s.Position != nil {
		h.Position = s.Position.String()
	}
	if m.cursors != nil {
		h.Cursor = cursorHealth(m.cursors.GetMetrics(s.Stream))
	}

	switch {
	case h.BlockLag > m.thresholds.CriticalLag:
		h.Status = StatusCritical
	case h.BlockLag > m.thresholds.DegradedLag,
		h.LastError != "",
		s.State == domain.CursorStatePaused:
		h.Status = StatusDegraded
	}
	return h
}

func cursorHealth(cm cursor.Metrics) *CursorHealth {
	h := &CursorHealth{
		BlocksPerSecond:  cm.BlocksPerSecond,
		AverageBatchTime: cm.AverageBatchTime.String(),
		LastPausedAt:     cm.LastPausedAt,
	}
	for _, t := range cm.StateHistory {
		h.Transitions = append(h.Transitions, StateTransition{
			From:   string(t.From),
			To:     string(t.To),
			Reason: t.Reason,
			At:     t.Timestamp,
		})
	}
	return h
}

func queueHealth(q queue.Health) QueueHealth {
	h := QueueHealth{State: string(q.Status), LastError: q.LastError}
	switch q.Status {
	case queue.StatusReady:
		h.Status = StatusHealthy
	case queue.StatusError:
		h.Status = StatusCritical
	default:
		h.Status = StatusDegraded
	}
	return h
}
