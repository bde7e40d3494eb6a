package cursor

import (
	"time"
)

// advanceRecord holds timing data for a committed cursor move.
type advanceRecord struct {
	Position    Cursor
	CommittedAt time.Time
}

// Metrics holds cursor performance data.
type Metrics struct {
	BlocksPerSecond  float64
	AverageBatchTime time.Duration
	LastPausedAt     *time.Time
	StateHistory     []Transition
}

// MetricsCollector tracks cursor performance over time.
type MetricsCollector struct {
	windowSize   int             // number of advances to track
	advances     []advanceRecord // sliding window of advances
	transitions  []Transition    // recent state changes
	lastPausedAt *time.Time
}

// RecordAdvance records a committed cursor move.
func (mc *MetricsCollector) RecordAdvance(position Cursor, committedAt time.Time) {
	record := advanceRecord{Position: position, CommittedAt: committedAt}

	if len(mc.advances) >= mc.windowSize {
		copy(mc.advances, mc.advances[1:])
		mc.advances[len(mc.advances)-1] = record
	} else {
		mc.advances = append(mc.advances, record)
	}
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	// Keep only last 10 transitions
	if len(mc.transitions) >= 10 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}

	if t.To == StatePaused {
		at := t.Timestamp
		mc.lastPausedAt = &at
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastPausedAt: mc.lastPausedAt,
		StateHistory: make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if len(mc.advances) >= 2 {
		first := mc.advances[0]
		last := mc.advances[len(mc.advances)-1]
		duration := last.CommittedAt.Sub(first.CommittedAt)

		if duration > 0 {
			blocks := float64(last.Position.BlockNumber - first.Position.BlockNumber)
			m.BlocksPerSecond = blocks / duration.Seconds()
			m.AverageBatchTime = time.Duration(float64(duration) / float64(len(mc.advances)-1))
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.advances = mc.advances[:0]
	mc.transitions = mc.transitions[:0]
	mc.lastPausedAt = nil
}
