package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/contestwatch/internal/admin/milestone"
	"github.com/vietddude/contestwatch/internal/core/config"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/health"
	"github.com/vietddude/contestwatch/internal/indexing/source"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
)

const testConfig = `
queue:
  retry_delay: 10ms
  workers:
    indexer.replay:     {poll_interval: 10ms}
    indexer.reconcile:  {poll_interval: 10ms}
    indexer.milestone:  {poll_interval: 10ms}
indexer:
  scan_interval: 20ms
chains:
  - id: 137
    rpc_url: http://127.0.0.1:1
streams:
  - contest_id: spring-cup
    chain_id: 137
    contract: "0xC0FFEE"
    start_block: 100
handlers:
  - event_type: Settled
    milestone: payout
`

var stream = domain.NewStreamKey("spring-cup", 137, "0xc0ffee")

func settled(block, logIndex uint64) domain.EventEnvelope {
	return domain.EventEnvelope{
		Stream:    stream,
		TxHash:    fmt.Sprintf("0x%064x", block*100+logIndex),
		LogIndex:  logIndex,
		EventType: "Settled",
		Block:     domain.BlockAnchor{Number: block, Hash: "0xb"},
	}
}

func newTestWatcher(t *testing.T, src *source.MemorySource, executed *atomic.Int32) *Watcher {
	t.Helper()
	app, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	w, err := NewWatcher(context.Background(), Config{
		App:            app,
		Sources:        map[int64]source.Source{137: src},
		DisableServers: true,
		Executor: milestone.ExecutorFunc(func(ctx context.Context, req dispatcher.MilestoneRequest) error {
			executed.Add(1)
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func run(t *testing.T, w *Watcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestWatcher_Wiring(t *testing.T) {
	var executed atomic.Int32
	w := newTestWatcher(t, source.NewMemorySource(), &executed)

	if len(w.Pipelines()) != 1 {
		t.Fatalf("expected 1 pipeline, got %d", len(w.Pipelines()))
	}
	if got := w.Pipelines()[0].GetStatus().Stream; got != stream {
		t.Errorf("expected pipeline for %s, got %s", stream, got)
	}
	if _, err := w.Sources.For(137); err != nil {
		t.Errorf("expected source for chain 137: %v", err)
	}
}

func TestWatcher_EventToMilestone(t *testing.T) {
	src := source.NewMemorySource()
	var executed atomic.Int32
	w := newTestWatcher(t, src, &executed)

	ev := settled(105, 3)
	src.Append(ev)

	stop := run(t, w)
	defer stop()

	key := milestone.IdempotencyKey("spring-cup", 137, "payout", ev.TxHash, 3)
	eventually(t, "milestone completion", func() bool {
		m, err := w.Milestones.Get(context.Background(), key)
		return err == nil && m.Status == domain.MilestoneStatusCompleted
	})

	if executed.Load() != 1 {
		t.Errorf("expected one execution, got %d", executed.Load())
	}

	c, err := w.Cursors.Get(context.Background(), stream)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if c.Position == nil || c.Position.BlockNumber != 105 {
		t.Errorf("expected cursor at block 105, got %v", c.Position)
	}

	report := w.Health(context.Background())
	if report.Queue == nil || report.Queue.State != "ready" {
		t.Errorf("expected ready queue in health report, got %+v", report.Queue)
	}
}

func TestWatcher_OperatorReplayFilesReport(t *testing.T) {
	src := source.NewMemorySource()
	var executed atomic.Int32
	w := newTestWatcher(t, src, &executed)

	// Block 50 is before the stream's start block, so only a replay sees it.
	src.Append(settled(50, 0), settled(120, 0))

	stop := run(t, w)
	defer stop()

	eventually(t, "live ingestion", func() bool {
		n, _ := w.Stores.Events.CountByStream(context.Background(), stream)
		return n == 1
	})

	_, err := w.Dispatcher.DispatchReplay(context.Background(), dispatcher.ReplayRequest{
		ContestID:   "spring-cup",
		ChainID:     137,
		FromBlock:   40,
		ToBlock:     130,
		Reason:      dispatcher.ReasonOperator,
		RequestedBy: "test",
	})
	if err != nil {
		t.Fatalf("DispatchReplay: %v", err)
	}

	reportKey := fmt.Sprintf("reconcile:%s:40-130", stream)
	reportID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(reportKey)).String()

	var report *domain.ReconciliationReport
	eventually(t, "reconciliation report", func() bool {
		report, err = w.Reports.Get(context.Background(), reportID)
		return err == nil
	})

	if report.Status != domain.ReportStatusNeedsAttention {
		t.Errorf("expected needs_attention, got %s", report.Status)
	}
	if len(report.Differences) != 1 || report.Differences[0].Expected != "2" || report.Differences[0].Actual != "1" {
		t.Errorf("unexpected differences %+v", report.Differences)
	}

	eventually(t, "both milestones", func() bool { return executed.Load() == 2 })
}

func TestWatcher_PausedStreamInHealth(t *testing.T) {
	src := source.NewMemorySource()
	var executed atomic.Int32
	w := newTestWatcher(t, src, &executed)
	src.Append(settled(120, 0))

	stop := run(t, w)
	defer stop()

	ctx := context.Background()
	eventually(t, "live ingestion", func() bool {
		n, _ := w.Stores.Events.CountByStream(ctx, stream)
		return n == 1
	})

	if err := w.Cursors.Pause(ctx, stream, "maintenance"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	eventually(t, "pipeline to observe the pause", func() bool {
		return w.Pipelines()[0].GetStatus().State == domain.CursorStatePaused
	})

	report := w.Health(ctx)
	h := report.Streams[stream.String()]
	if h.Status != health.StatusDegraded {
		t.Errorf("paused stream should be degraded, got %s", h.Status)
	}
	if h.Cursor == nil || h.Cursor.LastPausedAt == nil {
		t.Fatalf("expected cursor metrics with pause time, got %+v", h.Cursor)
	}
	last := h.Cursor.Transitions[len(h.Cursor.Transitions)-1]
	if last.To != string(domain.CursorStatePaused) || last.Reason != "maintenance" {
		t.Errorf("unexpected last transition %+v", last)
	}
}
