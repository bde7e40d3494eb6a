package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/contestwatch/internal/core/cursor"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/indexing/ingest"
	"github.com/vietddude/contestwatch/internal/indexing/source"
	"github.com/vietddude/contestwatch/internal/infra/storage/memory"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// =============================================================================
// Fixture
// =============================================================================

var stream = domain.NewStreamKey("contest-1", 1, "0xc0ffee")

type mockReplays struct {
	mu   sync.Mutex
	reqs []dispatcher.ReplayRequest
	keys []string
	err  error
}

func (m *mockReplays) DispatchReplay(
	ctx context.Context,
	req dispatcher.ReplayRequest,
	opts ...queue.SendOption,
) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	job := &queue.Job{}
	for _, opt := range opts {
		opt(job)
	}
	m.reqs = append(m.reqs, req)
	m.keys = append(m.keys, job.SingletonKey)
	return "job-1", nil
}

type fixture struct {
	src      *source.MemorySource
	events   *memory.EventRepo
	cursors  *cursor.DefaultManager
	replays  *mockReplays
	lease    *LocalLease
	handled  []domain.Cursor
	failNext error
	pipeline *Pipeline
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	f := &fixture{
		src:     source.NewMemorySource(),
		events:  memory.NewEventRepo(store),
		cursors: cursor.NewManager(memory.NewCursorRepo(store)),
		replays: &mockReplays{},
		lease:   NewLocalLease(),
	}

	registry := ingest.NewRegistry(nil)
	registry.Register("Joined", func(ctx context.Context, in ingest.HandlerInput) error {
		if f.failNext != nil {
			err := f.failNext
			f.failNext = nil
			return err
		}
		f.handled = append(f.handled, in.Event.Cursor())
		return nil
	})

	cfg := Config{
		Stream:       stream,
		StartBlock:   10,
		ScanInterval: 10 * time.Millisecond,
		BatchBlocks:  100,
		BatchLimit:   100,
		Source:       f.src,
		Cursor:       f.cursors,
		Writer:       ingest.NewWriter(f.events, f.cursors, registry, nil),
		Replays:      f.replays,
		Lease:        f.lease,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.pipeline = NewPipeline(cfg)
	return f
}

func joined(block, logIndex uint64) domain.EventEnvelope {
	return domain.EventEnvelope{
		Stream:    stream,
		TxHash:    fmt.Sprintf("0x%d-%d", block, logIndex),
		LogIndex:  logIndex,
		EventType: "Joined",
		Block:     domain.BlockAnchor{Number: block, Hash: "0xb"},
	}
}

func (f *fixture) cursor(t *testing.T) *domain.StreamCursor {
	t.Helper()
	c, err := f.cursors.Get(context.Background(), stream)
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	return c
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.events.CountByStream(context.Background(), stream)
	if err != nil {
		t.Fatalf("CountByStream: %v", err)
	}
	return n
}

// =============================================================================
// Ingestion
// =============================================================================

func TestPipeline_IngestsInOrderAndAdvances(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.src.Append(joined(12, 0), joined(10, 1), joined(10, 0), joined(5, 0))
	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	want := []domain.Cursor{{BlockNumber: 10, LogIndex: 0}, {BlockNumber: 10, LogIndex: 1}, {BlockNumber: 12, LogIndex: 0}}
	if len(f.handled) != len(want) {
		t.Fatalf("expected %d handled events (block 5 is before start), got %v", len(want), f.handled)
	}
	for i := range want {
		if f.handled[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], f.handled[i])
		}
	}

	c := f.cursor(t)
	if c.Position == nil || *c.Position != (domain.Cursor{BlockNumber: 12, LogIndex: 0}) {
		t.Errorf("expected cursor at 12:0, got %v", c.Position)
	}
	if c.LatestBlock == nil || c.LatestBlock.Number != 12 {
		t.Errorf("expected high-water block 12, got %v", c.LatestBlock)
	}
	if c.State != domain.CursorStateScanning {
		t.Errorf("expected scanning state, got %s", c.State)
	}

	f.src.Append(joined(13, 0))
	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if f.count(t) != 4 {
		t.Errorf("expected 4 recorded events, got %d", f.count(t))
	}
	if f.cursor(t).Position.BlockNumber != 13 {
		t.Errorf("expected cursor at block 13, got %v", f.cursor(t).Position)
	}
}

func TestPipeline_WaitsForConfirmations(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Confirmations = 5 })
	ctx := context.Background()

	f.src.Append(joined(14, 0), joined(17, 0))
	f.src.SetTip(20)
	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.handled) != 1 || f.handled[0].BlockNumber != 14 {
		t.Errorf("only block 14 is confirmed, handled %v", f.handled)
	}
	if got := f.cursor(t).LatestBlock.Number; got != 15 {
		t.Errorf("expected high-water block 15, got %d", got)
	}

	status := f.pipeline.GetStatus()
	if status.Tip != 20 {
		t.Errorf("expected tip 20 in status, got %d", status.Tip)
	}
}

func TestPipeline_TruncatedBatchResumesInsideBlock(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.BatchLimit = 2 })
	ctx := context.Background()

	f.src.Append(joined(10, 0), joined(10, 1), joined(10, 2), joined(11, 0))

	for i := 0; i < 3; i++ {
		if err := f.pipeline.tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if i == 0 {
			c := f.cursor(t)
			if c.Position == nil || *c.Position != (domain.Cursor{BlockNumber: 10, LogIndex: 1}) {
				t.Fatalf("expected cursor at 10:1 after truncated batch, got %v", c.Position)
			}
			if c.LatestBlock != nil {
				t.Errorf("truncated batch should not record a high-water block, got %v", c.LatestBlock)
			}
		}
	}

	if len(f.handled) != 4 {
		t.Fatalf("expected every event exactly once, got %v", f.handled)
	}
	if f.handled[2] != (domain.Cursor{BlockNumber: 10, LogIndex: 2}) {
		t.Errorf("expected 10:2 third, got %s", f.handled[2])
	}
	if f.count(t) != 4 {
		t.Errorf("expected 4 recorded events, got %d", f.count(t))
	}
}

func TestPipeline_FailedBatchLeavesCursor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.src.Append(joined(10, 0), joined(11, 0))
	f.failNext = errors.New("handler down")

	if err := f.pipeline.tick(ctx); err == nil {
		t.Fatal("expected tick error")
	}
	if c := f.cursor(t); c.Position != nil {
		t.Errorf("cursor must not move on failure, got %v", c.Position)
	}
	if f.pipeline.GetStatus().LastError == "" {
		t.Error("expected last error in status")
	}

	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if len(f.handled) != 2 {
		t.Errorf("retry should handle both events, got %v", f.handled)
	}
	if f.count(t) != 2 {
		t.Errorf("redelivered event must be recorded once, got %d", f.count(t))
	}
	if f.pipeline.GetStatus().LastError != "" {
		t.Error("last error should clear after a good tick")
	}
}

func TestPipeline_SourceErrorReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.src.SetError(errors.New("node down"))

	if err := f.pipeline.tick(context.Background()); err == nil {
		t.Fatal("expected source error")
	}
}

// =============================================================================
// Lag
// =============================================================================

func TestPipeline_LagJumpDispatchesReplay(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.StartBlock = 0
		cfg.ReplayThreshold = 1000
		cfg.MaxReplayWindow = 5000
	})
	ctx := context.Background()

	f.src.Append(joined(42, 0), joined(5050, 0))
	f.src.SetTip(10000)

	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.replays.reqs) != 1 {
		t.Fatalf("expected one replay, got %d", len(f.replays.reqs))
	}
	req := f.replays.reqs[0]
	if req.FromBlock != 0 || req.ToBlock != 4999 {
		t.Errorf("expected window 0-4999, got %d-%d", req.FromBlock, req.ToBlock)
	}
	if req.Reason != dispatcher.ReasonLagSkip || req.Contract != stream.Contract {
		t.Errorf("unexpected replay request %+v", req)
	}
	if want := "replay:" + stream.String() + ":0-4999"; f.replays.keys[0] != want {
		t.Errorf("expected singleton key %q, got %q", want, f.replays.keys[0])
	}

	// Block 42 belongs to the replay; the live batch starts after the window.
	if len(f.handled) != 1 || f.handled[0].BlockNumber != 5050 {
		t.Errorf("expected only block 5050 ingested live, got %v", f.handled)
	}
	if got := f.cursor(t).LatestBlock.Number; got != 5099 {
		t.Errorf("expected high-water block 5099, got %d", got)
	}
}

func TestPipeline_LagJumpSkippedWhenDispatchFails(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.StartBlock = 0
		cfg.ReplayThreshold = 1000
	})
	f.replays.err = errors.New("queue down")
	f.src.Append(joined(42, 0))
	f.src.SetTip(10000)

	if err := f.pipeline.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.handled) != 1 || f.handled[0].BlockNumber != 42 {
		t.Errorf("expected normal batch from block 0, got %v", f.handled)
	}
	if got := f.cursor(t).LatestBlock.Number; got != 99 {
		t.Errorf("expected high-water block 99, got %d", got)
	}
}

func TestPipeline_SmallLagNoJump(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ReplayThreshold = 1000 })
	f.src.SetTip(500)

	if err := f.pipeline.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.replays.reqs) != 0 {
		t.Errorf("expected no replay under threshold, got %v", f.replays.reqs)
	}
	if status := f.pipeline.GetStatus(); status.Lag != 491 {
		t.Errorf("expected lag 491 before the batch, got %d", status.Lag)
	}
}

// =============================================================================
// Coordination
// =============================================================================

func TestPipeline_PausedCursorSkipsTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.cursors.Initialize(ctx, stream, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.cursors.Pause(ctx, stream, "operator"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	f.src.Append(joined(10, 0))

	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.src.Calls() != 0 {
		t.Errorf("paused stream should not fetch, got %d calls", f.src.Calls())
	}
	if f.pipeline.GetStatus().State != domain.CursorStatePaused {
		t.Error("status should report paused")
	}
}

func TestPipeline_LeaseHeldSkipsTick(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	release, ok, _ := f.lease.Acquire(ctx, "stream:"+stream.String(), time.Second)
	if !ok {
		t.Fatal("expected to acquire lease")
	}
	f.src.Append(joined(10, 0))

	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.src.Calls() != 0 {
		t.Errorf("second poller must not fetch, got %d calls", f.src.Calls())
	}

	release()
	if err := f.pipeline.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.handled) != 1 {
		t.Errorf("expected event ingested once the lease is free, got %v", f.handled)
	}
}

func TestPipeline_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	f.src.Append(joined(10, 0))

	done := make(chan error, 1)
	go func() { done <- f.pipeline.Start(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for f.count(t) == 0 {
		select {
		case <-deadline:
			t.Fatal("pipeline never ingested the event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_ = f.pipeline.Stop()
	_ = f.pipeline.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	if f.pipeline.GetStatus().Running {
		t.Error("status should not report running after stop")
	}
}

func TestLocalLease(t *testing.T) {
	l := NewLocalLease()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "a", time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "a", time.Second); ok {
		t.Error("second acquire of a held lease should fail")
	}
	if _, ok, _ := l.Acquire(ctx, "b", time.Second); !ok {
		t.Error("other names are independent")
	}

	release()
	release()
	if _, ok, _ := l.Acquire(ctx, "a", time.Second); !ok {
		t.Error("expected lease free after release")
	}
}
