package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockJobStore struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (m *mockJobStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, olderThan)
	return 2, m.err
}

func (m *mockJobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestPruner_PrunesOnStartAndTick(t *testing.T) {
	store := &mockJobStore{}
	p := NewPruner(store, 24*time.Hour, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 prunes, got %d", store.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls[0] != 24*time.Hour {
		t.Errorf("expected retention passed through, got %s", store.calls[0])
	}
}

func TestPruner_DisabledWithoutRetention(t *testing.T) {
	store := &mockJobStore{}
	p := NewPruner(store, 0, time.Millisecond, nil)

	p.Start(context.Background())
	if store.count() != 0 {
		t.Errorf("disabled pruner should not run, got %d calls", store.count())
	}
}

func TestPruner_ErrorDoesNotStopLoop(t *testing.T) {
	store := &mockJobStore{err: errors.New("redis down")}
	p := NewPruner(store, time.Hour, 0, nil)
	p.prune(context.Background())
	p.prune(context.Background())

	if store.count() != 2 {
		t.Errorf("expected 2 attempts, got %d", store.count())
	}
}

func TestNewPruner_DerivedInterval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{7 * 24 * time.Hour, time.Hour},
		{2 * time.Hour, 12 * time.Minute},
		{time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := NewPruner(&mockJobStore{}, tt.retention, 0, nil).interval; got != tt.want {
			t.Errorf("retention %s: expected interval %s, got %s", tt.retention, tt.want, got)
		}
	}
}
