package indexer

import (
	"testing"
	"time"
)

func TestComputeInterval(t *testing.T) {
	cfg := Config{ScanInterval: 10 * time.Second, BatchBlocks: 100}
	cfg.applyDefaults()

	tests := []struct {
		lag  int64
		want time.Duration
	}{
		{lag: -3, want: 10 * time.Second},
		{lag: 0, want: 10 * time.Second},
		{lag: 50, want: 5 * time.Second},
		{lag: 500, want: 2 * time.Second},
		{lag: 5000, want: time.Second},
	}
	for _, tt := range tests {
		if got := cfg.computeInterval(tt.lag); got != tt.want {
			t.Errorf("computeInterval(%d) = %v, want %v", tt.lag, got, tt.want)
		}
	}
}

func TestComputeInterval_Bounds(t *testing.T) {
	cfg := Config{ScanInterval: time.Second, MinScanInterval: 800 * time.Millisecond, BatchBlocks: 10}
	cfg.applyDefaults()

	if got := cfg.computeInterval(5); got != 800*time.Millisecond {
		t.Errorf("expected half interval clamped to minimum, got %v", got)
	}
	if got := cfg.computeInterval(50); got != time.Second {
		t.Errorf("expected double minimum clamped to scan interval, got %v", got)
	}

	cfg = Config{ScanInterval: time.Second, MinScanInterval: 5 * time.Second}
	cfg.applyDefaults()
	if cfg.MinScanInterval != 100*time.Millisecond {
		t.Errorf("expected minimum above scan interval to reset, got %v", cfg.MinScanInterval)
	}
}
