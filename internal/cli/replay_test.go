package cli

import (
	"testing"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

func TestParseRanges(t *testing.T) {
	got, err := parseRanges([]string{"300-310", "100-200", "150-250"})
	if err != nil {
		t.Fatalf("parseRanges: %v", err)
	}
	want := []domain.BlockRange{{FromBlock: 100, ToBlock: 250}, {FromBlock: 300, ToBlock: 310}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	if _, err := parseRanges([]string{"200-100"}); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := parseRanges([]string{"abc"}); err == nil {
		t.Error("expected error for malformed range")
	}
}

func TestResumePosition(t *testing.T) {
	if resumePosition(0) != nil {
		t.Error("expected nil position for block 0")
	}
	p := resumePosition(500)
	if p == nil || p.BlockNumber != 499 {
		t.Fatalf("expected end of block 499, got %v", p)
	}
	if !domain.EndOfBlock(499).Less(domain.Cursor{BlockNumber: 500}) {
		t.Error("expected end of block 499 before block 500")
	}
}
