package domain

import (
	"fmt"
	"slices"
)

// BlockRange is an inclusive block interval. Bounds are encoded as decimal
// strings on the wire.
type BlockRange struct {
	FromBlock uint64 `json:"fromBlock,string"`
	ToBlock   uint64 `json:"toBlock,string"`
}

// String returns the range in "from-to" format.
func (r BlockRange) String() string {
	return fmt.Sprintf("%d-%d", r.FromBlock, r.ToBlock)
}

// Validate rejects inverted ranges.
func (r BlockRange) Validate() error {
	if r.FromBlock > r.ToBlock {
		return NewValidationError("invalid block range %d > %d", r.FromBlock, r.ToBlock)
	}
	return nil
}

// Size returns the number of blocks in the range.
func (r BlockRange) Size() uint64 {
	return r.ToBlock - r.FromBlock + 1
}

// Split splits the range into chunks of at most maxSize blocks.
func (r BlockRange) Split(maxSize uint64) []BlockRange {
	if maxSize == 0 || r.Size() <= maxSize {
		return []BlockRange{r}
	}

	var chunks []BlockRange
	current := r.FromBlock
	for current <= r.ToBlock {
		end := min(current+maxSize-1, r.ToBlock)
		chunks = append(chunks, BlockRange{FromBlock: current, ToBlock: end})
		if end == r.ToBlock {
			break
		}
		current = end + 1
	}
	return chunks
}

// Overlaps reports whether two ranges overlap or are adjacent.
func (r BlockRange) Overlaps(other BlockRange) bool {
	return r.FromBlock <= other.ToBlock+1 && other.FromBlock <= r.ToBlock+1
}

// Merge returns the smallest range covering both.
func (r BlockRange) Merge(other BlockRange) BlockRange {
	return BlockRange{
		FromBlock: min(r.FromBlock, other.FromBlock),
		ToBlock:   max(r.ToBlock, other.ToBlock),
	}
}

// MergeRanges coalesces overlapping and adjacent ranges, sorted by start.
func MergeRanges(ranges []BlockRange) []BlockRange {
	if len(ranges) <= 1 {
		return ranges
	}

	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b BlockRange) int {
		switch {
		case a.FromBlock < b.FromBlock:
			return -1
		case a.FromBlock > b.FromBlock:
			return 1
		}
		return 0
	})

	merged := []BlockRange{sorted[0]}
	for _, current := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.Overlaps(current) {
			*last = last.Merge(current)
		} else {
			merged = append(merged, current)
		}
	}
	return merged
}

// ParseBlockRange parses a "from-to" string.
func ParseBlockRange(s string) (BlockRange, error) {
	var from, to uint64
	if _, err := fmt.Sscanf(s, "%d-%d", &from, &to); err != nil {
		return BlockRange{}, NewValidationError("invalid range format %q", s)
	}
	r := BlockRange{FromBlock: from, ToBlock: to}
	if err := r.Validate(); err != nil {
		return BlockRange{}, err
	}
	return r, nil
}
