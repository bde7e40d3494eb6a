package domain

import (
	"fmt"
	"strings"
)

// StreamKey identifies one ingestion unit: the events of a single contract
// deployed for a contest on a given chain.
type StreamKey struct {
	ContestID string `json:"contestId"       db:"contest_id"`
	ChainID   int64  `json:"chainId"         db:"chain_id"`
	Contract  string `json:"contractAddress" db:"contract_address"`
}

// NewStreamKey builds a StreamKey with a normalized contract address.
func NewStreamKey(contestID string, chainID int64, contract string) StreamKey {
	return StreamKey{
		ContestID: contestID,
		ChainID:   chainID,
		Contract:  strings.ToLower(contract),
	}
}

// String returns the "contest:chain:address" form used in logs and lock keys.
func (s StreamKey) String() string {
	return fmt.Sprintf("%s:%d:%s", s.ContestID, s.ChainID, s.Contract)
}

// Validate checks the key has every component set.
func (s StreamKey) Validate() error {
	if s.ContestID == "" {
		return NewValidationError("stream contest id is required")
	}
	if s.ChainID <= 0 {
		return NewValidationError("stream chain id must be positive, got %d", s.ChainID)
	}
	if s.Contract == "" {
		return NewValidationError("stream contract address is required")
	}
	return nil
}
