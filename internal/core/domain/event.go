package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// BlockAnchor pins an event to the block it was emitted in.
type BlockAnchor struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// EventEnvelope is a single on-chain log emitted by a contest contract.
type EventEnvelope struct {
	Stream    StreamKey       `json:"stream"`
	TxHash    string          `json:"txHash"`
	LogIndex  uint64          `json:"logIndex"`
	EventType string          `json:"eventType"`
	Block     BlockAnchor     `json:"block"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Cursor returns the event's own position in its stream.
func (e EventEnvelope) Cursor() Cursor {
	return Cursor{BlockNumber: e.Block.Number, LogIndex: e.LogIndex}
}

// Key returns the natural idempotency key of the event.
func (e EventEnvelope) Key() EventKey {
	return EventKey{ChainID: e.Stream.ChainID, TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// EventKey is globally unique per on-chain log: (chain id, tx hash, log index).
type EventKey struct {
	ChainID  int64
	TxHash   string
	LogIndex uint64
}

func (k EventKey) String() string {
	return fmt.Sprintf("%d:%s:%d", k.ChainID, k.TxHash, k.LogIndex)
}
