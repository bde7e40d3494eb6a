package cursor

import (
	"errors"
	"slices"
	"time"

	"github.com/vietddude/contestwatch/internal/core/domain"
)

// State is an alias for domain.CursorState for internal use.
type State = domain.CursorState

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	domain.CursorStateInit:     {domain.CursorStateScanning, domain.CursorStatePaused},
	domain.CursorStateScanning: {domain.CursorStatePaused},
	domain.CursorStatePaused:   {domain.CursorStateScanning},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.CursorStateInit:
		return "Initializing - cursor created, no batch committed yet"
	case domain.CursorStateScanning:
		return "Scanning - polling and ingesting new events"
	case domain.CursorStatePaused:
		return "Paused - stopped by operator"
	default:
		return "Unknown state"
	}
}
