package relay

import (
	"fmt"
	"time"
)

// State is a channel session's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateStreaming
	StateBuffering
	StateFailingOver
	StateDead
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiring:
		return "ACQUIRING"
	case StateStreaming:
		return "STREAMING"
	case StateBuffering:
		return "BUFFERING"
	case StateFailingOver:
		return "FAILING_OVER"
	case StateDead:
		return "DEAD"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateShuttingDown; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Terminal reports whether the session no longer accepts clients.
func (s State) Terminal() bool {
	return s == StateDead || s == StateShuttingDown
}

// Active reports whether an upstream handle is delivering.
func (s State) Active() bool {
	return s == StateStreaming || s == StateBuffering
}

// Transition is one entry in a session's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// maxHistory bounds the transitions kept per session.
const maxHistory = 64
