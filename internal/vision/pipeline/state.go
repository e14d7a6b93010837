package pipeline

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	WarmingUp
	Running
	Error
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Initializing:  "initializing",
	Ready:         "ready",
	WarmingUp:     "warming_up",
	Running:       "running",
	Error:         "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", b)
}

// StateNames lists every state name in order.
func StateNames() []string {
	out := make([]string, len(stateNames))
	copy(out, stateNames[:])
	return out
}

// acceptsFrames reports whether SubmitFrame does any work in s.
func (s State) acceptsFrames() bool {
	return s == Ready || s == Running
}

// ErrInvalidState is returned when an operation is not allowed from the
// current state.
var ErrInvalidState = errors.New("invalid pipeline state")

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, s)
}
