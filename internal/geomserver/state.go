package geomserver

import "fmt"

// State is the position of a session in its protocol lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateUploading
	StatePulling
	StateClosed
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateHandshaking:   "handshaking",
	StateReady:         "ready",
	StateUploading:     "uploading",
	StatePulling:       "pulling",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Closed is reachable from every state and leads nowhere.
var allowedTransitions = map[State]map[State]struct{}{
	StateUninitialized: {
		StateHandshaking: {},
		StateClosed:      {},
	},
	StateHandshaking: {
		StateReady:  {},
		StateClosed: {},
	},
	StateReady: {
		StateUploading: {},
		StateClosed:    {},
	},
	StateUploading: {
		StatePulling: {},
		StateReady:   {},
		StateClosed:  {},
	},
	StatePulling: {
		StatePulling:   {},
		StateReady:     {},
		StateUploading: {},
		StateClosed:    {},
	},
}

// TransitionError is returned for a disallowed state change. It matches
// ErrInvalidState.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("geomserver: cannot move session from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}

// CanTransition reports whether a session in from may move to to.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
