package sequencer

import "fmt"

// State is a position in the bootstrap state machine.
type State string

const (
	StatePending                  State = "pending"
	StateContextEstablished       State = "context-established"
	StateDependenciesMaterialized State = "dependencies-materialized"
	StateSourceCopied             State = "source-copied"
	StateLogSinkReady             State = "log-sink-ready"
	StatePortDeclared             State = "port-declared"
	StateRunning                  State = "running"
	StateBuildFailed              State = "build-failed"
)

// successor maps each state to the one its stage leads to.
var successor = map[State]State{
	StatePending:                  StateContextEstablished,
	StateContextEstablished:       StateDependenciesMaterialized,
	StateDependenciesMaterialized: StateSourceCopied,
	StateSourceCopied:             StateLogSinkReady,
	StateLogSinkReady:             StatePortDeclared,
	StatePortDeclared:             StateRunning,
}

// failable holds the states whose next stage may fail the build. Port
// declaration cannot fail, and launch failures surface as an exit code.
var failable = map[State]bool{
	StatePending:                  true,
	StateContextEstablished:       true,
	StateDependenciesMaterialized: true,
	StateSourceCopied:             true,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateRunning || s == StateBuildFailed
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	if to == StateBuildFailed {
		return failable[from]
	}
	next, ok := successor[from]
	return ok && next == to
}

// Transition validates from → to and returns to.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
