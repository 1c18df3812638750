package quarry

import "fmt"

// State is the lifecycle state of a workspace.
type State string

const (
	StateNone         State = ""
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateScanning     State = "SCANNING"
	StateUpdating     State = "UPDATING"
	StateCommitting   State = "COMMITTING"
	StateDeleting     State = "DELETING"
	StateInvalid      State = "INVALID"
	StateConflict     State = "CONFLICT"
	StateDeleted      State = "DELETED"
)

// transitions is the complete table of legal state changes. Any edge not
// listed here fails with ErrInvalidTransition. DELETED is terminal.
var transitions = map[State][]State{
	StateNone:         {StateInitializing},
	StateInitializing: {StateReady, StateInvalid},
	StateReady:        {StateScanning, StateUpdating, StateCommitting, StateDeleting},
	StateScanning:     {StateReady},
	StateUpdating:     {StateReady, StateInvalid},
	StateCommitting:   {StateReady, StateConflict},
	StateDeleting:     {StateDeleted, StateInvalid},
	StateInvalid:      {StateUpdating, StateDeleting},
	StateConflict:     {StateUpdating, StateDeleting},
	StateDeleted:      {},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// CanChangeMetadata reports whether a workspace in this state accepts
// metadata and file mutations.
func (s State) CanChangeMetadata() bool {
	return s == StateReady || s == StateConflict
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// SetState moves the workspace to the given state, enforcing the transition
// table. This is the only place workspace state may change; every component
// must go through it before persisting the workspace.
func (w *Workspace) SetState(next State) error {
	if !w.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, next)
	}
	w.State = next
	return nil
}
