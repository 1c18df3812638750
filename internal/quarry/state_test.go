package quarry_test

import (
	"errors"
	"testing"

	"quarry-go/internal/quarry"
)

var allStates = []quarry.State{
	quarry.StateNone, quarry.StateInitializing, quarry.StateReady,
	quarry.StateScanning, quarry.StateUpdating, quarry.StateCommitting,
	quarry.StateDeleting, quarry.StateInvalid, quarry.StateConflict,
	quarry.StateDeleted,
}

func TestStateCanTransition(t *testing.T) {
	allowed := map[quarry.State][]quarry.State{
		quarry.StateNone:         {quarry.StateInitializing},
		quarry.StateInitializing: {quarry.StateReady, quarry.StateInvalid},
		quarry.StateReady:        {quarry.StateScanning, quarry.StateUpdating, quarry.StateCommitting, quarry.StateDeleting},
		quarry.StateScanning:     {quarry.StateReady},
		quarry.StateUpdating:     {quarry.StateReady, quarry.StateInvalid},
		quarry.StateCommitting:   {quarry.StateReady, quarry.StateConflict},
		quarry.StateDeleting:     {quarry.StateDeleted, quarry.StateInvalid},
		quarry.StateInvalid:      {quarry.StateUpdating, quarry.StateDeleting},
		quarry.StateConflict:     {quarry.StateUpdating, quarry.StateDeleting},
		quarry.StateDeleted:      {},
	}

	isAllowed := func(from, to quarry.State) bool {
		for _, next := range allowed[from] {
			if next == to {
				return true
			}
		}
		return false
	}

	// Check every (from, to) pair, self transitions included.
	for _, from := range allStates {
		for _, to := range allStates {
			got := from.CanTransition(to)
			want := isAllowed(from, to)
			if got != want {
				t.Errorf("%q.CanTransition(%q) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, state := range allStates {
		want := state == quarry.StateDeleted
		if got := state.Terminal(); got != want {
			t.Errorf("%q.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestStateCanChangeMetadata(t *testing.T) {
	writable := map[quarry.State]bool{
		quarry.StateReady:    true,
		quarry.StateConflict: true,
	}
	for _, state := range allStates {
		if got := state.CanChangeMetadata(); got != writable[state] {
			t.Errorf("%q.CanChangeMetadata() = %v, want %v", state, got, writable[state])
		}
	}
}

func TestWorkspaceSetState(t *testing.T) {
	t.Run("valid transition updates the state", func(t *testing.T) {
		ws := &quarry.Workspace{State: quarry.StateReady}
		if err := ws.SetState(quarry.StateCommitting); err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
		if ws.State != quarry.StateCommitting {
			t.Errorf("state = %q, want %q", ws.State, quarry.StateCommitting)
		}
	})

	t.Run("invalid transition leaves the state unchanged", func(t *testing.T) {
		ws := &quarry.Workspace{State: quarry.StateReady}
		err := ws.SetState(quarry.StateDeleted)
		if !errors.Is(err, quarry.ErrInvalidTransition) {
			t.Fatalf("SetState() error = %v, want ErrInvalidTransition", err)
		}
		if ws.State != quarry.StateReady {
			t.Errorf("state = %q, want %q", ws.State, quarry.StateReady)
		}
	})

	t.Run("self transition is rejected", func(t *testing.T) {
		ws := &quarry.Workspace{State: quarry.StateReady}
		if err := ws.SetState(quarry.StateReady); !errors.Is(err, quarry.ErrInvalidTransition) {
			t.Fatalf("SetState() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("deleted is terminal", func(t *testing.T) {
		ws := &quarry.Workspace{State: quarry.StateDeleted}
		for _, next := range allStates {
			if err := ws.SetState(next); !errors.Is(err, quarry.ErrInvalidTransition) {
				t.Errorf("SetState(%q) error = %v, want ErrInvalidTransition", next, err)
			}
		}
	})

	t.Run("conflict recovers through updating", func(t *testing.T) {
		ws := &quarry.Workspace{State: quarry.StateConflict}
		if err := ws.SetState(quarry.StateUpdating); err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
		if err := ws.SetState(quarry.StateReady); err != nil {
			t.Fatalf("SetState() error = %v", err)
		}
	})
}
