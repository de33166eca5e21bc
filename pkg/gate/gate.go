// Package gate is the settlement period lifecycle. Release of funds is only
// possible from READY_RPT, which is only reachable through a passing
// reconciliation or an explicit manual override.
package gate

import (
	"errors"
	"fmt"
)

// State is a period lifecycle state.
type State string

const (
	StateOpen               State = "OPEN"
	StateClosing            State = "CLOSING"
	StateReadyRPT           State = "READY_RPT"
	StateBlockedDiscrepancy State = "BLOCKED_DISCREPANCY"
	StateBlockedAnomaly     State = "BLOCKED_ANOMALY"
	StateReleased           State = "RELEASED"
	StateFinalized          State = "FINALIZED"
)

// Event drives a transition.
type Event string

const (
	EventClose           Event = "CLOSE"
	EventPass            Event = "PASS"
	EventFailDiscrepancy Event = "FAIL_DISCREPANCY"
	EventFailAnomaly     Event = "FAIL_ANOMALY"
	EventRemediated      Event = "REMEDIATED"
	EventRetry           Event = "RETRY"
	EventManualOverride  Event = "MANUAL_OVERRIDE"
	EventRelease         Event = "RELEASE"
	EventFinalize        Event = "FINALIZE"
)

var (
	ErrInvalidTransition = errors.New("gate: invalid transition")
	ErrConflict          = errors.New("gate: period modified concurrently")
	ErrNotFound          = errors.New("gate: period not found")
	ErrFinalized         = errors.New("gate: period finalized")
)

// TransitionError names the rejected (state, event) pair.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s on %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[State]map[Event]State{
	StateOpen: {
		EventClose: StateClosing,
	},
	StateClosing: {
		EventPass:            StateReadyRPT,
		EventFailDiscrepancy: StateBlockedDiscrepancy,
		EventFailAnomaly:     StateBlockedAnomaly,
	},
	StateBlockedDiscrepancy: {
		EventRemediated: StateClosing,
	},
	StateBlockedAnomaly: {
		EventRetry:          StateClosing,
		EventManualOverride: StateReadyRPT,
	},
	StateReadyRPT: {
		EventRelease: StateReleased,
	},
	StateReleased: {
		EventFinalize: StateFinalized,
	},
}

// Next returns the state reached by ev from from. Any pair outside the
// transition table fails with a *TransitionError.
func Next(from State, ev Event) (State, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", &TransitionError{From: from, Event: ev}
}

// States lists every state.
func States() []State {
	return []State{StateOpen, StateClosing, StateReadyRPT, StateBlockedDiscrepancy, StateBlockedAnomaly, StateReleased, StateFinalized}
}

// Events lists every event.
func Events() []Event {
	return []Event{EventClose, EventPass, EventFailDiscrepancy, EventFailAnomaly, EventRemediated, EventRetry, EventManualOverride, EventRelease, EventFinalize}
}

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, error) {
	for _, ev := range Events() {
		if string(ev) == s {
			return ev, nil
		}
	}
	return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, s)
}
