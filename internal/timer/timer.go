// Package timer manages the per-pilot engine timer state machines.
package timer

import (
	"errors"
)

var (
	// ErrInvalidTransition indicates that a requested timer transition is not allowed.
	ErrInvalidTransition = errors.New("invalid timer transition")
	// ErrStateNotFound indicates that a pilot timer row does not exist.
	ErrStateNotFound = errors.New("pilot timer state not found")
	// ErrUnknownPilot indicates an identifier outside the fixed roster.
	ErrUnknownPilot = errors.New("unknown pilot")
	// ErrActionInFlight indicates a start/pause/resume arrived while the
	// previous action for the same pilot had not settled. Callers drop it
	// silently per the debounce rule.
	ErrActionInFlight = errors.New("timer action already in flight")
	// ErrInvalidMode indicates an unrecognized activity mode at session start.
	ErrInvalidMode = errors.New("invalid session mode")
)

var transitionRecorder = func(pilot, from, to string) {}

// RegisterTransitionRecorder allows external packages to observe timer transitions.
func RegisterTransitionRecorder(recorder func(pilot, from, to string)) {
	if recorder == nil {
		transitionRecorder = func(string, string, string) {}
		return
	}

	transitionRecorder = recorder
}
