package timer

import "github.com/Proton-105/fuel-control/internal/domain"

// validTransitions contains the permitted timer transitions. Stop (any state
// back to idle) is handled separately because it must stay idempotent.
var validTransitions = map[domain.TimerStatus][]domain.TimerStatus{
	domain.TimerIdle: {
		domain.TimerRunning,
	},
	domain.TimerRunning: {
		domain.TimerPaused,
		domain.TimerIdle,
	},
	domain.TimerPaused: {
		domain.TimerRunning,
		domain.TimerIdle,
	},
}

// IsTransitionAllowed reports whether moving from one timer status to another is valid.
func IsTransitionAllowed(from, to domain.TimerStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, status := range allowed {
		if status == to {
			return true
		}
	}

	return false
}
