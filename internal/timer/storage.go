package timer

import (
	"context"

	"github.com/Proton-105/fuel-control/internal/domain"
)

// Storage defines the persistence contract for authoritative pilot timer rows.
type Storage interface {
	// Load returns the stored timer row for the specified pilot.
	Load(ctx context.Context, pilotID domain.PilotID) (*domain.PilotTimerState, error)
	// LoadAll returns the timer rows for every pilot that has one.
	LoadAll(ctx context.Context) ([]*domain.PilotTimerState, error)
	// Save writes the provided timer row.
	Save(ctx context.Context, state *domain.PilotTimerState) error
}
