// Package domain defines the core types of the fuel-control economy.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PilotID identifies one of the two fixed pilot accounts.
type PilotID string

const (
	PilotRoma   PilotID = "roma"
	PilotKirill PilotID = "kirill"
)

// Pilots lists every known pilot. The roster is fixed configuration, not data.
var Pilots = []PilotID{PilotRoma, PilotKirill}

// IsKnownPilot reports whether id belongs to the fixed roster.
func IsKnownPilot(id PilotID) bool {
	for _, p := range Pilots {
		if p == id {
			return true
		}
	}
	return false
}

// Mode is the activity selected at session start. It is pinned until Stop.
type Mode string

const (
	ModeGame          Mode = "game"
	ModeVideoCasual   Mode = "video-casual"
	ModeVideoApproved Mode = "video-approved"
)

// IsVideo reports whether the mode is billed under the video tariff.
func (m Mode) IsVideo() bool {
	return m == ModeVideoCasual || m == ModeVideoApproved
}

// Valid reports whether the mode is one of the three known activities.
func (m Mode) Valid() bool {
	return m == ModeGame || m.IsVideo()
}

// BurnReason returns the ledger description used for debits in this mode.
func (m Mode) BurnReason() string {
	switch m {
	case ModeGame:
		return "Игровое время"
	case ModeVideoCasual:
		return "Просмотр видео"
	case ModeVideoApproved:
		return "Полезное видео"
	default:
		return "Списание топлива"
	}
}

// TimerStatus is the lifecycle state of a pilot's engine session.
type TimerStatus string

const (
	TimerIdle    TimerStatus = "idle"
	TimerRunning TimerStatus = "running"
	TimerPaused  TimerStatus = "paused"
)

// Profile is a pilot's account of record. Balance holds fractional credits
// exactly; only display flooring happens at the edges.
type Profile struct {
	ID        PilotID         `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WholeCredits floors the balance for display.
func (p Profile) WholeCredits() int64 {
	return p.Balance.IntPart()
}

// LedgerEntry is an immutable balance change record. Positive amounts credit
// the pilot, negative amounts debit. Entries are never mutated; Undo removes
// the row and restores the delta in one operation.
type LedgerEntry struct {
	ID          string          `json:"id"`
	PilotID     PilotID         `json:"pilot_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PilotTimerState is the authoritative timer row shared by every client.
// Invariant: StartedAt is non-nil iff Status == TimerRunning.
// SecondsAccumulatedToday is a frozen snapshot as of the last segment
// boundary (pause or per-minute flush); it only ever grows.
type PilotTimerState struct {
	PilotID                 PilotID         `json:"pilot_id"`
	Status                  TimerStatus     `json:"status"`
	Mode                    Mode            `json:"mode,omitempty"`
	SecondsAccumulatedToday int64           `json:"seconds_accumulated_today"`
	StartedAt               *time.Time      `json:"started_at,omitempty"`
	SessionBalanceAtStart   int64           `json:"session_balance_at_start"`
	LastDeductedMinute      int64           `json:"last_deducted_minute"`
	BurnedThisSession       decimal.Decimal `json:"burned_this_session"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// ElapsedSeconds derives displayable elapsed time from the authoritative
// fields at the given instant. It is side-effect free and never trusts a
// locally counted interval.
func (s PilotTimerState) ElapsedSeconds(now time.Time) int64 {
	elapsed := s.SecondsAccumulatedToday
	if s.Status == TimerRunning && s.StartedAt != nil {
		if delta := int64(now.Sub(*s.StartedAt).Seconds()); delta > 0 {
			elapsed += delta
		}
	}
	return elapsed
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (s PilotTimerState) Clone() PilotTimerState {
	out := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	return out
}
