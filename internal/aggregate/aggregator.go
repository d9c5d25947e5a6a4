// Package aggregate tracks per-day, per-pilot, per-mode screen-time minutes.
// The current date's buckets feed the tariff tiers; older buckets exist only
// for display/history and are eventually pruned.
package aggregate

import (
	"sync"

	"github.com/Proton-105/fuel-control/internal/domain"
	"github.com/Proton-105/fuel-control/pkg/clock"
)

const dateLayout = "2006-01-02"

type bucketKey struct {
	date  string
	pilot domain.PilotID
	mode  domain.Mode
}

// Breakdown groups today's committed minutes the way the dashboard renders
// them: games on one row, both video modes merged on the other.
type Breakdown struct {
	Game  map[domain.PilotID]int64 `json:"game"`
	Video map[domain.PilotID]int64 `json:"video"`
}

// Aggregator owns the minute buckets. All methods are safe for concurrent
// use; rollover to a new calendar day is implicit because "today" is always
// resolved through the clock at call time and a fresh date key starts at
// zero.
type Aggregator struct {
	mu       sync.Mutex
	minutes  map[bucketKey]int64
	lifetime map[domain.PilotID]map[domain.Mode]int64
	clk      clock.Clock
}

// New creates an empty Aggregator using the provided clock.
func New(clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}

	return &Aggregator{
		minutes:  make(map[bucketKey]int64),
		lifetime: make(map[domain.PilotID]map[domain.Mode]int64),
		clk:      clk,
	}
}

// AddMinutes increments today's and the lifetime counters. Buckets are
// created lazily and only ever grow.
func (a *Aggregator) AddMinutes(pilotID domain.PilotID, mode domain.Mode, count int64) {
	if count <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey{date: a.today(), pilot: pilotID, mode: mode}
	a.minutes[key] += count

	perMode, ok := a.lifetime[pilotID]
	if !ok {
		perMode = make(map[domain.Mode]int64)
		a.lifetime[pilotID] = perMode
	}
	perMode[mode] += count
}

// TotalMinutesToday returns today's committed minutes for the pilot and mode.
// Only the current date key is ever consulted, so yesterday's totals can
// never leak into a tier calculation.
func (a *Aggregator) TotalMinutesToday(pilotID domain.PilotID, mode domain.Mode) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.minutes[bucketKey{date: a.today(), pilot: pilotID, mode: mode}]
}

// LifetimeMinutes returns the all-time counter for the pilot and mode.
func (a *Aggregator) LifetimeMinutes(pilotID domain.PilotID, mode domain.Mode) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lifetime[pilotID][mode]
}

// BreakdownToday returns today's committed minutes grouped for display.
// In-flight running-session minutes are merged in by the control center,
// which owns the elapsed-time derivation.
func (a *Aggregator) BreakdownToday() Breakdown {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Breakdown{
		Game:  make(map[domain.PilotID]int64, len(domain.Pilots)),
		Video: make(map[domain.PilotID]int64, len(domain.Pilots)),
	}

	today := a.today()
	for _, pilot := range domain.Pilots {
		out.Game[pilot] = a.minutes[bucketKey{date: today, pilot: pilot, mode: domain.ModeGame}]
		out.Video[pilot] = a.minutes[bucketKey{date: today, pilot: pilot, mode: domain.ModeVideoCasual}] +
			a.minutes[bucketKey{date: today, pilot: pilot, mode: domain.ModeVideoApproved}]
	}

	return out
}

// PruneBefore drops buckets older than the given date (exclusive). Stale keys
// never affect correctness; this just bounds memory on long-running hosts.
func (a *Aggregator) PruneBefore(date string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key := range a.minutes {
		if key.date < date {
			delete(a.minutes, key)
			removed++
		}
	}

	return removed
}

func (a *Aggregator) today() string {
	return a.clk.Now().Format(dateLayout)
}
