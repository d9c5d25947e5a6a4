// Package engine hosts the control center: the burn loop that turns running
// timers into ledger debits, the operation surface the UI calls, and the
// reconciliation glue that keeps this process honest against the shared store.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Proton-105/fuel-control/internal/aggregate"
	"github.com/Proton-105/fuel-control/internal/domain"
	apperrors "github.com/Proton-105/fuel-control/internal/errors"
	"github.com/Proton-105/fuel-control/internal/ledger"
	"github.com/Proton-105/fuel-control/internal/realtime"
	"github.com/Proton-105/fuel-control/internal/tariff"
	"github.com/Proton-105/fuel-control/internal/timer"
	"github.com/Proton-105/fuel-control/pkg/clock"
	"github.com/Proton-105/fuel-control/pkg/metrics"
)

// NoticeKind classifies engine-raised events the UI must surface.
type NoticeKind string

const (
	// NoticeFuelExhausted fires when a running session drains the balance
	// to zero and the engine force-stops the timer.
	NoticeFuelExhausted NoticeKind = "fuel_exhausted"
	// NoticeSessionCapReached fires when a session hits the minute cap it
	// was granted at start.
	NoticeSessionCapReached NoticeKind = "session_cap_reached"
)

// Notice is a user-facing engine event.
type Notice struct {
	Kind    NoticeKind
	PilotID domain.PilotID
	Message string
	Audible bool
}

// PilotSnapshot is the read model for one pilot's row on the dashboard.
type PilotSnapshot struct {
	PilotID           domain.PilotID     `json:"pilot_id"`
	Status            domain.TimerStatus `json:"status"`
	Mode              domain.Mode        `json:"mode"`
	Balance           decimal.Decimal    `json:"balance"`
	DisplayCredits    int64              `json:"display_credits"`
	ElapsedSeconds    int64              `json:"elapsed_seconds"`
	BurnedThisSession decimal.Decimal    `json:"burned_this_session"`
	SessionCapMinutes int64              `json:"session_cap_minutes"`
}

const defaultTick = time.Second

// ControlCenter coordinates timers, the ledger and the daily aggregate. One
// instance runs per process; correctness against other processes comes from
// the authoritative rows, not from locking.
type ControlCenter struct {
	machine *timer.Machine
	ledger  *ledger.Service
	agg     *aggregate.Aggregator
	clk     clock.Clock
	log     *slog.Logger
	tick    time.Duration

	// syncing suspends billing while authoritative state is being
	// re-fetched after a dropped subscription.
	syncing atomic.Bool
	// billMu serializes settlement per pilot. The tick goroutine and a
	// synchronous StopTimer flush may otherwise walk the same minute range
	// and debit it twice.
	billMu  map[domain.PilotID]*sync.Mutex
	notices chan Notice
}

// New constructs a ControlCenter. A zero tick defaults to one second.
func New(machine *timer.Machine, ledgerSvc *ledger.Service, agg *aggregate.Aggregator, clk clock.Clock, log *slog.Logger, tick time.Duration) *ControlCenter {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if tick <= 0 {
		tick = defaultTick
	}

	billMu := make(map[domain.PilotID]*sync.Mutex, len(domain.Pilots))
	for _, id := range domain.Pilots {
		billMu[id] = &sync.Mutex{}
	}

	return &ControlCenter{
		machine: machine,
		ledger:  ledgerSvc,
		agg:     agg,
		clk:     clk,
		log:     log,
		tick:    tick,
		billMu:  billMu,
		notices: make(chan Notice, 16),
	}
}

// Notices exposes the engine event stream. Slow consumers lose events rather
// than block the burn loop.
func (c *ControlCenter) Notices() <-chan Notice {
	return c.notices
}

// StartTimer launches a session for the pilot. The balance held right now,
// floored to whole credits, becomes the session's minute cap. Rapid repeated
// clicks inside the debounce window are dropped silently, as for pause and
// resume.
func (c *ControlCenter) StartTimer(ctx context.Context, pilotID domain.PilotID, mode domain.Mode) error {
	balance := c.ledger.Balance(pilotID)
	if balance.LessThan(decimal.NewFromInt(1)) {
		return apperrors.NewInsufficientBalanceError(string(pilotID))
	}

	err := c.machine.Start(ctx, pilotID, mode, balance.IntPart())
	if errors.Is(err, timer.ErrActionInFlight) {
		return nil
	}

	return err
}

// PauseTimer pauses the pilot's session. Rapid repeated clicks inside the
// debounce window are dropped silently.
func (c *ControlCenter) PauseTimer(ctx context.Context, pilotID domain.PilotID) error {
	err := c.machine.Pause(ctx, pilotID)
	if errors.Is(err, timer.ErrActionInFlight) {
		return nil
	}

	return err
}

// ResumeTimer resumes a paused session, with the same debounce handling as
// PauseTimer.
func (c *ControlCenter) ResumeTimer(ctx context.Context, pilotID domain.PilotID) error {
	err := c.machine.Resume(ctx, pilotID)
	if errors.Is(err, timer.ErrActionInFlight) {
		return nil
	}

	return err
}

// StopTimer flushes every whole minute reached so far and resets the timer.
// Stopping an idle pilot is a no-op, so a double click costs nothing twice.
func (c *ControlCenter) StopTimer(ctx context.Context, pilotID domain.PilotID) error {
	c.billPilot(ctx, pilotID)

	return c.machine.Stop(ctx, pilotID)
}

// Run drives the burn loop until ctx is cancelled. Each tick re-derives
// elapsed time from the authoritative rows and settles any minute boundaries
// crossed since the previous tick, however long ago that was.
func (c *ControlCenter) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs one settlement pass over all pilots.
func (c *ControlCenter) Tick(ctx context.Context) {
	if c.syncing.Load() {
		return
	}

	running := 0
	for _, pilotID := range domain.Pilots {
		state, err := c.machine.State(pilotID)
		if err != nil {
			continue
		}
		if state.Status == domain.TimerRunning {
			running++
			c.billPilot(ctx, pilotID)
		}
	}
	metrics.SetRunningTimers(running)
}

// billPilot settles every unbilled whole minute for the pilot, serialized per
// pilot so the tick goroutine and a synchronous stop flush never walk the
// same minute range twice. Paused sessions settle too, from their frozen
// elapsed time, so a stop after a pause loses nothing.
func (c *ControlCenter) billPilot(ctx context.Context, pilotID domain.PilotID) {
	mu, ok := c.billMu[pilotID]
	if !ok {
		return
	}
	mu.Lock()
	defer mu.Unlock()

	state, err := c.machine.State(pilotID)
	if err != nil || state.Status == domain.TimerIdle {
		return
	}

	now := c.clk.Now()
	currentMinute := state.ElapsedSeconds(now) / 60

	capReached := false
	if currentMinute >= state.SessionBalanceAtStart {
		currentMinute = state.SessionBalanceAtStart
		capReached = true
	}

	prior := c.agg.TotalMinutesToday(pilotID, state.Mode)
	isWeekday := isWeekday(now)
	exhausted := false

	for minute := state.LastDeductedMinute + 1; minute <= currentMinute; minute++ {
		// Balance first: a session whose fuel was drained externally
		// stops before this minute is recorded, free tier included.
		balance := c.ledger.Balance(pilotID)
		if !balance.IsPositive() {
			exhausted = true
			break
		}

		rate := tariff.RateForMinute(state.Mode, prior, isWeekday)
		prior++
		c.agg.AddMinutes(pilotID, state.Mode, 1)
		metrics.RecordMeteredMinute(string(pilotID), string(state.Mode))

		if !rate.IsPositive() {
			if err := c.machine.MarkBilled(ctx, pilotID, minute, decimal.Zero); err != nil {
				c.log.Error("failed to mark free minute billed", "pilot_id", pilotID, "error", err)
			}
			continue
		}

		charge := decimal.Min(rate, balance)
		if _, err := c.ledger.Debit(ctx, pilotID, charge, state.Mode.BurnReason()); err != nil {
			c.log.Error("minute debit failed; will retry next tick",
				"pilot_id", pilotID, "minute", minute, "error", err)
			break
		}
		if err := c.machine.MarkBilled(ctx, pilotID, minute, charge); err != nil {
			c.log.Error("failed to mark minute billed", "pilot_id", pilotID, "minute", minute, "error", err)
		}
		charged, _ := charge.Float64()
		metrics.RecordCreditsBurned(string(pilotID), string(state.Mode), charged)

		if !c.ledger.Balance(pilotID).IsPositive() {
			exhausted = true
			break
		}
	}

	switch {
	case exhausted:
		c.forceStop(ctx, pilotID, Notice{
			Kind:    NoticeFuelExhausted,
			PilotID: pilotID,
			Message: apperrors.NewFuelExhaustedError(string(pilotID)).UserMessage,
			Audible: true,
		})
	case capReached:
		c.forceStop(ctx, pilotID, Notice{
			Kind:    NoticeSessionCapReached,
			PilotID: pilotID,
			Message: "Лимит сессии исчерпан, двигатель остановлен",
			Audible: true,
		})
	}
}

func (c *ControlCenter) forceStop(ctx context.Context, pilotID domain.PilotID, notice Notice) {
	if err := c.machine.Stop(ctx, pilotID); err != nil {
		c.log.Error("forced stop failed", "pilot_id", pilotID, "error", err)
	}

	metrics.RecordNotice(string(notice.Kind))
	select {
	case c.notices <- notice:
	default:
		c.log.Warn("notice dropped, consumer too slow", "kind", notice.Kind, "pilot_id", pilotID)
	}
}

// Snapshot returns the per-pilot dashboard rows at this instant.
func (c *ControlCenter) Snapshot() []PilotSnapshot {
	now := c.clk.Now()
	out := make([]PilotSnapshot, 0, len(domain.Pilots))

	for _, pilotID := range domain.Pilots {
		state, err := c.machine.State(pilotID)
		if err != nil {
			continue
		}

		balance := c.ledger.Balance(pilotID)
		out = append(out, PilotSnapshot{
			PilotID:           pilotID,
			Status:            state.Status,
			Mode:              state.Mode,
			Balance:           balance,
			DisplayCredits:    balance.IntPart(),
			ElapsedSeconds:    state.ElapsedSeconds(now),
			BurnedThisSession: state.BurnedThisSession,
			SessionCapMinutes: state.SessionBalanceAtStart,
		})
	}

	return out
}

// DisplayBreakdownToday merges today's committed minutes with the in-flight
// minutes of any running session, so the dashboard row moves every minute
// instead of jumping on settlement.
func (c *ControlCenter) DisplayBreakdownToday() aggregate.Breakdown {
	breakdown := c.agg.BreakdownToday()
	now := c.clk.Now()

	for _, pilotID := range domain.Pilots {
		state, err := c.machine.State(pilotID)
		if err != nil || state.Status != domain.TimerRunning {
			continue
		}

		inflight := state.ElapsedSeconds(now)/60 - state.LastDeductedMinute
		if inflight <= 0 {
			continue
		}

		if state.Mode.IsVideo() {
			breakdown.Video[pilotID] += inflight
		} else {
			breakdown.Game[pilotID] += inflight
		}
	}

	return breakdown
}

// Resync re-fetches all authoritative rows. Billing is suspended for the
// duration so a stale local row can never produce a debit.
func (c *ControlCenter) Resync(ctx context.Context) error {
	c.syncing.Store(true)
	defer c.syncing.Store(false)

	if err := c.machine.Restore(ctx); err != nil {
		return apperrors.NewSyncError("restore timers", err)
	}
	if err := c.ledger.LoadProfiles(ctx); err != nil {
		return apperrors.NewSyncError("reload profiles", err)
	}

	return nil
}

// OnChange reconciles a single remotely published change.
func (c *ControlCenter) OnChange(ctx context.Context, change realtime.Change) {
	switch change.Kind {
	case realtime.KindTimer:
		if err := c.machine.Restore(ctx); err != nil {
			c.log.Error("failed to apply remote timer change", "pilot_id", change.PilotID, "error", err)
		}
	case realtime.KindProfile:
		if err := c.ledger.LoadProfiles(ctx); err != nil {
			c.log.Error("failed to apply remote profile change", "pilot_id", change.PilotID, "error", err)
		}
	}
}

// OnReconnect treats everything local as stale and re-fetches before billing
// resumes.
func (c *ControlCenter) OnReconnect(ctx context.Context) {
	if err := c.Resync(ctx); err != nil {
		c.log.Error("resync after reconnect failed", "error", err)
	}
}

var _ realtime.Handler = (*ControlCenter)(nil)

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
