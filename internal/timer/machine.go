package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Proton-105/fuel-control/internal/domain"
	"github.com/Proton-105/fuel-control/pkg/clock"
)

// ChangeNotifier is told about locally applied timer mutations so other
// clients can reconcile. A nil notifier disables fan-out.
type ChangeNotifier interface {
	TimerChanged(ctx context.Context, pilotID domain.PilotID)
}

// Machine owns the in-process timer state for both pilots. Mutations apply
// locally first (synchronous, authoritative-shaped) and are written through
// to Storage best-effort; a failed write never rolls the local state back.
type Machine struct {
	mu         sync.Mutex
	states     map[domain.PilotID]*domain.PilotTimerState
	lastAction map[domain.PilotID]time.Time

	storage  Storage
	notifier ChangeNotifier
	clk      clock.Clock
	log      *slog.Logger
	debounce time.Duration
}

// NewMachine creates a Machine with idle defaults for every pilot.
func NewMachine(storage Storage, notifier ChangeNotifier, clk clock.Clock, log *slog.Logger, debounce time.Duration) *Machine {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	states := make(map[domain.PilotID]*domain.PilotTimerState, len(domain.Pilots))
	for _, id := range domain.Pilots {
		states[id] = idleState(id)
	}

	return &Machine{
		states:     states,
		lastAction: make(map[domain.PilotID]time.Time, len(domain.Pilots)),
		storage:    storage,
		notifier:   notifier,
		clk:        clk,
		log:        log,
		debounce:   debounce,
	}
}

// Restore replaces local state with the authoritative rows from Storage.
// Called at boot and after a dropped realtime subscription, before any
// billing may resume.
func (m *Machine) Restore(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}

	rows, err := m.storage.LoadAll(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		if !domain.IsKnownPilot(row.PilotID) {
			m.log.Warn("ignoring timer row for unknown pilot", "pilot_id", row.PilotID)
			continue
		}
		copied := row.Clone()
		m.states[row.PilotID] = &copied
	}

	return nil
}

// Apply overwrites the local row with a remotely observed one. Pausing from
// another tab lands here: local ticking stops at once because every derived
// read goes through the replaced authoritative fields.
func (m *Machine) Apply(state domain.PilotTimerState) {
	if !domain.IsKnownPilot(state.PilotID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copied := state.Clone()
	m.states[state.PilotID] = &copied
}

// State returns a snapshot of the pilot's timer row.
func (m *Machine) State(pilotID domain.PilotID) (domain.PilotTimerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[pilotID]
	if !ok {
		return domain.PilotTimerState{}, ErrUnknownPilot
	}

	return state.Clone(), nil
}

// Elapsed derives the pilot's displayed elapsed seconds at this instant.
// Side-effect free; safe to call on every tick.
func (m *Machine) Elapsed(pilotID domain.PilotID) (int64, error) {
	state, err := m.State(pilotID)
	if err != nil {
		return 0, err
	}

	return state.ElapsedSeconds(m.clk.Now()), nil
}

// Start moves an idle pilot to running. sessionBalanceAtStart is the whole
// credit count held at this moment; it caps how many minutes the session may
// ever bill. The caller enforces the balance >= 1 precondition.
func (m *Machine) Start(ctx context.Context, pilotID domain.PilotID, mode domain.Mode, sessionBalanceAtStart int64) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[pilotID]
	if !ok {
		return ErrUnknownPilot
	}
	if err := m.guard(pilotID, state.Status, domain.TimerRunning); err != nil {
		return err
	}

	now := m.clk.Now()
	state.Status = domain.TimerRunning
	state.Mode = mode
	state.SecondsAccumulatedToday = 0
	state.StartedAt = &now
	state.SessionBalanceAtStart = sessionBalanceAtStart
	state.LastDeductedMinute = 0
	state.BurnedThisSession = decimal.Zero

	m.settle(ctx, pilotID, domain.TimerIdle, domain.TimerRunning)
	return nil
}

// Pause freezes the running segment into SecondsAccumulatedToday.
func (m *Machine) Pause(ctx context.Context, pilotID domain.PilotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[pilotID]
	if !ok {
		return ErrUnknownPilot
	}
	if err := m.guard(pilotID, state.Status, domain.TimerPaused); err != nil {
		return err
	}

	from := state.Status
	state.SecondsAccumulatedToday = state.ElapsedSeconds(m.clk.Now())
	state.StartedAt = nil
	state.Status = domain.TimerPaused

	m.settle(ctx, pilotID, from, domain.TimerPaused)
	return nil
}

// Resume restamps the segment start. The frozen seconds stay untouched until
// the next freeze.
func (m *Machine) Resume(ctx context.Context, pilotID domain.PilotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[pilotID]
	if !ok {
		return ErrUnknownPilot
	}
	if state.Status != domain.TimerPaused {
		return ErrInvalidTransition
	}
	if m.debounced(pilotID) {
		return ErrActionInFlight
	}

	now := m.clk.Now()
	state.StartedAt = &now
	state.Status = domain.TimerRunning

	m.settle(ctx, pilotID, domain.TimerPaused, domain.TimerRunning)
	return nil
}

// Stop resets the pilot to idle defaults. Idempotent: stopping an idle pilot
// is a no-op. Stop is never debounced; it is the safety path.
func (m *Machine) Stop(ctx context.Context, pilotID domain.PilotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[pilotID]
	if !ok {
		return ErrUnknownPilot
	}
	if state.Status == domain.TimerIdle {
		return nil
	}

	from := state.Status
	*state = *idleState(pilotID)

	m.settle(ctx, pilotID, from, domain.TimerIdle)
	return nil
}

// MarkBilled records that every minute boundary up to minute has been
// charged, and accumulates the credits burned this session. The burn engine
// calls it after each debit so a crash can at worst repeat nothing.
func (m *Machine) MarkBilled(ctx context.Context, pilotID domain.PilotID, minute int64, burned decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[pilotID]
	if !ok {
		return ErrUnknownPilot
	}
	if minute <= state.LastDeductedMinute {
		return nil
	}

	state.LastDeductedMinute = minute
	state.BurnedThisSession = state.BurnedThisSession.Add(burned)

	m.persist(ctx, state)
	return nil
}

// guard validates the transition and the debounce window. Callers hold mu.
func (m *Machine) guard(pilotID domain.PilotID, from, to domain.TimerStatus) error {
	if !IsTransitionAllowed(from, to) {
		m.log.Warn("invalid timer transition", "pilot_id", pilotID, "from", from, "to", to)
		return ErrInvalidTransition
	}
	if m.debounced(pilotID) {
		return ErrActionInFlight
	}
	return nil
}

func (m *Machine) debounced(pilotID domain.PilotID) bool {
	if m.debounce <= 0 {
		return false
	}

	last, ok := m.lastAction[pilotID]
	if !ok {
		return false
	}

	return m.clk.Now().Sub(last) < m.debounce
}

// settle finishes a successful transition: stamps the debounce window,
// records the transition, persists and notifies. Callers hold mu.
func (m *Machine) settle(ctx context.Context, pilotID domain.PilotID, from, to domain.TimerStatus) {
	m.lastAction[pilotID] = m.clk.Now()
	transitionRecorder(string(pilotID), string(from), string(to))
	m.persist(ctx, m.states[pilotID])
}

// persist writes through to storage and fans out the change. Failures are
// logged and swallowed: the local apply stays authoritative for this session
// and the next successful write reconciles.
func (m *Machine) persist(ctx context.Context, state *domain.PilotTimerState) {
	if m.storage != nil {
		copied := state.Clone()
		if err := m.storage.Save(ctx, &copied); err != nil {
			m.log.Error("failed to persist pilot timer row; keeping local state",
				"pilot_id", state.PilotID, "error", err)
			return
		}
	}

	if m.notifier != nil {
		m.notifier.TimerChanged(ctx, state.PilotID)
	}
}

func idleState(pilotID domain.PilotID) *domain.PilotTimerState {
	return &domain.PilotTimerState{
		PilotID:           pilotID,
		Status:            domain.TimerIdle,
		BurnedThisSession: decimal.Zero,
	}
}
