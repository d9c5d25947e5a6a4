package timer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/fuel-control/internal/domain"
	"github.com/Proton-105/fuel-control/pkg/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decimalFromInt(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func newTestMachine(t *testing.T, debounce time.Duration) (*Machine, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, time.March, 3, 10, 0, 0, 0, time.Local))
	m := NewMachine(nil, nil, clk, testLogger(), debounce)
	return m, clk
}

func TestMachineStartSetsSessionFields(t *testing.T) {
	m, clk := newTestMachine(t, 0)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.PilotRoma, domain.ModeGame, 25))

	state, err := m.State(domain.PilotRoma)
	require.NoError(t, err)
	assert.Equal(t, domain.TimerRunning, state.Status)
	assert.Equal(t, domain.ModeGame, state.Mode)
	assert.Equal(t, int64(0), state.SecondsAccumulatedToday)
	assert.Equal(t, int64(25), state.SessionBalanceAtStart)
	require.NotNil(t, state.StartedAt)
	assert.True(t, state.StartedAt.Equal(clk.Now()))
	assert.True(t, state.BurnedThisSession.IsZero())
}

func TestMachineStartInvalid(t *testing.T) {
	m, _ := newTestMachine(t, 0)
	ctx := context.Background()

	assert.ErrorIs(t, m.Start(ctx, domain.PilotRoma, domain.Mode("homework"), 5), ErrInvalidMode)
	assert.ErrorIs(t, m.Start(ctx, domain.PilotID("ghost"), domain.ModeGame, 5), ErrUnknownPilot)

	require.NoError(t, m.Start(ctx, domain.PilotRoma, domain.ModeGame, 5))
	assert.ErrorIs(t, m.Start(ctx, domain.PilotRoma, domain.ModeGame, 5), ErrInvalidTransition)
}

func TestMachinePauseResumeAccounting(t *testing.T) {
	m, clk := newTestMachine(t, 0)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.PilotKirill, domain.ModeVideoCasual, 30))

	// Run 3 minutes, pause for 10, run 2 more: billedable time is 5 minutes.
	clk.Advance(3 * time.Minute)
	require.NoError(t, m.Pause(ctx, domain.PilotKirill))

	state, err := m.State(domain.PilotKirill)
	require.NoError(t, err)
	assert.Equal(t, domain.TimerPaused, state.Status)
	assert.Nil(t, state.StartedAt)
	assert.Equal(t, int64(180), state.SecondsAccumulatedToday)

	clk.Advance(10 * time.Minute)
	elapsed, err := m.Elapsed(domain.PilotKirill)
	require.NoError(t, err)
	assert.Equal(t, int64(180), elapsed, "paused timer must not tick")

	require.NoError(t, m.Resume(ctx, domain.PilotKirill))
	clk.Advance(2 * time.Minute)

	elapsed, err = m.Elapsed(domain.PilotKirill)
	require.NoError(t, err)
	assert.Equal(t, int64(300), elapsed)
}

func TestMachineElapsedIsPure(t *testing.T) {
	m, clk := newTestMachine(t, 0)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.PilotRoma, domain.ModeGame, 10))
	clk.Advance(90 * time.Second)

	for i := 0; i < 5; i++ {
		elapsed, err := m.Elapsed(domain.PilotRoma)
		require.NoError(t, err)
		assert.Equal(t, int64(90), elapsed)
	}

	state, err := m.State(domain.PilotRoma)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.SecondsAccumulatedToday, "derivation must not flush")
}

func TestMachineStopIdempotent(t *testing.T) {
	m, clk := newTestMachine(t, 0)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.PilotRoma, domain.ModeGame, 10))
	clk.Advance(time.Minute)

	require.NoError(t, m.Stop(ctx, domain.PilotRoma))
	state, err := m.State(domain.PilotRoma)
	require.NoError(t, err)
	assert.Equal(t, domain.TimerIdle, state.Status)
	assert.Equal(t, int64(0), state.SecondsAccumulatedToday)
	assert.Nil(t, state.StartedAt)

	// Second stop is a no-op, not an error.
	require.NoError(t, m.Stop(ctx, domain.PilotRoma))
}

func TestMachineDebounceDropsRapidActions(t *testing.T) {
	m, clk := newTestMachine(t, 500*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.PilotRoma, domain.ModeGame, 10))
	assert.ErrorIs(t, m.Pause(ctx, domain.PilotRoma), ErrActionInFlight)

	clk.Advance(time.Second)
	require.NoError(t, m.Pause(ctx, domain.PilotRoma))
	assert.ErrorIs(t, m.Resume(ctx, domain.PilotRoma), ErrActionInFlight)

	// Stop is the safety path and is never debounced.
	require.NoError(t, m.Stop(ctx, domain.PilotRoma))
}

func TestMachineMarkBilledMonotonic(t *testing.T) {
	m, _ := newTestMachine(t, 0)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.PilotRoma, domain.ModeGame, 10))
	require.NoError(t, m.MarkBilled(ctx, domain.PilotRoma, 3, decimalFromInt(3)))

	state, err := m.State(domain.PilotRoma)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.LastDeductedMinute)
	assert.True(t, state.BurnedThisSession.Equal(decimalFromInt(3)))

	// Replaying an already-billed boundary must not double-charge.
	require.NoError(t, m.MarkBilled(ctx, domain.PilotRoma, 3, decimalFromInt(3)))
	state, err = m.State(domain.PilotRoma)
	require.NoError(t, err)
	assert.True(t, state.BurnedThisSession.Equal(decimalFromInt(3)))
}

func TestMachineApplyRemotePauseHoldsDisplay(t *testing.T) {
	m, clk := newTestMachine(t, 0)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.PilotKirill, domain.ModeVideoApproved, 15))
	clk.Advance(4 * time.Minute)

	// An admin paused from another tab: the remote row arrives frozen at 200s.
	m.Apply(domain.PilotTimerState{
		PilotID:                 domain.PilotKirill,
		Status:                  domain.TimerPaused,
		Mode:                    domain.ModeVideoApproved,
		SecondsAccumulatedToday: 200,
		SessionBalanceAtStart:   15,
	})

	clk.Advance(time.Hour)
	elapsed, err := m.Elapsed(domain.PilotKirill)
	require.NoError(t, err)
	assert.Equal(t, int64(200), elapsed, "authoritative hold must ignore local ticking")
}
