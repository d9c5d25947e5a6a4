package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/fuel-control/internal/aggregate"
	"github.com/Proton-105/fuel-control/internal/domain"
	apperrors "github.com/Proton-105/fuel-control/internal/errors"
	"github.com/Proton-105/fuel-control/internal/ledger"
	"github.com/Proton-105/fuel-control/internal/timer"
	"github.com/Proton-105/fuel-control/pkg/clock"
)

type testRig struct {
	engine *ControlCenter
	ledger *ledger.Service
	agg    *aggregate.Aggregator
	clk    *clock.Fake
}

func newTestRig(t *testing.T, startBalance decimal.Decimal) *testRig {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	// A Tuesday morning, well clear of midnight.
	clk := clock.NewFake(time.Date(2025, time.March, 4, 10, 0, 0, 0, time.Local))

	machine := timer.NewMachine(nil, nil, clk, log, 0)
	ledgerSvc := ledger.NewService(nil, nil, nil, clk, log)
	agg := aggregate.New(clk)

	if startBalance.IsPositive() {
		_, err := ledgerSvc.Credit(context.Background(), domain.PilotRoma, startBalance, "Начальный запас")
		require.NoError(t, err)
	}

	return &testRig{
		engine: New(machine, ledgerSvc, agg, clk, log, time.Second),
		ledger: ledgerSvc,
		agg:    agg,
		clk:    clk,
	}
}

func (r *testRig) balance() decimal.Decimal {
	return r.ledger.Balance(domain.PilotRoma)
}

func (r *testRig) drainNotices() []Notice {
	var out []Notice
	for {
		select {
		case n := <-r.engine.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestStartTimerRequiresWholeCredit(t *testing.T) {
	rig := newTestRig(t, decimal.New(5, -1))
	ctx := context.Background()

	err := rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame)
	require.Error(t, err)
	assert.True(t, apperrors.IsAudible(err))

	snaps := rig.engine.Snapshot()
	assert.Equal(t, domain.TimerIdle, snaps[0].Status)
}

func TestBurnNeverExceedsBalance(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(10))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	rig.clk.Advance(15 * time.Minute)
	rig.engine.Tick(ctx)

	assert.True(t, rig.balance().IsZero(), "burn stops at the balance floor, got %s", rig.balance())
	assert.Equal(t, int64(10), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeGame))

	snaps := rig.engine.Snapshot()
	assert.Equal(t, domain.TimerIdle, snaps[0].Status, "exhaustion must force-stop the timer")

	notices := rig.drainNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeFuelExhausted, notices[0].Kind)
	assert.True(t, notices[0].Audible)
}

func TestEachMinuteBilledExactlyOnce(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(100))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))

	rig.clk.Advance(3*time.Minute + 30*time.Second)
	rig.engine.Tick(ctx)
	rig.engine.Tick(ctx)
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(97)), "repeated ticks must not rebill, got %s", rig.balance())

	rig.clk.Advance(time.Minute)
	rig.engine.Tick(ctx)
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(96)))
	assert.Equal(t, int64(4), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeGame))
}

func TestVideoTariffTiersAcrossOneSession(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(100))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeVideoCasual))
	rig.clk.Advance(65 * time.Minute)
	rig.engine.Tick(ctx)

	// 20 free + 40 at 0.5 + 5 at 2 = 30 credits.
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(70)), "got %s", rig.balance())
	assert.Equal(t, int64(65), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeVideoCasual))
}

func TestGameOverdriveAfterAnHour(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(200))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	rig.clk.Advance(70 * time.Minute)
	rig.engine.Tick(ctx)

	// 60 at 1 + 10 at 2 = 80 credits.
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(120)), "got %s", rig.balance())
}

func TestStopTimerFlushesWholeMinutes(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(100))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	rig.clk.Advance(2*time.Minute + 30*time.Second)

	require.NoError(t, rig.engine.StopTimer(ctx, domain.PilotRoma))
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(98)), "partial minutes are free, got %s", rig.balance())

	// Second stop is a no-op.
	require.NoError(t, rig.engine.StopTimer(ctx, domain.PilotRoma))
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(98)))
}

func TestSessionCapForceStops(t *testing.T) {
	rig := newTestRig(t, decimal.RequireFromString("5.5"))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	rig.clk.Advance(10 * time.Minute)
	rig.engine.Tick(ctx)

	// The cap is the whole-credit balance at start: 5 minutes.
	assert.True(t, rig.balance().Equal(decimal.New(5, -1)), "got %s", rig.balance())

	snaps := rig.engine.Snapshot()
	assert.Equal(t, domain.TimerIdle, snaps[0].Status)

	notices := rig.drainNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeSessionCapReached, notices[0].Kind)
}

func TestPausedTimerIsNotBilled(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(100))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	rig.clk.Advance(time.Minute)
	rig.engine.Tick(ctx)
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(99)))

	require.NoError(t, rig.engine.PauseTimer(ctx, domain.PilotRoma))
	rig.clk.Advance(10 * time.Minute)
	rig.engine.Tick(ctx)
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(99)), "paused time must be free")

	require.NoError(t, rig.engine.ResumeTimer(ctx, domain.PilotRoma))
	rig.clk.Advance(time.Minute)
	rig.engine.Tick(ctx)
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(98)))
}

func TestMidnightRolloverResetsTiers(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(200))
	ctx := context.Background()

	// Push the pilot deep into overdrive territory for today.
	rig.agg.AddMinutes(domain.PilotRoma, domain.ModeGame, 100)

	rig.clk.Set(time.Date(2025, time.March, 4, 23, 58, 0, 0, time.Local))
	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))

	rig.clk.Advance(time.Minute)
	rig.engine.Tick(ctx)
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(198)), "minute before midnight bills at overdrive, got %s", rig.balance())

	// The next boundary lands after midnight, in a fresh bucket.
	rig.clk.Advance(90 * time.Second)
	rig.engine.Tick(ctx)
	assert.True(t, rig.balance().Equal(decimal.NewFromInt(197)), "minute after midnight bills at the base tier, got %s", rig.balance())
	assert.Equal(t, int64(1), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeGame))
}

func TestDisplayBreakdownIncludesInflightMinutes(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(100))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	rig.clk.Advance(90 * time.Second)

	breakdown := rig.engine.DisplayBreakdownToday()
	assert.Equal(t, int64(1), breakdown.Game[domain.PilotRoma], "unsettled whole minute must still show")
	assert.Equal(t, int64(0), breakdown.Video[domain.PilotRoma])
}

func TestConcurrentTicksSettleEachMinuteOnce(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(100))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	rig.clk.Advance(30 * time.Minute)

	// Ticks racing each other must not walk the same minute range twice.
	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			rig.engine.Tick(ctx)
		}()
	}
	close(release)
	wg.Wait()

	assert.True(t, rig.balance().Equal(decimal.NewFromInt(70)), "got %s", rig.balance())
	assert.Equal(t, int64(30), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeGame))
}

func TestStartTimerDropsRapidRepeats(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, time.March, 4, 10, 0, 0, 0, time.Local))
	ctx := context.Background()

	machine := timer.NewMachine(nil, nil, clk, log, 500*time.Millisecond)
	ledgerSvc := ledger.NewService(nil, nil, nil, clk, log)
	_, err := ledgerSvc.Credit(ctx, domain.PilotRoma, decimal.NewFromInt(10), "Начальный запас")
	require.NoError(t, err)

	eng := New(machine, ledgerSvc, aggregate.New(clk), clk, log, time.Second)

	require.NoError(t, eng.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	require.NoError(t, eng.StopTimer(ctx, domain.PilotRoma))

	// The restart arrives inside the debounce window: dropped silently,
	// same as pause and resume.
	require.NoError(t, eng.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	assert.Equal(t, domain.TimerIdle, eng.Snapshot()[0].Status)

	clk.Advance(time.Second)
	require.NoError(t, eng.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))
	assert.Equal(t, domain.TimerRunning, eng.Snapshot()[0].Status)
}

func TestExternallyDrainedBalanceStopsFreeSession(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(10))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeVideoCasual))
	rig.clk.Advance(time.Minute)
	rig.engine.Tick(ctx)
	assert.Equal(t, int64(1), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeVideoCasual))

	// An undo or penalty elsewhere takes the last fuel mid-session.
	_, err := rig.ledger.Adjust(ctx, domain.PilotRoma, decimal.NewFromInt(-10), "Штраф")
	require.NoError(t, err)

	rig.clk.Advance(time.Minute)
	rig.engine.Tick(ctx)

	// The free-tier minute is neither recorded nor billed; the session
	// force-stops instead.
	assert.Equal(t, int64(1), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeVideoCasual))
	assert.Equal(t, domain.TimerIdle, rig.engine.Snapshot()[0].Status)

	notices := rig.drainNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeFuelExhausted, notices[0].Kind)
}

func TestCatchUpAfterLongGap(t *testing.T) {
	rig := newTestRig(t, decimal.NewFromInt(100))
	ctx := context.Background()

	require.NoError(t, rig.engine.StartTimer(ctx, domain.PilotRoma, domain.ModeGame))

	// Nothing ticks for eight minutes (suspended laptop, busy host). The
	// next pass settles every crossed boundary at once.
	rig.clk.Advance(8 * time.Minute)
	rig.engine.Tick(ctx)

	assert.True(t, rig.balance().Equal(decimal.NewFromInt(92)), "got %s", rig.balance())
	assert.Equal(t, int64(8), rig.agg.TotalMinutesToday(domain.PilotRoma, domain.ModeGame))
}
