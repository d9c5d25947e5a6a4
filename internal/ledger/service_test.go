package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/fuel-control/internal/domain"
	"github.com/Proton-105/fuel-control/internal/jobs"
	"github.com/Proton-105/fuel-control/internal/repository"
	"github.com/Proton-105/fuel-control/pkg/clock"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

func (m *mockQueue) Close() error {
	return nil
}

type mockProfileRepo struct {
	mock.Mock
}

func (m *mockProfileRepo) List(ctx context.Context) ([]domain.Profile, error) {
	args := m.Called(ctx)
	profiles, _ := args.Get(0).([]domain.Profile)
	return profiles, args.Error(1)
}

func (m *mockProfileRepo) Get(ctx context.Context, id domain.PilotID) (*domain.Profile, error) {
	args := m.Called(ctx, id)
	profile, _ := args.Get(0).(*domain.Profile)
	return profile, args.Error(1)
}

func (m *mockProfileRepo) UpdateBalance(ctx context.Context, id domain.PilotID, balance decimal.Decimal) error {
	args := m.Called(ctx, id, balance)
	return args.Error(0)
}

var _ repository.ProfileRepository = (*mockProfileRepo)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, queue jobs.Manager) *Service {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, time.March, 3, 10, 0, 0, 0, time.Local))
	return NewService(nil, nil, queue, clk, testLogger())
}

func TestServiceCreditAndDebit(t *testing.T) {
	queue := &mockQueue{}
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil, nil)

	svc := newTestService(t, queue)
	ctx := context.Background()

	entry, err := svc.Credit(ctx, domain.PilotRoma, decimal.NewFromInt(10), "Выполнено задание")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Amount.Equal(decimal.NewFromInt(10)))
	assert.True(t, svc.Balance(domain.PilotRoma).Equal(decimal.NewFromInt(10)))

	entry, err = svc.Debit(ctx, domain.PilotRoma, decimal.New(5, -1), domain.ModeVideoCasual.BurnReason())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Amount.Equal(decimal.New(-5, -1)))
	assert.True(t, svc.Balance(domain.PilotRoma).Equal(decimal.RequireFromString("9.5")))

	queue.AssertNumberOfCalls(t, "Enqueue", 2)
}

func TestServiceDebitClampsAtZero(t *testing.T) {
	queue := &mockQueue{}
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil, nil)

	svc := newTestService(t, queue)
	ctx := context.Background()

	_, err := svc.Credit(ctx, domain.PilotKirill, decimal.NewFromInt(1), "Аванс")
	require.NoError(t, err)

	entry, err := svc.Debit(ctx, domain.PilotKirill, decimal.NewFromInt(2), domain.ModeGame.BurnReason())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Amount.Equal(decimal.NewFromInt(-1)), "debit must clamp to live balance")
	assert.True(t, svc.Balance(domain.PilotKirill).IsZero())

	// Nothing left to charge: no entry, no queue traffic.
	entry, err = svc.Debit(ctx, domain.PilotKirill, decimal.NewFromInt(1), domain.ModeGame.BurnReason())
	require.NoError(t, err)
	assert.Nil(t, entry)
	queue.AssertNumberOfCalls(t, "Enqueue", 2)
}

func TestServicePersistFailureKeepsLocalState(t *testing.T) {
	queue := &mockQueue{}
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil, errors.New("redis down"))

	svc := newTestService(t, queue)
	ctx := context.Background()

	entry, err := svc.Credit(ctx, domain.PilotRoma, decimal.NewFromInt(7), "Выполнено задание")
	require.NoError(t, err, "sync failure must not surface to the caller")
	require.NotNil(t, entry)
	assert.True(t, svc.Balance(domain.PilotRoma).Equal(decimal.NewFromInt(7)),
		"optimistic apply is never rolled back by a failed persist")
}

func TestServiceUndoReversesDelta(t *testing.T) {
	queue := &mockQueue{}
	queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil, nil)

	svc := newTestService(t, queue)
	ctx := context.Background()

	_, err := svc.Credit(ctx, domain.PilotRoma, decimal.NewFromInt(10), "Выполнено задание")
	require.NoError(t, err)
	entry, err := svc.Debit(ctx, domain.PilotRoma, decimal.NewFromInt(3), domain.ModeGame.BurnReason())
	require.NoError(t, err)

	require.NoError(t, svc.Undo(ctx, entry.ID))
	assert.True(t, svc.Balance(domain.PilotRoma).Equal(decimal.NewFromInt(10)))

	// The entry is gone from the session cache and nothing backs it remotely.
	assert.Error(t, svc.Undo(ctx, entry.ID))
}

func TestServiceLoadProfiles(t *testing.T) {
	repo := &mockProfileRepo{}
	repo.On("List", mock.Anything).Return([]domain.Profile{
		{ID: domain.PilotRoma, Balance: decimal.NewFromInt(42)},
		{ID: domain.PilotKirill, Balance: decimal.RequireFromString("3.5")},
	}, nil).Once()

	svc := NewService(repo, nil, nil, nil, testLogger())
	require.NoError(t, svc.LoadProfiles(context.Background()))

	profiles := svc.Profiles()
	require.Len(t, profiles, 2)
	assert.True(t, svc.Balance(domain.PilotRoma).Equal(decimal.NewFromInt(42)))
	assert.Equal(t, int64(3), profiles[1].WholeCredits(), "display floors fractional balances")

	repo.AssertExpectations(t)
}
