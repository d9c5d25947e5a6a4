// Package ledger is the account of record for pilot balances. Every mutation
// is an append-only entry plus a balance delta, applied locally first; the
// remote write rides the job queue and its failure is never allowed to take
// already-shown credits back.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/Proton-105/fuel-control/internal/domain"
	apperrors "github.com/Proton-105/fuel-control/internal/errors"
	"github.com/Proton-105/fuel-control/internal/jobs"
	"github.com/Proton-105/fuel-control/internal/repository"
	"github.com/Proton-105/fuel-control/pkg/clock"
)

// Service provides balance and ledger operations over the two pilots.
type Service struct {
	mu       sync.Mutex
	profiles map[domain.PilotID]*domain.Profile
	// entries caches this session's entries so Undo can reverse an entry
	// even while its remote write is still queued.
	entries map[string]domain.LedgerEntry

	profileRepo repository.ProfileRepository
	txRepo      repository.TransactionRepository
	queue       jobs.Manager
	clk         clock.Clock
	log         *slog.Logger
}

// NewService constructs a Service. Balances start at zero until LoadProfiles
// pulls the authoritative rows.
func NewService(
	profileRepo repository.ProfileRepository,
	txRepo repository.TransactionRepository,
	queue jobs.Manager,
	clk clock.Clock,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	profiles := make(map[domain.PilotID]*domain.Profile, len(domain.Pilots))
	for _, id := range domain.Pilots {
		profiles[id] = &domain.Profile{ID: id, Balance: decimal.Zero}
	}

	return &Service{
		profiles:    profiles,
		entries:     make(map[string]domain.LedgerEntry),
		profileRepo: profileRepo,
		txRepo:      txRepo,
		queue:       queue,
		clk:         clk,
		log:         log,
	}
}

// LoadProfiles replaces local balances with the authoritative rows. Called at
// boot and whenever the realtime subscription reconnects, before billing may
// resume.
func (s *Service) LoadProfiles(ctx context.Context) error {
	if s.profileRepo == nil {
		return nil
	}

	rows, err := s.profileRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range rows {
		row := rows[i]
		if !domain.IsKnownPilot(row.ID) {
			s.log.Warn("ignoring profile for unknown pilot", "pilot_id", row.ID)
			continue
		}
		copied := row
		s.profiles[row.ID] = &copied
	}

	return nil
}

// Profiles returns local snapshots in roster order.
func (s *Service) Profiles() []domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Profile, 0, len(domain.Pilots))
	for _, id := range domain.Pilots {
		out = append(out, *s.profiles[id])
	}

	return out
}

// Balance returns the pilot's current (optimistic) balance.
func (s *Service) Balance(pilotID domain.PilotID) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[pilotID]
	if !ok {
		return decimal.Zero
	}

	return profile.Balance
}

// Debit removes amount credits from the pilot, clamped so the balance never
// goes negative, and records the ledger entry. Returns the applied entry, or
// nil when the clamp left nothing to charge.
func (s *Service) Debit(ctx context.Context, pilotID domain.PilotID, amount decimal.Decimal, description string) (*domain.LedgerEntry, error) {
	if amount.IsNegative() {
		return nil, apperrors.NewStateError("debit amount must not be negative")
	}

	return s.apply(ctx, pilotID, amount.Neg(), description)
}

// Credit adds amount credits to the pilot (manual adjustment or completed
// task, both driven by external collaborators).
func (s *Service) Credit(ctx context.Context, pilotID domain.PilotID, amount decimal.Decimal, description string) (*domain.LedgerEntry, error) {
	if amount.IsNegative() {
		return nil, apperrors.NewStateError("credit amount must not be negative")
	}

	return s.apply(ctx, pilotID, amount, description)
}

// Adjust applies a signed delta: positive credits, negative debits.
func (s *Service) Adjust(ctx context.Context, pilotID domain.PilotID, amount decimal.Decimal, description string) (*domain.LedgerEntry, error) {
	return s.apply(ctx, pilotID, amount, description)
}

// Recent returns the newest ledger entries from the store of record.
func (s *Service) Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if s.txRepo == nil {
		return nil, nil
	}

	return s.txRepo.Recent(ctx, limit)
}

// Undo reverses a ledger entry: the row is removed and its balance delta
// restored, locally first, remotely via the queue.
func (s *Service) Undo(ctx context.Context, entryID string) error {
	entry, err := s.lookup(ctx, entryID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	profile := s.profiles[entry.PilotID]
	profile.Balance = profile.Balance.Sub(entry.Amount)
	if profile.Balance.IsNegative() {
		profile.Balance = decimal.Zero
	}
	newBalance := profile.Balance
	delete(s.entries, entryID)
	s.mu.Unlock()

	task, err := jobs.NewLedgerUnpersistTask(entryID, entry.PilotID, newBalance)
	if err != nil {
		return err
	}
	s.enqueue(ctx, task, entryID)

	return nil
}

func (s *Service) apply(ctx context.Context, pilotID domain.PilotID, amount decimal.Decimal, description string) (*domain.LedgerEntry, error) {
	if !domain.IsKnownPilot(pilotID) {
		return nil, apperrors.NewStateError(fmt.Sprintf("unknown pilot %s", pilotID))
	}

	s.mu.Lock()
	profile := s.profiles[pilotID]

	applied := amount
	if applied.IsNegative() && profile.Balance.Add(applied).IsNegative() {
		// Never drive the balance below zero, even inside a single minute.
		applied = profile.Balance.Neg()
	}

	if applied.IsZero() {
		s.mu.Unlock()
		return nil, nil
	}

	profile.Balance = profile.Balance.Add(applied)
	profile.UpdatedAt = s.clk.Now()
	newBalance := profile.Balance

	entry := domain.LedgerEntry{
		ID:          uuid.NewString(),
		PilotID:     pilotID,
		Amount:      applied,
		Description: description,
		CreatedAt:   s.clk.Now(),
	}
	s.entries[entry.ID] = entry
	s.mu.Unlock()

	task, err := jobs.NewLedgerPersistTask(entry, newBalance)
	if err != nil {
		// Local apply stands regardless; the entry is only missing remotely.
		s.log.Error("failed to build persist task", "entry_id", entry.ID, "error", err)
		return &entry, nil
	}
	s.enqueue(ctx, task, entry.ID)

	return &entry, nil
}

// enqueue hands the persist effect to the queue. Failure is a SyncFailure:
// logged, never propagated, never rolled back; the next successful mutation
// carries the corrected balance with it.
func (s *Service) enqueue(ctx context.Context, task *asynq.Task, entryID string) {
	if s.queue == nil {
		return
	}

	if _, err := s.queue.Enqueue(ctx, task); err != nil {
		syncErr := apperrors.NewSyncError(task.Type(), err)
		s.log.Error("failed to enqueue ledger sync task", "entry_id", entryID, "error", syncErr)
	}
}

func (s *Service) lookup(ctx context.Context, entryID string) (domain.LedgerEntry, error) {
	s.mu.Lock()
	entry, ok := s.entries[entryID]
	s.mu.Unlock()
	if ok {
		return entry, nil
	}

	if s.txRepo == nil {
		return domain.LedgerEntry{}, apperrors.NewStateError(fmt.Sprintf("ledger entry %s not found", entryID))
	}

	stored, err := s.txRepo.Get(ctx, entryID)
	if err != nil {
		return domain.LedgerEntry{}, apperrors.NewDatabaseError(err)
	}

	return *stored, nil
}
