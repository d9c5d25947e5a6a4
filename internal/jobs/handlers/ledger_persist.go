// Package handlers implements the queue task handlers that reconcile the
// optimistic local ledger with postgres.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	apperrors "github.com/Proton-105/fuel-control/internal/errors"
	"github.com/Proton-105/fuel-control/internal/jobs"
	"github.com/Proton-105/fuel-control/internal/repository"
	"github.com/Proton-105/fuel-control/pkg/metrics"
)

// ProfileChangeNotifier fans a persisted balance out to the other clients.
type ProfileChangeNotifier interface {
	ProfileChanged(ctx context.Context, pilotID string)
}

// LedgerPersistHandler writes queued ledger entries and balances to postgres.
// Returning an error hands the task back to the queue's retry schedule; the
// local state is never touched from here.
type LedgerPersistHandler struct {
	profiles     repository.ProfileRepository
	transactions repository.TransactionRepository
	breaker      *apperrors.CircuitBreaker
	notifier     ProfileChangeNotifier
	log          *slog.Logger
}

// NewLedgerPersistHandler constructs the handler.
func NewLedgerPersistHandler(
	profiles repository.ProfileRepository,
	transactions repository.TransactionRepository,
	breaker *apperrors.CircuitBreaker,
	notifier ProfileChangeNotifier,
	log *slog.Logger,
) *LedgerPersistHandler {
	if log == nil {
		log = slog.Default()
	}

	return &LedgerPersistHandler{
		profiles:     profiles,
		transactions: transactions,
		breaker:      breaker,
		notifier:     notifier,
		log:          log,
	}
}

// ProcessTask handles both persist and unpersist task types.
func (h *LedgerPersistHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	switch task.Type() {
	case jobs.TaskTypeLedgerPersist:
		return h.persist(ctx, task)
	case jobs.TaskTypeLedgerUnpersist:
		return h.unpersist(ctx, task)
	default:
		return fmt.Errorf("unexpected task type %q", task.Type())
	}
}

func (h *LedgerPersistHandler) persist(ctx context.Context, task *asynq.Task) error {
	var payload jobs.LedgerPersistPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// A malformed payload will never succeed; drop it instead of retrying.
		h.log.Error("ledger persist: undecodable payload", slog.Any("error", err))
		return fmt.Errorf("decode persist payload: %v: %w", err, asynq.SkipRetry)
	}

	err := h.call(ctx, func() error {
		if err := h.transactions.Append(ctx, &payload.Entry); err != nil {
			return apperrors.NewDatabaseError(err)
		}
		if err := h.profiles.UpdateBalance(ctx, payload.Entry.PilotID, payload.NewBalance); err != nil {
			return apperrors.NewDatabaseError(err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordPersistFailure(jobs.TaskTypeLedgerPersist)
		h.log.Error("ledger persist failed; task will be retried",
			slog.String("entry_id", payload.Entry.ID),
			slog.Any("error", err),
		)
		return err
	}

	if h.notifier != nil {
		h.notifier.ProfileChanged(ctx, string(payload.Entry.PilotID))
	}

	return nil
}

func (h *LedgerPersistHandler) unpersist(ctx context.Context, task *asynq.Task) error {
	var payload jobs.LedgerUnpersistPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		h.log.Error("ledger unpersist: undecodable payload", slog.Any("error", err))
		return fmt.Errorf("decode unpersist payload: %v: %w", err, asynq.SkipRetry)
	}

	err := h.call(ctx, func() error {
		if err := h.transactions.Delete(ctx, payload.EntryID); err != nil {
			return apperrors.NewDatabaseError(err)
		}
		if err := h.profiles.UpdateBalance(ctx, payload.PilotID, payload.NewBalance); err != nil {
			return apperrors.NewDatabaseError(err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordPersistFailure(jobs.TaskTypeLedgerUnpersist)
		h.log.Error("ledger unpersist failed; task will be retried",
			slog.String("entry_id", payload.EntryID),
			slog.Any("error", err),
		)
		return err
	}

	if h.notifier != nil {
		h.notifier.ProfileChanged(ctx, string(payload.PilotID))
	}

	return nil
}

func (h *LedgerPersistHandler) call(ctx context.Context, fn func() error) error {
	wrapped := func() error {
		return apperrors.WithRetry(ctx, fn)
	}

	if h.breaker != nil {
		return h.breaker.Call(wrapped)
	}
	return wrapped()
}
