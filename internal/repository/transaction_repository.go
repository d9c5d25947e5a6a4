package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Proton-105/fuel-control/internal/domain"
)

// TransactionRepository defines persistence operations for ledger entries.
// Entries are append-only; Delete exists solely for the undo flow, which
// removes the row and restores the balance delta in one logical step.
type TransactionRepository interface {
	Append(ctx context.Context, entry *domain.LedgerEntry) error
	Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error)
	Get(ctx context.Context, id string) (*domain.LedgerEntry, error)
	Delete(ctx context.Context, id string) error
}

type transactionRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewTransactionRepository creates a new SQL-backed transaction repository.
func NewTransactionRepository(db *sql.DB, log *slog.Logger) TransactionRepository {
	return &transactionRepository{
		db:  db,
		log: log,
	}
}

// Append persists a new ledger entry.
func (r *transactionRepository) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	const query = `
		INSERT INTO transactions (id, pilot_id, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := r.db.ExecContext(
		ctx,
		query,
		entry.ID,
		string(entry.PilotID),
		entry.Amount,
		entry.Description,
		entry.CreatedAt,
	); err != nil {
		if r.log != nil {
			r.log.Error("failed to append transaction",
				slog.String("entry_id", entry.ID),
				slog.String("pilot_id", string(entry.PilotID)),
				slog.Any("error", err),
			)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

// Recent returns the newest entries first, capped at limit.
func (r *transactionRepository) Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	const query = `
		SELECT id, pilot_id, amount, description, created_at
		FROM transactions
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to list recent transactions", slog.Any("error", err))
		}
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.PilotID, &entry.Amount, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	return entries, nil
}

// Get retrieves a single ledger entry by identifier.
func (r *transactionRepository) Get(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	const query = `
		SELECT id, pilot_id, amount, description, created_at
		FROM transactions
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	var entry domain.LedgerEntry
	if err := row.Scan(&entry.ID, &entry.PilotID, &entry.Amount, &entry.Description, &entry.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select transaction: %w", err)
	}

	return &entry, nil
}

// Delete removes an entry as part of an undo.
func (r *transactionRepository) Delete(ctx context.Context, id string) error {
	const query = `
		DELETE FROM transactions
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		if r.log != nil {
			r.log.Error("failed to delete transaction", slog.String("entry_id", id), slog.Any("error", err))
		}
		return fmt.Errorf("delete transaction: %w", err)
	}

	return nil
}
