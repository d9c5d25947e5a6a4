package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/Proton-105/fuel-control/internal/domain"
)

// ProfileRepository defines persistence operations for pilot profiles.
type ProfileRepository interface {
	List(ctx context.Context) ([]domain.Profile, error)
	Get(ctx context.Context, id domain.PilotID) (*domain.Profile, error)
	UpdateBalance(ctx context.Context, id domain.PilotID, balance decimal.Decimal) error
}

type profileRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewProfileRepository creates a new SQL-backed profile repository.
func NewProfileRepository(db *sql.DB, log *slog.Logger) ProfileRepository {
	return &profileRepository{
		db:  db,
		log: log,
	}
}

// List returns every pilot profile. The roster is seeded by migration, so an
// empty result means the database was not migrated.
func (r *profileRepository) List(ctx context.Context) ([]domain.Profile, error) {
	const query = `
		SELECT id, balance, updated_at
		FROM profiles
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to list profiles", slog.Any("error", err))
		}
		return nil, fmt.Errorf("select profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []domain.Profile
	for rows.Next() {
		var profile domain.Profile
		if err := rows.Scan(&profile.ID, &profile.Balance, &profile.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}

	return profiles, nil
}

// Get retrieves a single pilot profile.
func (r *profileRepository) Get(ctx context.Context, id domain.PilotID) (*domain.Profile, error) {
	const query = `
		SELECT id, balance, updated_at
		FROM profiles
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, string(id))

	var profile domain.Profile
	if err := row.Scan(&profile.ID, &profile.Balance, &profile.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		if r.log != nil {
			r.log.Error("failed to fetch profile", slog.String("pilot_id", string(id)), slog.Any("error", err))
		}
		return nil, fmt.Errorf("select profile: %w", err)
	}

	return &profile, nil
}

// UpdateBalance overwrites the stored balance for the pilot.
func (r *profileRepository) UpdateBalance(ctx context.Context, id domain.PilotID, balance decimal.Decimal) error {
	const query = `
		UPDATE profiles
		SET balance = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, string(id), balance)
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to update balance", slog.String("pilot_id", string(id)), slog.Any("error", err))
		}
		return fmt.Errorf("update balance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}
