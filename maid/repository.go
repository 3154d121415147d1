package maid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested maid does not exist.
var ErrNotFound = errors.New("maid: not found")

const profileColumns = `id, full_name, hired_status, current_placement_id::text, hired_by_sponsor_id,
	hired_date, trial_start_date, trial_end_date, updated_at`

// Repository provides profile reads on the pool and mirror writes inside a
// caller-owned transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a maid profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	profile, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM maid_profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("maid: query by id: %w", err)
	}
	return profile, nil
}

// Lock reads the profile with a row lock held until tx ends. Concurrent
// initiations for the same maid serialise here.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id string) (Profile, error) {
	profile, err := scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM maid_profiles WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("maid: lock: %w", err)
	}
	return profile, nil
}

// MarkInProcess reserves the maid for a freshly initiated placement.
func (r *Repository) MarkInProcess(ctx context.Context, tx pgx.Tx, maidID, workflowID string) error {
	const q = `
		UPDATE maid_profiles
		SET hired_status = 'in_process',
		    current_placement_id = $2::uuid,
		    updated_at = now()
		WHERE id = $1
	`
	return exec(ctx, tx, "mark in process", q, maidID, workflowID)
}

// MarkOnTrial mirrors the trial window of the active placement.
func (r *Repository) MarkOnTrial(ctx context.Context, tx pgx.Tx, m TrialMirror) error {
	const q = `
		UPDATE maid_profiles
		SET hired_status = 'on_trial',
		    current_placement_id = $2::uuid,
		    hired_by_sponsor_id = $3,
		    trial_start_date = $4,
		    trial_end_date = $5,
		    updated_at = now()
		WHERE id = $1
	`
	return exec(ctx, tx, "mark on trial", q, m.MaidID, m.WorkflowID, m.SponsorID, m.TrialStart, m.TrialEnd)
}

// MarkHired records a confirmed placement. The workflow is terminal so the
// active back-reference is cleared.
func (r *Repository) MarkHired(ctx context.Context, tx pgx.Tx, maidID, sponsorID string, hiredAt time.Time) error {
	const q = `
		UPDATE maid_profiles
		SET hired_status = 'hired',
		    current_placement_id = NULL,
		    hired_by_sponsor_id = $2,
		    hired_date = $3,
		    updated_at = now()
		WHERE id = $1
	`
	return exec(ctx, tx, "mark hired", q, maidID, sponsorID, hiredAt)
}

// Release returns the maid to the available pool.
func (r *Repository) Release(ctx context.Context, tx pgx.Tx, maidID string) error {
	const q = `
		UPDATE maid_profiles
		SET hired_status = 'available',
		    current_placement_id = NULL,
		    hired_by_sponsor_id = NULL,
		    hired_date = NULL,
		    trial_start_date = NULL,
		    trial_end_date = NULL,
		    updated_at = now()
		WHERE id = $1
	`
	return exec(ctx, tx, "release", q, maidID)
}

func exec(ctx context.Context, tx pgx.Tx, op, query string, args ...any) error {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("maid: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID,
		&p.FullName,
		&p.HiredStatus,
		&p.CurrentPlacementID,
		&p.HiredBySponsorID,
		&p.HiredDate,
		&p.TrialStartDate,
		&p.TrialEndDate,
		&p.UpdatedAt,
	)
	return p, err
}
