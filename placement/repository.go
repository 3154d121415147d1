package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const workflowColumns = `id::text, sponsor_id, agency_id, maid_id, status, fee_status, trial_outcome,
	interview_outcome, failure_reason, failure_stage,
	contact_date, interview_scheduled_date, interview_completed_date, trial_start_date, trial_end_date,
	placement_confirmed_date, guarantee_end_date,
	sponsor_confirmed, agency_confirmed,
	(platform_fee_amount * 100)::bigint, platform_fee_currency,
	notes, reminder_sent_count, guarantee_claimed, idempotency_key,
	version, created_at, updated_at`

const activeFilter = `status NOT IN ('placement_confirmed', 'placement_failed')`

// querier is satisfied by pgx.Tx and *pgxpool.Pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists placement workflows. Mutations run inside a
// caller-owned transaction, reads go straight to the pool.
type Repository struct {
	pool querier
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert creates the workflow row and returns it as stored.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, w Workflow) (Workflow, error) {
	const q = `
		INSERT INTO placement_workflows (
			id, sponsor_id, agency_id, maid_id, status, fee_status, trial_outcome,
			contact_date, platform_fee_amount, platform_fee_currency, notes,
			idempotency_key, version, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5, $6, $7,
			$8, $9::numeric / 100, $10, $11::jsonb,
			$12, 1, $13, $13
		)
		RETURNING ` + workflowColumns
	created, err := scanWorkflow(tx.QueryRow(ctx, q,
		w.ID, w.SponsorID, w.AgencyID, w.MaidID, string(w.Status), string(w.FeeStatus), string(w.TrialOutcome),
		w.ContactDate, w.Fee.Minor, w.Fee.Currency, notesArg(w.Notes),
		w.IdempotencyKey, w.CreatedAt,
	))
	if err != nil {
		return Workflow{}, fmt.Errorf("placement: insert workflow: %w", err)
	}
	return created, nil
}

// Lock reads the workflow with a row lock held until tx ends.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id string) (Workflow, error) {
	w, err := scanWorkflow(tx.QueryRow(ctx, `SELECT `+workflowColumns+` FROM placement_workflows WHERE id = $1::uuid FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, fmt.Errorf("placement: lock workflow: %w", err)
	}
	return w, nil
}

// Update writes every mutable column, guarded by the version the caller read.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, w Workflow) (Workflow, error) {
	const q = `
		UPDATE placement_workflows
		SET status = $3,
		    fee_status = $4,
		    trial_outcome = $5,
		    interview_outcome = $6,
		    failure_reason = $7,
		    failure_stage = $8,
		    interview_scheduled_date = $9,
		    interview_completed_date = $10,
		    trial_start_date = $11,
		    trial_end_date = $12,
		    placement_confirmed_date = $13,
		    guarantee_end_date = $14,
		    sponsor_confirmed = $15,
		    agency_confirmed = $16,
		    notes = $17::jsonb,
		    reminder_sent_count = $18,
		    guarantee_claimed = $19,
		    updated_at = $20,
		    version = version + 1
		WHERE id = $1::uuid AND version = $2
		RETURNING ` + workflowColumns
	updated, err := scanWorkflow(tx.QueryRow(ctx, q,
		w.ID, w.Version,
		string(w.Status), string(w.FeeStatus), string(w.TrialOutcome),
		w.InterviewOutcome, w.FailureReason, w.FailureStage,
		w.InterviewScheduledDate, w.InterviewCompletedDate, w.TrialStartDate, w.TrialEndDate,
		w.PlacementConfirmedDate, w.GuaranteeEndDate,
		w.SponsorConfirmed, w.AgencyConfirmed,
		notesArg(w.Notes), w.ReminderSentCount, w.GuaranteeClaimed, w.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, errStaleVersion
		}
		return Workflow{}, fmt.Errorf("placement: update workflow: %w", err)
	}
	return updated, nil
}

// ActiveForMaidTx looks up the maid's non-terminal workflow inside tx.
func (r *Repository) ActiveForMaidTx(ctx context.Context, tx pgx.Tx, maidID string) (Workflow, bool, error) {
	return findOne(tx.QueryRow(ctx, `SELECT `+workflowColumns+` FROM placement_workflows WHERE maid_id = $1 AND `+activeFilter, maidID))
}

// ByIdempotencyKey returns the workflow created under key, if any.
func (r *Repository) ByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (Workflow, bool, error) {
	return findOne(tx.QueryRow(ctx, `SELECT `+workflowColumns+` FROM placement_workflows WHERE idempotency_key = $1`, key))
}

// AppendEvent adds a timeline row for the workflow.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	var actor *string
	if e.ActorID != "" {
		actor = &e.ActorID
	}
	const q = `
		INSERT INTO placement_events (workflow_id, type, actor_id, payload, created_at)
		VALUES ($1::uuid, $2, $3, $4::jsonb, $5)
	`
	if _, err := tx.Exec(ctx, q, e.WorkflowID, e.Type, actor, toJSON(e.Payload), e.CreatedAt); err != nil {
		return fmt.Errorf("placement: insert event: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Workflow, error) {
	w, err := scanWorkflow(r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM placement_workflows WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, fmt.Errorf("placement: get workflow: %w", err)
	}
	return w, nil
}

func (r *Repository) ActiveForMaid(ctx context.Context, maidID string) (Workflow, bool, error) {
	return findOne(r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM placement_workflows WHERE maid_id = $1 AND `+activeFilter, maidID))
}

func (r *Repository) ListForSponsor(ctx context.Context, sponsorID string, status *Status) ([]Workflow, error) {
	return r.list(ctx, `
		SELECT `+workflowColumns+` FROM placement_workflows
		WHERE sponsor_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id`, sponsorID, statusArg(status))
}

func (r *Repository) ListForAgency(ctx context.Context, agencyID string, status *Status) ([]Workflow, error) {
	return r.list(ctx, `
		SELECT `+workflowColumns+` FROM placement_workflows
		WHERE agency_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id`, agencyID, statusArg(status))
}

// TrialsInProgress returns every running trial, soonest end first.
func (r *Repository) TrialsInProgress(ctx context.Context) ([]Workflow, error) {
	return r.list(ctx, `
		SELECT `+workflowColumns+` FROM placement_workflows
		WHERE status = 'trial_started'
		ORDER BY trial_end_date ASC, id`)
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]Workflow, error) {
	return r.list(ctx, `
		SELECT `+workflowColumns+` FROM placement_workflows
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
}

// Stats aggregates workflows created in [from, to).
func (r *Repository) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	const q = `
		SELECT status, fee_status, platform_fee_currency, count(*),
		       COALESCE(sum(platform_fee_amount * 100), 0)::bigint
		FROM placement_workflows
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY status, fee_status, platform_fee_currency
		ORDER BY fee_status, platform_fee_currency
	`
	rows, err := r.pool.Query(ctx, q, from, to)
	if err != nil {
		return Stats{}, fmt.Errorf("placement: query stats: %w", err)
	}
	type bucket struct {
		status   Status
		fee      FeeStatus
		currency string
		count    int
		minor    int64
	}
	buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (bucket, error) {
		var b bucket
		err := row.Scan(&b.status, &b.fee, &b.currency, &b.count, &b.minor)
		return b, err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("placement: scan stats: %w", err)
	}

	stats := newStats(from, to)
	for _, b := range buckets {
		stats.add(b.status, b.fee, Money{Minor: b.minor, Currency: b.currency}, b.count)
	}
	return stats, nil
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]Workflow, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("placement: list workflows: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Workflow, error) {
		return scanWorkflow(row)
	})
	if err != nil {
		return nil, fmt.Errorf("placement: scan workflows: %w", err)
	}
	return out, nil
}

func findOne(row pgx.Row) (Workflow, bool, error) {
	w, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, false, nil
		}
		return Workflow{}, false, fmt.Errorf("placement: find workflow: %w", err)
	}
	return w, true, nil
}

func scanWorkflow(row pgx.Row) (Workflow, error) {
	var (
		w     Workflow
		notes []byte
	)
	err := row.Scan(
		&w.ID, &w.SponsorID, &w.AgencyID, &w.MaidID, &w.Status, &w.FeeStatus, &w.TrialOutcome,
		&w.InterviewOutcome, &w.FailureReason, &w.FailureStage,
		&w.ContactDate, &w.InterviewScheduledDate, &w.InterviewCompletedDate, &w.TrialStartDate, &w.TrialEndDate,
		&w.PlacementConfirmedDate, &w.GuaranteeEndDate,
		&w.SponsorConfirmed, &w.AgencyConfirmed,
		&w.Fee.Minor, &w.Fee.Currency,
		&notes, &w.ReminderSentCount, &w.GuaranteeClaimed, &w.IdempotencyKey,
		&w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return Workflow{}, err
	}
	w.Notes = notes
	return w, nil
}

func statusArg(s *Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func notesArg(notes []byte) string {
	if len(notes) == 0 {
		return "{}"
	}
	return string(notes)
}
