package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"placementflow/db"
	"placementflow/maid"
	"placementflow/metrics"
	"placementflow/outbox"
)

const (
	defaultMaxAttempts = 3
	defaultRecent      = 20
	maxRecent          = 100
)

// Read operations share the metrics/error vocabulary of mutations.
const (
	opGet            Operation = "get"
	opList           Operation = "list"
	opActiveForMaid  Operation = "active_for_maid"
	opExpiringTrials Operation = "expiring_trials"
	opStats          Operation = "stats"
	opRecent         Operation = "recent"
)

// errNoop ends a transaction without writing when the request is already
// satisfied, e.g. a repeated confirmation or an idempotent initiate replay.
var errNoop = errors.New("placement: no change")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the workflow persistence the engine needs.
type Store interface {
	EventWriter
	Insert(ctx context.Context, tx pgx.Tx, w Workflow) (Workflow, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Workflow, error)
	Update(ctx context.Context, tx pgx.Tx, w Workflow) (Workflow, error)
	ActiveForMaidTx(ctx context.Context, tx pgx.Tx, maidID string) (Workflow, bool, error)
	ByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (Workflow, bool, error)

	Get(ctx context.Context, id string) (Workflow, error)
	ActiveForMaid(ctx context.Context, maidID string) (Workflow, bool, error)
	ListForSponsor(ctx context.Context, sponsorID string, status *Status) ([]Workflow, error)
	ListForAgency(ctx context.Context, agencyID string, status *Status) ([]Workflow, error)
	TrialsInProgress(ctx context.Context) ([]Workflow, error)
	Recent(ctx context.Context, limit int) ([]Workflow, error)
	Stats(ctx context.Context, from, to time.Time) (Stats, error)
}

// MaidMirror keeps maid_profiles in lockstep with the owning workflow.
type MaidMirror interface {
	Lock(ctx context.Context, tx pgx.Tx, id string) (maid.Profile, error)
	MarkInProcess(ctx context.Context, tx pgx.Tx, maidID, workflowID string) error
	MarkOnTrial(ctx context.Context, tx pgx.Tx, m maid.TrialMirror) error
	MarkHired(ctx context.Context, tx pgx.Tx, maidID, sponsorID string, hiredAt time.Time) error
	Release(ctx context.Context, tx pgx.Tx, maidID string) error
}

// Engine enforces the placement lifecycle. Every mutation is one transaction
// that locks the workflow row, validates against the transition table,
// writes with a version guard and records timeline and outbox rows.
type Engine struct {
	pool        TxBeginner
	store       Store
	maids       MaidMirror
	outbox      OutboxWriter
	log         *zap.Logger
	idGenerator func() string
	now         func() time.Time
	maxAttempts int

	autoConfirm     bool
	guaranteePeriod time.Duration
}

func NewEngine(pool TxBeginner, store Store, maids MaidMirror, out OutboxWriter) *Engine {
	if pgPool, ok := pool.(*pgxpool.Pool); ok {
		if store == nil {
			store = NewRepository(pgPool)
		}
		if maids == nil {
			maids = maid.NewRepository(pgPool)
		}
	}
	if out == nil {
		out = outbox.NewWriter()
	}
	return &Engine{
		pool:        pool,
		store:       store,
		maids:       maids,
		outbox:      out,
		log:         zap.NewNop(),
		idGenerator: func() string { return uuid.NewString() },
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		maxAttempts: defaultMaxAttempts,
	}
}

func (e *Engine) WithLogger(log *zap.Logger) *Engine {
	e.log = log.Named("placement")
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = func() time.Time { return now().UTC() }
	return e
}

// WithMaxAttempts bounds how often a transaction is replayed after a
// serialization failure, deadlock or version miss.
func (e *Engine) WithMaxAttempts(n int) *Engine {
	if n > 0 {
		e.maxAttempts = n
	}
	return e
}

// WithAutoConfirm makes the confirmation that completes the required set
// also confirm the placement, with the guarantee ending period from now.
func (e *Engine) WithAutoConfirm(period time.Duration) *Engine {
	e.autoConfirm = period > 0
	e.guaranteePeriod = period
	return e
}

// Initiate opens a workflow for the maid. The maid row is locked for the
// duration of the transaction so concurrent initiations serialise and the
// loser sees the winner's workflow as a ConflictError.
func (e *Engine) Initiate(ctx context.Context, p InitiateParams) (Workflow, error) {
	if err := p.validate(); err != nil {
		return Workflow{}, e.finish(OpInitiate, err)
	}
	if p.AgencyID != nil && strings.TrimSpace(*p.AgencyID) == "" {
		p.AgencyID = nil
	}

	var out Workflow
	// replayed reports whether the key already produced a workflow. It runs
	// again once the maid row is held: a retry racing its own original only
	// sees the original's row after that lock is granted.
	replayed := func(ctx context.Context, tx pgx.Tx) error {
		if p.IdempotencyKey == "" {
			return nil
		}
		existing, ok, err := e.store.ByIdempotencyKey(ctx, tx, p.IdempotencyKey)
		if err != nil || !ok {
			return err
		}
		if existing.MaidID != p.MaidID || existing.SponsorID != p.SponsorID {
			return ErrIdempotencyKeyReused
		}
		out = existing
		return errNoop
	}

	err := e.retry(ctx, OpInitiate, func(ctx context.Context, tx pgx.Tx) error {
		if err := replayed(ctx, tx); err != nil {
			return err
		}

		profile, err := e.maids.Lock(ctx, tx, p.MaidID)
		if err != nil {
			if errors.Is(err, maid.ErrNotFound) {
				return ErrMaidNotFound
			}
			return err
		}
		if err := replayed(ctx, tx); err != nil {
			return err
		}
		active, ok, err := e.store.ActiveForMaidTx(ctx, tx, p.MaidID)
		if err != nil {
			return err
		}
		if ok {
			return &ConflictError{MaidID: p.MaidID, BlockingID: active.ID}
		}
		if profile.HiredStatus == maid.HiredStatusHired {
			return ErrMaidUnavailable
		}

		now := e.now()
		w := Workflow{
			ID:           e.idGenerator(),
			SponsorID:    p.SponsorID,
			AgencyID:     p.AgencyID,
			MaidID:       p.MaidID,
			Status:       StatusContactInitiated,
			FeeStatus:    FeePending,
			TrialOutcome: TrialOutcomeUnset,
			ContactDate:  now,
			Fee:          p.Fee,
			Notes:        json.RawMessage(`{}`),
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if p.IdempotencyKey != "" {
			key := p.IdempotencyKey
			w.IdempotencyKey = &key
		}

		created, err := e.store.Insert(ctx, tx, w)
		if err != nil {
			return err
		}
		if err := e.maids.MarkInProcess(ctx, tx, created.MaidID, created.ID); err != nil {
			return fmt.Errorf("placement: mirror in process: %w", err)
		}
		if err := e.record(ctx, tx, created, now, []change{createdChange(created)}); err != nil {
			return err
		}
		out = created
		return nil
	})
	// The partial unique index is the backstop behind the maid row lock.
	if err != nil && db.IsUniqueViolation(err) {
		err = &ConflictError{MaidID: p.MaidID}
	}
	if err := e.finish(OpInitiate, err); err != nil {
		return Workflow{}, err
	}
	return out, nil
}

func (e *Engine) ScheduleInterview(ctx context.Context, id string, interviewDate time.Time) (Workflow, error) {
	if interviewDate.IsZero() {
		return Workflow{}, e.finish(OpScheduleInterview, &ValidationError{Field: "interview date", Reason: "required"})
	}
	return e.mutate(ctx, OpScheduleInterview, id, func(_ context.Context, _ pgx.Tx, w *Workflow, _ time.Time) ([]change, error) {
		prev, err := e.advance(OpScheduleInterview, w)
		if err != nil {
			return nil, err
		}
		at := interviewDate.UTC()
		w.InterviewScheduledDate = &at
		return []change{statusChange(prev, *w, map[string]any{"interview_date": at})}, nil
	})
}

func (e *Engine) CompleteInterview(ctx context.Context, id, outcome string) (Workflow, error) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return Workflow{}, e.finish(OpCompleteInterview, &ValidationError{Field: "interview outcome", Reason: "required"})
	}
	return e.mutate(ctx, OpCompleteInterview, id, func(_ context.Context, _ pgx.Tx, w *Workflow, now time.Time) ([]change, error) {
		prev, err := e.advance(OpCompleteInterview, w)
		if err != nil {
			return nil, err
		}
		w.InterviewOutcome = &outcome
		w.InterviewCompletedDate = &now
		return []change{statusChange(prev, *w, map[string]any{"interview_outcome": outcome})}, nil
	})
}

// StartTrial moves the fee into escrow and mirrors the trial on the maid.
func (e *Engine) StartTrial(ctx context.Context, id string, trialEnd time.Time) (Workflow, error) {
	return e.mutate(ctx, OpStartTrial, id, func(ctx context.Context, tx pgx.Tx, w *Workflow, now time.Time) ([]change, error) {
		if !trialEnd.After(now) {
			return nil, &ValidationError{Field: "trial end date", Reason: "must be in the future"}
		}
		prev, err := e.advance(OpStartTrial, w)
		if err != nil {
			return nil, err
		}
		prevFee := w.FeeStatus
		if w.FeeStatus, err = nextFee(OpStartTrial, w.FeeStatus); err != nil {
			return nil, err
		}
		end := trialEnd.UTC()
		w.TrialStartDate = &now
		w.TrialEndDate = &end

		if err := e.maids.MarkOnTrial(ctx, tx, maid.TrialMirror{
			MaidID:     w.MaidID,
			WorkflowID: w.ID,
			SponsorID:  w.SponsorID,
			TrialStart: now,
			TrialEnd:   end,
		}); err != nil {
			return nil, fmt.Errorf("placement: mirror trial: %w", err)
		}

		changes := []change{statusChange(prev, *w, map[string]any{"trial_end_date": end})}
		if prevFee != w.FeeStatus {
			changes = append(changes, feeChange(prevFee, *w))
		}
		return changes, nil
	})
}

func (e *Engine) ConfirmBySponsor(ctx context.Context, id string) (Workflow, error) {
	return e.confirmParty(ctx, OpConfirmBySponsor, id)
}

func (e *Engine) ConfirmByAgency(ctx context.Context, id string) (Workflow, error) {
	return e.confirmParty(ctx, OpConfirmByAgency, id)
}

func (e *Engine) confirmParty(ctx context.Context, op Operation, id string) (Workflow, error) {
	return e.mutate(ctx, op, id, func(ctx context.Context, tx pgx.Tx, w *Workflow, now time.Time) ([]change, error) {
		if _, err := nextStatus(op, w.Status); err != nil {
			return nil, err
		}

		party := "sponsor"
		flag := &w.SponsorConfirmed
		if op == OpConfirmByAgency {
			if !w.HasAgency() {
				return nil, ErrNoAgency
			}
			party = "agency"
			flag = &w.AgencyConfirmed
		}
		if *flag {
			return nil, nil
		}
		*flag = true

		changes := []change{{
			event: EventConfirmationRecorded,
			topic: TopicConfirmationRecorded,
			payload: map[string]any{
				"party":             party,
				"sponsor_confirmed": w.SponsorConfirmed,
				"agency_confirmed":  w.AgencyConfirmed,
			},
		}}
		if e.autoConfirm && w.confirmationsMet() {
			confirmed, err := e.applyConfirm(ctx, tx, w, now, now.Add(e.guaranteePeriod))
			if err != nil {
				return nil, err
			}
			changes = append(changes, confirmed...)
		}
		return changes, nil
	})
}

// ConfirmPlacement closes the workflow as a successful hire. Every required
// party must have confirmed first.
func (e *Engine) ConfirmPlacement(ctx context.Context, id string, guaranteeEnd time.Time) (Workflow, error) {
	return e.mutate(ctx, OpConfirmPlacement, id, func(ctx context.Context, tx pgx.Tx, w *Workflow, now time.Time) ([]change, error) {
		return e.applyConfirm(ctx, tx, w, now, guaranteeEnd)
	})
}

func (e *Engine) applyConfirm(ctx context.Context, tx pgx.Tx, w *Workflow, now, guaranteeEnd time.Time) ([]change, error) {
	if _, err := nextStatus(OpConfirmPlacement, w.Status); err != nil {
		return nil, err
	}
	if !w.confirmationsMet() {
		return nil, ErrConfirmationsMissing
	}
	if !guaranteeEnd.After(now) {
		return nil, &ValidationError{Field: "guarantee end date", Reason: "must be in the future"}
	}
	prevFee := w.FeeStatus
	fee, err := nextFee(OpConfirmPlacement, w.FeeStatus)
	if err != nil {
		return nil, err
	}
	prev, err := e.advance(OpConfirmPlacement, w)
	if err != nil {
		return nil, err
	}

	end := guaranteeEnd.UTC()
	w.FeeStatus = fee
	w.TrialOutcome = TrialOutcomePassed
	w.PlacementConfirmedDate = &now
	w.GuaranteeEndDate = &end

	if err := e.maids.MarkHired(ctx, tx, w.MaidID, w.SponsorID, now); err != nil {
		return nil, fmt.Errorf("placement: mirror hired: %w", err)
	}
	return []change{
		statusChange(prev, *w, map[string]any{"guarantee_end_date": end, "trial_outcome": w.TrialOutcome}),
		feeChange(prevFee, *w),
	}, nil
}

// FailPlacement aborts the workflow from any active stage and releases the
// maid. A fee already settled keeps its terminal label.
func (e *Engine) FailPlacement(ctx context.Context, id, reason, stage string) (Workflow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Workflow{}, e.finish(OpFailPlacement, &ValidationError{Field: "failure reason", Reason: "required"})
	}
	return e.mutate(ctx, OpFailPlacement, id, func(ctx context.Context, tx pgx.Tx, w *Workflow, _ time.Time) ([]change, error) {
		prev, err := e.advance(OpFailPlacement, w)
		if err != nil {
			return nil, err
		}
		failedAt := strings.TrimSpace(stage)
		if failedAt == "" {
			failedAt = string(prev)
		}
		prevFee := w.FeeStatus
		if !w.FeeStatus.IsTerminal() {
			if w.FeeStatus, err = nextFee(OpFailPlacement, w.FeeStatus); err != nil {
				return nil, err
			}
		}
		w.TrialOutcome = TrialOutcomeFailed
		w.FailureReason = &reason
		w.FailureStage = &failedAt

		if err := e.maids.Release(ctx, tx, w.MaidID); err != nil {
			return nil, fmt.Errorf("placement: release maid: %w", err)
		}

		changes := []change{statusChange(prev, *w, map[string]any{"reason": reason, "stage": failedAt})}
		if prevFee != w.FeeStatus {
			changes = append(changes, feeChange(prevFee, *w))
		}
		return changes, nil
	})
}

func (e *Engine) HoldFee(ctx context.Context, id string) (Workflow, error) {
	return e.setFee(ctx, OpHoldFee, id)
}

func (e *Engine) RefundFee(ctx context.Context, id string) (Workflow, error) {
	return e.setFee(ctx, OpRefundFee, id)
}

func (e *Engine) setFee(ctx context.Context, op Operation, id string) (Workflow, error) {
	return e.mutate(ctx, op, id, func(_ context.Context, _ pgx.Tx, w *Workflow, _ time.Time) ([]change, error) {
		prev := w.FeeStatus
		next, err := nextFee(op, w.FeeStatus)
		if err != nil {
			return nil, err
		}
		if next == prev {
			return nil, nil
		}
		w.FeeStatus = next
		return []change{feeChange(prev, *w)}, nil
	})
}

func (e *Engine) IncrementReminderCount(ctx context.Context, id string) (Workflow, error) {
	return e.mutate(ctx, OpIncrementReminder, id, func(_ context.Context, _ pgx.Tx, w *Workflow, _ time.Time) ([]change, error) {
		if _, err := nextStatus(OpIncrementReminder, w.Status); err != nil {
			return nil, err
		}
		w.ReminderSentCount++
		return []change{{
			event:   EventReminderRecorded,
			topic:   TopicReminderRecorded,
			payload: map[string]any{"reminder_sent_count": w.ReminderSentCount},
		}}, nil
	})
}

// UpdateNotes replaces the free-form notes object.
func (e *Engine) UpdateNotes(ctx context.Context, id string, notes json.RawMessage) (Workflow, error) {
	trimmed := bytes.TrimSpace(notes)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return Workflow{}, e.finish(OpUpdateNotes, ErrInvalidNotes)
	}
	return e.mutate(ctx, OpUpdateNotes, id, func(_ context.Context, _ pgx.Tx, w *Workflow, _ time.Time) ([]change, error) {
		w.Notes = append(json.RawMessage(nil), trimmed...)
		return []change{{
			event:   EventNotesUpdated,
			topic:   TopicNotesUpdated,
			payload: map[string]any{"size": len(trimmed)},
		}}, nil
	})
}

// ClaimGuarantee flags a confirmed placement as claimed while its guarantee
// window is still open.
func (e *Engine) ClaimGuarantee(ctx context.Context, id string) (Workflow, error) {
	return e.mutate(ctx, OpClaimGuarantee, id, func(_ context.Context, _ pgx.Tx, w *Workflow, now time.Time) ([]change, error) {
		if _, err := nextStatus(OpClaimGuarantee, w.Status); err != nil {
			return nil, err
		}
		if w.GuaranteeClaimed {
			return nil, nil
		}
		if w.GuaranteeEndDate == nil || now.After(*w.GuaranteeEndDate) {
			return nil, ErrGuaranteeExpired
		}
		w.GuaranteeClaimed = true
		return []change{{
			event:   EventGuaranteeClaimed,
			topic:   TopicGuaranteeClaimed,
			payload: map[string]any{"guarantee_end_date": *w.GuaranteeEndDate},
		}}, nil
	})
}

func (e *Engine) Get(ctx context.Context, id string) (Workflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Workflow{}, ErrNotFound
	}
	w, err := e.store.Get(ctx, id)
	return w, e.wrapRead(opGet, err)
}

func (e *Engine) ListForSponsor(ctx context.Context, sponsorID string, status *Status) ([]Workflow, error) {
	if err := validStatusFilter(status); err != nil {
		return nil, err
	}
	out, err := e.store.ListForSponsor(ctx, sponsorID, status)
	return out, e.wrapRead(opList, err)
}

func (e *Engine) ListForAgency(ctx context.Context, agencyID string, status *Status) ([]Workflow, error) {
	if err := validStatusFilter(status); err != nil {
		return nil, err
	}
	out, err := e.store.ListForAgency(ctx, agencyID, status)
	return out, e.wrapRead(opList, err)
}

// FindActivePlacementForMaid returns the maid's single non-terminal workflow.
func (e *Engine) FindActivePlacementForMaid(ctx context.Context, maidID string) (Workflow, bool, error) {
	w, ok, err := e.store.ActiveForMaid(ctx, maidID)
	return w, ok, e.wrapRead(opActiveForMaid, err)
}

// FindExpiringTrials snapshots every running trial ordered by end date and
// annotates each with the time left relative to asOf.
func (e *Engine) FindExpiringTrials(ctx context.Context, asOf time.Time) ([]ExpiringTrial, error) {
	if asOf.IsZero() {
		asOf = e.now()
	}
	trials, err := e.store.TrialsInProgress(ctx)
	if err != nil {
		return nil, e.wrapRead(opExpiringTrials, err)
	}
	out := make([]ExpiringTrial, 0, len(trials))
	for _, w := range trials {
		t := ExpiringTrial{Workflow: w}
		if w.TrialEndDate != nil {
			t.Remaining = w.TrialEndDate.Sub(asOf)
			t.Overdue = t.Remaining < 0
		}
		out = append(out, t)
	}
	return out, nil
}

// Stats aggregates workflows created in [from, to). A zero to means now.
func (e *Engine) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	if to.IsZero() {
		to = e.now()
	}
	if !to.After(from) {
		return Stats{}, &ValidationError{Field: "date range", Reason: "end must be after start"}
	}
	s, err := e.store.Stats(ctx, from.UTC(), to.UTC())
	return s, e.wrapRead(opStats, err)
}

// Recent returns the newest workflows. limit is clamped to [1, 100] and
// defaults to 20.
func (e *Engine) Recent(ctx context.Context, limit int) ([]Workflow, error) {
	out, err := e.store.Recent(ctx, clampLimit(limit))
	return out, e.wrapRead(opRecent, err)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultRecent
	case limit > maxRecent:
		return maxRecent
	}
	return limit
}

func validStatusFilter(status *Status) error {
	if status != nil && !status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *status)}
	}
	return nil
}

// advance applies the status transition for op to w and returns the status
// it left.
func (e *Engine) advance(op Operation, w *Workflow) (Status, error) {
	prev := w.Status
	next, err := nextStatus(op, prev)
	if err != nil {
		return "", err
	}
	w.Status = next
	return prev, nil
}

type applyFunc func(ctx context.Context, tx pgx.Tx, w *Workflow, now time.Time) ([]change, error)

// mutate runs the lock, validate, write, record cycle for one workflow.
// apply returning no changes means the request is already satisfied.
func (e *Engine) mutate(ctx context.Context, op Operation, id string, apply applyFunc) (Workflow, error) {
	if strings.TrimSpace(id) == "" {
		return Workflow{}, e.finish(op, &ValidationError{Field: "workflow id", Reason: "required"})
	}
	if _, err := uuid.Parse(id); err != nil {
		return Workflow{}, e.finish(op, ErrNotFound)
	}

	var out Workflow
	err := e.retry(ctx, op, func(ctx context.Context, tx pgx.Tx) error {
		current, err := e.store.Lock(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.now()
		next := current
		changes, err := apply(ctx, tx, &next, now)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			out = current
			return errNoop
		}

		next.UpdatedAt = now
		saved, err := e.store.Update(ctx, tx, next)
		if err != nil {
			return err
		}
		if err := e.record(ctx, tx, saved, now, changes); err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err := e.finish(op, err); err != nil {
		return Workflow{}, err
	}
	e.log.Debug("placement updated",
		zap.String("operation", string(op)),
		zap.String("workflow_id", out.ID),
		zap.String("status", string(out.Status)),
		zap.String("fee_status", string(out.FeeStatus)),
		zap.Int64("version", out.Version),
	)
	return out, nil
}

// retry runs fn in a fresh transaction until it succeeds, fails with a
// non-transient error or the attempt budget is spent.
func (e *Engine) retry(ctx context.Context, op Operation, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = e.runTx(ctx, fn)
		if err == nil || !e.transient(op, err) || ctx.Err() != nil {
			return err
		}
		e.log.Debug("retrying placement transaction",
			zap.String("operation", string(op)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return err
}

func (e *Engine) runTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("placement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		if errors.Is(err, errNoop) {
			return nil
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("placement: commit tx: %w", err)
	}
	return nil
}

func (e *Engine) transient(op Operation, err error) bool {
	if errors.Is(err, errStaleVersion) || db.IsRetryable(err) {
		return true
	}
	// A unique violation on initiate means a concurrent insert won. The
	// replay sees the committed row and reports a proper conflict.
	return op == OpInitiate && db.IsUniqueViolation(err)
}

// finish records the outcome metric and wraps storage failures.
func (e *Engine) finish(op Operation, err error) error {
	switch {
	case err == nil:
		metrics.ObserveTransition(string(op), metrics.ResultOK)
		return nil
	case IsRejection(err):
		metrics.ObserveTransition(string(op), metrics.ResultRejected)
		return err
	}
	metrics.ObserveTransition(string(op), metrics.ResultError)
	e.log.Warn("placement operation failed", zap.String("operation", string(op)), zap.Error(err))

	var ds *DatastoreError
	if errors.As(err, &ds) {
		return err
	}
	return &DatastoreError{Op: op, Err: err}
}

func (e *Engine) wrapRead(op Operation, err error) error {
	if err == nil || IsRejection(err) {
		return err
	}
	return &DatastoreError{Op: op, Err: err}
}
