package placement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"placementflow/maid"
)

// memDB is an in-memory stand-in for Postgres. Row locks are real mutexes
// held until commit or rollback and writes become visible on commit, which
// is enough to reproduce the engine's serialisation behaviour.
type memDB struct {
	mu        sync.Mutex
	workflows map[string]Workflow
	maids     map[string]maid.Profile
	events    []Event
	outbox    []outboxRecord
	locks     map[string]*sync.Mutex

	begins    int
	commits   int
	lastTx    *fakeTx
	updateErr []error
	lastLimit int
}

type outboxRecord struct {
	Topic   string
	Payload map[string]any
}

func newMemDB(maidIDs ...string) *memDB {
	db := &memDB{
		workflows: map[string]Workflow{},
		maids:     map[string]maid.Profile{},
		locks:     map[string]*sync.Mutex{},
	}
	for _, id := range maidIDs {
		db.maids[id] = maid.Profile{ID: id, FullName: "Maid " + id, HiredStatus: maid.HiredStatusAvailable}
	}
	return db
}

func (db *memDB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	db.begins++
	tx := &fakeTx{db: db}
	db.lastTx = tx
	db.mu.Unlock()
	return tx, nil
}

func (db *memDB) lockRow(tx pgx.Tx, key string) {
	db.mu.Lock()
	m, ok := db.locks[key]
	if !ok {
		m = &sync.Mutex{}
		db.locks[key] = m
	}
	db.mu.Unlock()

	m.Lock()
	ftx := tx.(*fakeTx)
	ftx.held = append(ftx.held, m)
}

func (db *memDB) stage(tx pgx.Tx, fn func()) {
	ftx := tx.(*fakeTx)
	ftx.pending = append(ftx.pending, fn)
}

func (db *memDB) workflow(id string) Workflow {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.workflows[id]
}

func (db *memDB) maid(id string) maid.Profile {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.maids[id]
}

func (db *memDB) topics() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.outbox))
	for _, m := range db.outbox {
		out = append(out, m.Topic)
	}
	return out
}

func (db *memDB) workflowsForMaid(maidID string) []Workflow {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []Workflow
	for _, w := range db.workflows {
		if w.MaidID == maidID {
			out = append(out, w)
		}
	}
	return out
}

// Store

func (db *memDB) Insert(_ context.Context, tx pgx.Tx, w Workflow) (Workflow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.workflows {
		if existing.MaidID == w.MaidID && !existing.Status.IsTerminal() {
			return Workflow{}, &pgconn.PgError{Code: "23505", ConstraintName: "placement_workflows_one_active_per_maid"}
		}
		if w.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *w.IdempotencyKey {
			return Workflow{}, &pgconn.PgError{Code: "23505", ConstraintName: "placement_workflows_idempotency_key_key"}
		}
	}
	w.Version = 1
	db.stage(tx, func() { db.workflows[w.ID] = w })
	return w, nil
}

func (db *memDB) Lock(_ context.Context, tx pgx.Tx, id string) (Workflow, error) {
	db.lockRow(tx, "workflow:"+id)
	db.mu.Lock()
	defer db.mu.Unlock()
	w, ok := db.workflows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return w, nil
}

func (db *memDB) Update(_ context.Context, tx pgx.Tx, w Workflow) (Workflow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.updateErr) > 0 {
		err := db.updateErr[0]
		db.updateErr = db.updateErr[1:]
		if err != nil {
			return Workflow{}, err
		}
	}
	current, ok := db.workflows[w.ID]
	if !ok || current.Version != w.Version {
		return Workflow{}, errStaleVersion
	}
	w.Version++
	db.stage(tx, func() { db.workflows[w.ID] = w })
	return w, nil
}

func (db *memDB) ActiveForMaidTx(ctx context.Context, _ pgx.Tx, maidID string) (Workflow, bool, error) {
	return db.ActiveForMaid(ctx, maidID)
}

func (db *memDB) ByIdempotencyKey(_ context.Context, _ pgx.Tx, key string) (Workflow, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, w := range db.workflows {
		if w.IdempotencyKey != nil && *w.IdempotencyKey == key {
			return w, true, nil
		}
	}
	return Workflow{}, false, nil
}

func (db *memDB) AppendEvent(_ context.Context, tx pgx.Tx, e Event) error {
	db.stage(tx, func() { db.events = append(db.events, e) })
	return nil
}

func (db *memDB) Get(_ context.Context, id string) (Workflow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	w, ok := db.workflows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return w, nil
}

func (db *memDB) ActiveForMaid(_ context.Context, maidID string) (Workflow, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, w := range db.workflows {
		if w.MaidID == maidID && !w.Status.IsTerminal() {
			return w, true, nil
		}
	}
	return Workflow{}, false, nil
}

func (db *memDB) ListForSponsor(_ context.Context, sponsorID string, status *Status) ([]Workflow, error) {
	return db.filter(func(w Workflow) bool {
		return w.SponsorID == sponsorID && (status == nil || w.Status == *status)
	}), nil
}

func (db *memDB) ListForAgency(_ context.Context, agencyID string, status *Status) ([]Workflow, error) {
	return db.filter(func(w Workflow) bool {
		return w.AgencyID != nil && *w.AgencyID == agencyID && (status == nil || w.Status == *status)
	}), nil
}

func (db *memDB) TrialsInProgress(context.Context) ([]Workflow, error) {
	out := db.filter(func(w Workflow) bool { return w.Status == StatusTrialStarted })
	sort.Slice(out, func(i, j int) bool { return out[i].TrialEndDate.Before(*out[j].TrialEndDate) })
	return out, nil
}

func (db *memDB) Recent(_ context.Context, limit int) ([]Workflow, error) {
	db.mu.Lock()
	db.lastLimit = limit
	db.mu.Unlock()
	out := db.filter(func(Workflow) bool { return true })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *memDB) Stats(_ context.Context, from, to time.Time) (Stats, error) {
	stats := newStats(from, to)
	for _, w := range db.filter(func(w Workflow) bool { return !w.CreatedAt.Before(from) && w.CreatedAt.Before(to) }) {
		stats.add(w.Status, w.FeeStatus, w.Fee, 1)
	}
	return stats, nil
}

// filter returns matches newest first.
func (db *memDB) filter(keep func(Workflow) bool) []Workflow {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []Workflow
	for _, w := range db.workflows {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// MaidMirror

type fakeMirror struct {
	db *memDB
}

func (m fakeMirror) Lock(_ context.Context, tx pgx.Tx, id string) (maid.Profile, error) {
	m.db.mu.Lock()
	_, ok := m.db.maids[id]
	m.db.mu.Unlock()
	if !ok {
		return maid.Profile{}, maid.ErrNotFound
	}
	m.db.lockRow(tx, "maid:"+id)
	return m.db.maid(id), nil
}

func (m fakeMirror) MarkInProcess(_ context.Context, tx pgx.Tx, maidID, workflowID string) error {
	return m.write(tx, maidID, func(p *maid.Profile) {
		p.HiredStatus = maid.HiredStatusInProcess
		p.CurrentPlacementID = &workflowID
	})
}

func (m fakeMirror) MarkOnTrial(_ context.Context, tx pgx.Tx, t maid.TrialMirror) error {
	return m.write(tx, t.MaidID, func(p *maid.Profile) {
		p.HiredStatus = maid.HiredStatusOnTrial
		p.CurrentPlacementID = &t.WorkflowID
		p.HiredBySponsorID = &t.SponsorID
		p.TrialStartDate = &t.TrialStart
		p.TrialEndDate = &t.TrialEnd
	})
}

func (m fakeMirror) MarkHired(_ context.Context, tx pgx.Tx, maidID, sponsorID string, hiredAt time.Time) error {
	return m.write(tx, maidID, func(p *maid.Profile) {
		p.HiredStatus = maid.HiredStatusHired
		p.CurrentPlacementID = nil
		p.HiredBySponsorID = &sponsorID
		p.HiredDate = &hiredAt
	})
}

func (m fakeMirror) Release(_ context.Context, tx pgx.Tx, maidID string) error {
	return m.write(tx, maidID, func(p *maid.Profile) {
		*p = maid.Profile{ID: p.ID, FullName: p.FullName, HiredStatus: maid.HiredStatusAvailable}
	})
}

func (m fakeMirror) write(tx pgx.Tx, maidID string, fn func(p *maid.Profile)) error {
	m.db.mu.Lock()
	_, ok := m.db.maids[maidID]
	m.db.mu.Unlock()
	if !ok {
		return maid.ErrNotFound
	}
	m.db.stage(tx, func() {
		p := m.db.maids[maidID]
		fn(&p)
		m.db.maids[maidID] = p
	})
	return nil
}

// OutboxWriter

type fakeOutbox struct {
	db *memDB
}

func (o fakeOutbox) Enqueue(_ context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	o.db.stage(tx, func() { o.db.outbox = append(o.db.outbox, outboxRecord{Topic: topic, Payload: payload}) })
	return nil
}

type fakeTx struct {
	db        *memDB
	pending   []func()
	held      []*sync.Mutex
	done      bool
	committed bool
	rolled    bool
}

func (f *fakeTx) release() {
	for i := len(f.held) - 1; i >= 0; i-- {
		f.held[i].Unlock()
	}
	f.held = nil
	f.done = true
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.db.mu.Lock()
	for _, fn := range f.pending {
		fn()
	}
	f.db.commits++
	f.db.mu.Unlock()
	f.committed = true
	f.release()
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.done {
		return nil
	}
	f.rolled = true
	f.pending = nil
	f.release()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
