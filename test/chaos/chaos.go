package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes how often the monkey strikes.
type Options struct {
	Interval time.Duration
	// OneIn is the odds of a strike on each tick.
	OneIn int
}

// Monkey aborts placement work mid-transaction. A strike picks one session
// that is inside a transaction touching the placement tables and either
// cancels its statement or terminates the backend, so the engine sees both
// statement errors and dropped connections.
type Monkey struct {
	pool *pgxpool.Pool
	opts Options

	cancels    atomic.Int64
	terminates atomic.Int64
}

func New(pool *pgxpool.Pool, opts Options) *Monkey {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.OneIn <= 0 {
		opts.OneIn = 5
	}
	return &Monkey{pool: pool, opts: opts}
}

const victimSQL = `
	SELECT pid FROM pg_stat_activity
	WHERE datname = current_database()
	  AND pid <> pg_backend_pid()
	  AND state IN ('active', 'idle in transaction')
	  AND (query ILIKE '%placement_workflows%' OR query ILIKE '%maid_profiles%' OR query ILIKE '%outbox%')
	ORDER BY random()
	LIMIT 1`

// Run strikes until ctx is done or stop is closed.
func (m *Monkey) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(m.opts.OneIn) == 0 {
				m.strike(ctx)
			}
		}
	}
}

func (m *Monkey) strike(ctx context.Context) {
	var pid int32
	if err := m.pool.QueryRow(ctx, victimSQL).Scan(&pid); err != nil {
		return
	}
	if rand.Intn(2) == 0 {
		if _, err := m.pool.Exec(ctx, `SELECT pg_cancel_backend($1)`, pid); err == nil {
			m.cancels.Add(1)
		}
		return
	}
	if _, err := m.pool.Exec(ctx, `SELECT pg_terminate_backend($1)`, pid); err == nil {
		m.terminates.Add(1)
	}
}

// Strikes reports how many statements were cancelled and backends terminated.
func (m *Monkey) Strikes() (cancels, terminates int64) {
	return m.cancels.Load(), m.terminates.Load()
}
