package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"placementflow/placement"
	"placementflow/test/actors"
	"placementflow/test/chaos"
	"placementflow/test/infra"
	"placementflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flMaids       = flag.Int("maids", 12, "size of the contested maid pool")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "cancel or terminate placement sessions during the run")
)

func TestPlacementConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	db, err := infra.OpenDatabase(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("no database available: %v", err)
	}
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close(context.Background())
	t.Logf("stress database: %s", db.Source)

	pool, teardown, err := infra.ApplyMigrations(ctx, db.DSN, db.Shared())
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	maidIDs := make([]string, *flMaids)
	for i := range maidIDs {
		maidIDs[i] = fmt.Sprintf("stress-maid-%02d", i)
	}
	if err := infra.SeedMaids(ctx, pool, maidIDs...); err != nil {
		t.Fatalf("seed: %v", err)
	}

	eng := placement.NewEngine(pool, nil, nil, nil).WithMaxAttempts(5)
	if rand.Intn(2) == 0 {
		eng.WithAutoConfirm(90 * 24 * time.Hour)
	}

	var counters actors.Counters
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		sponsor := fmt.Sprintf("sponsor-%d", i)
		g.Go(func() error { return actors.Initiator(ctx2, eng, sponsor, maidIDs, &counters, stop) })
		g.Go(func() error { return actors.Progressor(ctx2, pool, eng, &counters, stop) })
	}
	g.Go(func() error { return actors.Reader(ctx2, eng, &counters, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, &counters, stop) })
	var monkey *chaos.Monkey
	if *flChaos {
		monkey = chaos.New(pool, chaos.Options{})
		go monkey.Run(ctx2, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own backend
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
	if monkey != nil {
		cancels, terminates := monkey.Strikes()
		t.Logf("chaos: cancelled=%d terminated=%d", cancels, terminates)
	}
	t.Logf("stress finished: %s (seed=%d)", counters.String(), seed)
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"placement_workflows", `SELECT id, maid_id, status, fee_status, version, updated_at FROM placement_workflows ORDER BY updated_at DESC LIMIT 50`},
		{"maid_profiles", `SELECT id, hired_status, current_placement_id, hired_by_sponsor_id FROM maid_profiles ORDER BY id`},
		{"placement_events", `SELECT id, workflow_id, type, created_at FROM placement_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, seq, topic, status, attempts, next_attempt_at FROM outbox ORDER BY seq DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
