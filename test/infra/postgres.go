package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated Postgres for integration tests. A shared database
// is used inside a throwaway schema; otherwise the harness owns the whole
// database and releases it on Close.
type Harness struct {
	db       *Database
	pool     *pgxpool.Pool
	teardown func(context.Context) error
}

func NewHarness(ctx context.Context) (*Harness, error) {
	db, err := OpenDatabase(ctx, "")
	if err != nil {
		return nil, err
	}

	pool, teardown, err := ApplyMigrations(ctx, db.DSN, db.Shared())
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}

	return &Harness{db: db, pool: pool, teardown: teardown}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.db.DSN
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.db.Close(ctx)
}

// Reset truncates mutable tables to provide a clean slate between tests.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, `TRUNCATE TABLE placement_events, outbox, placement_workflows, maid_profiles, accounts CASCADE`); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SeedMaids inserts available maid profiles.
func (h *Harness) SeedMaids(ctx context.Context, ids ...string) error {
	return SeedMaids(ctx, h.pool, ids...)
}

func SeedMaids(ctx context.Context, pool *pgxpool.Pool, ids ...string) error {
	for _, id := range ids {
		if _, err := pool.Exec(ctx, `INSERT INTO maid_profiles (id, full_name) VALUES ($1, $2)`, id, "Maid "+id); err != nil {
			return fmt.Errorf("seed maid %s: %w", id, err)
		}
	}
	return nil
}
