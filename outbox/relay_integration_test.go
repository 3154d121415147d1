package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placementflow/outbox"
	"placementflow/test/infra"
)

func harness(t *testing.T) *infra.Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	h, err := infra.NewHarness(ctx)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skip("set DATABASE_URL or start docker to run postgres integration tests")
	}
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func enqueue(t *testing.T, h *infra.Harness, topic string, payload map[string]any) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.Pool().Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	require.NoError(t, outbox.NewWriter().Enqueue(ctx, tx, topic, payload))
	require.NoError(t, tx.Commit(ctx))
}

func TestRelay_PublishesToRedisStream(t *testing.T) {
	h := harness(t)
	ctx := context.Background()

	enqueue(t, h, "placement.created", map[string]any{"workflow_id": "w-1"})
	enqueue(t, h, "placement.status_changed", map[string]any{"workflow_id": "w-1", "next": "interview_scheduled"})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	relay := outbox.NewRelay(h.Pool(), outbox.NewRedisStreamPublisher(client, "placement-events"), outbox.RelayOptions{BatchSize: 10}, nil)
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := client.XRange(ctx, "placement-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "placement.created", entries[0].Values["topic"])
	assert.Equal(t, "placement.status_changed", entries[1].Values["topic"])

	var pending int
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status = 'pending'`).Scan(&pending))
	assert.Zero(t, pending)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, outbox.Message) error {
	return errors.New("broker unavailable")
}

func TestRelay_MarksDeadAfterMaxAttempts(t *testing.T) {
	h := harness(t)
	ctx := context.Background()
	enqueue(t, h, "placement.fee_changed", map[string]any{"workflow_id": "w-2"})

	relay := outbox.NewRelay(h.Pool(), failingPublisher{}, outbox.RelayOptions{MaxAttempts: 2}, nil)

	_, err := relay.RunOnce(ctx)
	require.NoError(t, err)

	var (
		status   string
		attempts int
		lastErr  string
	)
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT status, attempts, last_error FROM outbox`).Scan(&status, &attempts, &lastErr))
	assert.Equal(t, outbox.StatusPending, status)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, lastErr, "broker unavailable")

	// The row is deferred by its backoff, so an immediate retry claims nothing.
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT attempts FROM outbox`).Scan(&attempts))
	assert.Equal(t, 1, attempts)

	_, err = h.Pool().Exec(ctx, `UPDATE outbox SET next_attempt_at = now()`)
	require.NoError(t, err)

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Pool().QueryRow(ctx, `SELECT status, attempts, last_error FROM outbox`).Scan(&status, &attempts, &lastErr))
	assert.Equal(t, outbox.StatusDead, status)
	assert.Equal(t, 2, attempts)
}

func TestRelay_FailedBatchDoesNotSpin(t *testing.T) {
	h := harness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		enqueue(t, h, "placement.status_changed", map[string]any{"workflow_id": "w-3", "n": i})
	}

	relay := outbox.NewRelay(h.Pool(), failingPublisher{}, outbox.RelayOptions{
		Interval:    time.Hour,
		BatchSize:   3,
		MaxAttempts: 10,
	}, nil)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rows, err := h.Pool().Query(context.Background(), `SELECT attempts, status FROM outbox ORDER BY seq`)
	require.NoError(t, err)
	defer rows.Close()
	var got []int
	for rows.Next() {
		var (
			attempts int
			status   string
		)
		require.NoError(t, rows.Scan(&attempts, &status))
		assert.Equal(t, outbox.StatusPending, status)
		got = append(got, attempts)
	}
	require.NoError(t, rows.Err())
	// Each pass stops at its first failure and a failed row waits out its
	// backoff, so two passes cost one attempt each on the first two rows.
	assert.Equal(t, []int{1, 1, 0}, got)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	h := harness(t)
	ctx, cancel := context.WithCancel(context.Background())

	relay := outbox.NewRelay(h.Pool(), failingPublisher{}, outbox.RelayOptions{Interval: 10 * time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}
