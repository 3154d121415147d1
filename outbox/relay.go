package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"placementflow/metrics"
)

// Publisher delivers one outbox message to the notification side.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type RelayOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// MaxBackoff caps the delay before a failed message is claimed again.
	// The delay doubles from Interval on each attempt.
	MaxBackoff time.Duration
}

// Relay drains pending outbox rows with FOR UPDATE SKIP LOCKED, so several
// relays can share one table without double delivery inside a batch.
type Relay struct {
	pool      TxBeginner
	publisher Publisher
	opts      RelayOptions
	log       *zap.Logger
}

func NewRelay(pool TxBeginner, publisher Publisher, opts RelayOptions, log *zap.Logger) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{pool: pool, publisher: publisher, opts: opts, log: log.Named("outbox")}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", zap.Duration("interval", r.opts.Interval), zap.Int("batch", r.opts.BatchSize))
	for {
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.log.Warn("outbox relay batch failed", zap.Error(err))
				break
			}
			if n < r.opts.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce delivers a single batch and returns how many messages were
// published. The batch stops at the first publish failure: the failed row is
// pushed back by its backoff and the rows after it stay pending untouched, so
// an unavailable broker costs one attempt per batch rather than one per row.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id::text, seq, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY seq
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.Query(ctx, claimSQL, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Seq, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: scan batch: %w", err)
	}

	delivered := 0
	for _, msg := range batch {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			if err := r.recordFailure(ctx, tx, msg, err); err != nil {
				return 0, err
			}
			metrics.ObserveOutboxPublish(metrics.ResultError)
			break
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1::uuid`, msg.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
		metrics.ObserveOutboxPublish(metrics.ResultOK)
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return delivered, nil
}

// backoff returns the delay before the given attempt number is retried.
func (r *Relay) backoff(attempt int) time.Duration {
	d := r.opts.Interval
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	if d > r.opts.MaxBackoff {
		return r.opts.MaxBackoff
	}
	return d
}

func (r *Relay) recordFailure(ctx context.Context, tx pgx.Tx, msg Message, cause error) error {
	attempt := msg.Attempts + 1
	status := StatusPending
	if attempt >= r.opts.MaxAttempts {
		status = StatusDead
	}
	delay := r.backoff(attempt)
	r.log.Warn("outbox publish failed",
		zap.String("outbox_id", msg.ID),
		zap.Int64("seq", msg.Seq),
		zap.String("topic", msg.Topic),
		zap.Int("attempt", attempt),
		zap.String("next_status", status),
		zap.Duration("retry_in", delay),
		zap.Error(cause),
	)

	const q = `
		UPDATE outbox
		SET attempts = attempts + 1,
		    status = $2,
		    last_error = $3,
		    last_attempt = now(),
		    next_attempt_at = now() + make_interval(secs => $4)
		WHERE id = $1::uuid
	`
	if _, err := tx.Exec(ctx, q, msg.ID, status, cause.Error(), delay.Seconds()); err != nil {
		return fmt.Errorf("outbox: record failure: %w", err)
	}
	return nil
}
