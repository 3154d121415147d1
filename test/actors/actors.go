package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"placementflow/outbox"
	"placementflow/placement"
)

// Counters tallies what the actors observed. Rejections are expected under
// contention; datastore errors come from chaos killing backends.
type Counters struct {
	Initiated  atomic.Int64
	Conflicts  atomic.Int64
	Advanced   atomic.Int64
	Rejected   atomic.Int64
	Datastore  atomic.Int64
	Published  atomic.Int64
	ReadErrors atomic.Int64
}

func (c *Counters) String() string {
	return fmt.Sprintf("initiated=%d conflicts=%d advanced=%d rejected=%d datastore=%d published=%d read_errors=%d",
		c.Initiated.Load(), c.Conflicts.Load(), c.Advanced.Load(), c.Rejected.Load(),
		c.Datastore.Load(), c.Published.Load(), c.ReadErrors.Load())
}

// classify returns nil for outcomes the harness tolerates.
func classify(c *Counters, err error) error {
	var conflict *placement.ConflictError
	var ds *placement.DatastoreError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &conflict):
		c.Conflicts.Add(1)
		return nil
	case placement.IsRejection(err):
		c.Rejected.Add(1)
		return nil
	case errors.As(err, &ds):
		c.Datastore.Add(1)
		return nil
	}
	return err
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Initiator keeps trying to open placements for random maids, racing other
// initiators for the same profiles.
func Initiator(ctx context.Context, eng *placement.Engine, sponsorID string, maidIDs []string, c *Counters, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var agency *string
		if rand.Intn(2) == 0 {
			a := "agency-" + sponsorID
			agency = &a
		}
		_, err := eng.Initiate(ctx, placement.InitiateParams{
			SponsorID: sponsorID,
			AgencyID:  agency,
			MaidID:    maidIDs[rand.Intn(len(maidIDs))],
			Fee:       placement.Money{Minor: int64(10000 + rand.Intn(90000)), Currency: "USD"},
		})
		if err == nil {
			c.Initiated.Add(1)
		}
		if err := classify(c, err); err != nil {
			return fmt.Errorf("initiator: %w", err)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Progressor picks active workflows and fires a random operation at them,
// so confirmations race failures and fee overrides.
func Progressor(ctx context.Context, pool *pgxpool.Pool, eng *placement.Engine, c *Counters, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var id string
		err := pool.QueryRow(ctx, `
			SELECT id::text FROM placement_workflows
			WHERE status NOT IN ('placement_confirmed', 'placement_failed')
			ORDER BY random() LIMIT 1`).Scan(&id)
		if err != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		ctx := placement.WithActor(ctx, "stress-progressor")
		now := time.Now()
		switch rand.Intn(12) {
		case 0, 1:
			_, err = eng.ScheduleInterview(ctx, id, now.Add(24*time.Hour))
		case 2, 3:
			_, err = eng.CompleteInterview(ctx, id, "positive")
		case 4, 5:
			_, err = eng.StartTrial(ctx, id, now.Add(14*24*time.Hour))
		case 6:
			_, err = eng.ConfirmBySponsor(ctx, id)
		case 7:
			_, err = eng.ConfirmByAgency(ctx, id)
		case 8:
			_, err = eng.ConfirmPlacement(ctx, id, now.Add(90*24*time.Hour))
		case 9:
			_, err = eng.FailPlacement(ctx, id, "stress abort", "")
		case 10:
			if rand.Intn(2) == 0 {
				_, err = eng.HoldFee(ctx, id)
			} else {
				_, err = eng.RefundFee(ctx, id)
			}
		default:
			_, err = eng.IncrementReminderCount(ctx, id)
		}
		if err == nil {
			c.Advanced.Add(1)
		}
		if err := classify(c, err); err != nil {
			return fmt.Errorf("progressor: %w", err)
		}
		time.Sleep(time.Duration(5+rand.Intn(10)) * time.Millisecond)
	}
}

// Reader exercises the read side while writers run.
func Reader(ctx context.Context, eng *placement.Engine, c *Counters, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var err error
		switch rand.Intn(3) {
		case 0:
			_, err = eng.FindExpiringTrials(ctx, time.Now())
		case 1:
			_, err = eng.Stats(ctx, time.Now().Add(-time.Hour), time.Time{})
		default:
			_, err = eng.Recent(ctx, 50)
		}
		if err != nil && ctx.Err() == nil {
			c.ReadErrors.Add(1)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// flakyPublisher fails a fraction of deliveries to exercise retry bookkeeping.
type flakyPublisher struct {
	c *Counters
}

func (p flakyPublisher) Publish(context.Context, outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker outage")
	}
	p.c.Published.Add(1)
	return nil
}

// OutboxWorker drains the outbox through the production relay.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, c *Counters, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, flakyPublisher{c: c}, outbox.RelayOptions{
		Interval:    50 * time.Millisecond,
		BatchSize:   20,
		MaxAttempts: 5,
		MaxBackoff:  time.Second,
	}, nil)
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := relay.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.Datastore.Add(1)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
