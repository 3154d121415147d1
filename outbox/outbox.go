package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is a transactional outbox entry waiting for delivery.
type Message struct {
	ID string
	// Seq is the enqueue order. A retried message can be delivered after
	// later ones, so consumers that care about order sort by Seq.
	Seq       int64
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Writer appends outbox rows inside the caller's transaction so a message is
// visible exactly when the state change that produced it commits.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
