package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Timeline event types.
const (
	EventCreated              = "PLACEMENT_CREATED"
	EventStatusChanged        = "PLACEMENT_STATUS_CHANGED"
	EventConfirmationRecorded = "PLACEMENT_CONFIRMATION_RECORDED"
	EventFeeChanged           = "PLACEMENT_FEE_CHANGED"
	EventReminderRecorded     = "PLACEMENT_REMINDER_RECORDED"
	EventNotesUpdated         = "PLACEMENT_NOTES_UPDATED"
	EventGuaranteeClaimed     = "PLACEMENT_GUARANTEE_CLAIMED"
)

// Outbox topics consumed by the notification dispatcher and billing.
const (
	TopicCreated              = "placement.created"
	TopicStatusChanged        = "placement.status_changed"
	TopicConfirmationRecorded = "placement.confirmation_recorded"
	TopicFeeChanged           = "placement.fee_changed"
	TopicReminderRecorded     = "placement.reminder_recorded"
	TopicNotesUpdated         = "placement.notes_updated"
	TopicGuaranteeClaimed     = "placement.guarantee_claimed"
)

// change is one fact produced by an operation. Each change becomes a timeline
// row and an outbox message in the same transaction as the workflow write.
type change struct {
	event   string
	topic   string
	payload map[string]any
}

func createdChange(w Workflow) change {
	return change{event: EventCreated, topic: TopicCreated, payload: map[string]any{
		"status":       w.Status,
		"fee_status":   w.FeeStatus,
		"fee_amount":   w.Fee.Decimal(),
		"fee_currency": w.Fee.Currency,
		"agency_id":    w.AgencyID,
	}}
}

func statusChange(prev Status, w Workflow, extra map[string]any) change {
	payload := map[string]any{
		"previous": prev,
		"next":     w.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return change{event: EventStatusChanged, topic: TopicStatusChanged, payload: payload}
}

func feeChange(prev FeeStatus, w Workflow) change {
	return change{event: EventFeeChanged, topic: TopicFeeChanged, payload: map[string]any{
		"previous":     prev,
		"next":         w.FeeStatus,
		"fee_amount":   w.Fee.Decimal(),
		"fee_currency": w.Fee.Currency,
	}}
}

// EventWriter appends timeline rows.
type EventWriter interface {
	AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error
}

// OutboxWriter enqueues a message for asynchronous delivery.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

func (e *Engine) record(ctx context.Context, tx pgx.Tx, w Workflow, now time.Time, changes []change) error {
	actor := ActorFromContext(ctx)
	for _, c := range changes {
		payload := map[string]any{
			"workflow_id": w.ID,
			"maid_id":     w.MaidID,
			"sponsor_id":  w.SponsorID,
			"version":     w.Version,
		}
		for k, v := range c.payload {
			payload[k] = v
		}
		if actor != "" {
			payload["actor_id"] = actor
		}

		if err := e.store.AppendEvent(ctx, tx, Event{
			WorkflowID: w.ID,
			Type:       c.event,
			ActorID:    actor,
			Payload:    payload,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := e.outbox.Enqueue(ctx, tx, c.topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func toJSON(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("placement: marshal payload: %v", err))
	}
	return string(b)
}
