// Package worker turns medication events into reminder reconciliation. Events
// only signal that an order changed; the handler always re-reads the order so
// replays and out-of-order deliveries converge on the stored state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/pkg/idempotency"
)

// HandlerName identifies this consumer in the inbox.
const HandlerName = "reminder-materializer"

// OrderReader loads the current order.
type OrderReader interface {
	Get(ctx context.Context, id string) (*medication.Order, error)
}

// Materializer reconciles reminders for an order.
type Materializer interface {
	Materialize(ctx context.Context, o *medication.Order) (reminder.Result, error)
	CancelAll(ctx context.Context, orderID string) error
}

// EventHandler consumes medication.events.
type EventHandler struct {
	orders       OrderReader
	materializer Materializer
	inbox        *idempotency.Inbox
	logger       *zap.Logger
}

// NewEventHandler creates a handler. A nil inbox processes every delivery.
func NewEventHandler(orders OrderReader, materializer Materializer, inbox *idempotency.Inbox, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{orders: orders, materializer: materializer, inbox: inbox, logger: logger}
}

// Handle processes one record. Malformed records and events for unknown
// orders are dropped; store failures are returned for retry.
func (h *EventHandler) Handle(ctx context.Context, msg *redpanda.Message) error {
	event, err := medication.DecodeEvent(msg.Value)
	if err != nil || event.ID == "" || event.AggregateID == "" {
		h.logger.Warn("dropping malformed medication event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	if h.inbox == nil {
		_, err := h.apply(ctx, event)
		return h.filter(event, err)
	}

	payload, _ := json.Marshal(event)
	_, err = h.inbox.Process(ctx, idempotency.Key(event.ID, HandlerName), HandlerName, payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			res, err := h.apply(ctx, event)
			if err != nil {
				return nil, err
			}
			return json.Marshal(res)
		})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		return nil
	case errors.Is(err, idempotency.ErrMessageInProgress):
		return err
	}
	return h.filter(event, err)
}

func (h *EventHandler) apply(ctx context.Context, event *medication.Event) (reminder.Result, error) {
	o, err := h.orders.Get(ctx, event.AggregateID)
	if errors.Is(err, medication.ErrNotFound) {
		return reminder.Result{}, fmt.Errorf("medication %s: %w", event.AggregateID, idempotency.ErrPermanent)
	}
	if err != nil {
		return reminder.Result{}, err
	}

	switch o.Status {
	case medication.StatusCanceled:
		return reminder.Result{}, h.materializer.CancelAll(ctx, o.ID)
	case medication.StatusActive:
		res, err := h.materializer.Materialize(ctx, o)
		if err == nil && !res.Noop() {
			h.logger.Info("reminders converged from event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.EventType)),
				zap.String("medication_id", o.ID),
				zap.Int("created", res.Created),
				zap.Int("canceled", res.Canceled))
		}
		return res, err
	default:
		return reminder.Result{}, nil
	}
}

// filter swallows permanent failures so the consumer moves on.
func (h *EventHandler) filter(event *medication.Event, err error) error {
	if errors.Is(err, idempotency.ErrPermanent) {
		h.logger.Warn("skipping medication event",
			zap.String("event_id", event.ID),
			zap.String("medication_id", event.AggregateID),
			zap.Error(err))
		return nil
	}
	return err
}
