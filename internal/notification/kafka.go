// Package notification hands due reminders to the notification transport by
// publishing them on a Kafka topic. Push delivery happens downstream.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
)

// Message is the payload published for one due reminder.
type Message struct {
	ReminderID     string    `json:"reminder_id"`
	MedicationID   string    `json:"medication_id"`
	PrescriptionID string    `json:"prescription_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// KafkaNotifier implements reminder.Notifier.
type KafkaNotifier struct {
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	topic     string
	loc       *time.Location
	logger    *zap.Logger
}

// NewKafkaNotifier creates a notifier publishing to topic. Clock times in the
// message body are rendered in loc. A nil breaker publishes directly.
func NewKafkaNotifier(publisher Publisher, breaker *circuitbreaker.CircuitBreaker, topic string, loc *time.Location, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &KafkaNotifier{
		publisher: publisher,
		breaker:   breaker,
		topic:     topic,
		loc:       loc,
		logger:    logger,
	}
}

// Notify publishes the reminder keyed by medication id.
func (n *KafkaNotifier) Notify(ctx context.Context, inst *reminder.Instance) error {
	payload, err := json.Marshal(n.Build(inst))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	publish := func(ctx context.Context) error {
		return n.publisher.Publish(ctx, n.topic, inst.MedicationOrderID, payload)
	}
	if n.breaker == nil {
		return publish(ctx)
	}
	return n.breaker.Do(ctx, publish)
}

// Build renders the notification for an instance.
func (n *KafkaNotifier) Build(inst *reminder.Instance) Message {
	return Message{
		ReminderID:     inst.ID,
		MedicationID:   inst.MedicationOrderID,
		PrescriptionID: inst.PrescriptionID,
		Title:          "Rappel Médicament : " + inst.MedicationName,
		Body:           "Prise prévue à " + inst.ScheduledAt.In(n.loc).Format("15:04"),
		ScheduledAt:    inst.ScheduledAt,
	}
}
