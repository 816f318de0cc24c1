package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
)

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic, key, value})
	return nil
}

func instance() *reminder.Instance {
	return &reminder.Instance{
		ID:                "rem-1",
		MedicationOrderID: "med-1",
		PrescriptionID:    "rx-1",
		MedicationName:    "Doliprane",
		ScheduledAt:       time.Date(2024, 7, 1, 6, 0, 0, 0, time.UTC),
		Status:            reminder.StatusPending,
	}
}

func TestKafkaNotifier_Notify(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	pub := &fakePublisher{}
	n := NewKafkaNotifier(pub, nil, "reminder.notifications", paris, nil)

	require.NoError(t, n.Notify(context.Background(), instance()))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "reminder.notifications", pub.sent[0].topic)
	assert.Equal(t, "med-1", pub.sent[0].key)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &msg))
	assert.Equal(t, "rem-1", msg.ReminderID)
	assert.Equal(t, "Rappel Médicament : Doliprane", msg.Title)
	assert.Equal(t, "Prise prévue à 08:00", msg.Body)
}

func TestKafkaNotifier_BreakerOpens(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("notifications")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	pub := &fakePublisher{err: errors.New("broker down")}
	n := NewKafkaNotifier(pub, cb, "reminder.notifications", nil, nil)

	assert.Error(t, n.Notify(context.Background(), instance()))
	assert.Error(t, n.Notify(context.Background(), instance()))

	pub.err = nil
	err = n.Notify(context.Background(), instance())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Empty(t, pub.sent)
}
