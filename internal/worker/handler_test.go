package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/infrastructure/memory"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/pkg/idempotency"
)

type flakyStore struct {
	*memory.ReminderStore
	failures int
}

func (s *flakyStore) ListByMedication(ctx context.Context, id string, statuses ...reminder.Status) ([]*reminder.Instance, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("store unavailable")
	}
	return s.ReminderStore.ListByMedication(ctx, id, statuses...)
}

type fixture struct {
	repo    *memory.MedicationRepository
	store   *flakyStore
	svc     *medication.Service
	handler *EventHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)
	repo := memory.NewMedicationRepository()
	store := &flakyStore{ReminderStore: memory.NewReminderStore()}
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultInboxConfig(), nil)

	return &fixture{
		repo:  repo,
		store: store,
		// no scheduler: reminders only appear through events
		svc:     medication.NewService(repo, nil, nil, medication.WithClock(func() time.Time { return now })),
		handler: NewEventHandler(repo, reminder.NewMaterializer(store, time.UTC, nil, nil), inbox, nil),
	}
}

func message(t *testing.T, e *medication.Event) *redpanda.Message {
	t.Helper()
	value, err := json.Marshal(e)
	require.NoError(t, err)
	return &redpanda.Message{Topic: redpanda.TopicMedicationEvents, Key: []byte(e.AggregateID), Value: value}
}

func (f *fixture) pending(t *testing.T, id string) int {
	t.Helper()
	inst, err := f.store.ListByMedication(context.Background(), id, reminder.StatusPending)
	require.NoError(t, err)
	return len(inst)
}

func (f *fixture) lastEvent(t *testing.T) *medication.Event {
	t.Helper()
	events := f.repo.Events()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestHandle_MaterializesActiveOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	o, err := f.svc.Create(ctx, medication.CreateInput{
		PrescriptionID: "rx-1", Name: "Amoxicilline",
		FrequencyText: "2 fois par jour", DurationText: "7 jours", StartDate: &start,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.pending(t, o.ID))

	msg := message(t, f.lastEvent(t))
	require.NoError(t, f.handler.Handle(ctx, msg))
	assert.Equal(t, 14, f.pending(t, o.ID))

	require.NoError(t, f.handler.Handle(ctx, msg))
	assert.Equal(t, 14, f.pending(t, o.ID))
}

func TestHandle_CanceledOrderCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	o, err := f.svc.Create(ctx, medication.CreateInput{
		PrescriptionID: "rx-1", Name: "A",
		FrequencyText: "1 fois par jour", DurationText: "3 jours", StartDate: &start,
	})
	require.NoError(t, err)
	require.NoError(t, f.handler.Handle(ctx, message(t, f.lastEvent(t))))
	require.Equal(t, 3, f.pending(t, o.ID))

	_, err = f.svc.Cancel(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.handler.Handle(ctx, message(t, f.lastEvent(t))))
	assert.Equal(t, 0, f.pending(t, o.ID))
}

func TestHandle_RetriesAfterStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	o, err := f.svc.Create(ctx, medication.CreateInput{
		PrescriptionID: "rx-1", Name: "A",
		FrequencyText: "1 fois par jour", DurationText: "3 jours", StartDate: &start,
	})
	require.NoError(t, err)

	f.store.failures = 1
	msg := message(t, f.lastEvent(t))
	require.Error(t, f.handler.Handle(ctx, msg))
	require.NoError(t, f.handler.Handle(ctx, msg))
	assert.Equal(t, 3, f.pending(t, o.ID))
}

func TestHandle_DropsUnprocessable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.handler.Handle(ctx, &redpanda.Message{Value: []byte("{")}))

	ghost, err := medication.NewEvent("missing", medication.EventMedicationActivated, struct{}{})
	require.NoError(t, err)
	assert.NoError(t, f.handler.Handle(ctx, message(t, ghost)))
	assert.NoError(t, f.handler.Handle(ctx, message(t, ghost)))
}
