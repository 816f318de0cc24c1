package medication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medremind/internal/dosing"
)

type fakeRepo struct {
	mu     sync.Mutex
	orders map[string]*Order
	events []*Event
	err    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{orders: make(map[string]*Order)}
}

func (r *fakeRepo) Save(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if cur, ok := r.orders[o.ID]; ok && cur.Version != o.Version {
		return ErrConflict
	}
	o.Version++
	r.events = append(r.events, o.Changes()...)
	o.ClearChanges()
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (r *fakeRepo) ListByPrescription(_ context.Context, prescriptionID string) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.orders {
		if o.PrescriptionID == prescriptionID {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) ListActiveEndingBefore(_ context.Context, date time.Time, _ int) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.orders {
		if o.Status == StatusActive && o.EndDate != nil && o.EndDate.Before(date) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) eventTypes() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeScheduler struct {
	reconciled []string
	canceled   []string
	err        error
}

func (f *fakeScheduler) Reconcile(_ context.Context, o *Order) error {
	f.reconciled = append(f.reconciled, o.ID)
	return f.err
}

func (f *fakeScheduler) CancelAll(_ context.Context, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return f.err
}

type countingObserver struct{ events []string }

func (c *countingObserver) ObserveTransition(event string) { c.events = append(c.events, event) }

var fixedNow = time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)

func newTestService(repo Repository, sched Scheduler, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(repo, sched, nil, opts...)
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := dosing.ParseDate(s)
	require.NoError(t, err)
	return d
}

func strPtr(s string) *string { return &s }

func TestService_CreateUnscheduled(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := newTestService(repo, sched)

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1",
		Name:           "Doliprane",
		DosageText:     "1 comprimé",
		FrequencyText:  "3 fois par jour",
		DurationText:   "5 jours",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusUnscheduled, o.Status)
	assert.Equal(t, []string{"08:00", "12:00", "16:00"}, o.DosingTimes)
	assert.Nil(t, o.EndDate)
	assert.Equal(t, 1, o.Version)
	assert.Empty(t, sched.reconciled)
	assert.Equal(t, []EventType{EventMedicationCreated}, repo.eventTypes())
}

func TestService_CreateWithStartDateActivates(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	obs := &countingObserver{}
	svc := newTestService(repo, sched, WithObserver(obs))
	start := date(t, "2024-01-01")

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1",
		Name:           "Amoxicilline",
		FrequencyText:  "2 fois par jour",
		DurationText:   "1 semaine",
		StartDate:      &start,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, o.Status)
	require.NotNil(t, o.EndDate)
	assert.Equal(t, "2024-01-07", dosing.FormatDate(*o.EndDate))
	assert.Equal(t, []string{o.ID}, sched.reconciled)
	assert.Equal(t, []string{"MedicationCreated", "MedicationActivated"}, obs.events)
}

func TestService_CreateRejectsMissingName(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeScheduler{})

	_, err := svc.Create(context.Background(), CreateInput{PrescriptionID: "rx-1", Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_CreateRejectsOutOfRangeCounts(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := newTestService(repo, sched)
	start := date(t, "2024-01-01")

	_, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Doliprane",
		FrequencyText: "999999999999999 fois par jour", DurationText: "7 jours", StartDate: &start,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, dosing.ErrOutOfRange)

	_, err = svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Doliprane",
		FrequencyText: "2 fois par jour", DurationText: "5000000 jours", StartDate: &start,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, repo.eventTypes())
	assert.Empty(t, sched.reconciled)
}

func TestService_EditRejectsOutOfRangeCounts(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := newTestService(repo, sched)
	start := date(t, "2024-01-01")

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Amoxicilline",
		FrequencyText: "2 fois par jour", DurationText: "7 jours", StartDate: &start,
	})
	require.NoError(t, err)

	_, err = svc.Edit(context.Background(), o.ID, Edit{FrequencyText: strPtr("25 fois par jour")})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Edit(context.Background(), o.ID, Edit{DurationText: strPtr("11 ans et 122 mois")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	stored, err := svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "2 fois par jour", stored.FrequencyText)
	assert.Equal(t, "7 jours", stored.DurationText)
	assert.Len(t, sched.reconciled, 1)
}

func TestService_EditRecomputesAndReconciles(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := newTestService(repo, sched)
	start := date(t, "2024-01-01")

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Amoxicilline",
		FrequencyText: "2 fois par jour", DurationText: "7 jours", StartDate: &start,
	})
	require.NoError(t, err)

	edited, err := svc.Edit(context.Background(), o.ID, Edit{DurationText: strPtr("14 jours")})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-14", dosing.FormatDate(*edited.EndDate))
	assert.Len(t, sched.reconciled, 2)

	stored, err := svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, "14 jours", stored.DurationText)
	assert.Equal(t, EventMedicationRescheduled, repo.eventTypes()[2])
}

func TestService_EditNameOnlySkipsReconcile(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := newTestService(repo, sched)
	start := date(t, "2024-01-01")

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Amoxicilline",
		FrequencyText: "2 fois par jour", DurationText: "7 jours", StartDate: &start,
	})
	require.NoError(t, err)

	edited, err := svc.Edit(context.Background(), o.ID, Edit{Name: strPtr("Clamoxyl")})
	require.NoError(t, err)
	assert.Equal(t, "Clamoxyl", edited.Name)
	assert.Len(t, sched.reconciled, 1)
}

func TestService_EditStartDateActivatesUnscheduled(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := newTestService(repo, sched)

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Doliprane",
		FrequencyText: "1 fois par jour", DurationText: "3 jours",
	})
	require.NoError(t, err)

	start := date(t, "2024-02-28")
	edited, err := svc.Edit(context.Background(), o.ID, Edit{
		StartDate:    &start,
		DurationText: strPtr("2 jours"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, edited.Status)
	assert.Equal(t, "2024-02-29", dosing.FormatDate(*edited.EndDate))
	assert.Equal(t, []string{o.ID}, sched.reconciled)
}

func TestService_EditTerminalFails(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeScheduler{})

	o, err := svc.Create(context.Background(), CreateInput{PrescriptionID: "rx-1", Name: "Doliprane"})
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), o.ID)
	require.NoError(t, err)

	_, err = svc.Edit(context.Background(), o.ID, Edit{Name: strPtr("x")})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_CancelCascades(t *testing.T) {
	sched := &fakeScheduler{}
	svc := newTestService(newFakeRepo(), sched)
	start := date(t, "2024-01-01")

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Doliprane",
		FrequencyText: "1 fois par jour", DurationText: "3 jours", StartDate: &start,
	})
	require.NoError(t, err)

	canceled, err := svc.Cancel(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status)
	assert.Equal(t, []string{o.ID}, sched.canceled)
}

func TestService_ActivateTwiceFails(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeScheduler{})

	o, err := svc.Create(context.Background(), CreateInput{PrescriptionID: "rx-1", Name: "Doliprane"})
	require.NoError(t, err)

	_, err = svc.Activate(context.Background(), o.ID, date(t, "2024-01-01"))
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), o.ID, date(t, "2024-01-02"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_CompleteRequiresActive(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeScheduler{})

	o, err := svc.Create(context.Background(), CreateInput{PrescriptionID: "rx-1", Name: "Doliprane"})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_GetNotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeScheduler{})

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_SchedulerFailureIsOutOfSync(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{err: errors.New("store down")}
	svc := newTestService(repo, sched)
	start := date(t, "2024-01-01")

	o, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Doliprane",
		FrequencyText: "1 fois par jour", DurationText: "3 jours", StartDate: &start,
	})
	assert.ErrorIs(t, err, ErrRemindersOutOfSync)
	require.NotNil(t, o)

	stored, getErr := svc.Get(context.Background(), o.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestService_SaveFailureIsWrapped(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("connection refused")
	svc := newTestService(repo, &fakeScheduler{})

	_, err := svc.Create(context.Background(), CreateInput{PrescriptionID: "rx-1", Name: "Doliprane"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save medication")
}

func TestService_RescheduleByPrescription(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := newTestService(repo, sched)
	start := date(t, "2024-01-01")

	active, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Amoxicilline",
		FrequencyText: "2 fois par jour", DurationText: "7 jours", StartDate: &start,
	})
	require.NoError(t, err)
	pending, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Doliprane",
		FrequencyText: "3 fois par jour", DurationText: "5 jours",
	})
	require.NoError(t, err)
	done, err := svc.Create(context.Background(), CreateInput{PrescriptionID: "rx-1", Name: "Smecta"})
	require.NoError(t, err)
	_, err = svc.Cancel(context.Background(), done.ID)
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), CreateInput{PrescriptionID: "rx-2", Name: "Other"})
	require.NoError(t, err)

	newStart := date(t, "2024-01-15")
	updated, err := svc.RescheduleByPrescription(context.Background(), "rx-1", newStart)
	require.NoError(t, err)
	assert.Len(t, updated, 2)

	a, err := svc.Get(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-21", dosing.FormatDate(*a.EndDate))

	p, err := svc.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, "2024-01-19", dosing.FormatDate(*p.EndDate))

	d, err := svc.Get(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, d.Status)
}

func TestService_RescheduleRequiresDate(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeScheduler{})

	_, err := svc.RescheduleByPrescription(context.Background(), "rx-1", time.Time{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_CompleteExpired(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeScheduler{})

	ended := date(t, "2024-01-01")
	expired, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Amoxicilline",
		FrequencyText: "2 fois par jour", DurationText: "7 jours", StartDate: &ended,
	})
	require.NoError(t, err)

	// Ends on 2024-01-10, which is today: still running.
	running := date(t, "2024-01-06")
	current, err := svc.Create(context.Background(), CreateInput{
		PrescriptionID: "rx-1", Name: "Doliprane",
		FrequencyText: "1 fois par jour", DurationText: "5 jours", StartDate: &running,
	})
	require.NoError(t, err)

	n, err := svc.CompleteExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := svc.Get(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)

	c, err := svc.Get(context.Background(), current.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status)

	n, err = svc.CompleteExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompletionSweeper_InvalidSchedule(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil)
	sweeper := NewCompletionSweeper(svc, "every tuesday", 0, nil)
	assert.Error(t, sweeper.Start(context.Background()))
}

func TestCompletionSweeper_StartStop(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil)
	sweeper := NewCompletionSweeper(svc, "", 0, nil)
	require.NoError(t, sweeper.Start(context.Background()))
	sweeper.Stop()
}
