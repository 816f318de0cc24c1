package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/dosing"
	"github.com/drfirst/go-medremind/internal/infrastructure/memory"
)

type brokenStore struct {
	*memory.ReminderStore
}

func (brokenStore) ListByMedication(context.Context, string, ...reminder.Status) ([]*reminder.Instance, error) {
	return nil, errors.New("reminder store unavailable")
}

func newTestRouter(t *testing.T, store reminder.Store) http.Handler {
	t.Helper()
	now := time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)
	mat := reminder.NewMaterializer(store, time.UTC, nil, nil)
	svc := medication.NewService(memory.NewMedicationRepository(), mat, nil,
		medication.WithClock(func() time.Time { return now }))

	r := chi.NewRouter()
	r.Route("/api/v1", NewMedicationHandler(svc, store, nil).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateAndListReminders(t *testing.T) {
	h := newTestRouter(t, memory.NewReminderStore())

	rec := do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
		`{"name":"Amoxicilline","dosage":"1g","frequency":"2 fois par jour","duration":"7 jours","start_date":"2024-01-10"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[MedicationResponse](t, rec)
	assert.Equal(t, "active", created.Status)
	assert.Equal(t, "2024-01-16", created.EndDate)
	assert.Equal(t, []string{"08:00", "14:00"}, created.DosingTimes)
	assert.True(t, created.Schedule.Computable)

	rec = do(t, h, http.MethodGet, "/api/v1/medications/"+created.ID+"/reminders?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]reminder.Instance](t, rec), 14)

	rec = do(t, h, http.MethodGet, "/api/v1/prescriptions/rx-1/medications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]MedicationResponse](t, rec), 1)
}

func TestEditRecomputesSchedule(t *testing.T) {
	h := newTestRouter(t, memory.NewReminderStore())
	created := decode[MedicationResponse](t, do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
		`{"name":"Doliprane","frequency":"1 fois par jour","duration":"3 jours","start_date":"2024-01-10"}`))

	rec := do(t, h, http.MethodPatch, "/api/v1/medications/"+created.ID, `{"duration":"1 semaine"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2024-01-16", decode[MedicationResponse](t, rec).EndDate)

	rec = do(t, h, http.MethodGet, "/api/v1/medications/"+created.ID+"/reminders?status=pending", "")
	assert.Len(t, decode[[]reminder.Instance](t, rec), 7)
}

func TestEditToUnparseableScheduleClearsPending(t *testing.T) {
	cases := map[string]string{
		"frequency without count": `{"frequency":"tous les jours"}`,
		"empty frequency":         `{"frequency":""}`,
		"duration without unit":   `{"duration":"pendant longtemps"}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			h := newTestRouter(t, memory.NewReminderStore())
			created := decode[MedicationResponse](t, do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
				`{"name":"Amoxicilline","frequency":"2 fois par jour","duration":"7 jours","start_date":"2024-01-10"}`))
			rec := do(t, h, http.MethodGet, "/api/v1/medications/"+created.ID+"/reminders?status=pending", "")
			require.Len(t, decode[[]reminder.Instance](t, rec), 14)

			rec = do(t, h, http.MethodPatch, "/api/v1/medications/"+created.ID, body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			edited := decode[MedicationResponse](t, rec)
			assert.Equal(t, "active", edited.Status)
			assert.False(t, edited.Schedule.Computable)

			rec = do(t, h, http.MethodGet, "/api/v1/medications/"+created.ID+"/reminders?status=pending", "")
			assert.Empty(t, decode[[]reminder.Instance](t, rec))
			rec = do(t, h, http.MethodGet, "/api/v1/medications/"+created.ID+"/reminders?status=canceled", "")
			assert.Len(t, decode[[]reminder.Instance](t, rec), 14)
		})
	}
}

func TestOutOfRangeCountsAreRejected(t *testing.T) {
	h := newTestRouter(t, memory.NewReminderStore())

	rec := do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
		`{"name":"A","frequency":"999999999999999 fois par jour","duration":"7 jours","start_date":"2024-01-10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
		`{"name":"A","frequency":"1 fois par jour","duration":"5000000 jours","start_date":"2024-01-10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	created := decode[MedicationResponse](t, do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
		`{"name":"A","frequency":"1 fois par jour","duration":"3 jours","start_date":"2024-01-10"}`))
	rec = do(t, h, http.MethodPatch, "/api/v1/medications/"+created.ID, `{"frequency":"100 fois par jour"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/medications/"+created.ID+"/reminders?status=pending", "")
	assert.Len(t, decode[[]reminder.Instance](t, rec), 3)
}

func TestActivateAndCancel(t *testing.T) {
	h := newTestRouter(t, memory.NewReminderStore())
	created := decode[MedicationResponse](t, do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
		`{"name":"Doliprane","frequency":"3 fois par jour","duration":"2 jours"}`))
	assert.Equal(t, "unscheduled", created.Status)
	assert.False(t, created.Schedule.Computable)

	rec := do(t, h, http.MethodPost, "/api/v1/medications/"+created.ID+"/activate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/medications/"+created.ID+"/activate", `{"start_date":"2024-01-11"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decode[MedicationResponse](t, rec).Status)

	rec = do(t, h, http.MethodPost, "/api/v1/medications/"+created.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/medications/"+created.ID+"/reminders?status=pending", "")
	assert.Empty(t, decode[[]reminder.Instance](t, rec))

	rec = do(t, h, http.MethodPost, "/api/v1/medications/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReschedulePrescription(t *testing.T) {
	h := newTestRouter(t, memory.NewReminderStore())
	for _, name := range []string{"A", "B"} {
		rec := do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
			`{"name":"`+name+`","frequency":"1 fois par jour","duration":"2 jours"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/reschedule", `{"start_date":"2024-02-01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	orders := decode[[]MedicationResponse](t, rec)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, "2024-02-02", o.EndDate)
	}
}

func TestErrors(t *testing.T) {
	h := newTestRouter(t, memory.NewReminderStore())

	rec := do(t, h, http.MethodGet, "/api/v1/medications/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "not found")

	rec = do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications", `{"frequency":"1 fois par jour"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications", `{"name":"A","start_date":"10/01/2024"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutOfSyncIsAccepted(t *testing.T) {
	h := newTestRouter(t, brokenStore{memory.NewReminderStore()})

	rec := do(t, h, http.MethodPost, "/api/v1/prescriptions/rx-1/medications",
		`{"name":"A","frequency":"1 fois par jour","duration":"2 jours","start_date":"2024-01-10"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(OutOfSyncHeader))
	assert.Equal(t, "active", decode[MedicationResponse](t, rec).Status)
}

func TestPreview(t *testing.T) {
	h := newTestRouter(t, memory.NewReminderStore())

	rec := do(t, h, http.MethodGet, "/api/v1/schedule/preview?start_date=2024-01-10&frequency=4+fois+par+jour&duration=1+mois", "")
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[dosing.Schedule](t, rec)
	assert.True(t, s.Computable)
	assert.Equal(t, []string{"08:00", "11:00", "14:00", "17:00"}, s.DosingTimes)
	require.NotNil(t, s.EndDate)
	assert.Equal(t, "2024-02-08", dosing.FormatDate(*s.EndDate))

	rec = do(t, h, http.MethodGet, "/api/v1/schedule/preview?frequency=matin+et+soir", "")
	s = decode[dosing.Schedule](t, rec)
	assert.False(t, s.Computable)
	assert.Contains(t, s.Reasons, dosing.ReasonMissingStartDate)
	assert.Contains(t, s.Reasons, dosing.ReasonUnparseableFreq)
}
