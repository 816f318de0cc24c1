// Package handlers provides HTTP handlers for the medication API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/api/middleware"
	"github.com/drfirst/go-medremind/internal/domain/medication"
	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/dosing"
)

// OutOfSyncHeader is set when an order was saved but its reminders were not
// reconciled. The reminder worker converges them from the outbox events.
const OutOfSyncHeader = "X-Reminders-Out-Of-Sync"

// ReminderLister reads the reminders of one order.
type ReminderLister interface {
	ListByMedication(ctx context.Context, orderID string, statuses ...reminder.Status) ([]*reminder.Instance, error)
}

// MedicationHandler handles medication endpoints
type MedicationHandler struct {
	svc       *medication.Service
	reminders ReminderLister
	logger    *zap.Logger
}

// NewMedicationHandler creates a new handler
func NewMedicationHandler(svc *medication.Service, reminders ReminderLister, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{svc: svc, reminders: reminders, logger: logger}
}

// Routes registers the API routes on r.
func (h *MedicationHandler) Routes(r chi.Router) {
	r.Route("/prescriptions/{prescriptionID}", func(r chi.Router) {
		r.Post("/medications", h.Create)
		r.Get("/medications", h.ListByPrescription)
		r.Post("/reschedule", h.Reschedule)
	})
	r.Route("/medications/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Edit)
		r.Post("/activate", h.Activate)
		r.Post("/cancel", h.Cancel)
		r.Post("/complete", h.Complete)
		r.Get("/reminders", h.ListReminders)
	})
	r.Get("/schedule/preview", h.Preview)
}

// MedicationResponse is the JSON view of an order
type MedicationResponse struct {
	ID             string          `json:"id"`
	PrescriptionID string          `json:"prescription_id"`
	Name           string          `json:"name"`
	Dosage         string          `json:"dosage"`
	Frequency      string          `json:"frequency"`
	Duration       string          `json:"duration"`
	StartDate      string          `json:"start_date,omitempty"`
	EndDate        string          `json:"end_date,omitempty"`
	DosingTimes    []string        `json:"dosing_times"`
	Status         string          `json:"status"`
	Version        int             `json:"version"`
	Schedule       dosing.Schedule `json:"schedule"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toResponse(o *medication.Order) MedicationResponse {
	resp := MedicationResponse{
		ID:             o.ID,
		PrescriptionID: o.PrescriptionID,
		Name:           o.Name,
		Dosage:         o.DosageText,
		Frequency:      o.FrequencyText,
		Duration:       o.DurationText,
		DosingTimes:    append([]string{}, o.DosingTimes...),
		Status:         string(o.Status),
		Version:        o.Version,
		Schedule:       o.Schedule(),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if o.StartDate != nil {
		resp.StartDate = dosing.FormatDate(*o.StartDate)
	}
	if o.EndDate != nil {
		resp.EndDate = dosing.FormatDate(*o.EndDate)
	}
	return resp
}

// CreateRequest is the request body for adding a medication to a prescription
type CreateRequest struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
	StartDate string `json:"start_date,omitempty"`
}

// Create handles POST /prescriptions/{prescriptionID}/medications
func (h *MedicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	start, ok := h.optionalDate(w, req.StartDate)
	if !ok {
		return
	}

	o, err := h.svc.Create(r.Context(), medication.CreateInput{
		PrescriptionID: chi.URLParam(r, "prescriptionID"),
		Name:           req.Name,
		DosageText:     req.Dosage,
		FrequencyText:  req.Frequency,
		DurationText:   req.Duration,
		StartDate:      start,
	})
	h.respondOrder(w, r, o, err, http.StatusCreated)
}

// ListByPrescription handles GET /prescriptions/{prescriptionID}/medications
func (h *MedicationHandler) ListByPrescription(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListByPrescription(r.Context(), chi.URLParam(r, "prescriptionID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponses(orders))
}

// StartDateRequest carries a confirmed start date
type StartDateRequest struct {
	StartDate string `json:"start_date"`
}

// Reschedule handles POST /prescriptions/{prescriptionID}/reschedule
func (h *MedicationHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	start, ok := h.decodeStartDate(w, r)
	if !ok {
		return
	}

	orders, err := h.svc.RescheduleByPrescription(r.Context(), chi.URLParam(r, "prescriptionID"), start)
	if err != nil && !errors.Is(err, medication.ErrRemindersOutOfSync) {
		h.handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		w.Header().Set(OutOfSyncHeader, "true")
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, toResponses(orders))
}

// Get handles GET /medications/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	h.respondOrder(w, r, o, err, http.StatusOK)
}

// EditRequest is a partial update. Absent fields are left unchanged.
type EditRequest struct {
	Name      *string `json:"name,omitempty"`
	Dosage    *string `json:"dosage,omitempty"`
	Frequency *string `json:"frequency,omitempty"`
	Duration  *string `json:"duration,omitempty"`
	StartDate *string `json:"start_date,omitempty"`
}

// Edit handles PATCH /medications/{id}
func (h *MedicationHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	edit := medication.Edit{
		Name:          req.Name,
		DosageText:    req.Dosage,
		FrequencyText: req.Frequency,
		DurationText:  req.Duration,
	}
	if req.StartDate != nil {
		start, ok := h.optionalDate(w, *req.StartDate)
		if !ok {
			return
		}
		if start == nil {
			h.jsonError(w, "start_date cannot be empty", http.StatusBadRequest)
			return
		}
		edit.StartDate = start
	}

	o, err := h.svc.Edit(r.Context(), chi.URLParam(r, "id"), edit)
	h.respondOrder(w, r, o, err, http.StatusOK)
}

// Activate handles POST /medications/{id}/activate
func (h *MedicationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	start, ok := h.decodeStartDate(w, r)
	if !ok {
		return
	}
	o, err := h.svc.Activate(r.Context(), chi.URLParam(r, "id"), start)
	h.respondOrder(w, r, o, err, http.StatusOK)
}

// Cancel handles POST /medications/{id}/cancel
func (h *MedicationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	h.respondOrder(w, r, o, err, http.StatusOK)
}

// Complete handles POST /medications/{id}/complete
func (h *MedicationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Complete(r.Context(), chi.URLParam(r, "id"))
	h.respondOrder(w, r, o, err, http.StatusOK)
}

// ListReminders handles GET /medications/{id}/reminders?status=pending
func (h *MedicationHandler) ListReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Get(ctx, id); err != nil {
		h.handleError(w, r, err)
		return
	}

	var statuses []reminder.Status
	for _, s := range r.URL.Query()["status"] {
		switch st := reminder.Status(s); st {
		case reminder.StatusPending, reminder.StatusSent, reminder.StatusCanceled:
			statuses = append(statuses, st)
		default:
			h.jsonError(w, "unknown reminder status "+s, http.StatusBadRequest)
			return
		}
	}

	instances, err := h.reminders.ListByMedication(ctx, id, statuses...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if instances == nil {
		instances = []*reminder.Instance{}
	}
	h.writeJSON(w, http.StatusOK, instances)
}

// Preview handles GET /schedule/preview?start_date=&frequency=&duration=
func (h *MedicationHandler) Preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, ok := h.optionalDate(w, q.Get("start_date"))
	if !ok {
		return
	}
	var d time.Time
	if start != nil {
		d = *start
	}
	h.writeJSON(w, http.StatusOK, dosing.Preview(d, q.Get("frequency"), q.Get("duration")))
}

func (h *MedicationHandler) decodeStartDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req StartDateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return time.Time{}, false
	}
	start, ok := h.optionalDate(w, req.StartDate)
	if !ok {
		return time.Time{}, false
	}
	if start == nil {
		h.jsonError(w, "start_date is required", http.StatusBadRequest)
		return time.Time{}, false
	}
	return *start, true
}

func (h *MedicationHandler) optionalDate(w http.ResponseWriter, s string) (*time.Time, bool) {
	if s == "" {
		return nil, true
	}
	d, err := dosing.ParseDate(s)
	if err != nil {
		h.jsonError(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest)
		return nil, false
	}
	return &d, true
}

// respondOrder writes the order, or the mapped error. An order saved with
// out-of-sync reminders is still returned, as 202 with OutOfSyncHeader set.
func (h *MedicationHandler) respondOrder(w http.ResponseWriter, r *http.Request, o *medication.Order, err error, status int) {
	if err != nil {
		if o == nil || !errors.Is(err, medication.ErrRemindersOutOfSync) {
			h.handleError(w, r, err)
			return
		}
		h.logger.Warn("medication saved with stale reminders",
			zap.String("medication_id", o.ID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		w.Header().Set(OutOfSyncHeader, "true")
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, toResponse(o))
}

func (h *MedicationHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, medication.ErrNotFound), errors.Is(err, reminder.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, medication.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, medication.ErrInvalidTransition), errors.Is(err, medication.ErrConflict):
		code = http.StatusConflict
	}

	if code == http.StatusInternalServerError {
		trace.SpanFromContext(r.Context()).RecordError(err)
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal server error", code)
		return
	}
	h.jsonError(w, err.Error(), code)
}

func toResponses(orders []*medication.Order) []MedicationResponse {
	out := make([]MedicationResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toResponse(o))
	}
	return out
}

func (h *MedicationHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (h *MedicationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
