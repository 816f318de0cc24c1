package medication

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-medremind/internal/dosing"
)

// Status represents the medication order lifecycle
type Status string

const (
	StatusUnscheduled Status = "unscheduled"
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("medication not found")
	ErrConflict          = errors.New("medication was modified concurrently")
)

// Order is a medication prescribed on a prescription, together with the schedule
// derived from its free-text frequency and duration.
type Order struct {
	ID             string
	PrescriptionID string
	Name           string
	DosageText     string
	FrequencyText  string
	DurationText   string

	StartDate   *time.Time
	EndDate     *time.Time
	DosingTimes []string

	Status    Status
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time

	changes []*Event
}

// NewOrder creates an unscheduled order. The derived fields are computed
// immediately so an order is never stored inconsistent with its inputs.
func NewOrder(id, prescriptionID, name, dosage, frequency, duration string, now time.Time) (*Order, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(prescriptionID) == "" {
		return nil, fmt.Errorf("%w: id and prescription id are required", ErrInvalidInput)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := dosing.CheckBounds(frequency, duration); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	o := &Order{
		ID:             id,
		PrescriptionID: prescriptionID,
		Name:           strings.TrimSpace(name),
		DosageText:     strings.TrimSpace(dosage),
		FrequencyText:  strings.TrimSpace(frequency),
		DurationText:   strings.TrimSpace(duration),
		Status:         StatusUnscheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	o.recompute()

	if err := o.record(EventMedicationCreated, o.snapshot(), now); err != nil {
		return nil, err
	}
	return o, nil
}

// Changes returns uncommitted events
func (o *Order) Changes() []*Event { return o.changes }

// ClearChanges clears uncommitted events
func (o *Order) ClearChanges() { o.changes = nil }

// Schedulable reports whether reminders can be derived for the order.
func (o *Order) Schedulable() bool {
	return o.StartDate != nil && o.EndDate != nil && len(o.DosingTimes) > 0
}

// Expired reports whether today is past the end date.
func (o *Order) Expired(today time.Time) bool {
	return o.EndDate != nil && dosing.Truncate(today).After(*o.EndDate)
}

// Activate confirms the start date and moves the order to active.
func (o *Order) Activate(start time.Time, now time.Time) error {
	if o.Status != StatusUnscheduled {
		return fmt.Errorf("%w: cannot activate %s medication", ErrInvalidTransition, o.Status)
	}
	if start.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidInput)
	}

	d := dosing.Truncate(start)
	o.StartDate = &d
	o.Status = StatusActive
	o.recompute()
	return o.record(EventMedicationActivated, o.snapshot(), now)
}

// Edit holds changes to an order's editable fields. Nil fields are left untouched.
type Edit struct {
	Name          *string
	DosageText    *string
	FrequencyText *string
	DurationText  *string
	StartDate     *time.Time
}

// Apply edits the order and recomputes its schedule. It reports whether any
// schedule input changed. Setting a start date on an unscheduled order activates it.
func (o *Order) Apply(e Edit, now time.Time) (bool, error) {
	if o.Status.IsTerminal() {
		return false, fmt.Errorf("%w: cannot edit %s medication", ErrInvalidTransition, o.Status)
	}
	if e.Name != nil && strings.TrimSpace(*e.Name) == "" {
		return false, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
	}
	if e.StartDate != nil && e.StartDate.IsZero() {
		return false, fmt.Errorf("%w: start date cannot be zero", ErrInvalidInput)
	}
	frequency, duration := o.FrequencyText, o.DurationText
	if e.FrequencyText != nil {
		frequency = *e.FrequencyText
	}
	if e.DurationText != nil {
		duration = *e.DurationText
	}
	if err := dosing.CheckBounds(frequency, duration); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if e.StartDate != nil && o.Status == StatusUnscheduled {
		o.applyText(e)
		if err := o.Activate(*e.StartDate, now); err != nil {
			return false, err
		}
		return true, nil
	}

	var changed []string
	if e.Name != nil {
		o.Name = strings.TrimSpace(*e.Name)
	}
	if e.DosageText != nil {
		o.DosageText = strings.TrimSpace(*e.DosageText)
	}
	if e.FrequencyText != nil && strings.TrimSpace(*e.FrequencyText) != o.FrequencyText {
		o.FrequencyText = strings.TrimSpace(*e.FrequencyText)
		changed = append(changed, "frequency_text")
	}
	if e.DurationText != nil && strings.TrimSpace(*e.DurationText) != o.DurationText {
		o.DurationText = strings.TrimSpace(*e.DurationText)
		changed = append(changed, "duration_text")
	}
	if e.StartDate != nil {
		d := dosing.Truncate(*e.StartDate)
		if o.StartDate == nil || !o.StartDate.Equal(d) {
			o.StartDate = &d
			changed = append(changed, "start_date")
		}
	}

	o.recompute()
	o.UpdatedAt = now
	if len(changed) == 0 {
		return false, nil
	}

	data := RescheduledData{ScheduleData: o.snapshot(), ChangedFields: changed}
	return true, o.record(EventMedicationRescheduled, data, now)
}

func (o *Order) applyText(e Edit) {
	if e.Name != nil {
		o.Name = strings.TrimSpace(*e.Name)
	}
	if e.DosageText != nil {
		o.DosageText = strings.TrimSpace(*e.DosageText)
	}
	if e.FrequencyText != nil {
		o.FrequencyText = strings.TrimSpace(*e.FrequencyText)
	}
	if e.DurationText != nil {
		o.DurationText = strings.TrimSpace(*e.DurationText)
	}
}

// Complete ends an active treatment.
func (o *Order) Complete(now time.Time) error {
	if o.Status != StatusActive {
		return fmt.Errorf("%w: cannot complete %s medication", ErrInvalidTransition, o.Status)
	}
	o.Status = StatusCompleted
	return o.record(EventMedicationCompleted, o.snapshot(), now)
}

// Cancel stops the order; its pending reminders must be canceled by the caller.
func (o *Order) Cancel(now time.Time) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel %s medication", ErrInvalidTransition, o.Status)
	}
	o.Status = StatusCanceled
	return o.record(EventMedicationCanceled, o.snapshot(), now)
}

// recompute derives EndDate and DosingTimes from the current inputs.
func (o *Order) recompute() {
	o.DosingTimes = dosing.ComputeDosingTimes(o.FrequencyText)
	o.EndDate = nil
	if o.StartDate != nil {
		if end, ok := dosing.ComputeEndDate(*o.StartDate, o.DurationText); ok {
			o.EndDate = &end
		}
	}
}

func (o *Order) record(eventType EventType, data interface{}, now time.Time) error {
	event, err := NewEvent(o.ID, eventType, data)
	if err != nil {
		return err
	}
	event.PrescriptionID = o.PrescriptionID
	o.UpdatedAt = now
	o.changes = append(o.changes, event)
	return nil
}

func (o *Order) snapshot() ScheduleData {
	s := ScheduleData{
		MedicationID:   o.ID,
		PrescriptionID: o.PrescriptionID,
		Name:           o.Name,
		FrequencyText:  o.FrequencyText,
		DurationText:   o.DurationText,
		DosingTimes:    o.DosingTimes,
		Status:         o.Status,
	}
	if o.StartDate != nil {
		s.StartDate = dosing.FormatDate(*o.StartDate)
	}
	if o.EndDate != nil {
		s.EndDate = dosing.FormatDate(*o.EndDate)
	}
	return s
}

// Schedule returns the derived schedule view, including the reasons it cannot
// be computed when inputs are missing.
func (o *Order) Schedule() dosing.Schedule {
	var start time.Time
	if o.StartDate != nil {
		start = *o.StartDate
	}
	return dosing.Preview(start, o.FrequencyText, o.DurationText)
}

// Clone returns a deep copy without pending changes.
func (o *Order) Clone() *Order {
	c := *o
	c.changes = nil
	if o.StartDate != nil {
		d := *o.StartDate
		c.StartDate = &d
	}
	if o.EndDate != nil {
		d := *o.EndDate
		c.EndDate = &d
	}
	c.DosingTimes = append([]string(nil), o.DosingTimes...)
	return &c
}
