// Package reminder materializes medication dosing schedules into persisted
// reminder instances and dispatches the ones that fall due.
package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the reminder instance lifecycle
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusCanceled Status = "canceled"
)

// ErrNotFound is returned when a reminder instance does not exist.
var ErrNotFound = errors.New("reminder not found")

// Instance is one scheduled dose notification. Instances are never moved in
// time; a schedule change cancels them and creates new ones.
type Instance struct {
	ID                string     `json:"id"`
	MedicationOrderID string     `json:"medication_id"`
	PrescriptionID    string     `json:"prescription_id"`
	MedicationName    string     `json:"medication_name"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
}

// NewInstance creates a pending instance.
func NewInstance(orderID, prescriptionID, name string, at, now time.Time) *Instance {
	return &Instance{
		ID:                uuid.New().String(),
		MedicationOrderID: orderID,
		PrescriptionID:    prescriptionID,
		MedicationName:    name,
		ScheduledAt:       at.UTC(),
		Status:            StatusPending,
		CreatedAt:         now,
	}
}

// Store persists reminder instances.
type Store interface {
	// ListByMedication returns the order's instances, filtered by status when any are given.
	ListByMedication(ctx context.Context, orderID string, statuses ...Status) ([]*Instance, error)
	Create(ctx context.Context, inst *Instance) error
	// Cancel marks a pending instance canceled. Canceling a non-pending instance is a no-op.
	Cancel(ctx context.Context, id string, at time.Time) error
	// ListDue returns pending instances scheduled at or before the given time, oldest first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Instance, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
}
