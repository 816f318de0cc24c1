// Package memory provides in-process stores used for tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/medication"
)

// MedicationRepository is an in-memory medication.Repository. Saved events are
// kept in order so callers can inspect what would have reached the outbox.
type MedicationRepository struct {
	mu     sync.RWMutex
	orders map[string]*medication.Order
	events []*medication.Event
}

func NewMedicationRepository() *MedicationRepository {
	return &MedicationRepository{orders: make(map[string]*medication.Order)}
}

func (r *MedicationRepository) Save(_ context.Context, o *medication.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.orders[o.ID]; ok {
		if cur.Version != o.Version {
			return medication.ErrConflict
		}
	} else if o.Version != 0 {
		return medication.ErrNotFound
	}

	o.Version++
	for _, e := range o.Changes() {
		e.Version = o.Version
		r.events = append(r.events, e)
	}
	o.ClearChanges()
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *MedicationRepository) Get(_ context.Context, id string) (*medication.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, medication.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *MedicationRepository) ListByPrescription(_ context.Context, prescriptionID string) ([]*medication.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*medication.Order
	for _, o := range r.orders {
		if o.PrescriptionID == prescriptionID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MedicationRepository) ListActiveEndingBefore(_ context.Context, date time.Time, limit int) ([]*medication.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*medication.Order
	for _, o := range r.orders {
		if o.Status == medication.StatusActive && o.EndDate != nil && o.EndDate.Before(date) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(*out[j].EndDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns the events saved so far.
func (r *MedicationRepository) Events() []*medication.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*medication.Event(nil), r.events...)
}
