package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// ReminderStore is an in-memory reminder.Store.
type ReminderStore struct {
	mu        sync.RWMutex
	instances map[string]*reminder.Instance
}

func NewReminderStore() *ReminderStore {
	return &ReminderStore{instances: make(map[string]*reminder.Instance)}
}

func (s *ReminderStore) ListByMedication(_ context.Context, orderID string, statuses ...reminder.Status) ([]*reminder.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reminder.Instance
	for _, inst := range s.instances {
		if inst.MedicationOrderID == orderID && matches(inst.Status, statuses) {
			c := *inst
			out = append(out, &c)
		}
	}
	sortBySchedule(out)
	return out, nil
}

func (s *ReminderStore) Create(_ context.Context, inst *reminder.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("reminder %s already exists", inst.ID)
	}
	c := *inst
	s.instances[inst.ID] = &c
	return nil
}

func (s *ReminderStore) Cancel(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if inst.Status != reminder.StatusPending {
		return nil
	}
	inst.Status = reminder.StatusCanceled
	inst.CanceledAt = &at
	return nil
}

func (s *ReminderStore) ListDue(_ context.Context, before time.Time, limit int) ([]*reminder.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reminder.Instance
	for _, inst := range s.instances {
		if inst.Status == reminder.StatusPending && !inst.ScheduledAt.After(before) {
			c := *inst
			out = append(out, &c)
		}
	}
	sortBySchedule(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReminderStore) MarkSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if inst.Status != reminder.StatusPending {
		return fmt.Errorf("reminder %s is %s", id, inst.Status)
	}
	inst.Status = reminder.StatusSent
	inst.SentAt = &at
	return nil
}

func matches(st reminder.Status, statuses []reminder.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func sortBySchedule(out []*reminder.Instance) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
}
