package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Start(_ context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = now
		return nil
	}
	s.entries[key] = &Entry{
		Key:         key,
		HandlerName: handlerName,
		Status:      StatusStarted,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   &expiresAt,
	}
	return nil
}

func (s *MemoryStore) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}
