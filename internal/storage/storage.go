package storage

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates no live session exists for the requested identifier.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidRecord indicates a record without an identifier was passed to Save.
	ErrInvalidRecord = errors.New("session record must have an id")
)

// Record is the server-side state of one client session.
type Record struct {
	ID      string         `json:"id"`
	Values  map[string]any `json:"values"`
	Expires time.Time      `json:"expires,omitzero"`
}

// Expired reports whether the record is past its absolute expiry. A zero expiry never lapses.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

func (r Record) clone() Record {
	out := r
	out.Values = maps.Clone(r.Values)
	if out.Values == nil {
		out.Values = map[string]any{}
	}
	return out
}

// SessionStore persists session records keyed by identifier.
type SessionStore interface {
	Get(ctx context.Context, id string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps session records in-process and guards access with a RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source used for expiry checks (primarily for tests).
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a defensive copy of the stored record. Expired records are evicted.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Expired(s.now()) {
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// Save stores a copy of rec, replacing any previous record with the same id.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	s.records[rec.ID] = rec.clone()
	s.mu.Unlock()

	return nil
}

// Delete removes the record. Deleting an unknown id is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of records currently held, including lapsed ones not yet evicted.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
