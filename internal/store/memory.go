package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in memory. It is the default backend and the
// one the relay tests run against.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
	nowFn   func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]int),
		nowFn: time.Now,
	}
}

// Append stores a copy of the record, filling in ID, CreatedAt, and Status.
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	if rec == nil {
		return ErrInvalidRecord
	}
	if rec.SenderID == "" || rec.ReceiverID == "" {
		return fmt.Errorf("sender and receiver are required: %w", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("record %s already appended: %w", rec.ID, ErrInvalidRecord)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusSent
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("unknown status %q: %w", rec.Status, ErrInvalidRecord)
	}

	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, *rec)
	return nil
}

// QueryRecent returns up to limit records involving the identity, newest first.
func (s *MemoryStore) QueryRecent(_ context.Context, identityID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, limit)
	for _, rec := range s.records {
		if rec.SenderID == identityID || rec.ReceiverID == identityID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus advances the delivery status, enforcing monotonicity.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !s.records[idx].Status.CanAdvanceTo(status) {
		return fmt.Errorf("%s -> %s: %w", s.records[idx].Status, status, ErrStatusRegression)
	}
	s.records[idx].Status = status
	return nil
}

// Len reports the number of stored records (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
