package cdr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps call records in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []CallRecord
	byID    map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]int)}
}

func (s *InMemoryStore) Begin(_ context.Context, record CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.byID[record.ID] = len(s.records)
	s.records = append(s.records, record)
	return nil
}

func (s *InMemoryStore) End(_ context.Context, id string, endedAt time.Time, framesIn, framesOut int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.records[idx].EndedAt = endedAt
	s.records[idx].FramesIn = framesIn
	s.records[idx].FramesOut = framesOut
	s.records[idx].EndReason = reason
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]CallRecord, 0, limit)
	// Newest first.
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
