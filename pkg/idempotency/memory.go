package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the dev and test backend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Claim(ctx context.Context, key, requestHash string, now time.Time) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[key]; ok {
		cp := *existing
		return evaluate(&cp, requestHash), nil
	}
	rec := pendingRecord(key, requestHash, now)
	m.records[key] = rec
	cp := *rec
	return &Claim{Outcome: OutcomeClaimed, Record: &cp}, nil
}

func (m *MemoryStore) Complete(ctx context.Context, key string, statusCode int, body []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Status != StatusPending {
		return fmt.Errorf("idempotency: complete %s: no pending claim", key)
	}
	completedAt := now.UTC()
	rec.Status = StatusCompleted
	rec.StatusCode = statusCode
	rec.ResponseBody = append([]byte(nil), body...)
	rec.CompletedAt = &completedAt
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.Status == StatusPending {
		delete(m.records, key)
	}
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}
