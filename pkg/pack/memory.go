package pack

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and lite mode.
type MemoryStore struct {
	mu       sync.Mutex
	packages map[string]*Package
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packages: make(map[string]*Package)}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) Insert(ctx context.Context, p *Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[p.ID]; ok {
		return fmt.Errorf("pack: duplicate package id %s", p.ID)
	}
	cp := *p
	s.packages[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) BeginValidation(ctx context.Context, id, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusSubmitted {
		return fmt.Errorf("%w: package %s is %s", ErrStatusConflict, id, p.Status)
	}
	p.Status = StatusValidating
	p.ValidationJobID = jobID
	p.UpdatedAt = at
	return nil
}

func (s *MemoryStore) FinishValidation(ctx context.Context, id string, status Status, reportRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusValidating {
		return fmt.Errorf("%w: package %s is %s", ErrStatusConflict, id, p.Status)
	}
	p.Status = status
	p.ValidationReportRef = reportRef
	p.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ListValidating(ctx context.Context, limit int) ([]*Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Package
	for _, p := range s.packages {
		if p.Status == StatusValidating {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
