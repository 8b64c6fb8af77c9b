package publish

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
	tasks    map[string]*Task
	byTarget map[string]string // manifestID/target -> taskID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		byTarget: make(map[string]string),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func targetKey(manifestID, target string) string { return manifestID + "/" + target }

func (s *MemoryStore) InsertTasks(ctx context.Context, tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		key := targetKey(t.ManifestID, t.Target)
		if _, exists := s.byTarget[key]; exists {
			continue
		}
		cp := *t
		s.tasks[t.ID] = &cp
		s.byTarget[key] = t.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetByManifestTarget(ctx context.Context, manifestID, target string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTarget[targetKey(manifestID, target)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.tasks[id]
	return &cp, nil
}

func (s *MemoryStore) ListByManifest(ctx context.Context, manifestID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ManifestID == manifestID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for _, t := range s.tasks {
		claimable := t.Status == StatusPending || t.Status == StatusFailedRetryable
		if claimable && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Task, 0, len(due))
	for _, t := range due {
		t.Status = StatusInFlight
		t.UpdatedAt = now
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkSucceeded(ctx context.Context, id, proofRef string, at time.Time) error {
	return s.settle(id, func(t *Task) error {
		t.Status = StatusSucceeded
		t.ProofRef = proofRef
		t.LastError = ""
		t.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) MarkRetry(ctx context.Context, id, lastError string, attempts int, nextAttemptAt, at time.Time) error {
	return s.settle(id, func(t *Task) error {
		t.Status = StatusFailedRetryable
		t.LastError = lastError
		t.Attempts = attempts
		t.NextAttemptAt = nextAttemptAt
		t.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) MarkFatal(ctx context.Context, id, lastError string, attempts int, at time.Time) error {
	return s.settle(id, func(t *Task) error {
		t.Status = StatusFailedFatal
		t.LastError = lastError
		t.Attempts = attempts
		t.UpdatedAt = at
		return nil
	})
}

// settle applies a transition to a non-terminal task.
func (s *MemoryStore) settle(id string, mutate func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", ErrStatusConflict, id, t.Status)
	}
	return mutate(t)
}

func (s *MemoryStore) ResetForRetry(ctx context.Context, manifestID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ManifestID != manifestID {
			continue
		}
		if t.Status == StatusFailedFatal || t.Status == StatusFailedRetryable {
			t.Status = StatusPending
			t.Attempts = 0
			t.NextAttemptAt = at
			t.LastError = ""
			t.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, manifestID string) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, t := range s.tasks {
		if t.ManifestID == manifestID {
			out[t.Status]++
		}
	}
	return out, nil
}
