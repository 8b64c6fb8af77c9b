package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps the chain in process memory. It backs tests and the dev
// profile; production uses SQLStore.
type MemoryStore struct {
	mu      sync.Mutex
	events  []*Event
	byID    map[string]int
	head    string
	export  map[string]ExportState
	tries   map[string]int
	objects map[string]string
	batches map[string]int
}

// NewMemoryStore returns an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]int),
		head:    GenesisPrevHash,
		export:  make(map[string]ExportState),
		tries:   make(map[string]int),
		objects: make(map[string]string),
		batches: make(map[string]int),
	}
}

func (m *MemoryStore) Init(ctx context.Context) error { return nil }

func (m *MemoryStore) Head(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *MemoryStore) Insert(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.PrevHash != m.head {
		return fmt.Errorf("insert %s: %w", ev.ID, ErrHeadMoved)
	}
	cp := *ev
	m.byID[cp.ID] = len(m.events)
	m.events = append(m.events, &cp)
	m.head = cp.Hash
	m.export[cp.ID] = ExportPending
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	cp := *m.events[idx]
	return &cp, nil
}

func (m *MemoryStore) Range(ctx context.Context, from, to time.Time) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, ev := range m.events {
		if ev.Ts.Before(from) || ev.Ts.After(to) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) FetchPendingExport(ctx context.Context, batchSize int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batchSize <= 0 {
		batchSize = 10
	}
	var out []*Event
	for _, ev := range m.events {
		st := m.export[ev.ID]
		if st != ExportPending && st != ExportRetry {
			continue
		}
		m.export[ev.ID] = ExportInProgress
		m.tries[ev.ID]++
		cp := *ev
		out = append(out, &cp)
		if len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkExportResult(ctx context.Context, ids []string, objectKey string, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.byID[id]; !ok {
			continue
		}
		if success {
			m.export[id] = ExportComplete
			m.objects[id] = objectKey
			continue
		}
		if m.tries[id] >= maxExportAttempts {
			m.export[id] = ExportFailed
		} else {
			m.export[id] = ExportRetry
		}
	}
	return nil
}

func (m *MemoryStore) NextBatchNumber(ctx context.Context, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[day]++
	return m.batches[day], nil
}

// ExportStateOf reports the archival state of an event, for tests.
func (m *MemoryStore) ExportStateOf(id string) (ExportState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.export[id], m.objects[id]
}
