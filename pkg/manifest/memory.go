package manifest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and lite mode.
type MemoryStore struct {
	mu         sync.Mutex
	manifests  map[string]*Manifest
	signatures map[string]*Signature
	history    map[string][]HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests:  make(map[string]*Manifest),
		signatures: make(map[string]*Signature),
		history:    make(map[string][]HistoryEntry),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) Insert(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.manifests[m.ID]; ok {
		return fmt.Errorf("manifest: duplicate manifest id %s", m.ID)
	}
	cp := *m
	s.manifests[m.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return ErrNotFound
	}
	for _, st := range from {
		if m.Status == st {
			m.Status = to
			m.UpdatedAt = at
			return nil
		}
	}
	return fmt.Errorf("%w: manifest %s is %s", ErrStatusConflict, id, m.Status)
}

func (s *MemoryStore) AttachSignature(ctx context.Context, id, signatureID string, at time.Time) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return "", ErrNotFound
	}
	if m.SignatureID != "" {
		return "", fmt.Errorf("%w: manifest %s already signed", ErrStatusConflict, id)
	}
	switch m.Status {
	case StatusDraft:
		m.Status = StatusSigned
	case StatusPendingMultisig:
	default:
		return "", fmt.Errorf("%w: manifest %s is %s", ErrStatusConflict, id, m.Status)
	}
	m.SignatureID = signatureID
	m.UpdatedAt = at
	return m.Status, nil
}

func (s *MemoryStore) SetUpgrade(ctx context.Context, id, upgradeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return ErrNotFound
	}
	if m.UpgradeID != "" {
		return fmt.Errorf("%w: manifest %s already bound to upgrade %s", ErrStatusConflict, id, m.UpgradeID)
	}
	if m.Status != StatusDraft && m.Status != StatusSigned {
		return fmt.Errorf("%w: manifest %s is %s", ErrStatusConflict, id, m.Status)
	}
	m.UpgradeID = upgradeID
	m.Status = StatusPendingMultisig
	m.UpdatedAt = at
	return nil
}

func (s *MemoryStore) InsertSignature(ctx context.Context, sig *Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signatures[sig.ID]; ok {
		return fmt.Errorf("manifest: duplicate signature id %s", sig.ID)
	}
	cp := *sig
	s.signatures[sig.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSignature(ctx context.Context, id string) (*Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signatures[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[entry.ManifestID] = append(s.history[entry.ManifestID], *entry)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, manifestID string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[manifestID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}
