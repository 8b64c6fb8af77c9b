package multisig

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and lite mode.
type MemoryStore struct {
	mu         sync.Mutex
	proposals  map[string]*Proposal
	byManifest map[string]string
	approvals  map[string]map[string]*Approval // upgradeID -> approverID -> approval
	policy     *ApproverPolicy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:  make(map[string]*Proposal),
		byManifest: make(map[string]string),
		approvals:  make(map[string]map[string]*Approval),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) InsertProposal(ctx context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return fmt.Errorf("multisig: duplicate upgrade id %s", p.ID)
	}
	if _, ok := s.byManifest[p.ManifestID]; ok {
		return fmt.Errorf("multisig: manifest %s already has a proposal", p.ManifestID)
	}
	cp := *p
	s.proposals[p.ID] = &cp
	s.byManifest[p.ManifestID] = p.ID
	return nil
}

func (s *MemoryStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetProposalByManifest(ctx context.Context, manifestID string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byManifest[manifestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.proposals[id]
	return &cp, nil
}

func (s *MemoryStore) transition(id string, from, to Status, mutate func(*Proposal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return fmt.Errorf("%w: upgrade %s is %s", ErrStatusConflict, id, p.Status)
	}
	p.Status = to
	mutate(p)
	return nil
}

func (s *MemoryStore) MarkApplied(ctx context.Context, id, appliedBy string, at time.Time) error {
	return s.transition(id, StatusPending, StatusApplied, func(p *Proposal) {
		p.AppliedBy = appliedBy
		t := at
		p.AppliedAt = &t
		p.UpdatedAt = at
	})
}

func (s *MemoryStore) MarkEmergencyApplied(ctx context.Context, id, appliedBy, justification string, at, deadline time.Time) error {
	return s.transition(id, StatusPending, StatusEmergencyApplied, func(p *Proposal) {
		p.AppliedBy = appliedBy
		t := at
		p.AppliedAt = &t
		p.Justification = justification
		d := deadline
		p.RatificationDeadline = &d
		p.UpdatedAt = at
	})
}

func (s *MemoryStore) MarkRatified(ctx context.Context, id string, at time.Time) error {
	return s.transition(id, StatusEmergencyApplied, StatusRatified, func(p *Proposal) {
		p.UpdatedAt = at
	})
}

func (s *MemoryStore) MarkRejected(ctx context.Context, id, reason string, at time.Time) error {
	return s.transition(id, StatusPending, StatusRejected, func(p *Proposal) {
		p.RejectionReason = reason
		p.UpdatedAt = at
	})
}

func (s *MemoryStore) MarkRolledBack(ctx context.Context, id string, at time.Time) error {
	return s.transition(id, StatusEmergencyApplied, StatusRolledBack, func(p *Proposal) {
		p.UpdatedAt = at
	})
}

func (s *MemoryStore) ListEmergencyExpired(ctx context.Context, now time.Time) ([]*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Proposal
	for _, p := range s.proposals {
		if p.Status == StatusEmergencyApplied && p.RatificationDeadline != nil && !p.RatificationDeadline.After(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RatificationDeadline.Before(*out[j].RatificationDeadline)
	})
	return out, nil
}

func (s *MemoryStore) InsertApproval(ctx context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byApprover := s.approvals[a.UpgradeID]
	if byApprover == nil {
		byApprover = make(map[string]*Approval)
		s.approvals[a.UpgradeID] = byApprover
	}
	if _, ok := byApprover[a.ApproverID]; ok {
		return ErrDuplicateApproval
	}
	cp := *a
	byApprover[a.ApproverID] = &cp
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, upgradeID, approverID string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[upgradeID][approverID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, upgradeID string) ([]*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Approval
	for _, a := range s.approvals[upgradeID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovedAt.Before(out[j].ApprovedAt) })
	return out, nil
}

func (s *MemoryStore) SavePolicy(ctx context.Context, p *ApproverPolicy, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ApproverPolicy{Approvers: append([]string(nil), p.Approvers...), Required: p.Required}
	s.policy = &cp
	return nil
}

func (s *MemoryStore) LoadPolicy(ctx context.Context) (*ApproverPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy == nil {
		return nil, ErrNotFound
	}
	cp := ApproverPolicy{Approvers: append([]string(nil), s.policy.Approvers...), Required: s.policy.Required}
	return &cp, nil
}
