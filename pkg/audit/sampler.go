package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/Mindburn-Labs/keel/pkg/config"
)

// coreEvents are never sampled out regardless of policy.
var coreEvents = map[string]bool{
	EventManifestSigned:      true,
	EventManifestUpdate:      true,
	EventManifestApplied:     true,
	EventUpgradeSubmitted:    true,
	EventUpgradeApproval:     true,
	EventUpgradeApplied:      true,
	EventAllocationRequested: true,
	EventPolicyDecision:      true,
	EventPublishCompleted:    true,
}

// Sampler decides whether a noisy event is appended. The decision is
// deterministic in the event id so replayed appends land on the same side.
type Sampler struct {
	never map[string]bool
	rules []config.SamplingRule
}

// NewSampler builds a sampler from policy. A nil policy keeps everything.
func NewSampler(policy *config.SamplingPolicy) *Sampler {
	s := &Sampler{never: make(map[string]bool, len(coreEvents))}
	for typ := range coreEvents {
		s.never[typ] = true
	}
	if policy != nil {
		for _, typ := range policy.NeverSample {
			s.never[typ] = true
		}
		s.rules = policy.Rules
	}
	return s
}

// Keep reports whether the event should be appended.
func (s *Sampler) Keep(eventType, eventID string) bool {
	if s.never[eventType] {
		return true
	}
	for _, r := range s.rules {
		if !matchEventType(r.EventType, eventType) {
			continue
		}
		if r.Rate >= 1 {
			return true
		}
		if r.Rate <= 0 {
			return false
		}
		sum := sha256.Sum256([]byte(eventID))
		bucket := binary.BigEndian.Uint64(sum[:8]) % 10000
		return bucket < uint64(r.Rate*10000)
	}
	return true
}

// matchEventType supports exact matches and a trailing ".*" prefix wildcard.
func matchEventType(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
