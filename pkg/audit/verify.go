package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/signing"
)

// Problem pinpoints the first broken link found during verification.
type Problem struct {
	Index   int    `json:"index"`
	EventID string `json:"eventId"`
	Reason  string `json:"reason"`
}

// Report is the outcome of a chain verification pass.
type Report struct {
	OK       bool     `json:"ok"`
	Checked  int      `json:"checked"`
	BrokenAt *Problem `json:"brokenAt,omitempty"`
}

// Verify replays events, which must be in insertion order starting at the
// head, recomputing every hash and linkage and checking every signature
// against reg. It stops at the first break. A nil reg skips signature checks,
// which is only useful for linkage-only audits.
func Verify(events []*Event, reg *signing.Registry) *Report {
	rep := &Report{OK: true}
	prev := GenesisPrevHash
	for i, ev := range events {
		if ev.PrevHash != prev {
			return broken(rep, i, ev.ID, fmt.Sprintf("prevHash %s does not match prior hash %s", ev.PrevHash, prev))
		}
		canon, err := canonical.CanonicalizeJSON(ev.Payload)
		if err != nil {
			return broken(rep, i, ev.ID, fmt.Sprintf("payload not canonicalizable: %v", err))
		}
		if !bytes.Equal(canon, ev.Payload) {
			return broken(rep, i, ev.ID, "stored payload is not in canonical form")
		}
		prevBytes, err := hex.DecodeString(ev.PrevHash)
		if err != nil {
			return broken(rep, i, ev.ID, fmt.Sprintf("prevHash not hex: %v", err))
		}
		sum := sha256.Sum256(append(append([]byte{}, canon...), prevBytes...))
		if got := hex.EncodeToString(sum[:]); got != ev.Hash {
			return broken(rep, i, ev.ID, fmt.Sprintf("hash mismatch: stored %s, recomputed %s", ev.Hash, got))
		}
		if reg != nil {
			sig, err := base64.StdEncoding.DecodeString(ev.Signature)
			if err != nil {
				return broken(rep, i, ev.ID, fmt.Sprintf("signature not base64: %v", err))
			}
			if err := reg.VerifyDigest(ev.SignerKid, sum[:], sig); err != nil {
				return broken(rep, i, ev.ID, fmt.Sprintf("signature invalid for kid %s: %v", ev.SignerKid, err))
			}
		}
		prev = ev.Hash
		rep.Checked++
	}
	return rep
}

func broken(rep *Report, i int, id, reason string) *Report {
	rep.OK = false
	rep.BrokenAt = &Problem{Index: i, EventID: id, Reason: reason}
	return rep
}
