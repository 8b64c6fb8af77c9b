package publish

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy computes retry delays: exponential in the attempt index,
// capped, plus deterministic jitter. Jitter is a PRF of (taskId, attempt),
// so a replayed schedule lands on identical retry times and reschedules
// stay reproducible in incident review.
type BackoffPolicy struct {
	Base      time.Duration
	Cap       time.Duration
	MaxJitter time.Duration
}

// Delay returns the wait before attempt (1-based: the delay scheduled after
// the attempt-th failure).
func (p BackoffPolicy) Delay(taskID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := time.Duration(factor) * p.Base
	if delay > p.Cap || delay <= 0 {
		delay = p.Cap
	}
	return delay + p.jitter(taskID, attempt)
}

func (p BackoffPolicy) jitter(taskID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", taskID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
