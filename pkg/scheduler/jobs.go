package scheduler

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/pkg/multisig"
	"github.com/Mindburn-Labs/keel/pkg/pack"
	"github.com/Mindburn-Labs/keel/pkg/publish"
)

// ValidationPollJob asks the validation runners for finished reports and
// settles the packages. Four workers share the poll; the guarded
// validating -> validated|failed transition makes overlapping polls settle
// each package once.
func ValidationPollJob(packs *pack.Service, every time.Duration, batchSize int) Job {
	if batchSize <= 0 {
		batchSize = 25
	}
	return Job{
		Name:    "validation-poll",
		Every:   every,
		Workers: 4,
		Run: func(ctx context.Context) (int, error) {
			return packs.PollValidation(ctx, batchSize)
		},
	}
}

// PublishRetryJob drains due publish tasks, first attempts and retries
// alike. One loop: the driver fans claimed tasks out to its own worker
// pool.
func PublishRetryJob(driver *publish.Driver, every time.Duration) Job {
	return Job{
		Name:  "publish-retry",
		Every: every,
		Run:   driver.RunOnce,
	}
}

// AuditExportJob archives pending audit events as canonical JSONL batches.
func AuditExportJob(exporter *audit.Exporter, every time.Duration) Job {
	return Job{
		Name:  "audit-export",
		Every: every,
		Run:   exporter.RunOnce,
	}
}

// IdempotencySweepJob drops idempotency records older than the TTL.
func IdempotencySweepJob(store idempotency.Store, ttl, every time.Duration) Job {
	return Job{
		Name:  "idempotency-sweep",
		Every: every,
		Run: func(ctx context.Context) (int, error) {
			return store.Sweep(ctx, time.Now().Add(-ttl))
		},
	}
}

// EmergencyRatificationJob rolls back emergency applies whose ratification
// deadline has passed.
func EmergencyRatificationJob(upgrades *multisig.Coordinator, every time.Duration) Job {
	return Job{
		Name:  "emergency-ratification-timer",
		Every: every,
		Run:   upgrades.ExpireEmergencies,
	}
}
