package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/fault"
)

// DefaultTargets is the fan-out every applied manifest publishes to.
var DefaultTargets = []string{"repo", "marketplace", "delivery"}

// ManifestHook is how the driver reports terminal publish outcomes back to
// the manifest engine without importing it.
type ManifestHook interface {
	// PublishSucceeded reports whether this call won the publishing to
	// published transition.
	PublishSucceeded(ctx context.Context, manifestID string) (bool, error)
	PublishFailed(ctx context.Context, manifestID, reason string) error
}

// Metrics is the optional sink for attempt outcomes. Outcome is the settled
// classification: success, retryable, or fatal.
type Metrics interface {
	CountPublishAttempt(ctx context.Context, target, outcome string, elapsed time.Duration)
}

// Driver owns publish tasks: fan-out after apply, the retry worker, inbound
// publisher notifications, and the admin retry path. Task completion is
// exactly-once through the store's conditional transitions, so the worker
// loop and /publish/notify race safely.
type Driver struct {
	store       Store
	caller      Caller
	chain       *audit.Chain
	manifests   ManifestHook
	classify    *config.ClassificationPolicy
	backoff     BackoffPolicy
	maxAttempts int
	targets     []string
	callTimeout time.Duration
	concurrency int
	metrics     Metrics

	now func() time.Time
	log *slog.Logger
}

// DriverOption customizes driver construction.
type DriverOption func(*Driver)

// WithTargets overrides the publish fan-out targets.
func WithTargets(targets []string) DriverOption {
	return func(d *Driver) { d.targets = targets }
}

// WithConcurrency bounds how many tasks one worker pass claims and runs.
func WithConcurrency(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithCallTimeout bounds a single outbound publish call.
func WithCallTimeout(t time.Duration) DriverOption {
	return func(d *Driver) {
		if t > 0 {
			d.callTimeout = t
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) DriverOption {
	return func(d *Driver) { d.now = now }
}

// WithMetrics installs the attempt counter.
func WithMetrics(m Metrics) DriverOption {
	return func(d *Driver) { d.metrics = m }
}

// NewDriver wires the publish driver. classify may be nil, which selects the
// built-in classification table.
func NewDriver(store Store, caller Caller, chain *audit.Chain, classify *config.ClassificationPolicy,
	backoff BackoffPolicy, maxAttempts int, opts ...DriverOption) *Driver {
	if classify == nil {
		classify = config.DefaultClassificationPolicy()
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	d := &Driver{
		store:       store,
		caller:      caller,
		chain:       chain,
		classify:    classify,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		targets:     DefaultTargets,
		callTimeout: 30 * time.Second,
		concurrency: 8,
		now:         time.Now,
		log:         slog.Default().With("component", "publish-driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetManifestHook binds the manifest engine. The engine and the driver
// reference each other, so one side binds late.
func (d *Driver) SetManifestHook(h ManifestHook) { d.manifests = h }

// CreateTasksForManifest records one pending task per target. A manifest that
// already has tasks keeps them, so the apply handoff replays safely.
func (d *Driver) CreateTasksForManifest(ctx context.Context, manifestID string) error {
	now := d.now().UTC().Truncate(time.Millisecond)
	tasks := make([]*Task, 0, len(d.targets))
	for _, target := range d.targets {
		tasks = append(tasks, &Task{
			ID:            uuid.NewString(),
			ManifestID:    manifestID,
			Target:        target,
			Status:        StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := d.store.InsertTasks(ctx, tasks); err != nil {
		return fmt.Errorf("publish: create tasks for %s: %w", manifestID, err)
	}
	d.log.Info("publish tasks created", "manifestId", manifestID, "targets", len(tasks))
	return nil
}

// Tasks lists the publish tasks of a manifest.
func (d *Driver) Tasks(ctx context.Context, manifestID string) ([]*Task, error) {
	tasks, err := d.store.ListByManifest(ctx, manifestID)
	if err != nil {
		return nil, fmt.Errorf("publish: list tasks: %w", err)
	}
	return tasks, nil
}

// RunOnce is one worker pass: claim due tasks FIFO and run them with bounded
// concurrency. Returns how many tasks were claimed. The scheduler drives this
// on the publish-retry interval.
func (d *Driver) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.store.ClaimDue(ctx, d.now().UTC(), d.concurrency)
	if err != nil {
		return 0, fmt.Errorf("publish: claim due tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			d.runTask(ctx, t)
		}(task)
	}
	wg.Wait()
	return len(tasks), nil
}

// runTask performs one publish attempt for a claimed task and settles the
// outcome. Transport errors and cancellations classify as retryable; HTTP
// statuses go through the classification table.
func (d *Driver) runTask(ctx context.Context, task *Task) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	start := time.Now()
	res, err := d.caller.Publish(callCtx, task)
	elapsed := time.Since(start)
	cancel()

	attempts := task.Attempts + 1
	outcome := "success"
	switch {
	case err != nil:
		outcome = "retryable"
		d.settleRetryable(ctx, task, attempts, err.Error())
	default:
		switch d.classify.Classify(res.StatusCode) {
		case "success":
			d.settleSuccess(ctx, task, res.ProofRef)
		case "retryable":
			outcome = "retryable"
			d.settleRetryable(ctx, task, attempts,
				fmt.Sprintf("publisher %s returned %d", task.Target, res.StatusCode))
		default:
			outcome = "fatal"
			d.settleFatal(ctx, task, attempts,
				fmt.Sprintf("publisher %s returned %d", task.Target, res.StatusCode))
		}
	}
	if d.metrics != nil {
		d.metrics.CountPublishAttempt(ctx, task.Target, outcome, elapsed)
	}
}

// settleSuccess stores the completion proof, audits the target completion,
// and checks whether the manifest is fully published. Losing the terminal
// transition means another path already settled this task.
func (d *Driver) settleSuccess(ctx context.Context, task *Task, proofRef string) {
	at := d.now().UTC().Truncate(time.Millisecond)
	err := d.store.MarkSucceeded(ctx, task.ID, proofRef, at)
	if errors.Is(err, ErrStatusConflict) {
		return
	}
	if err != nil {
		d.log.Error("could not mark task succeeded", "taskId", task.ID, "error", err)
		return
	}

	if _, err := d.chain.Append(ctx, audit.EventPublishTargetCompleted, map[string]any{
		"taskId":     task.ID,
		"manifestId": task.ManifestID,
		"target":     task.Target,
		"proofRef":   proofRef,
	}, nil); err != nil {
		d.log.Error("could not audit target completion", "taskId", task.ID, "error", err)
		return
	}
	d.log.Info("publish target completed", "manifestId", task.ManifestID, "target", task.Target, "proofRef", proofRef)

	if err := d.checkCompletion(ctx, task.ManifestID); err != nil {
		d.log.Error("completion check failed", "manifestId", task.ManifestID, "error", err)
	}
}

// settleRetryable reschedules the task with backoff, or parks it fatal once
// the attempt cap is reached.
func (d *Driver) settleRetryable(ctx context.Context, task *Task, attempts int, lastError string) {
	if attempts >= d.maxAttempts {
		d.settleFatal(ctx, task, attempts, lastError+" (attempt cap reached)")
		return
	}
	at := d.now().UTC().Truncate(time.Millisecond)
	next := at.Add(d.backoff.Delay(task.ID, attempts))
	err := d.store.MarkRetry(ctx, task.ID, lastError, attempts, next, at)
	if errors.Is(err, ErrStatusConflict) {
		return
	}
	if err != nil {
		d.log.Error("could not reschedule task", "taskId", task.ID, "error", err)
		return
	}
	d.log.Warn("publish attempt failed, rescheduled",
		"taskId", task.ID, "target", task.Target, "attempts", attempts, "nextAttemptAt", next, "error", lastError)
}

// settleFatal parks the task, audits publish.failed, and tells the manifest
// engine. The manifest stays where it is so the admin retry path can re-arm
// the failed tasks later.
func (d *Driver) settleFatal(ctx context.Context, task *Task, attempts int, lastError string) {
	at := d.now().UTC().Truncate(time.Millisecond)
	err := d.store.MarkFatal(ctx, task.ID, lastError, attempts, at)
	if errors.Is(err, ErrStatusConflict) {
		return
	}
	if err != nil {
		d.log.Error("could not mark task fatal", "taskId", task.ID, "error", err)
		return
	}

	if _, err := d.chain.Append(ctx, audit.EventPublishFailed, map[string]any{
		"taskId":     task.ID,
		"manifestId": task.ManifestID,
		"target":     task.Target,
		"attempts":   attempts,
		"error":      lastError,
	}, nil); err != nil {
		d.log.Error("could not audit publish failure", "taskId", task.ID, "error", err)
	}
	if d.manifests != nil {
		if err := d.manifests.PublishFailed(ctx, task.ManifestID, task.Target+": "+lastError); err != nil {
			d.log.Error("could not report publish failure", "manifestId", task.ManifestID, "error", err)
		}
	}
	d.log.Error("publish target failed permanently",
		"manifestId", task.ManifestID, "target", task.Target, "attempts", attempts, "error", lastError)
}

// checkCompletion transitions the manifest to published once every task holds
// a proof. The manifest transition is the exactly-once guard; only the winner
// emits publish.completed.
func (d *Driver) checkCompletion(ctx context.Context, manifestID string) error {
	counts, err := d.store.CountByStatus(ctx, manifestID)
	if err != nil {
		return fmt.Errorf("publish: count tasks: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 || counts[StatusSucceeded] != total {
		return nil
	}

	if d.manifests != nil {
		won, err := d.manifests.PublishSucceeded(ctx, manifestID)
		if err != nil {
			return fmt.Errorf("publish: report completion: %w", err)
		}
		if !won {
			return nil
		}
	}

	tasks, err := d.store.ListByManifest(ctx, manifestID)
	if err != nil {
		return fmt.Errorf("publish: list tasks for completion: %w", err)
	}
	proofs := make(map[string]any, len(tasks))
	for _, t := range tasks {
		proofs[t.Target] = t.ProofRef
	}
	if _, err := d.chain.Append(ctx, audit.EventPublishCompleted, map[string]any{
		"manifestId": manifestID,
		"proofs":     proofs,
	}, nil); err != nil {
		return fmt.Errorf("publish: audit completion: %w", err)
	}
	d.log.Info("publish completed", "manifestId", manifestID, "targets", len(tasks))
	return nil
}

// Notification is an inbound completion report from an external publisher.
// Tasks resolve by id, or by (manifestId, target) when the publisher only
// knows what it was asked to publish.
type Notification struct {
	TaskID     string `json:"taskId,omitempty"`
	ManifestID string `json:"manifestId,omitempty"`
	Target     string `json:"target,omitempty"`
	Status     string `json:"status"` // "succeeded" | "failed"
	ProofRef   string `json:"proofRef,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Notify applies an inbound publisher completion through the same transition
// guards as the worker loop, so a worker result and a notification for the
// same task settle exactly once.
func (d *Driver) Notify(ctx context.Context, n *Notification) (*Task, error) {
	if n == nil {
		return nil, fault.Validation("missing_body", "request body is required")
	}
	task, err := d.resolveTask(ctx, n)
	if err != nil {
		return nil, err
	}

	switch n.Status {
	case "succeeded":
		if n.ProofRef == "" {
			return nil, fault.Validation("missing_proof_ref", "a succeeded notification requires proofRef")
		}
		d.settleSuccess(ctx, task, n.ProofRef)
	case "failed":
		reason := n.Error
		if reason == "" {
			reason = "publisher reported failure"
		}
		d.settleFatal(ctx, task, task.Attempts+1, reason)
	default:
		return nil, fault.Validation("invalid_status",
			fmt.Sprintf("status %q is not succeeded or failed", n.Status))
	}

	updated, err := d.store.Get(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("publish: reload task: %w", err)
	}
	return updated, nil
}

func (d *Driver) resolveTask(ctx context.Context, n *Notification) (*Task, error) {
	switch {
	case n.TaskID != "":
		task, err := d.store.Get(ctx, n.TaskID)
		if errors.Is(err, ErrNotFound) {
			return nil, fault.NotFound("publish task", n.TaskID)
		}
		if err != nil {
			return nil, fmt.Errorf("publish: get task: %w", err)
		}
		return task, nil
	case n.ManifestID != "" && n.Target != "":
		task, err := d.store.GetByManifestTarget(ctx, n.ManifestID, n.Target)
		if errors.Is(err, ErrNotFound) {
			return nil, fault.NotFound("publish task", n.ManifestID+"/"+n.Target)
		}
		if err != nil {
			return nil, fmt.Errorf("publish: get task by target: %w", err)
		}
		return task, nil
	default:
		return nil, fault.Validation("missing_task_ref",
			"notification requires taskId or manifestId plus target")
	}
}

// AdminRetry re-arms every failed task of a manifest and audits the request.
// Attempts reset to zero; the next worker pass claims the tasks again.
func (d *Driver) AdminRetry(ctx context.Context, manifestID, actor string) (int, error) {
	at := d.now().UTC().Truncate(time.Millisecond)
	n, err := d.store.ResetForRetry(ctx, manifestID, at)
	if err != nil {
		return 0, fmt.Errorf("publish: reset tasks: %w", err)
	}
	if n == 0 {
		return 0, fault.Conflict("no_failed_tasks",
			fmt.Sprintf("manifest %s has no failed publish tasks", manifestID))
	}
	if _, err := d.chain.Append(ctx, audit.EventPublishRetryRequested, map[string]any{
		"manifestId": manifestID,
		"actor":      actor,
		"tasksReset": n,
	}, nil); err != nil {
		return n, fmt.Errorf("publish: audit retry request: %w", err)
	}
	d.log.Info("publish retry requested", "manifestId", manifestID, "actor", actor, "tasksReset", n)
	return n, nil
}
