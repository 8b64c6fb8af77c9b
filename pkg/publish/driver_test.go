package publish_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/fault"
	"github.com/Mindburn-Labs/keel/pkg/publish"
	"github.com/Mindburn-Labs/keel/pkg/signing"
)

type callOutcome struct {
	res *publish.Result
	err error
}

// fakeCaller plays a scripted queue of outcomes per target. An exhausted
// queue acknowledges with 200 and a synthetic proof.
type fakeCaller struct {
	mu     sync.Mutex
	script map[string][]callOutcome
	calls  map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		script: make(map[string][]callOutcome),
		calls:  make(map[string]int),
	}
}

func (c *fakeCaller) respond(target string, outcomes ...callOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script[target] = append(c.script[target], outcomes...)
}

func (c *fakeCaller) Publish(ctx context.Context, task *publish.Task) (*publish.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[task.Target]++
	queue := c.script[task.Target]
	if len(queue) == 0 {
		return &publish.Result{StatusCode: 200, ProofRef: "proof://" + task.Target}, nil
	}
	out := queue[0]
	c.script[task.Target] = queue[1:]
	return out.res, out.err
}

func status(code int) callOutcome {
	return callOutcome{res: &publish.Result{StatusCode: code, ProofRef: "proof://scripted"}}
}

func transportErr(msg string) callOutcome {
	return callOutcome{err: errors.New(msg)}
}

// fakeManifests records terminal publish reports. PublishSucceeded awards the
// transition to the first caller only, like the real engine's conditional
// update does.
type fakeManifests struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
	won       map[string]bool
}

func newFakeManifests() *fakeManifests {
	return &fakeManifests{won: make(map[string]bool)}
}

func (m *fakeManifests) PublishSucceeded(ctx context.Context, manifestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeded = append(m.succeeded, manifestID)
	if m.won[manifestID] {
		return false, nil
	}
	m.won[manifestID] = true
	return true, nil
}

func (m *fakeManifests) PublishFailed(ctx context.Context, manifestID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, manifestID+": "+reason)
	return nil
}

func (m *fakeManifests) failures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failed...)
}

type driverClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *driverClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *driverClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type driverFixture struct {
	driver    *publish.Driver
	store     *publish.MemoryStore
	audits    *audit.MemoryStore
	caller    *fakeCaller
	manifests *fakeManifests
	clock     *driverClock
}

func newDriver(t *testing.T, maxAttempts int, opts ...publish.DriverOption) *driverFixture {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	signer := signing.NewLocalSigner([]byte("publish-test-seed"))
	chain := audit.NewChain(auditStore, signer, "audit-signer-1")

	clock := &driverClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := publish.NewMemoryStore()
	caller := newFakeCaller()
	manifests := newFakeManifests()

	// No jitter so retry times are exact in clock-advance assertions.
	backoff := publish.BackoffPolicy{Base: time.Second, Cap: time.Minute}
	all := append([]publish.DriverOption{publish.WithClock(clock.Now)}, opts...)
	d := publish.NewDriver(store, caller, chain, nil, backoff, maxAttempts, all...)
	d.SetManifestHook(manifests)
	return &driverFixture{
		driver: d, store: store, audits: auditStore,
		caller: caller, manifests: manifests, clock: clock,
	}
}

func publishEventTypes(t *testing.T, store *audit.MemoryStore) []string {
	t.Helper()
	events, err := store.Range(context.Background(), time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func countOf(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func taskByTarget(t *testing.T, f *driverFixture, manifestID, target string) *publish.Task {
	t.Helper()
	task, err := f.store.GetByManifestTarget(context.Background(), manifestID, target)
	require.NoError(t, err)
	return task
}

func TestCreateTasksForManifest_FanOutIsIdempotent(t *testing.T) {
	f := newDriver(t, 10)
	ctx := context.Background()

	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	tasks, err := f.driver.Tasks(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	targets := make([]string, 0, 3)
	ids := make(map[string]string)
	for _, task := range tasks {
		targets = append(targets, task.Target)
		ids[task.Target] = task.ID
		assert.Equal(t, publish.StatusPending, task.Status)
		assert.Zero(t, task.Attempts)
	}
	assert.Equal(t, []string{"delivery", "marketplace", "repo"}, targets)

	// Replaying the handoff keeps the original tasks.
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	tasks, err = f.driver.Tasks(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, ids[task.Target], task.ID)
	}
}

func TestRunOnce_AllTargetsSucceed(t *testing.T) {
	f := newDriver(t, 10)
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))

	claimed, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, claimed)

	for _, target := range publish.DefaultTargets {
		task := taskByTarget(t, f, "m-1", target)
		assert.Equal(t, publish.StatusSucceeded, task.Status)
		assert.Equal(t, "proof://"+target, task.ProofRef)
	}

	types := publishEventTypes(t, f.audits)
	assert.Equal(t, 3, countOf(types, audit.EventPublishTargetCompleted))
	assert.Equal(t, 1, countOf(types, audit.EventPublishCompleted),
		"exactly one completion event no matter how the workers interleave")
	assert.Contains(t, f.manifests.succeeded, "m-1")

	// An idle pass claims nothing.
	claimed, err = f.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestRunOnce_RetryableStatusReschedulesWithBackoff(t *testing.T) {
	f := newDriver(t, 10, publish.WithTargets([]string{"repo"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	f.caller.respond("repo", status(503))

	_, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)

	task := taskByTarget(t, f, "m-1", "repo")
	assert.Equal(t, publish.StatusFailedRetryable, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "503")

	backoff := publish.BackoffPolicy{Base: time.Second, Cap: time.Minute}
	wantNext := f.clock.Now().UTC().Add(backoff.Delay(task.ID, 1))
	assert.Equal(t, wantNext, task.NextAttemptAt)

	// Not due yet.
	claimed, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)

	f.clock.Advance(backoff.Delay(task.ID, 1))
	claimed, err = f.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	task = taskByTarget(t, f, "m-1", "repo")
	assert.Equal(t, publish.StatusSucceeded, task.Status)
	assert.Equal(t, 2, f.caller.calls["repo"])
}

func TestRunOnce_TransportErrorIsRetryable(t *testing.T) {
	f := newDriver(t, 10, publish.WithTargets([]string{"repo"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	f.caller.respond("repo", transportErr("dial tcp: connection refused"))

	_, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)

	task := taskByTarget(t, f, "m-1", "repo")
	assert.Equal(t, publish.StatusFailedRetryable, task.Status)
	assert.Contains(t, task.LastError, "connection refused")
}

func TestRunOnce_FatalStatusParksTaskAndReportsFailure(t *testing.T) {
	f := newDriver(t, 10, publish.WithTargets([]string{"repo", "marketplace"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	f.caller.respond("marketplace", status(422))

	_, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, publish.StatusSucceeded, taskByTarget(t, f, "m-1", "repo").Status)
	fatal := taskByTarget(t, f, "m-1", "marketplace")
	assert.Equal(t, publish.StatusFailedFatal, fatal.Status)
	assert.Contains(t, fatal.LastError, "422")

	types := publishEventTypes(t, f.audits)
	assert.Equal(t, 1, countOf(types, audit.EventPublishFailed))
	assert.Zero(t, countOf(types, audit.EventPublishCompleted))

	failures := f.manifests.failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "marketplace")
	assert.Contains(t, failures[0], "422")
}

func TestRunOnce_AttemptCapTurnsRetryableFatal(t *testing.T) {
	f := newDriver(t, 2, publish.WithTargets([]string{"repo"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	f.caller.respond("repo", status(500), status(500), status(500))

	_, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)
	task := taskByTarget(t, f, "m-1", "repo")
	require.Equal(t, publish.StatusFailedRetryable, task.Status)

	f.clock.Advance(time.Hour)
	_, err = f.driver.RunOnce(ctx)
	require.NoError(t, err)

	task = taskByTarget(t, f, "m-1", "repo")
	assert.Equal(t, publish.StatusFailedFatal, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Contains(t, task.LastError, "attempt cap reached")
	assert.Equal(t, 2, f.caller.calls["repo"])
}

func TestNotify_SucceededSettlesPendingTask(t *testing.T) {
	f := newDriver(t, 10, publish.WithTargets([]string{"repo"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))

	task, err := f.driver.Notify(ctx, &publish.Notification{
		ManifestID: "m-1",
		Target:     "repo",
		Status:     "succeeded",
		ProofRef:   "proof://repo/commit-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, publish.StatusSucceeded, task.Status)
	assert.Equal(t, "proof://repo/commit-abc", task.ProofRef)

	types := publishEventTypes(t, f.audits)
	assert.Equal(t, 1, countOf(types, audit.EventPublishTargetCompleted))
	assert.Equal(t, 1, countOf(types, audit.EventPublishCompleted))

	// A duplicate notification replays the settled task without new events.
	again, err := f.driver.Notify(ctx, &publish.Notification{
		ManifestID: "m-1",
		Target:     "repo",
		Status:     "succeeded",
		ProofRef:   "proof://repo/commit-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, types, publishEventTypes(t, f.audits))
}

func TestNotify_FailedParksTask(t *testing.T) {
	f := newDriver(t, 10, publish.WithTargets([]string{"repo"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	id := taskByTarget(t, f, "m-1", "repo").ID

	task, err := f.driver.Notify(ctx, &publish.Notification{
		TaskID: id,
		Status: "failed",
		Error:  "artifact checksum mismatch",
	})
	require.NoError(t, err)
	assert.Equal(t, publish.StatusFailedFatal, task.Status)
	assert.Equal(t, "artifact checksum mismatch", task.LastError)
	require.Len(t, f.manifests.failures(), 1)
}

func TestNotify_Validation(t *testing.T) {
	f := newDriver(t, 10)
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))

	_, err := f.driver.Notify(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = f.driver.Notify(ctx, &publish.Notification{Status: "succeeded", ProofRef: "p"})
	require.Error(t, err)
	assert.Equal(t, "missing_task_ref", fault.From(err).Code)

	_, err = f.driver.Notify(ctx, &publish.Notification{
		ManifestID: "m-1", Target: "repo", Status: "succeeded",
	})
	require.Error(t, err)
	assert.Equal(t, "missing_proof_ref", fault.From(err).Code)

	_, err = f.driver.Notify(ctx, &publish.Notification{
		ManifestID: "m-1", Target: "repo", Status: "partial",
	})
	require.Error(t, err)
	assert.Equal(t, "invalid_status", fault.From(err).Code)

	_, err = f.driver.Notify(ctx, &publish.Notification{
		TaskID: "no-such-task", Status: "succeeded", ProofRef: "p",
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestAdminRetry_RearmsFailedTasks(t *testing.T) {
	f := newDriver(t, 1, publish.WithTargets([]string{"repo", "marketplace"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	f.caller.respond("repo", status(500))
	f.caller.respond("marketplace", status(400))

	_, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, publish.StatusFailedFatal, taskByTarget(t, f, "m-1", "repo").Status,
		"attempt cap of one makes the retryable failure fatal")
	assert.Equal(t, publish.StatusFailedFatal, taskByTarget(t, f, "m-1", "marketplace").Status)

	n, err := f.driver.AdminRetry(ctx, "m-1", "superadmin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, publishEventTypes(t, f.audits), audit.EventPublishRetryRequested)

	for _, target := range []string{"repo", "marketplace"} {
		task := taskByTarget(t, f, "m-1", target)
		assert.Equal(t, publish.StatusPending, task.Status)
		assert.Zero(t, task.Attempts)
	}

	// Scripts are exhausted, so the re-armed tasks succeed.
	_, err = f.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, publish.StatusSucceeded, taskByTarget(t, f, "m-1", "repo").Status)
	assert.Equal(t, publish.StatusSucceeded, taskByTarget(t, f, "m-1", "marketplace").Status)
	assert.Equal(t, 1, countOf(publishEventTypes(t, f.audits), audit.EventPublishCompleted))
}

func TestAdminRetry_NothingToRetryIsConflict(t *testing.T) {
	f := newDriver(t, 10)
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))

	_, err := f.driver.AdminRetry(ctx, "m-1", "superadmin-1")
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindConflict, fa.Kind)
	assert.Equal(t, "no_failed_tasks", fa.Code)
}

func TestCheckCompletion_OnlyTransitionWinnerEmitsCompleted(t *testing.T) {
	f := newDriver(t, 10, publish.WithTargets([]string{"repo"}))
	ctx := context.Background()
	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))

	// The manifest already moved on (another node won), so no completion
	// event is emitted here.
	f.manifests.won["m-1"] = true
	_, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, publish.StatusSucceeded, taskByTarget(t, f, "m-1", "repo").Status)
	types := publishEventTypes(t, f.audits)
	assert.Equal(t, 1, countOf(types, audit.EventPublishTargetCompleted))
	assert.Zero(t, countOf(types, audit.EventPublishCompleted))
}

// recordingMetrics collects settled attempt outcomes.
type recordingMetrics struct {
	mu       sync.Mutex
	attempts []string
}

func (r *recordingMetrics) CountPublishAttempt(_ context.Context, target, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, target+":"+outcome)
}

func TestRunOnce_ReportsAttemptOutcomesToMetrics(t *testing.T) {
	rec := &recordingMetrics{}
	f := newDriver(t, 10, publish.WithMetrics(rec))
	ctx := context.Background()

	f.caller.respond("repo", status(503))
	f.caller.respond("marketplace", status(400))
	// delivery acknowledges with 200 off the exhausted script.

	require.NoError(t, f.driver.CreateTasksForManifest(ctx, "m-1"))
	n, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []string{
		"repo:retryable",
		"marketplace:fatal",
		"delivery:success",
	}, rec.attempts)
}
