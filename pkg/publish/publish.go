// Package publish drives the external publishers (repository writer,
// marketplace lister, delivery service) after a manifest applies. One task
// per target; tasks are independent, claimed FIFO with skip-locked
// semantics, and retried with exponential backoff and deterministic jitter
// until a completion proof or the attempt cap.
package publish

import (
	"context"
	"errors"
	"time"
)

// Status is the task lifecycle state. failed_retryable tasks stay claimable
// until the attempt cap; failed_fatal and succeeded are terminal.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusSucceeded       Status = "succeeded"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedFatal     Status = "failed_fatal"
)

// Terminal reports whether the task cannot move again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedFatal
}

var (
	ErrNotFound       = errors.New("publish: task not found")
	ErrStatusConflict = errors.New("publish: status conflict")
)

// Task is one unit of publish work against one target.
type Task struct {
	ID            string    `json:"taskId"`
	ManifestID    string    `json:"manifestId"`
	Target        string    `json:"target"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	ProofRef      string    `json:"proofRef,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists publish tasks. Completion methods are conditional updates:
// the first terminal transition wins and late arrivals get
// ErrStatusConflict, which is how completions stay exactly-once.
type Store interface {
	Init(ctx context.Context) error

	// InsertTasks records the fan-out for a manifest. A manifest that
	// already has tasks is left untouched, making the apply handoff
	// idempotent.
	InsertTasks(ctx context.Context, tasks []*Task) error
	Get(ctx context.Context, id string) (*Task, error)
	GetByManifestTarget(ctx context.Context, manifestID, target string) (*Task, error)
	ListByManifest(ctx context.Context, manifestID string) ([]*Task, error)

	// ClaimDue atomically moves up to limit due tasks (pending or
	// failed_retryable with nextAttemptAt at or before now) to in_flight,
	// FIFO by creation time. Two concurrent claimers never receive the same
	// task.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// MarkSucceeded stores the completion proof. Allowed from any
	// non-terminal status so inbound notify completions and worker results
	// race safely.
	MarkSucceeded(ctx context.Context, id, proofRef string, at time.Time) error
	// MarkRetry returns an in_flight task to the queue with its attempt
	// count and next attempt time.
	MarkRetry(ctx context.Context, id, lastError string, attempts int, nextAttemptAt, at time.Time) error
	// MarkFatal parks a task in failed_fatal. Like MarkSucceeded it is
	// allowed from any non-terminal status so notify-reported failures land
	// even when no worker holds the task.
	MarkFatal(ctx context.Context, id, lastError string, attempts int, at time.Time) error

	// ResetForRetry re-arms every failed task of a manifest: attempts back
	// to zero, status pending, due immediately. Returns how many moved.
	ResetForRetry(ctx context.Context, manifestID string, at time.Time) (int, error)

	CountByStatus(ctx context.Context, manifestID string) (map[Status]int, error)
}
