// Package scheduler runs the node's background loops: validation polling,
// publish dispatch, audit export, idempotency sweeping, and the emergency
// ratification timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one recurring background task. Run performs a single tick and
// reports how many items it handled.
type Job struct {
	Name  string
	Every time.Duration
	// Workers is how many loops tick this job concurrently; zero means one.
	Workers int
	Run     func(ctx context.Context) (int, error)
}

// Runner drives a fixed job set. It is single-use: Start once, Stop once.
type Runner struct {
	jobs  []Job
	grace time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewRunner builds a runner that waits up to grace for in-flight ticks on
// shutdown.
func NewRunner(grace time.Duration, jobs ...Job) *Runner {
	if grace <= 0 {
		grace = 20 * time.Second
	}
	return &Runner{
		jobs:  jobs,
		grace: grace,
		stop:  make(chan struct{}),
		log:   slog.Default().With("component", "scheduler"),
	}
}

// Start launches every job loop. Each loop ticks immediately, then on its
// interval.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("scheduler: already started")
	}
	for _, job := range r.jobs {
		if job.Name == "" || job.Every <= 0 || job.Run == nil {
			return fmt.Errorf("scheduler: job %q needs a name, an interval, and a run function", job.Name)
		}
	}
	r.started = true

	for _, job := range r.jobs {
		workers := job.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.loop(ctx, job)
		}
		r.log.Info("job scheduled", "job", job.Name, "every", job.Every, "workers", workers)
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	r.tick(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick(ctx, job)
		}
	}
}

func (r *Runner) tick(ctx context.Context, job Job) {
	n, err := job.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown in progress; the loop exits on the next select.
	case err != nil:
		r.log.Error("job tick failed", "job", job.Name, "error", err)
	case n > 0:
		r.log.Info("job tick", "job", job.Name, "handled", n)
	}
}

// Stop signals every loop and waits up to the grace window for in-flight
// ticks to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stop)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("scheduler drained")
	case <-time.After(r.grace):
		r.log.Warn("shutdown grace expired before every job drained")
	}
}
