// Package tasks runs supervised background work. The conversation core
// uses it for post-reply extraction: work that must never block or fail
// the user-visible reply, but must not leak goroutines either.
package tasks

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kindred-ai/kindred/pkg/observability"
)

// Runner executes background functions with a concurrency bound. Failures
// and panics are logged and dropped; Close drains in-flight work.
type Runner struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRunner creates a runner allowing up to maxConcurrent tasks
// (default 8).
func NewRunner(maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Runner{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Go schedules fn on a supervised goroutine and returns immediately: a
// runner at capacity queues the task on its own goroutine, never the
// caller's. If the runner is closed the task is dropped with a log line.
// The error returned by fn is logged, never propagated.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Printf("[tasks] dropped %s: runner closed", name)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	done := observability.TrackBackgroundTask(name)
	// Detach from the request context up front: the reply has already
	// been returned, so neither queueing nor execution should die with
	// the request.
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		defer done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[tasks] panic in %s: %v", name, rec)
			}
		}()
		if err := r.sem.Acquire(taskCtx, 1); err != nil {
			log.Printf("[tasks] dropped %s: %v", name, err)
			return
		}
		defer r.sem.Release(1)
		if err := fn(taskCtx); err != nil {
			log.Printf("[tasks] %s failed: %v", name, err)
		}
	}()
}

// Drain waits for every scheduled task to finish, bounded by the context
// deadline. The runner stays open for new work.
func (r *Runner) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for in-flight tasks, bounded by
// the context deadline.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Drain(ctx)
}
