package cache

import (
	"context"

	"golang.org/x/time/rate"
)

// pool is the bounded blocking-I/O worker pool spec.md §4.1 requires:
// "any caller inside a suspendable context must execute put/get through a
// worker pool so the main request-scheduling context is not stalled."
// A fixed number of dedicated goroutines drain a task queue; a
// golang.org/x/time/rate limiter shapes the admission rate so a burst of
// misses can't flood the disk faster than worker_count-derived capacity
// allows, independent of the concurrency bound.
type pool struct {
	tasks   chan task
	limiter *rate.Limiter
	done    chan struct{}
}

type task struct {
	fn   func() error
	done chan error
}

// newPool starts workerCount persistent goroutines. workerCount below 1 is
// clamped to 1 so the pool always makes progress.
func newPool(workerCount int) *pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &pool{
		tasks:   make(chan task, workerCount*4),
		limiter: rate.NewLimiter(rate.Limit(workerCount*8), workerCount*8),
		done:    make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		go p.run()
	}
	return p
}

func (p *pool) run() {
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			t.done <- t.fn()
		case <-p.done:
			return
		}
	}
}

// do submits fn to a worker and blocks until it completes or ctx is
// cancelled. The rate limiter is checked before the task is even queued,
// so a burst of calls waits at admission time (or gives up once ctx is
// done) rather than piling up in the task queue.
func (p *pool) do(ctx context.Context, fn func() error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	d := make(chan error, 1)
	select {
	case p.tasks <- task{fn: fn, done: d}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-d:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resize replaces the limiter's burst/rate for a new worker_count (see
// DiskStore.Resize). The goroutine count itself is fixed
// at construction; a resize only reshapes admission, it doesn't spin up
// or tear down workers (avoiding the coordination needed to do that
// safely while tasks are in flight).
func (p *pool) resize(workerCount int) {
	if workerCount < 1 {
		workerCount = 1
	}
	p.limiter.SetLimit(rate.Limit(workerCount * 8))
	p.limiter.SetBurst(workerCount * 8)
}

// close stops accepting new workers' loops. In-flight tasks already
// dequeued still run to completion; do calls made after close will block
// until ctx cancellation since no worker drains p.tasks anymore.
func (p *pool) close() {
	close(p.done)
}
