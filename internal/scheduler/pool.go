package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 4

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Workers int
	Queued  int
	Active  int
	Closed  bool
}

// Pool fans submitted work out to a bounded set of workers. Submit never
// blocks: work is queued and a single dispatcher hands it to an errgroup
// limited to the worker count, so a worker that submits follow-up work can
// never deadlock waiting for its own slot.
//
// A Pool may be shared by several runs.
type Pool struct {
	workers int
	g       errgroup.Group

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	exited chan struct{}

	active atomic.Int64
}

// NewPool creates a pool with the given number of workers (DefaultConcurrency
// if workers <= 0) and starts its dispatcher.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	p := &Pool{
		workers: workers,
		wake:    make(chan struct{}, 1),
		exited:  make(chan struct{}),
	}
	p.g.SetLimit(workers)
	go p.dispatch()
	return p
}

// Submit queues fn for execution. It returns ErrPoolClosed after Close.
func (p *Pool) Submit(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
		// Dispatcher already has a pending wake-up
	}
	return nil
}

// dispatch moves queued work onto workers in FIFO order. g.Go blocks while
// every worker is busy, which is what bounds concurrency.
func (p *Pool) dispatch() {
	defer close(p.exited)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			<-p.wake
			continue
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.g.Go(func() error {
			p.active.Add(1)
			defer p.active.Add(-1)
			fn()
			return nil
		})
	}
}

// Close stops accepting work. Work already queued is still dispatched.
// Close does not wait; use Shutdown for that.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Shutdown closes the pool and waits for queued and running work to finish,
// or for ctx to be done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()

	finished := make(chan struct{})
	go func() {
		<-p.exited
		_ = p.g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Workers: p.workers,
		Queued:  len(p.queue),
		Active:  int(p.active.Load()),
		Closed:  p.closed,
	}
}
