package scheduler

import (
	"context"
	"fmt"
	"time"
)

// waitResult is what a task waiter receives: the terminal status, or an error
// when the task left the run before reaching a terminal state.
type waitResult struct {
	status Status
	err    error
}

type taskWaiter struct {
	ch chan waitResult
}

type runWaiter struct {
	ch chan Report
}

// waitRegistry holds callers blocked on a task or on the whole run. Every
// method is called with the owning Run's mutex held, which is the same lock
// that publishes terminal transitions, so a waiter can never miss one.
type waitRegistry struct {
	tasks map[int][]*taskWaiter
	run   []*runWaiter
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{tasks: make(map[int][]*taskWaiter)}
}

func (w *waitRegistry) addTask(i int) *taskWaiter {
	tw := &taskWaiter{ch: make(chan waitResult, 1)}
	w.tasks[i] = append(w.tasks[i], tw)
	return tw
}

func (w *waitRegistry) removeTask(i int, tw *taskWaiter) {
	list := w.tasks[i]
	for k, candidate := range list {
		if candidate == tw {
			w.tasks[i] = append(list[:k], list[k+1:]...)
			break
		}
	}
	if len(w.tasks[i]) == 0 {
		delete(w.tasks, i)
	}
}

// resolveTask hands st to every waiter of task i, in registration order.
func (w *waitRegistry) resolveTask(i int, st Status) {
	for _, tw := range w.tasks[i] {
		tw.ch <- waitResult{status: st}
	}
	delete(w.tasks, i)
}

func (w *waitRegistry) rejectTask(i int, err error) {
	for _, tw := range w.tasks[i] {
		tw.ch <- waitResult{err: err}
	}
	delete(w.tasks, i)
}

func (w *waitRegistry) addRun() *runWaiter {
	rw := &runWaiter{ch: make(chan Report, 1)}
	w.run = append(w.run, rw)
	return rw
}

func (w *waitRegistry) removeRun(rw *runWaiter) {
	for k, candidate := range w.run {
		if candidate == rw {
			w.run = append(w.run[:k], w.run[k+1:]...)
			return
		}
	}
}

func (w *waitRegistry) resolveRun(rep Report) {
	for _, rw := range w.run {
		rw.ch <- rep
	}
	w.run = nil
}

// pending returns the number of registered waiters.
func (w *waitRegistry) pending() int {
	n := len(w.run)
	for _, list := range w.tasks {
		n += len(list)
	}
	return n
}

// WaitFor blocks until the named task is terminal and returns its status. The
// task's own failure is reported in Status.Err; the returned error is only set
// when the wait itself fails:
//   - *UnknownTaskError: the run does not contain name (returned immediately)
//   - ErrWaitTimeout: timeout elapsed first (timeout <= 0 waits without limit)
//   - ctx.Err(): ctx was cancelled first
//
// A wait never affects the task or the run.
func (r *Run) WaitFor(ctx context.Context, name string, timeout time.Duration) (Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	i, ok := r.dag.Index(name)
	if !ok || (r.state != RunPending && !r.dag.InScope(i)) {
		r.mu.Unlock()
		return Status{}, &UnknownTaskError{Name: name}
	}
	if in := r.instances[i]; in.state.Terminal() {
		st := in.status()
		r.mu.Unlock()
		return st, nil
	}
	tw := r.waits.addTask(i)
	r.mu.Unlock()

	expired, stop := waitTimer(timeout)
	defer stop()

	select {
	case res := <-tw.ch:
		return res.status, res.err
	case <-expired:
		if res, ok := r.abandonTask(i, tw); ok {
			return res.status, res.err
		}
		return Status{}, fmt.Errorf("task %q: %w after %v", name, ErrWaitTimeout, timeout)
	case <-ctx.Done():
		if res, ok := r.abandonTask(i, tw); ok {
			return res.status, res.err
		}
		return Status{}, ctx.Err()
	}
}

// abandonTask deregisters tw. If the task resolved it in the meantime, the
// delivered result is returned so it is not lost.
func (r *Run) abandonTask(i int, tw *taskWaiter) (waitResult, bool) {
	r.mu.Lock()
	r.waits.removeTask(i, tw)
	r.mu.Unlock()

	select {
	case res := <-tw.ch:
		return res, true
	default:
		return waitResult{}, false
	}
}

// WaitForAll blocks until the run is terminal and returns its report. Errors
// follow WaitFor: ErrWaitTimeout or ctx.Err().
func (r *Run) WaitForAll(ctx context.Context, timeout time.Duration) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.state.Terminal() {
		rep := r.reportLocked()
		r.mu.Unlock()
		return rep, nil
	}
	rw := r.waits.addRun()
	r.mu.Unlock()

	expired, stop := waitTimer(timeout)
	defer stop()

	select {
	case rep := <-rw.ch:
		return rep, nil
	case <-expired:
		if rep, ok := r.abandonRun(rw); ok {
			return rep, nil
		}
		return Report{}, fmt.Errorf("run %s: %w after %v", r.id, ErrWaitTimeout, timeout)
	case <-ctx.Done():
		if rep, ok := r.abandonRun(rw); ok {
			return rep, nil
		}
		return Report{}, ctx.Err()
	}
}

func (r *Run) abandonRun(rw *runWaiter) (Report, bool) {
	r.mu.Lock()
	r.waits.removeRun(rw)
	r.mu.Unlock()

	select {
	case rep := <-rw.ch:
		return rep, true
	default:
		return Report{}, false
	}
}

// waitTimer returns a channel that fires after timeout, or a nil channel
// (never fires) when timeout <= 0.
func waitTimer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
