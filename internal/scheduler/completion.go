package scheduler

import (
	"errors"
	"sync/atomic"
)

var errNilFailure = errors.New("task reported failure without an error")

// outcome is the tagged value carried by a Completion.
type outcome struct {
	result any
	err    error
}

// Completion is the one-shot handle an asynchronous task uses to report its
// outcome. Exactly one of Complete or Fail takes effect; later calls return
// ErrAlreadyCompleted. It is safe to call from any goroutine, including after
// the task has timed out, in which case the outcome is discarded by the run.
type Completion struct {
	used atomic.Bool
	ch   chan outcome
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan outcome, 1)}
}

// Complete reports success with result.
func (c *Completion) Complete(result any) error {
	return c.report(outcome{result: result})
}

// Fail reports failure. A nil err is replaced by a generic error so the
// failure is never mistaken for success.
func (c *Completion) Fail(err error) error {
	if err == nil {
		err = errNilFailure
	}
	return c.report(outcome{err: err})
}

// Done reports whether Complete or Fail has been called.
func (c *Completion) Done() bool {
	return c.used.Load()
}

func (c *Completion) report(o outcome) error {
	if !c.used.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}
	// Buffered with capacity 1 and written once, so this never blocks.
	c.ch <- o
	return nil
}
