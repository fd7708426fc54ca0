package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Mode determines how a task reports its outcome.
type Mode int

const (
	ModeSync  Mode = iota // Outcome is the return value of Func
	ModeAsync             // Outcome arrives later through a Completion
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Func is the body of a synchronous task. It runs on a pool worker and the
// worker is held until it returns.
type Func func(ctx context.Context, deps Dependencies) (any, error)

// AsyncFunc is the body of an asynchronous task. The worker is released as
// soon as it returns; the outcome is reported through done, from any goroutine.
type AsyncFunc func(ctx context.Context, deps Dependencies, done *Completion)

// Task is the immutable declaration of one startup task. A Task may be shared
// by several runs; nothing in this package mutates it.
type Task struct {
	Name                 string        // Unique within a run
	DependsOn            []string      // Names that must succeed first
	ExcludeFromAutoStart bool          // Only runs when named explicitly (or pulled in as a dependency)
	Mode                 Mode          // ModeSync uses Func, ModeAsync uses AsyncFunc
	Timeout              time.Duration // Zero means the run's default
	Resources            []string      // Keys held exclusively while a sync body runs
	Func                 Func
	AsyncFunc            AsyncFunc
}

// IsAutoStart reports whether the task belongs to the automatic bootstrap run.
func (t *Task) IsAutoStart() bool {
	return !t.ExcludeFromAutoStart
}

// validateBody checks that the body matching Mode is set.
func (t *Task) validateBody() error {
	switch t.Mode {
	case ModeSync:
		if t.Func == nil {
			return fmt.Errorf("%w: sync task %q has no Func", ErrInvalidTask, t.Name)
		}
	case ModeAsync:
		if t.AsyncFunc == nil {
			return fmt.Errorf("%w: async task %q has no AsyncFunc", ErrInvalidTask, t.Name)
		}
	default:
		return fmt.Errorf("%w: task %q has unknown mode %d", ErrInvalidTask, t.Name, int(t.Mode))
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: task %q has negative timeout", ErrInvalidTask, t.Name)
	}
	return nil
}

// Dependencies gives a task body read access to the results of its declared
// dependencies. Every dependency has succeeded by the time the body runs.
type Dependencies struct {
	results map[string]any
}

// Get returns the result recorded by the named dependency.
func (d Dependencies) Get(name string) (any, bool) {
	v, ok := d.results[name]
	return v, ok
}

// Names returns the dependency names available to the body.
func (d Dependencies) Names() []string {
	names := make([]string, 0, len(d.results))
	for name := range d.results {
		names = append(names, name)
	}
	return names
}
