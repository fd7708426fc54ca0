package scheduler

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

var (
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrUnknownTask       = errors.New("unknown task")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrInvalidTask       = errors.New("invalid task")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrTaskTimeout       = errors.New("task timed out")
	ErrRunTimeout        = errors.New("run timed out")
	ErrWaitTimeout       = errors.New("wait timed out")
	ErrAlreadyStarted    = errors.New("run already started")
	ErrAlreadyCompleted  = errors.New("completion already reported")
	ErrPoolClosed        = errors.New("worker pool closed")
)

// CycleError reports a dependency cycle found while building a DAG.
// Path starts and ends with the same task name.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// UnknownDependencyError reports a declared dependency with no matching task.
type UnknownDependencyError struct {
	Task       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Dependency)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// UnknownTaskError is returned when a caller names a task the run does not contain.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Name)
}

func (e *UnknownTaskError) Unwrap() error { return ErrUnknownTask }

// DependencyFailedError is recorded on a task that never ran because
// Dependency (a direct or transitive upstream task) did not succeed.
type DependencyFailedError struct {
	Task       string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("task %q skipped: dependency %q did not succeed", e.Task, e.Dependency)
}

func (e *DependencyFailedError) Unwrap() error { return ErrDependencyFailed }

// TimeoutError is recorded on an instance forced into TimedOut.
type TimeoutError struct {
	Task    string
	Timeout time.Duration
	RunWide bool
}

func (e *TimeoutError) Error() string {
	if e.RunWide {
		return fmt.Sprintf("task %q: run deadline of %v exceeded", e.Task, e.Timeout)
	}
	return fmt.Sprintf("task %q: no completion within %v", e.Task, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	if e.RunWide {
		return ErrRunTimeout
	}
	return ErrTaskTimeout
}

// TaskPanicError wraps a panic recovered from a task body.
type TaskPanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", e.Task, e.Value)
}

func newTaskPanicError(task string, v any) *TaskPanicError {
	return &TaskPanicError{Task: task, Value: v, Stack: debug.Stack()}
}

// RunError summarises a run that did not end in AllSucceeded.
type RunError struct {
	RunID  string
	State  RunState
	Failed []Status
}

func (e *RunError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, st := range e.Failed {
		names = append(names, fmt.Sprintf("%s(%s)", st.Name, st.State))
	}
	return fmt.Sprintf("run %s finished %s: %s", e.RunID, e.State, strings.Join(names, ", "))
}

// Unwrap exposes the recorded task errors so errors.Is can match
// ErrTaskTimeout, ErrDependencyFailed and friends.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, st := range e.Failed {
		if st.Err != nil {
			errs = append(errs, st.Err)
		}
	}
	return errs
}
