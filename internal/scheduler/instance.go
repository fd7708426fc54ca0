package scheduler

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one task instance within a run.
type State int

const (
	StatePending   State = iota // Waiting for dependencies
	StateReady                  // Dependencies succeeded, queued for a worker
	StateRunning                // Body invoked, outcome outstanding
	StateSucceeded              // Finished successfully
	StateFailed                 // Body failed, panicked, or a dependency did not succeed
	StateTimedOut               // No outcome within the task or run deadline
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := StatePending; st <= StateTimedOut; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// RunState is the aggregate state of a run.
type RunState int

const (
	RunPending        RunState = iota // Created, not started
	RunRunning                        // Started, tasks outstanding
	RunAllSucceeded                   // Every task succeeded
	RunPartialFailure                 // At least one task failed or timed out on its own deadline
	RunTimedOut                       // The run deadline expired
)

func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunAllSucceeded:
		return "all-succeeded"
	case RunPartialFailure:
		return "partial-failure"
	case RunTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// Terminal reports whether the run has concluded.
func (s RunState) Terminal() bool {
	return s >= RunAllSucceeded
}

// ParseRunState is the inverse of RunState.String.
func ParseRunState(s string) (RunState, error) {
	for st := RunPending; st <= RunTimedOut; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown run state %q", s)
}

// Status is a point-in-time view of one task instance.
type Status struct {
	Name       string
	Mode       Mode
	State      State
	Result     any   // Set when State is StateSucceeded
	Err        error // Set when State is StateFailed or StateTimedOut
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the time between entering Running and the terminal transition.
// Zero for tasks that never ran.
func (s Status) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Report is a consistent snapshot of a run.
type Report struct {
	RunID      string
	State      RunState
	Tasks      []Status // Topological order
	StartedAt  time.Time
	FinishedAt time.Time
}

// Get returns the status of the named task.
func (r Report) Get(name string) (Status, bool) {
	for _, st := range r.Tasks {
		if st.Name == name {
			return st, true
		}
	}
	return Status{}, false
}

// Failures lists every task that did not succeed.
func (r Report) Failures() []Status {
	var out []Status
	for _, st := range r.Tasks {
		if st.State.Terminal() && st.State != StateSucceeded {
			out = append(out, st)
		}
	}
	return out
}

// Err returns nil for runs that ended in RunAllSucceeded (or are not yet
// terminal) and a *RunError listing every non-succeeded task otherwise.
func (r Report) Err() error {
	if r.State != RunPartialFailure && r.State != RunTimedOut {
		return nil
	}
	return &RunError{RunID: r.RunID, State: r.State, Failed: r.Failures()}
}

// instance is the runtime record of one task within a run. All fields are
// guarded by the owning Run's mutex.
type instance struct {
	task       *Task
	state      State
	result     any
	err        error
	startedAt  time.Time
	finishedAt time.Time
	timer      *time.Timer
	cancel     func()
	carried    bool // result carried over from an earlier run; the body is not invoked
}

func (in *instance) status() Status {
	return Status{
		Name:       in.task.Name,
		Mode:       in.task.Mode,
		State:      in.state,
		Result:     in.result,
		Err:        in.err,
		StartedAt:  in.startedAt,
		FinishedAt: in.finishedAt,
	}
}

// finish records the single terminal transition. The caller holds the run lock
// and has checked that the instance is not already terminal.
func (in *instance) finish(state State, result any, err error, now time.Time) {
	in.state = state
	in.result = result
	in.err = err
	in.finishedAt = now
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
}
