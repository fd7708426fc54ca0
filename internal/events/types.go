package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	TaskName() string // Empty for run-level events
}

// Topic constants
const (
	TopicTask = "task"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskSucceeded = "task.succeeded"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskTimedOut  = "task.timed_out"
	EventTypeRunProgress   = "run.progress"
	EventTypeRunFinished   = "run.finished"
)

// TaskStartedEvent is published when a task body is invoked.
type TaskStartedEvent struct {
	Run       string
	Task      string
	Mode      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) RunID() string     { return e.Run }
func (e TaskStartedEvent) TaskName() string  { return e.Task }

// TaskSucceededEvent is published when a task finishes successfully.
type TaskSucceededEvent struct {
	Run       string
	Task      string
	Carried   bool // Result came from an earlier run
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskSucceededEvent) EventType() string { return EventTypeTaskSucceeded }
func (e TaskSucceededEvent) RunID() string     { return e.Run }
func (e TaskSucceededEvent) TaskName() string  { return e.Task }

// TaskFailedEvent is published when a task fails, either on its own or
// because a dependency did not succeed.
type TaskFailedEvent struct {
	Run       string
	Task      string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) RunID() string     { return e.Run }
func (e TaskFailedEvent) TaskName() string  { return e.Task }

// TaskTimedOutEvent is published when a task misses its deadline or is swept
// by the run deadline.
type TaskTimedOutEvent struct {
	Run       string
	Task      string
	Timeout   time.Duration
	RunWide   bool
	Timestamp time.Time
}

func (e TaskTimedOutEvent) EventType() string { return EventTypeTaskTimedOut }
func (e TaskTimedOutEvent) RunID() string     { return e.Run }
func (e TaskTimedOutEvent) TaskName() string  { return e.Task }

// RunProgressEvent is published after every terminal task transition.
type RunProgressEvent struct {
	Run       string
	Total     int
	Succeeded int
	Failed    int
	TimedOut  int
	Running   int
	Pending   int // Pending or ready
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) RunID() string     { return e.Run }
func (e RunProgressEvent) TaskName() string  { return "" }

// Done is the number of tasks in a terminal state.
func (e RunProgressEvent) Done() int {
	return e.Succeeded + e.Failed + e.TimedOut
}

// RunFinishedEvent is published once when a run concludes.
type RunFinishedEvent struct {
	Run       string
	State     string
	Failed    []string
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) RunID() string     { return e.Run }
func (e RunFinishedEvent) TaskName() string  { return "" }
