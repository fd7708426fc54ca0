package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/appstartup/internal/ctxlog"
	"github.com/aristath/appstartup/internal/events"
)

const (
	// DefaultTaskTimeout applies to tasks that declare no timeout of their own.
	DefaultTaskTimeout = 10 * time.Second
	// DefaultRunTimeout bounds a whole run unless overridden.
	DefaultRunTimeout = 30 * time.Second
)

// Option configures a Run.
type Option func(*Run)

// WithDefaultTimeout sets the timeout for tasks whose Timeout is zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Run) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithRunTimeout sets the deadline for the whole run. Zero disables it.
func WithRunTimeout(d time.Duration) Option {
	return func(r *Run) { r.runTimeout = d }
}

// WithConcurrency sets the worker count of the pool the run creates for
// itself. Ignored when WithPool is given.
func WithConcurrency(n int) Option {
	return func(r *Run) { r.concurrency = n }
}

// WithPool runs task bodies on a shared pool. The run does not close it.
func WithPool(p *Pool) Option {
	return func(r *Run) { r.pool = p }
}

// WithResourceLocks shares a resource lock table across runs.
func WithResourceLocks(l *ResourceLocks) Option {
	return func(r *Run) { r.locks = l }
}

// WithLogger sets the logger. Task bodies receive it through their context
// (see ctxlog.FromContext) with run and task attributes attached.
func WithLogger(l *slog.Logger) Option {
	return func(r *Run) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEventBus publishes task and run events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(r *Run) { r.bus = bus }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(r *Run) {
		if id != "" {
			r.id = id
		}
	}
}

// WithCompleted seeds results produced by an earlier run. Those tasks are
// settled as succeeded, in dependency order, without invoking their bodies.
// Names that are not part of the run are ignored.
func WithCompleted(results map[string]any) Option {
	return func(r *Run) { r.completed = results }
}

// Run is one execution of a task set. It owns the instances, drives them to
// a terminal state, and answers waits. All state transitions happen under mu,
// so each instance has exactly one terminal transition and waiters registered
// before it are always resolved by it.
type Run struct {
	id             string
	defaultTimeout time.Duration
	runTimeout     time.Duration
	concurrency    int
	logger         *slog.Logger
	bus            *events.EventBus
	completed      map[string]any

	dag       *DAG
	pool      *Pool
	ownPool   bool
	locks     *ResourceLocks
	instances []*instance

	mu         sync.Mutex
	state      RunState
	remaining  int // in-scope instances not yet terminal
	startedAt  time.Time
	finishedAt time.Time
	runTimer   *time.Timer
	ctx        context.Context
	cancel     context.CancelFunc
	waits      *waitRegistry
	done       chan struct{}
}

// published is an event collected during a transition. Publishing is
// non-blocking, so events are sent before the run lock is released and
// subscribers see them in transition order.
type published struct {
	topic string
	event events.Event
}

// NewRun validates tasks and creates a pending run. It fails with
// *UnknownDependencyError, *CycleError or an ErrInvalidTask/ErrDuplicateTask
// wrap; in that case nothing was executed.
func NewRun(tasks []*Task, opts ...Option) (*Run, error) {
	dag, err := Build(tasks)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := t.validateBody(); err != nil {
			return nil, err
		}
	}

	r := &Run{
		defaultTimeout: DefaultTaskTimeout,
		runTimeout:     DefaultRunTimeout,
		logger:         slog.Default(),
		dag:            dag,
		waits:          newWaitRegistry(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if r.locks == nil {
		r.locks = NewResourceLocks()
	}
	r.logger = r.logger.With("run", r.id)

	r.instances = make([]*instance, dag.Len())
	for i := range r.instances {
		t := dag.Task(i)
		in := &instance{task: t, state: StatePending}
		if v, ok := r.completed[t.Name]; ok {
			in.carried = true
			in.result = v
		}
		r.instances[i] = in
	}
	return r, nil
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Order returns every task name in topological order.
func (r *Run) Order() []string { return r.dag.Order() }

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// State returns the aggregate run state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the current status of the named task.
func (r *Run) Status(name string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.dag.Index(name)
	if !ok || (r.state != RunPending && !r.dag.InScope(i)) {
		return Status{}, &UnknownTaskError{Name: name}
	}
	return r.instances[i].status(), nil
}

// Snapshot returns a consistent report of the run as it is now.
func (r *Run) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reportLocked()
}

// Start begins the run. With autoOnly, only tasks not excluded from auto
// start (and their dependencies) take part; otherwise every task does. The
// caller's ctx supplies values to task bodies but cancelling it does not stop
// the run: the run deadline is its only cancellation path.
func (r *Run) Start(ctx context.Context, autoOnly bool) error {
	selection := "all"
	if autoOnly {
		selection = "auto"
	}
	return r.start(ctx, selection, func(d *DAG) error { return d.Activate(autoOnly, nil) })
}

// StartTasks begins the run with only the named tasks and their transitive
// dependencies, regardless of ExcludeFromAutoStart.
func (r *Run) StartTasks(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no task names given", ErrInvalidTask)
	}
	return r.start(ctx, "named", func(d *DAG) error { return d.Activate(false, names) })
}

// StartMatching begins the run with the tasks match selects and their
// transitive dependencies, regardless of ExcludeFromAutoStart. A run that
// selects nothing concludes immediately as all succeeded.
func (r *Run) StartMatching(ctx context.Context, match func(*Task) bool) error {
	if match == nil {
		return fmt.Errorf("%w: nil matcher", ErrInvalidTask)
	}
	return r.start(ctx, "matched", func(d *DAG) error {
		d.ActivateMatching(match)
		return nil
	})
}

func (r *Run) start(ctx context.Context, selection string, activate func(*DAG) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.state != RunPending {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := activate(r.dag); err != nil {
		r.mu.Unlock()
		return err
	}

	now := time.Now()
	r.state = RunRunning
	r.startedAt = now
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if r.pool == nil {
		r.pool = NewPool(r.concurrency)
		r.ownPool = true
	}

	for i, in := range r.instances {
		if r.dag.InScope(i) {
			r.remaining++
			continue
		}
		r.waits.rejectTask(i, &UnknownTaskError{Name: in.task.Name})
	}
	r.logger.Info("run started", "tasks", r.remaining, "selection", selection)

	var out []published
	if r.remaining == 0 {
		out = r.concludeLocked(now, false)
		r.publish(out)
		r.mu.Unlock()
		return nil
	}

	if r.runTimeout > 0 {
		r.runTimer = time.AfterFunc(r.runTimeout, r.expireRun)
	}
	ready := r.dag.InitialReadySet()
	for _, i := range ready {
		r.instances[i].state = StateReady
	}
	out = append(out, r.progressLocked(now))
	r.publish(out)
	r.mu.Unlock()

	r.dispatch(ready)
	return nil
}

// dispatch hands ready tasks to the pool in the given order.
func (r *Run) dispatch(ready []int) {
	for _, i := range ready {
		if err := r.pool.Submit(func() { r.execute(i) }); err != nil {
			r.abort(i, fmt.Errorf("dispatching task: %w", err))
		}
	}
}

// abort fails a task that could not be handed to a worker.
func (r *Run) abort(i int, err error) {
	r.mu.Lock()
	in := r.instances[i]
	if in.state != StateReady {
		r.mu.Unlock()
		return
	}
	out, ready := r.finishLocked(i, StateFailed, nil, err, time.Now())
	r.publish(out)
	r.mu.Unlock()

	r.dispatch(ready)
}

// execute runs on a pool worker: it moves the task to Running, arms its
// deadline, and invokes the body.
func (r *Run) execute(i int) {
	r.mu.Lock()
	in := r.instances[i]
	if in.state != StateReady {
		// Swept by the run deadline while queued
		r.mu.Unlock()
		return
	}

	now := time.Now()
	in.state = StateRunning
	in.startedAt = now

	if in.carried {
		out, ready := r.finishLocked(i, StateSucceeded, in.result, nil, now)
		r.publish(out)
		r.mu.Unlock()
		r.dispatch(ready)
		return
	}

	t := in.task
	timeout := r.timeoutFor(t)
	logger := r.logger.With("task", t.Name)
	taskCtx, cancel := context.WithCancel(ctxlog.WithLogger(r.ctx, logger))
	in.cancel = cancel
	in.timer = time.AfterFunc(timeout, func() { r.expireTask(i, timeout) })
	deps := r.dependenciesLocked(i)
	r.publish([]published{{events.TopicTask, events.TaskStartedEvent{
		Run:       r.id,
		Task:      t.Name,
		Mode:      t.Mode.String(),
		Timestamp: now,
	}}})
	r.mu.Unlock()

	logger.Debug("task started", "mode", t.Mode, "timeout", timeout)

	switch t.Mode {
	case ModeSync:
		release := r.locks.Acquire(t.Resources)
		if !r.isRunning(i) {
			// Timed out while waiting for its resources
			release()
			logger.Debug("task body skipped", "state", r.stateOf(i))
			return
		}
		result, err := callSync(taskCtx, t, deps)
		release()
		r.settle(i, outcome{result: result, err: err})
	case ModeAsync:
		done := newCompletion()
		go r.awaitCompletion(i, done)
		if perr := callAsync(taskCtx, t, deps, done); perr != nil {
			_ = done.Fail(perr)
		}
	}
}

func (r *Run) isRunning(i int) bool {
	return r.stateOf(i) == StateRunning
}

func (r *Run) stateOf(i int) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[i].state
}

func callSync(ctx context.Context, t *Task, deps Dependencies) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			result = nil
			err = newTaskPanicError(t.Name, v)
		}
	}()
	return t.Func(ctx, deps)
}

func callAsync(ctx context.Context, t *Task, deps Dependencies, done *Completion) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = newTaskPanicError(t.Name, v)
		}
	}()
	t.AsyncFunc(ctx, deps, done)
	return nil
}

// awaitCompletion forwards an asynchronous outcome to settle. It gives up
// when the run concludes.
func (r *Run) awaitCompletion(i int, done *Completion) {
	select {
	case o := <-done.ch:
		r.settle(i, o)
	case <-r.done:
	}
}

// settle records the outcome of a body. Only the first transition out of
// Running counts; an outcome for a task that already timed out is dropped.
func (r *Run) settle(i int, o outcome) {
	r.mu.Lock()
	in := r.instances[i]
	if in.state != StateRunning {
		r.mu.Unlock()
		r.logger.Debug("late outcome ignored", "task", in.task.Name, "error", o.err)
		return
	}
	state := StateSucceeded
	if o.err != nil {
		state = StateFailed
	}
	out, ready := r.finishLocked(i, state, o.result, o.err, time.Now())
	r.publish(out)
	r.mu.Unlock()

	r.dispatch(ready)
}

// expireTask fires when a running task misses its own deadline.
func (r *Run) expireTask(i int, timeout time.Duration) {
	r.mu.Lock()
	in := r.instances[i]
	if in.state != StateRunning {
		r.mu.Unlock()
		return
	}
	err := &TimeoutError{Task: in.task.Name, Timeout: timeout}
	out, ready := r.finishLocked(i, StateTimedOut, nil, err, time.Now())
	r.publish(out)
	r.mu.Unlock()

	r.dispatch(ready)
}

// expireRun fires when the run deadline passes. Every in-scope task that is
// not yet terminal is forced to TimedOut at once.
func (r *Run) expireRun() {
	r.mu.Lock()
	if r.state != RunRunning {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	var out []published
	for _, i := range r.dag.order {
		in := r.instances[i]
		if !r.dag.InScope(i) || in.state.Terminal() {
			continue
		}
		err := &TimeoutError{Task: in.task.Name, Timeout: r.runTimeout, RunWide: true}
		in.finish(StateTimedOut, nil, err, now)
		r.dag.MarkFailed(i)
		r.remaining--
		r.waits.resolveTask(i, in.status())
		out = append(out, published{events.TopicTask, events.TaskTimedOutEvent{
			Run:       r.id,
			Task:      in.task.Name,
			Timeout:   r.runTimeout,
			RunWide:   true,
			Timestamp: now,
		}})
	}
	r.logger.Warn("run deadline exceeded", "timeout", r.runTimeout, "swept", len(out))
	out = append(out, r.progressLocked(now))
	out = append(out, r.concludeLocked(now, true)...)
	r.publish(out)
	r.mu.Unlock()
}

// finishLocked performs the terminal transition of task i, propagates a
// failure to every transitive dependent, resolves waiters, and concludes the
// run when nothing is left. It returns the events to publish and the tasks
// that became ready.
func (r *Run) finishLocked(i int, state State, result any, err error, now time.Time) ([]published, []int) {
	in := r.instances[i]
	in.finish(state, result, err, now)
	r.remaining--
	r.waits.resolveTask(i, in.status())

	out := []published{r.taskEventLocked(in)}
	r.logTransition(in)

	var ready []int
	if state == StateSucceeded {
		ready = r.dag.OnTaskSucceeded(i)
		for _, j := range ready {
			r.instances[j].state = StateReady
		}
	} else {
		for _, j := range r.dag.OnTaskFailed(i) {
			dep := r.instances[j]
			dep.finish(StateFailed, nil, &DependencyFailedError{Task: dep.task.Name, Dependency: in.task.Name}, now)
			r.remaining--
			r.waits.resolveTask(j, dep.status())
			out = append(out, r.taskEventLocked(dep))
			r.logTransition(dep)
		}
	}

	out = append(out, r.progressLocked(now))
	if r.remaining == 0 {
		out = append(out, r.concludeLocked(now, false)...)
	}
	return out, ready
}

// concludeLocked moves the run to its terminal state.
func (r *Run) concludeLocked(now time.Time, deadline bool) []published {
	switch {
	case deadline:
		r.state = RunTimedOut
	case r.allSucceededLocked():
		r.state = RunAllSucceeded
	default:
		r.state = RunPartialFailure
	}
	r.finishedAt = now

	if r.runTimer != nil {
		r.runTimer.Stop()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.ownPool {
		r.pool.Close()
	}

	rep := r.reportLocked()
	r.waits.resolveRun(rep)
	close(r.done)

	var failed []string
	for _, st := range rep.Failures() {
		failed = append(failed, st.Name)
	}
	r.logger.Info("run finished", "state", r.state, "duration", now.Sub(r.startedAt), "failed", len(failed))

	return []published{{events.TopicRun, events.RunFinishedEvent{
		Run:       r.id,
		State:     r.state.String(),
		Failed:    failed,
		Duration:  now.Sub(r.startedAt),
		Timestamp: now,
	}}}
}

func (r *Run) allSucceededLocked() bool {
	for i, in := range r.instances {
		if r.dag.InScope(i) && in.state != StateSucceeded {
			return false
		}
	}
	return true
}

// reportLocked builds a Report. Before Start every task is listed; after it,
// only tasks in scope.
func (r *Run) reportLocked() Report {
	rep := Report{
		RunID:      r.id,
		State:      r.state,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	for _, i := range r.dag.order {
		if r.state != RunPending && !r.dag.InScope(i) {
			continue
		}
		rep.Tasks = append(rep.Tasks, r.instances[i].status())
	}
	return rep
}

func (r *Run) dependenciesLocked(i int) Dependencies {
	deps := Dependencies{results: make(map[string]any, len(r.dag.nodes[i].deps))}
	for _, j := range r.dag.nodes[i].deps {
		deps.results[r.instances[j].task.Name] = r.instances[j].result
	}
	return deps
}

func (r *Run) timeoutFor(t *Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return r.defaultTimeout
}

func (r *Run) taskEventLocked(in *instance) published {
	st := in.status()
	switch st.State {
	case StateSucceeded:
		return published{events.TopicTask, events.TaskSucceededEvent{
			Run:       r.id,
			Task:      st.Name,
			Carried:   in.carried,
			Duration:  st.Duration(),
			Timestamp: st.FinishedAt,
		}}
	case StateTimedOut:
		timeout := r.timeoutFor(in.task)
		return published{events.TopicTask, events.TaskTimedOutEvent{
			Run:       r.id,
			Task:      st.Name,
			Timeout:   timeout,
			Timestamp: st.FinishedAt,
		}}
	default:
		return published{events.TopicTask, events.TaskFailedEvent{
			Run:       r.id,
			Task:      st.Name,
			Err:       st.Err,
			Duration:  st.Duration(),
			Timestamp: st.FinishedAt,
		}}
	}
}

func (r *Run) progressLocked(now time.Time) published {
	ev := events.RunProgressEvent{Run: r.id, Timestamp: now}
	for i, in := range r.instances {
		if !r.dag.InScope(i) {
			continue
		}
		ev.Total++
		switch in.state {
		case StateSucceeded:
			ev.Succeeded++
		case StateFailed:
			ev.Failed++
		case StateTimedOut:
			ev.TimedOut++
		case StateRunning:
			ev.Running++
		default:
			ev.Pending++
		}
	}
	return published{events.TopicRun, ev}
}

func (r *Run) logTransition(in *instance) {
	switch in.state {
	case StateSucceeded:
		r.logger.Debug("task succeeded", "task", in.task.Name, "carried", in.carried)
	case StateTimedOut:
		r.logger.Warn("task timed out", "task", in.task.Name, "error", in.err)
	default:
		r.logger.Warn("task failed", "task", in.task.Name, "error", in.err)
	}
}

func (r *Run) publish(out []published) {
	if r.bus == nil {
		return
	}
	for _, p := range out {
		r.bus.Publish(p.topic, p.event)
	}
}
