package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/appstartup/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestRun(t *testing.T, tasks []*Task, opts ...Option) *Run {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r, err := NewRun(tasks, opts...)
	if err != nil {
		t.Fatalf("NewRun() error: %v", err)
	}
	return r
}

func waitAll(t *testing.T, r *Run) Report {
	t.Helper()
	rep, err := r.WaitForAll(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForAll() error: %v", err)
	}
	return rep
}

func mustGet(t *testing.T, rep Report, name string) Status {
	t.Helper()
	st, ok := rep.Get(name)
	if !ok {
		t.Fatalf("task %q missing from report", name)
	}
	return st
}

// waitForWaiters polls until n waiters are registered on r.
func waitForWaiters(t *testing.T, r *Run, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := r.waits.pending()
		r.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters", n)
}

func syncTask(name string, fn Func, deps ...string) *Task {
	return &Task{Name: name, DependsOn: deps, Func: fn}
}

func asyncTask(name string, fn AsyncFunc, deps ...string) *Task {
	return &Task{Name: name, DependsOn: deps, Mode: ModeAsync, AsyncFunc: fn}
}

func returns(v any) Func {
	return func(ctx context.Context, deps Dependencies) (any, error) { return v, nil }
}

func fails(msg string) Func {
	return func(ctx context.Context, deps Dependencies) (any, error) { return nil, errors.New(msg) }
}

// TestRunStartsTasksAfterDependencies checks that no body starts before all
// of its dependencies have finished, across a mixed sync/async graph.
func TestRunStartsTasksAfterDependencies(t *testing.T) {
	var mu sync.Mutex
	finished := make(map[string]bool)
	var violations []string

	body := func(name string, deps []string) Func {
		return func(ctx context.Context, _ Dependencies) (any, error) {
			mu.Lock()
			for _, d := range deps {
				if !finished[d] {
					violations = append(violations, fmt.Sprintf("%s started before %s", name, d))
				}
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			finished[name] = true
			mu.Unlock()
			return name, nil
		}
	}
	asyncBody := func(name string, deps []string) AsyncFunc {
		inner := body(name, deps)
		return func(ctx context.Context, d Dependencies, done *Completion) {
			go func() {
				v, _ := inner(ctx, d)
				_ = done.Complete(v)
			}()
		}
	}

	graph := map[string][]string{
		"log":     nil,
		"config":  {"log"},
		"storage": {"config"},
		"net":     {"config", "log"},
		"cache":   {"storage"},
		"ui":      {"net", "cache"},
		"plugins": {"config"},
	}
	var tasks []*Task
	for name, deps := range graph {
		if name == "net" || name == "cache" {
			tasks = append(tasks, asyncTask(name, asyncBody(name, deps), deps...))
			continue
		}
		tasks = append(tasks, syncTask(name, body(name, deps), deps...))
	}

	r := newTestRun(t, tasks, WithConcurrency(4))
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	if rep.State != RunAllSucceeded {
		t.Fatalf("run state = %s, want all-succeeded: %v", rep.State, rep.Err())
	}
	if len(violations) > 0 {
		t.Errorf("ordering violations: %v", violations)
	}
	for _, st := range rep.Tasks {
		if st.Result != st.Name {
			t.Errorf("%s: result = %v", st.Name, st.Result)
		}
	}
}

func TestRunPassesDependencyResults(t *testing.T) {
	var seen atomic.Value
	r := newTestRun(t, []*Task{
		syncTask("config", returns(map[string]string{"env": "prod"})),
		syncTask("db", func(ctx context.Context, deps Dependencies) (any, error) {
			v, ok := deps.Get("config")
			if !ok {
				return nil, errors.New("config missing")
			}
			seen.Store(v.(map[string]string)["env"])
			if _, ok := deps.Get("db"); ok {
				return nil, errors.New("unexpected self result")
			}
			return "connected", nil
		}, "config"),
	})

	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	if rep.State != RunAllSucceeded {
		t.Fatalf("run state = %s: %v", rep.State, rep.Err())
	}
	if seen.Load() != "prod" {
		t.Errorf("db saw env %v, want prod", seen.Load())
	}
}

// TestRunCycleNeverExecutes verifies construction fails and no body runs.
func TestRunCycleNeverExecutes(t *testing.T) {
	var calls atomic.Int32
	body := func(ctx context.Context, deps Dependencies) (any, error) {
		calls.Add(1)
		return nil, nil
	}

	_, err := NewRun([]*Task{syncTask("A", body, "B"), syncTask("B", body, "A")}, WithLogger(quietLogger()))
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("bodies invoked %d times", calls.Load())
	}
}

func TestRunRejectsTaskWithoutBody(t *testing.T) {
	_, err := NewRun([]*Task{{Name: "A", Mode: ModeAsync, Func: returns(1)}})
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

// TestRunDependencyFailure checks eager propagation and subtree isolation.
func TestRunDependencyFailure(t *testing.T) {
	var dependentCalls atomic.Int32
	dependent := func(ctx context.Context, deps Dependencies) (any, error) {
		dependentCalls.Add(1)
		return nil, nil
	}

	r := newTestRun(t, []*Task{
		syncTask("A", fails("disk full")),
		syncTask("B", dependent, "A"),
		syncTask("C", dependent, "B"),
		syncTask("independent", returns("ok")),
	})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	if rep.State != RunPartialFailure {
		t.Fatalf("run state = %s, want partial-failure", rep.State)
	}
	if dependentCalls.Load() != 0 {
		t.Errorf("dependent bodies invoked %d times", dependentCalls.Load())
	}

	a := mustGet(t, rep, "A")
	if a.State != StateFailed || a.Err == nil || a.Err.Error() != "disk full" {
		t.Errorf("A: state=%s err=%v", a.State, a.Err)
	}
	for _, name := range []string{"B", "C"} {
		st := mustGet(t, rep, name)
		if st.State != StateFailed {
			t.Errorf("%s: state = %s, want failed", name, st.State)
		}
		var depErr *DependencyFailedError
		if !errors.As(st.Err, &depErr) || depErr.Dependency != "A" {
			t.Errorf("%s: err = %v, want DependencyFailedError on A", name, st.Err)
		}
		if !st.StartedAt.IsZero() {
			t.Errorf("%s: should never have started", name)
		}
	}
	if st := mustGet(t, rep, "independent"); st.State != StateSucceeded {
		t.Errorf("independent: state = %s", st.State)
	}

	err := rep.Err()
	if !errors.Is(err, ErrDependencyFailed) {
		t.Errorf("report error %v should match ErrDependencyFailed", err)
	}
	if got := len(rep.Failures()); got != 3 {
		t.Errorf("expected 3 failures, got %d", got)
	}
}

func TestRunPanicBecomesFailure(t *testing.T) {
	r := newTestRun(t, []*Task{
		syncTask("sync", func(ctx context.Context, deps Dependencies) (any, error) {
			panic("boom")
		}),
		asyncTask("async", func(ctx context.Context, deps Dependencies, done *Completion) {
			panic(errors.New("async boom"))
		}),
	})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	for _, name := range []string{"sync", "async"} {
		st := mustGet(t, rep, name)
		var perr *TaskPanicError
		if st.State != StateFailed || !errors.As(st.Err, &perr) {
			t.Errorf("%s: state=%s err=%v, want failed with TaskPanicError", name, st.State, st.Err)
			continue
		}
		if perr.Task != name || len(perr.Stack) == 0 {
			t.Errorf("%s: panic error missing details: %+v", name, perr)
		}
	}
}

func TestRunAsyncFail(t *testing.T) {
	r := newTestRun(t, []*Task{
		asyncTask("remote", func(ctx context.Context, deps Dependencies, done *Completion) {
			go func() { _ = done.Fail(errors.New("503")) }()
		}),
	})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	st, err := r.WaitFor(context.Background(), "remote", time.Second)
	if err != nil {
		t.Fatalf("WaitFor() error: %v", err)
	}
	if st.State != StateFailed || st.Err.Error() != "503" {
		t.Errorf("state=%s err=%v", st.State, st.Err)
	}
}

// TestRunAsyncTimeout checks that a silent async task times out on its own
// deadline and that a late completion changes nothing.
func TestRunAsyncTimeout(t *testing.T) {
	const timeout = 50 * time.Millisecond
	handle := make(chan *Completion, 1)

	silent := asyncTask("silent", func(ctx context.Context, deps Dependencies, done *Completion) {
		handle <- done
	})
	silent.Timeout = timeout

	r := newTestRun(t, []*Task{silent, syncTask("after", returns(1), "silent")})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	st, err := r.WaitFor(context.Background(), "silent", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor() error: %v", err)
	}
	if st.State != StateTimedOut {
		t.Fatalf("state = %s, want timed-out", st.State)
	}
	if !errors.Is(st.Err, ErrTaskTimeout) || errors.Is(st.Err, ErrRunTimeout) {
		t.Errorf("err = %v, want task timeout", st.Err)
	}
	if d := st.Duration(); d < timeout || d > timeout+500*time.Millisecond {
		t.Errorf("timed out after %v, want about %v", d, timeout)
	}

	done := <-handle
	if err := done.Complete("too late"); err != nil {
		t.Fatalf("first Complete() on handle error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	rep := waitAll(t, r)
	if got := mustGet(t, rep, "silent"); got.State != StateTimedOut || got.Result != nil {
		t.Errorf("late completion changed state: %s result=%v", got.State, got.Result)
	}
	after := mustGet(t, rep, "after")
	if !errors.Is(after.Err, ErrDependencyFailed) {
		t.Errorf("after: err = %v, want dependency failed", after.Err)
	}
	if rep.State != RunPartialFailure {
		t.Errorf("run state = %s, want partial-failure", rep.State)
	}
}

func TestRunSyncTimeoutCancelsContext(t *testing.T) {
	cancelled := make(chan struct{})
	slow := syncTask("slow", func(ctx context.Context, deps Dependencies) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return "ignored", nil
	})
	slow.Timeout = 30 * time.Millisecond

	r := newTestRun(t, []*Task{slow})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("body context was not cancelled on timeout")
	}
	if st := mustGet(t, rep, "slow"); st.State != StateTimedOut || st.Result != nil {
		t.Errorf("state=%s result=%v", st.State, st.Result)
	}
}

// TestRunTimeout covers the run deadline sweeping a task whose own timeout is longer.
func TestRunTimeout(t *testing.T) {
	never := asyncTask("B", func(ctx context.Context, deps Dependencies, done *Completion) {})
	never.Timeout = 5 * time.Second

	r := newTestRun(t, []*Task{syncTask("A", returns("a")), never}, WithRunTimeout(60*time.Millisecond))
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	if rep.State != RunTimedOut {
		t.Fatalf("run state = %s, want timed-out", rep.State)
	}
	if st := mustGet(t, rep, "A"); st.State != StateSucceeded {
		t.Errorf("A: state = %s, want succeeded", st.State)
	}
	b := mustGet(t, rep, "B")
	if b.State != StateTimedOut || !errors.Is(b.Err, ErrRunTimeout) {
		t.Errorf("B: state=%s err=%v, want run timeout", b.State, b.Err)
	}
	if !errors.Is(rep.Err(), ErrRunTimeout) {
		t.Errorf("report error %v should match ErrRunTimeout", rep.Err())
	}
}

func TestRunIndependentTasksBothSucceed(t *testing.T) {
	r := newTestRun(t, []*Task{syncTask("A", returns(1)), syncTask("B", returns(2))}, WithConcurrency(1))
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	if rep.State != RunAllSucceeded || rep.Err() != nil {
		t.Fatalf("run state = %s: %v", rep.State, rep.Err())
	}
	for _, name := range []string{"A", "B"} {
		if st := mustGet(t, rep, name); st.State != StateSucceeded {
			t.Errorf("%s: state = %s", name, st.State)
		}
	}
}

// TestWaitForSameResultAtEveryPhase waits before start, while running, and
// after completion.
func TestWaitForSameResultAtEveryPhase(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{})
	r := newTestRun(t, []*Task{
		syncTask("X", func(ctx context.Context, deps Dependencies) (any, error) {
			close(running)
			<-release
			return "x-result", nil
		}),
	})

	results := make(chan Status, 2)
	wait := func() {
		st, err := r.WaitFor(context.Background(), "X", 0)
		if err != nil {
			t.Errorf("WaitFor() error: %v", err)
		}
		results <- st
	}

	go wait()
	waitForWaiters(t, r, 1)

	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-running
	go wait()
	waitForWaiters(t, r, 2)
	close(release)

	first, second := <-results, <-results
	third, err := r.WaitFor(context.Background(), "X", time.Second)
	if err != nil {
		t.Fatalf("WaitFor() after completion error: %v", err)
	}

	for i, st := range []Status{first, second, third} {
		if st.State != StateSucceeded || st.Result != "x-result" {
			t.Errorf("wait %d: state=%s result=%v", i+1, st.State, st.Result)
		}
		if !st.FinishedAt.Equal(third.FinishedAt) {
			t.Errorf("wait %d: finished at %v, want %v", i+1, st.FinishedAt, third.FinishedAt)
		}
	}
}

func TestWaitForUnknownTask(t *testing.T) {
	r := newTestRun(t, []*Task{syncTask("A", returns(1))})

	start := time.Now()
	_, err := r.WaitFor(context.Background(), "missing", 0)
	var unknown *UnknownTaskError
	if !errors.As(err, &unknown) || unknown.Name != "missing" {
		t.Fatalf("expected UnknownTaskError, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("WaitFor on an unknown task should not block")
	}
}

func TestWaitForTimeoutLeavesTaskAlone(t *testing.T) {
	release := make(chan struct{})
	r := newTestRun(t, []*Task{
		syncTask("slow", func(ctx context.Context, deps Dependencies) (any, error) {
			<-release
			return "done", nil
		}),
	})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	_, err := r.WaitFor(context.Background(), "slow", 20*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if errors.Is(err, ErrTaskTimeout) {
		t.Error("wait timeout must be distinct from task timeout")
	}

	st, _ := r.Status("slow")
	if st.State != StateRunning {
		t.Errorf("task state after wait timeout = %s, want running", st.State)
	}

	r.mu.Lock()
	left := r.waits.pending()
	r.mu.Unlock()
	if left != 0 {
		t.Errorf("%d waiters left registered after timeout", left)
	}

	close(release)
	if rep := waitAll(t, r); rep.State != RunAllSucceeded {
		t.Errorf("run state = %s", rep.State)
	}
}

func TestWaitForContextCancelled(t *testing.T) {
	r := newTestRun(t, []*Task{syncTask("A", returns(1))})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			r.mu.Lock()
			n := r.waits.pending()
			r.mu.Unlock()
			if n > 0 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Run never started, so only the context can end this wait
	_, err := r.WaitFor(ctx, "A", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitForAllTimeout(t *testing.T) {
	r := newTestRun(t, []*Task{syncTask("A", returns(1))})

	_, err := r.WaitForAll(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if r.State() != RunPending {
		t.Errorf("run state = %s, want pending", r.State())
	}
}

func TestAutoStartExclusion(t *testing.T) {
	var debugCalls atomic.Int32
	debug := syncTask("debug", func(ctx context.Context, deps Dependencies) (any, error) {
		debugCalls.Add(1)
		return nil, nil
	}, "config")
	debug.ExcludeFromAutoStart = true

	tasks := []*Task{syncTask("config", returns("cfg")), debug}

	t.Run("auto run skips excluded", func(t *testing.T) {
		r := newTestRun(t, tasks)

		// Registered before start, rejected once the scope is known
		errs := make(chan error, 1)
		go func() {
			_, err := r.WaitFor(context.Background(), "debug", 0)
			errs <- err
		}()
		waitForWaiters(t, r, 1)

		if err := r.Start(context.Background(), true); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		rep := waitAll(t, r)

		if !errors.Is(<-errs, ErrUnknownTask) {
			t.Error("pending waiter on excluded task should get UnknownTaskError")
		}
		if _, ok := rep.Get("debug"); ok {
			t.Error("excluded task should not appear in report")
		}
		if debugCalls.Load() != 0 {
			t.Error("excluded task ran")
		}
		if _, err := r.WaitFor(context.Background(), "debug", 0); !errors.Is(err, ErrUnknownTask) {
			t.Errorf("WaitFor(debug) = %v, want UnknownTaskError", err)
		}
	})

	t.Run("explicit run pulls in dependencies", func(t *testing.T) {
		debugCalls.Store(0)
		r := newTestRun(t, tasks)
		if err := r.StartTasks(context.Background(), "debug"); err != nil {
			t.Fatalf("StartTasks() error: %v", err)
		}
		rep := waitAll(t, r)

		if rep.State != RunAllSucceeded || len(rep.Tasks) != 2 {
			t.Fatalf("run state = %s with %d tasks", rep.State, len(rep.Tasks))
		}
		if debugCalls.Load() != 1 {
			t.Errorf("debug ran %d times", debugCalls.Load())
		}
	})

	t.Run("unknown explicit name", func(t *testing.T) {
		r := newTestRun(t, tasks)
		if err := r.StartTasks(context.Background(), "nope"); !errors.Is(err, ErrUnknownTask) {
			t.Fatalf("expected UnknownTaskError, got %v", err)
		}
		if r.State() != RunPending {
			t.Errorf("failed start should leave run pending, got %s", r.State())
		}
	})
}

func TestRunStartMatching(t *testing.T) {
	var calls sync.Map
	counting := func(name string, deps ...string) *Task {
		return syncTask(name, func(ctx context.Context, _ Dependencies) (any, error) {
			calls.Store(name, true)
			return name, nil
		}, deps...)
	}
	debug := counting("debug", "config")
	debug.ExcludeFromAutoStart = true
	tasks := []*Task{counting("config"), debug, counting("ui")}

	t.Run("selection pulls in dependencies", func(t *testing.T) {
		r := newTestRun(t, tasks)
		if err := r.StartMatching(context.Background(), func(task *Task) bool { return task.Name == "debug" }); err != nil {
			t.Fatalf("StartMatching() error: %v", err)
		}
		rep := waitAll(t, r)
		if rep.State != RunAllSucceeded || len(rep.Tasks) != 2 {
			t.Fatalf("run state = %s with %d tasks", rep.State, len(rep.Tasks))
		}
		if _, ran := calls.Load("ui"); ran {
			t.Error("unselected task ran")
		}
	})

	t.Run("empty selection", func(t *testing.T) {
		r := newTestRun(t, tasks)
		if err := r.StartMatching(context.Background(), func(*Task) bool { return false }); err != nil {
			t.Fatalf("StartMatching() error: %v", err)
		}
		if rep := waitAll(t, r); rep.State != RunAllSucceeded || len(rep.Tasks) != 0 {
			t.Errorf("run state = %s with %d tasks", rep.State, len(rep.Tasks))
		}
	})

	t.Run("nil matcher", func(t *testing.T) {
		r := newTestRun(t, tasks)
		if err := r.StartMatching(context.Background(), nil); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("StartMatching(nil) = %v, want ErrInvalidTask", err)
		}
	})
}

func TestRunEmptyScopeSucceedsImmediately(t *testing.T) {
	only := syncTask("manual", returns(1))
	only.ExcludeFromAutoStart = true

	r := newTestRun(t, []*Task{only})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("run with nothing to do did not finish")
	}
	if r.State() != RunAllSucceeded {
		t.Errorf("run state = %s", r.State())
	}
}

func TestRunStartTwice(t *testing.T) {
	r := newTestRun(t, []*Task{syncTask("A", returns(1))})
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := r.Start(context.Background(), true); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	waitAll(t, r)
}

func TestRunCarriedResults(t *testing.T) {
	var calls atomic.Int32
	r := newTestRun(t, []*Task{
		syncTask("config", func(ctx context.Context, deps Dependencies) (any, error) {
			calls.Add(1)
			return "fresh", nil
		}),
		syncTask("db", func(ctx context.Context, deps Dependencies) (any, error) {
			v, _ := deps.Get("config")
			return v, nil
		}, "config"),
	}, WithCompleted(map[string]any{"config": "cached", "unrelated": 1}))

	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)

	if calls.Load() != 0 {
		t.Error("carried task body was invoked")
	}
	if st := mustGet(t, rep, "db"); st.Result != "cached" {
		t.Errorf("db result = %v, want cached", st.Result)
	}
}

func TestRunSerializesSharedResources(t *testing.T) {
	var active, peak atomic.Int32
	body := func(ctx context.Context, deps Dependencies) (any, error) {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(15 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	var tasks []*Task
	for _, name := range []string{"a", "b", "c"} {
		tk := syncTask(name, body)
		tk.Resources = []string{"sqlite"}
		tasks = append(tasks, tk)
	}

	r := newTestRun(t, tasks, WithConcurrency(3))
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if rep := waitAll(t, r); rep.State != RunAllSucceeded {
		t.Fatalf("run state = %s", rep.State)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency on shared resource = %d, want 1", peak.Load())
	}
}

func TestRunSkipsBodyThatTimedOutWaitingForResources(t *testing.T) {
	locks := NewResourceLocks()
	release := locks.Acquire([]string{"db"})

	var ran atomic.Bool
	b := syncTask("b", func(ctx context.Context, deps Dependencies) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	b.Resources = []string{"db"}
	b.Timeout = 30 * time.Millisecond
	c := syncTask("c", returns(1), "b")

	r := newTestRun(t, []*Task{b, c}, WithResourceLocks(locks))
	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rep := waitAll(t, r)
	if got := mustGet(t, rep, "b").State; got != StateTimedOut {
		t.Fatalf("b state = %s, want %s", got, StateTimedOut)
	}
	if st := mustGet(t, rep, "c"); st.State != StateFailed || !errors.Is(st.Err, ErrDependencyFailed) {
		t.Fatalf("c = %s (%v), want failed on dependency", st.State, st.Err)
	}

	release()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if locks.Len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if locks.Len() != 0 {
		t.Errorf("resource locks still held: %d", locks.Len())
	}
	if ran.Load() {
		t.Error("body of a timed-out task ran after its resources were freed")
	}
}

func TestRunSharedPool(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		r := newTestRun(t, []*Task{syncTask("A", returns(i))}, WithPool(pool))
		if err := r.Start(context.Background(), true); err != nil {
			t.Fatalf("run %d: Start() error: %v", i, err)
		}
		if rep := waitAll(t, r); rep.State != RunAllSucceeded {
			t.Fatalf("run %d: state = %s", i, rep.State)
		}
	}
	if pool.Stats().Closed {
		t.Error("a run must not close a pool it does not own")
	}
}

func TestRunPublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.SubscribeAll(64)

	r := newTestRun(t, []*Task{
		syncTask("A", returns(1)),
		syncTask("B", fails("nope"), "A"),
		syncTask("C", returns(3), "B"),
	}, WithEventBus(bus), WithRunID("run-42"))

	if err := r.Start(context.Background(), true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitAll(t, r)

	var types []string
	var finished events.RunFinishedEvent
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case ev := <-ch:
			if ev.RunID() != "run-42" {
				t.Errorf("event %s has run id %q", ev.EventType(), ev.RunID())
			}
			types = append(types, ev.EventType()+":"+ev.TaskName())
			if f, ok := ev.(events.RunFinishedEvent); ok {
				finished = f
				break collect
			}
		case <-timeout:
			t.Fatalf("no run.finished event; got %v", types)
		}
	}

	want := map[string]bool{
		events.EventTypeTaskStarted + ":A":   true,
		events.EventTypeTaskSucceeded + ":A": true,
		events.EventTypeTaskStarted + ":B":   true,
		events.EventTypeTaskFailed + ":B":    true,
		events.EventTypeTaskFailed + ":C":    true,
	}
	for _, got := range types {
		delete(want, got)
		if got == events.EventTypeTaskStarted+":C" {
			t.Error("C should never start")
		}
	}
	if len(want) > 0 {
		t.Errorf("missing events %v in %v", want, types)
	}
	if finished.State != RunPartialFailure.String() || len(finished.Failed) != 2 {
		t.Errorf("run.finished = %+v", finished)
	}
}

func TestRunSnapshotBeforeStart(t *testing.T) {
	r := newTestRun(t, []*Task{syncTask("B", returns(1), "A"), syncTask("A", returns(1))}, WithRunID("fixed"))

	rep := r.Snapshot()
	if rep.RunID != "fixed" || rep.State != RunPending {
		t.Fatalf("snapshot = %+v", rep)
	}
	if len(rep.Tasks) != 2 || rep.Tasks[0].Name != "A" || rep.Tasks[1].Name != "B" {
		t.Errorf("snapshot tasks not in topological order: %+v", rep.Tasks)
	}
	for _, st := range rep.Tasks {
		if st.State != StatePending {
			t.Errorf("%s: state = %s", st.Name, st.State)
		}
	}
	if rep.Err() != nil {
		t.Errorf("pending run should report no error, got %v", rep.Err())
	}
}
