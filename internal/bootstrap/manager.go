package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aristath/appstartup/internal/config"
	"github.com/aristath/appstartup/internal/events"
	"github.com/aristath/appstartup/internal/scheduler"
	"github.com/aristath/appstartup/internal/taskexec"
)

// ErrManagerClosed is returned when starting a run after Close.
var ErrManagerClosed = errors.New("manager closed")

// History records terminal run snapshots.
type History interface {
	SaveRun(ctx context.Context, rep scheduler.Report) error
}

// ManagerConfig holds the collaborators of a Manager. Only Manifest and
// Registry are required.
type ManagerConfig struct {
	Config    *config.SchedulerConfig // Defaults when nil
	Manifest  *config.Manifest
	Registry  *Registry
	History   History          // Optional
	Bus       *events.EventBus // Optional
	Logger    *slog.Logger
	Processes *taskexec.ProcessManager // Killed on Close when set
}

// Manager owns the task declarations of one application and starts runs over
// them. Every run shares one worker pool and one resource lock table. Results
// of succeeded tasks outlive their run: later runs settle those tasks from
// the recorded result instead of executing them again, until RemoveResult.
type Manager struct {
	cfg       *config.SchedulerConfig
	app       AppConfig
	specs     []config.TaskSpec
	tasks     []*scheduler.Task
	order     []string
	pool      *scheduler.Pool
	locks     *scheduler.ResourceLocks
	history   History
	bus       *events.EventBus
	logger    *slog.Logger
	processes *taskexec.ProcessManager

	mu      sync.Mutex
	live    map[string]*scheduler.Run
	results map[string]any
	closed  bool
	wg      sync.WaitGroup
}

// NewManager resolves every manifest entry and the manifest's configEntry, and
// validates the dependency graph, so cycle and unknown-dependency errors
// surface before anything runs.
func NewManager(mc ManagerConfig) (*Manager, error) {
	if mc.Manifest == nil {
		return nil, errors.New("manager: no manifest")
	}
	if mc.Registry == nil {
		return nil, errors.New("manager: no registry")
	}
	cfg := mc.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := mc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tasks, err := mc.Registry.BuildTasks(mc.Manifest)
	if err != nil {
		return nil, fmt.Errorf("building tasks: %w", err)
	}
	dag, err := scheduler.Build(tasks)
	if err != nil {
		return nil, err
	}
	app, err := mc.Registry.ResolveConfig(mc.Manifest.ConfigEntry)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:       cfg,
		app:       app,
		specs:     append([]config.TaskSpec(nil), mc.Manifest.Tasks...),
		tasks:     tasks,
		order:     dag.Order(),
		pool:      scheduler.NewPool(cfg.Concurrency),
		locks:     scheduler.NewResourceLocks(),
		history:   mc.History,
		bus:       mc.Bus,
		logger:    logger,
		processes: mc.Processes,
		live:      make(map[string]*scheduler.Run),
		results:   make(map[string]any),
	}, nil
}

// Order returns every declared task name in dependency order.
func (m *Manager) Order() []string {
	return append([]string(nil), m.order...)
}

// RunAuto starts a regular-phase run of every auto-start task and its
// dependencies, as for a launch without a matching request.
func (m *Manager) RunAuto(ctx context.Context) (*scheduler.Run, error) {
	return m.RunMatched(ctx, MatchRequest{})
}

// RunMatched starts a run of the tasks SelectTasks picks for q, plus their
// dependencies. An empty Customization falls back to the app config's.
func (m *Manager) RunMatched(ctx context.Context, q MatchRequest) (*scheduler.Run, error) {
	if q.Customization == "" {
		q.Customization = m.app.Customization
	}
	selected := make(map[string]bool)
	for _, name := range SelectTasks(m.specs, q) {
		selected[name] = true
	}
	m.logger.Debug("tasks selected", "count", len(selected), "pre_stage_load", q.PreStageLoad)
	return m.start(ctx, func(r *scheduler.Run) error {
		return r.StartMatching(ctx, func(t *scheduler.Task) bool { return selected[t.Name] })
	})
}

// RunTasks starts a run of the named tasks and their dependencies, including
// tasks excluded from auto start. Unknown names fail with
// *scheduler.UnknownTaskError.
func (m *Manager) RunTasks(ctx context.Context, names ...string) (*scheduler.Run, error) {
	return m.start(ctx, func(r *scheduler.Run) error { return r.StartTasks(ctx, names...) })
}

func (m *Manager) start(ctx context.Context, begin func(*scheduler.Run) error) (*scheduler.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	completed := make(map[string]any, len(m.results))
	for name, v := range m.results {
		completed[name] = v
	}
	defaultTimeout := m.cfg.DefaultTaskTimeout.Std()
	if m.app.DefaultTimeout > 0 {
		defaultTimeout = m.app.DefaultTimeout
	}
	run, err := scheduler.NewRun(m.tasks,
		scheduler.WithDefaultTimeout(defaultTimeout),
		scheduler.WithRunTimeout(m.cfg.RunTimeout.Std()),
		scheduler.WithPool(m.pool),
		scheduler.WithResourceLocks(m.locks),
		scheduler.WithLogger(m.logger),
		scheduler.WithEventBus(m.bus),
		scheduler.WithCompleted(completed),
	)
	if err != nil {
		return nil, err
	}
	if err := begin(run); err != nil {
		return nil, err
	}

	m.live[run.ID()] = run
	m.wg.Add(1)
	go m.watch(run)
	return run, nil
}

// watch records the outcome of run once it is terminal and forgets it.
func (m *Manager) watch(run *scheduler.Run) {
	defer m.wg.Done()
	<-run.Done()
	rep := run.Snapshot()

	m.mu.Lock()
	for _, st := range rep.Tasks {
		if st.State == scheduler.StateSucceeded {
			m.results[st.Name] = st.Result
		}
	}
	delete(m.live, run.ID())
	m.mu.Unlock()

	if m.history != nil {
		if err := m.history.SaveRun(context.Background(), rep); err != nil {
			m.logger.Error("saving run history", "run", rep.RunID, "error", err)
		}
	}
	if m.app.OnFinished != nil {
		m.app.OnFinished(rep)
	}
}

// LiveRuns returns the ids of runs that have not finished yet, sorted.
func (m *Manager) LiveRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Result returns the recorded result of a succeeded task.
func (m *Manager) Result(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.results[name]
	return v, ok
}

// IsInitialized reports whether name has succeeded in some finished run and
// its result was not removed since.
func (m *Manager) IsInitialized(name string) bool {
	_, ok := m.Result(name)
	return ok
}

// RemoveResult forgets the result of name, so the next run executes it again.
func (m *Manager) RemoveResult(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, name)
}

// RemoveAllResults forgets every recorded result.
func (m *Manager) RemoveAllResults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.results)
}

// Close stops accepting runs and waits for live runs to finish and be
// recorded. If ctx ends first, tracked subprocesses are killed and ctx.Err()
// is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	watched := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(watched)
	}()

	var errs []error
	select {
	case <-watched:
	case <-ctx.Done():
		st := m.pool.Stats()
		m.logger.Warn("shutdown before runs finished",
			"live_runs", m.LiveRuns(), "queued", st.Queued, "active", st.Active)
		errs = append(errs, ctx.Err())
	}

	if m.processes != nil {
		if err := m.processes.KillAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.pool.Shutdown(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
