package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/appstartup/internal/config"
	"github.com/aristath/appstartup/internal/scheduler"
	"github.com/aristath/appstartup/internal/taskexec"
)

var (
	ErrUnknownBody   = errors.New("unknown task body")
	ErrDuplicateBody = errors.New("task body already registered")
)

// Body is a resolved task implementation. Mode follows whichever of Func and
// AsyncFunc is set.
type Body struct {
	Mode      scheduler.Mode
	Func      scheduler.Func
	AsyncFunc scheduler.AsyncFunc
}

// Factory builds a Body from the part of a srcEntry that follows its prefix.
type Factory func(arg string) (Body, error)

// Registry maps manifest srcEntry strings to task bodies and configEntry
// strings to application configs. An entry matches an exact registration
// first, then the longest registered prefix.
type Registry struct {
	mu             sync.RWMutex
	bodies         map[string]Body
	factories      map[string]Factory
	configs        map[string]ConfigProvider
	configPrefixes map[string]ConfigProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bodies:         make(map[string]Body),
		factories:      make(map[string]Factory),
		configs:        make(map[string]ConfigProvider),
		configPrefixes: make(map[string]ConfigProvider),
	}
}

// RegisterSync registers a synchronous body under name.
func (r *Registry) RegisterSync(name string, fn scheduler.Func) error {
	if fn == nil {
		return fmt.Errorf("register %q: nil func", name)
	}
	return r.register(name, Body{Mode: scheduler.ModeSync, Func: fn})
}

// RegisterAsync registers an asynchronous body under name.
func (r *Registry) RegisterAsync(name string, fn scheduler.AsyncFunc) error {
	if fn == nil {
		return fmt.Errorf("register %q: nil func", name)
	}
	return r.register(name, Body{Mode: scheduler.ModeAsync, AsyncFunc: fn})
}

func (r *Registry) register(name string, b Body) error {
	if name == "" {
		return fmt.Errorf("register: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bodies[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateBody, name)
	}
	r.bodies[name] = b
	return nil
}

// RegisterPrefix registers a factory for every srcEntry starting with prefix,
// for example "exec:".
func (r *Registry) RegisterPrefix(prefix string, f Factory) error {
	if prefix == "" || f == nil {
		return fmt.Errorf("register prefix %q: invalid", prefix)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[prefix]; exists {
		return fmt.Errorf("%w: prefix %q", ErrDuplicateBody, prefix)
	}
	r.factories[prefix] = f
	return nil
}

// Resolve returns the body for srcEntry.
func (r *Registry) Resolve(srcEntry string) (Body, error) {
	r.mu.RLock()
	if b, ok := r.bodies[srcEntry]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	best, factory, ok := longestPrefix(r.factories, srcEntry)
	r.mu.RUnlock()

	if !ok {
		return Body{}, fmt.Errorf("%w: %q", ErrUnknownBody, srcEntry)
	}
	b, err := factory(strings.TrimPrefix(srcEntry, best))
	if err != nil {
		return Body{}, fmt.Errorf("resolve %q: %w", srcEntry, err)
	}
	return b, nil
}

func longestPrefix[T any](m map[string]T, s string) (prefix string, v T, ok bool) {
	for p, candidate := range m {
		if strings.HasPrefix(s, p) && len(p) > len(prefix) {
			prefix, v, ok = p, candidate, true
		}
	}
	return prefix, v, ok
}

// Names returns the exact body registrations and body prefixes, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bodies)+len(r.factories))
	for name := range r.bodies {
		names = append(names, name)
	}
	for prefix := range r.factories {
		names = append(names, prefix+"*")
	}
	sort.Strings(names)
	return names
}

// BuildTasks turns the manifest into scheduler tasks, resolving every
// srcEntry. All unresolvable entries are reported together.
func (r *Registry) BuildTasks(m *config.Manifest) ([]*scheduler.Task, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	tasks := make([]*scheduler.Task, 0, len(m.Tasks))
	var errs []error
	for _, spec := range m.Tasks {
		body, err := r.Resolve(spec.SrcEntry)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", spec.Name, err))
			continue
		}
		tasks = append(tasks, &scheduler.Task{
			Name:                 spec.Name,
			DependsOn:            append([]string(nil), spec.Dependencies...),
			ExcludeFromAutoStart: spec.ExcludeFromAutoStart,
			Mode:                 body.Mode,
			Timeout:              spec.Timeout.Std(),
			Resources:            append([]string(nil), spec.Resources...),
			Func:                 body.Func,
			AsyncFunc:            body.AsyncFunc,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tasks, nil
}

// Built-in srcEntry forms.
const (
	NoopEntry    = "noop"
	SleepPrefix  = "sleep:"
	RemotePrefix = "remote:"
)

// RegisterBuiltins installs the bodies every manifest can use:
//   - "noop": succeeds immediately with no result
//   - "sleep:<duration>": async, completes after the duration
//   - "exec:<command line>": sync subprocess tracked by pm
//   - "remote:<service>/<method>": async call through remote, if non-nil
//
// and the "defaults:<query>" configEntry form.
func RegisterBuiltins(r *Registry, pm *taskexec.ProcessManager, remote *RemoteCaller) error {
	errs := []error{
		r.RegisterConfigPrefix(DefaultsPrefix, defaultsConfig),
		r.RegisterSync(NoopEntry, func(ctx context.Context, deps scheduler.Dependencies) (any, error) {
			return nil, nil
		}),
		r.RegisterPrefix(SleepPrefix, sleepFactory),
		r.RegisterPrefix(taskexec.Prefix, func(arg string) (Body, error) {
			argv, err := taskexec.ParseCommandLine(arg)
			if err != nil {
				return Body{}, err
			}
			fn, err := taskexec.Command(pm, argv)
			if err != nil {
				return Body{}, err
			}
			return Body{Mode: scheduler.ModeSync, Func: fn}, nil
		}),
	}
	if remote != nil {
		errs = append(errs, r.RegisterPrefix(RemotePrefix, func(arg string) (Body, error) {
			service, method, ok := strings.Cut(arg, "/")
			if !ok || service == "" || method == "" {
				return Body{}, fmt.Errorf("remote entry %q: want <service>/<method>", arg)
			}
			return Body{Mode: scheduler.ModeAsync, AsyncFunc: remote.Body(service, method)}, nil
		}))
	}
	return errors.Join(errs...)
}

func sleepFactory(arg string) (Body, error) {
	d, err := time.ParseDuration(arg)
	if err != nil {
		return Body{}, err
	}
	if d < 0 {
		return Body{}, fmt.Errorf("negative sleep %v", d)
	}
	return Body{
		Mode: scheduler.ModeAsync,
		AsyncFunc: func(ctx context.Context, deps scheduler.Dependencies, done *scheduler.Completion) {
			go func() {
				t := time.NewTimer(d)
				defer t.Stop()
				select {
				case <-t.C:
					done.Complete(d.String())
				case <-ctx.Done():
					done.Fail(ctx.Err())
				}
			}()
		},
	}, nil
}
