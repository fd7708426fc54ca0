package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/appstartup/internal/config"
	"github.com/aristath/appstartup/internal/ctxlog"
	"github.com/aristath/appstartup/internal/scheduler"
)

// ErrUnknownService is returned by a ServiceTable for an unregistered
// service or method. It is never retried.
var ErrUnknownService = errors.New("unknown service")

// Caller performs a remote call on behalf of a task. The dependency results of
// the task are passed along as call arguments.
type Caller interface {
	Call(ctx context.Context, service, method string, deps scheduler.Dependencies) (any, error)
}

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfigFrom(config.DefaultConfig().Retry)
}

// RetryConfigFrom converts the file configuration.
func RetryConfigFrom(c config.RetryConfig) RetryConfig {
	return RetryConfig{
		InitialInterval:     c.InitialInterval.Std(),
		MaxInterval:         c.MaxInterval.Std(),
		MaxElapsedTime:      c.MaxElapsedTime.Std(),
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerSettings controls when a service's circuit opens.
type BreakerSettings struct {
	Failures  uint32        // Consecutive failures that trip the breaker
	OpenDelay time.Duration // Time spent open before a trial call
}

// CircuitBreakerRegistry manages per-service circuit breakers.
type CircuitBreakerRegistry struct {
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(settings BreakerSettings, logger *slog.Logger) *CircuitBreakerRegistry {
	if settings.Failures == 0 {
		settings.Failures = 5
	}
	if settings.OpenDelay <= 0 {
		settings.OpenDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given service.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(service string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[service]; ok {
		return cb
	}

	failures := r.settings.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1, // One trial call in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.OpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "service", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A task timing out or a missing service says nothing about the service's health
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUnknownService) {
				return true
			}
			return false
		},
	})

	r.breakers[service] = cb
	return cb
}

// State reports the breaker state of service, or StateClosed when it has none.
func (r *CircuitBreakerRegistry) State(service string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[service]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// callWithRetry performs the call with exponential backoff retry and circuit breaker protection.
func callWithRetry(ctx context.Context, c Caller, service, method string, deps scheduler.Dependencies, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (any, error) {
	var result any

	operation := func() error {
		// Fail fast if the task was cancelled or timed out
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		res, err := cb.Execute(func() (interface{}, error) {
			return c.Call(ctx, service, method, deps)
		})

		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("service %q: %w", service, err))
			}
			if errors.Is(err, ErrUnknownService) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			ctxlog.FromContext(ctx).Debug("remote call failed, retrying", "service", service, "method", method, "error", err)
			return err
		}

		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return result, err
}

// RemoteCaller turns remote calls into asynchronous task bodies, sharing one
// breaker per service across every task and run.
type RemoteCaller struct {
	caller   Caller
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
}

// NewRemoteCaller creates a RemoteCaller.
func NewRemoteCaller(c Caller, breakers *CircuitBreakerRegistry, retry RetryConfig) *RemoteCaller {
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(BreakerSettings{}, nil)
	}
	return &RemoteCaller{caller: c, breakers: breakers, retry: retry}
}

// Breakers returns the breaker registry.
func (rc *RemoteCaller) Breakers() *CircuitBreakerRegistry { return rc.breakers }

// Body returns an async task body calling service/method. The worker is
// released right away; the call and its retries run on their own goroutine
// and stop when the task's context ends.
func (rc *RemoteCaller) Body(service, method string) scheduler.AsyncFunc {
	return func(ctx context.Context, deps scheduler.Dependencies, done *scheduler.Completion) {
		cb := rc.breakers.Get(service)
		go func() {
			res, err := callWithRetry(ctx, rc.caller, service, method, deps, cb, rc.retry)
			if err != nil {
				done.Fail(err)
				return
			}
			done.Complete(res)
		}()
	}
}

// Handler serves one method of an in-process service.
type Handler func(ctx context.Context, deps scheduler.Dependencies) (any, error)

// ServiceTable is an in-process Caller: services register handlers by name
// and tasks reach them through "remote:<service>/<method>" entries.
type ServiceTable struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
}

// NewServiceTable creates an empty table.
func NewServiceTable() *ServiceTable {
	return &ServiceTable{handlers: make(map[string]map[string]Handler)}
}

// Handle registers h for service/method, replacing any previous handler.
func (s *ServiceTable) Handle(service, method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[service] == nil {
		s.handlers[service] = make(map[string]Handler)
	}
	s.handlers[service][method] = h
}

// Remove unregisters service/method.
func (s *ServiceTable) Remove(service, method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers[service], method)
	if len(s.handlers[service]) == 0 {
		delete(s.handlers, service)
	}
}

func (s *ServiceTable) Call(ctx context.Context, service, method string, deps scheduler.Dependencies) (any, error) {
	s.mu.RLock()
	h, ok := s.handlers[service][method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownService, service, method)
	}
	return h(ctx, deps)
}
