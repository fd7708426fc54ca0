package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that marshals to JSON as a Go duration string
// ("250ms", "10s"). Plain numbers are accepted on input as milliseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func parseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("invalid duration %q: negative", s)
	}
	return Duration(parsed), nil
}

// RetryConfig tunes the exponential backoff used by remote task bodies.
type RetryConfig struct {
	InitialInterval  Duration `json:"initial_interval"`
	MaxInterval      Duration `json:"max_interval"`
	MaxElapsedTime   Duration `json:"max_elapsed_time"` // Also capped by the task's own timeout
	BreakerFailures  uint32   `json:"breaker_failures"` // Consecutive failures that open a service's breaker
	BreakerOpenDelay Duration `json:"breaker_open_delay"`
}

// SchedulerConfig is the top-level configuration.
type SchedulerConfig struct {
	DefaultTaskTimeout Duration    `json:"default_task_timeout"`   // For tasks that declare no timeout
	RunTimeout         Duration    `json:"run_timeout"`            // Zero disables the run deadline
	Concurrency        int         `json:"concurrency"`            // Worker pool size
	HistoryPath        string      `json:"history_path,omitempty"` // ":memory:" or "off" are kept as is
	ManifestPath       string      `json:"manifest_path,omitempty"`
	Retry              RetryConfig `json:"retry"`
}
