package config

import "time"

// DefaultConfig returns the built-in scheduler settings.
func DefaultConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DefaultTaskTimeout: Duration(10 * time.Second),
		RunTimeout:         Duration(30 * time.Second),
		Concurrency:        4,
		Retry: RetryConfig{
			InitialInterval:  Duration(100 * time.Millisecond),
			MaxInterval:      Duration(2 * time.Second),
			MaxElapsedTime:   Duration(10 * time.Second),
			BreakerFailures:  5,
			BreakerOpenDelay: Duration(30 * time.Second),
		},
	}
}
