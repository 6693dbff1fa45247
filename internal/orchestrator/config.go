package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskmesh/internal/timeout"
)

// RetryConfig configures the exponential backoff waited before each retry attempt.
type RetryConfig struct {
	InitialInterval     time.Duration // Delay before the first retry (default 1s)
	MaxInterval         time.Duration // Maximum delay (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// delay returns the wait before retry number n (1-based).
func (r RetryConfig) delay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	b.Multiplier = r.Multiplier
	b.RandomizationFactor = r.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ExecutionConfig controls how a Coordinator dispatches work.
type ExecutionConfig struct {
	MaxConcurrentBatches  int           // ExecuteBatch calls allowed in flight at once
	TaskTimeout           time.Duration // Base per-task deadline
	MaxTaskTimeout        time.Duration // Hard cap once progress extensions are applied
	TimeoutExtension      time.Duration // Deadline pushed to now+extension on PARTIAL progress
	PollInterval          time.Duration // First response poll delay
	MaxPollInterval       time.Duration // Response poll delay ceiling
	MaxRetryAttempts      int
	EnableAutoRecovery    bool // ExecuteTask retries failed attempts itself
	LoadBalancingStrategy Strategy
	Retry                 RetryConfig
	HistoryLimit          int // Terminal executions kept for lookup and metrics
}

// DefaultExecutionConfig returns the default configuration.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxConcurrentBatches:  3,
		TaskTimeout:           60 * time.Minute,
		MaxTaskTimeout:        120 * time.Minute,
		TimeoutExtension:      10 * time.Minute,
		PollInterval:          250 * time.Millisecond,
		MaxPollInterval:       5 * time.Second,
		MaxRetryAttempts:      3,
		EnableAutoRecovery:    true,
		LoadBalancingStrategy: ResourceAware,
		Retry:                 DefaultRetryConfig(),
		HistoryLimit:          1000,
	}
}

// withDefaults fills zero fields from DefaultExecutionConfig.
func (c ExecutionConfig) withDefaults() ExecutionConfig {
	d := DefaultExecutionConfig()
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = d.MaxConcurrentBatches
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.MaxTaskTimeout < c.TaskTimeout {
		c.MaxTaskTimeout = c.TaskTimeout
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	}
	if c.LoadBalancingStrategy == "" {
		c.LoadBalancingStrategy = d.LoadBalancingStrategy
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = d.Retry
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

func (c ExecutionConfig) awaitConfig() timeout.Config {
	return timeout.Config{
		Timeout:      c.TaskTimeout,
		MaxTimeout:   c.MaxTaskTimeout,
		Extension:    c.TimeoutExtension,
		PollInterval: c.PollInterval,
		MaxPoll:      c.MaxPollInterval,
	}
}

// MonitorConfig controls the agent liveness sweep.
type MonitorConfig struct {
	Interval       time.Duration // Sweep period (default 30s)
	StaleThreshold time.Duration // Heartbeat age that marks an agent offline (default 60s)
}

// DefaultMonitorConfig returns the default sweep settings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Interval: 30 * time.Second, StaleThreshold: 60 * time.Second}
}
