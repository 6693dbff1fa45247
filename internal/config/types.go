package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Duration is a time.Duration written as a Go duration string ("90s", "1h").
// Plain JSON numbers are read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// RetryConfig is the backoff waited between execution attempts.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// ExecutionConfig mirrors the coordinator's execution settings.
type ExecutionConfig struct {
	MaxConcurrentBatches  int         `json:"max_concurrent_batches"`
	TaskTimeout           Duration    `json:"task_timeout"`
	MaxTaskTimeout        Duration    `json:"max_task_timeout"`
	TimeoutExtension      Duration    `json:"timeout_extension"`
	PollInterval          Duration    `json:"poll_interval"`
	MaxPollInterval       Duration    `json:"max_poll_interval"`
	MaxRetryAttempts      int         `json:"max_retry_attempts"`
	EnableAutoRecovery    bool        `json:"enable_auto_recovery"`
	LoadBalancingStrategy string      `json:"load_balancing_strategy"` // round_robin, least_loaded, priority_based, resource_aware
	Retry                 RetryConfig `json:"retry"`
	HistoryLimit          int         `json:"history_limit"`
}

// MonitorConfig controls the agent liveness sweep.
type MonitorConfig struct {
	Interval       Duration `json:"interval"`
	StaleThreshold Duration `json:"stale_threshold"`
}

// BreakerConfig controls the per-agent circuit breaker around task delivery.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout"`
	MaxRequests         uint32   `json:"max_requests"`
}

// AgentConfig declares a static agent registered at startup.
type AgentConfig struct {
	Name         string          `json:"name,omitempty"`
	Capacity     *agent.Capacity `json:"capacity,omitempty"` // Nil uses the registry default
	Capabilities []string        `json:"capabilities,omitempty"`
	Command      []string        `json:"command,omitempty"` // Worker argv for the process channel
	Dir          string          `json:"dir,omitempty"`
	Env          []string        `json:"env,omitempty"`
}

// Channel types.
const (
	ChannelLocal   = "local"   // In-process dry-run handlers
	ChannelProcess = "process" // One agent command per task
	ChannelMailbox = "mailbox" // SQLite mailbox shared with worker processes
)

// ChannelConfig selects how tasks reach agents.
type ChannelConfig struct {
	Type        string `json:"type"`
	MailboxPath string `json:"mailbox_path,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Execution ExecutionConfig           `json:"execution"`
	Scheduler scheduler.SchedulerConfig `json:"scheduler"`
	Monitor   MonitorConfig             `json:"monitor"`
	Breaker   BreakerConfig             `json:"breaker"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Channel   ChannelConfig             `json:"channel"`
	Metrics   MetricsConfig             `json:"metrics"`
}
