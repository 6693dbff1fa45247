package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/orchestrator"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// DefaultConfig returns the built-in configuration: coordinator defaults and a
// single local dry-run agent.
func DefaultConfig() *Config {
	exec := orchestrator.DefaultExecutionConfig()
	mon := orchestrator.DefaultMonitorConfig()
	br := agent.DefaultBreakerConfig()

	return &Config{
		Execution: ExecutionConfig{
			MaxConcurrentBatches:  exec.MaxConcurrentBatches,
			TaskTimeout:           Duration(exec.TaskTimeout),
			MaxTaskTimeout:        Duration(exec.MaxTaskTimeout),
			TimeoutExtension:      Duration(exec.TimeoutExtension),
			PollInterval:          Duration(exec.PollInterval),
			MaxPollInterval:       Duration(exec.MaxPollInterval),
			MaxRetryAttempts:      exec.MaxRetryAttempts,
			EnableAutoRecovery:    exec.EnableAutoRecovery,
			LoadBalancingStrategy: string(exec.LoadBalancingStrategy),
			Retry: RetryConfig{
				InitialInterval:     Duration(exec.Retry.InitialInterval),
				MaxInterval:         Duration(exec.Retry.MaxInterval),
				Multiplier:          exec.Retry.Multiplier,
				RandomizationFactor: exec.Retry.RandomizationFactor,
			},
			HistoryLimit: exec.HistoryLimit,
		},
		Scheduler: scheduler.DefaultSchedulerConfig(),
		Monitor: MonitorConfig{
			Interval:       Duration(mon.Interval),
			StaleThreshold: Duration(mon.StaleThreshold),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: br.ConsecutiveFailures,
			OpenTimeout:         Duration(br.OpenTimeout),
			MaxRequests:         br.MaxRequests,
		},
		Agents: map[string]AgentConfig{
			"local": {Name: "Local dry run"},
		},
		Channel: ChannelConfig{
			Type:        ChannelLocal,
			MailboxPath: ".taskmesh/mailbox.db",
		},
	}
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if _, err := orchestrator.ParseStrategy(c.Execution.LoadBalancingStrategy); err != nil {
		return err
	}
	switch c.Channel.Type {
	case ChannelLocal, ChannelProcess:
	case ChannelMailbox:
		if c.Channel.MailboxPath == "" {
			return fmt.Errorf("mailbox channel requires mailbox_path")
		}
	default:
		return fmt.Errorf("unknown channel type %q", c.Channel.Type)
	}
	if c.Execution.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must not be negative")
	}
	if c.Channel.Type == ChannelProcess {
		for id, a := range c.Agents {
			if len(a.Command) == 0 {
				return fmt.Errorf("agent %q: process channel requires a command", id)
			}
		}
	}
	return nil
}

// CoordinatorConfig converts the execution section. Call Validate first.
func (c *Config) CoordinatorConfig() orchestrator.ExecutionConfig {
	e := c.Execution
	strategy, _ := orchestrator.ParseStrategy(e.LoadBalancingStrategy)
	return orchestrator.ExecutionConfig{
		MaxConcurrentBatches:  e.MaxConcurrentBatches,
		TaskTimeout:           time.Duration(e.TaskTimeout),
		MaxTaskTimeout:        time.Duration(e.MaxTaskTimeout),
		TimeoutExtension:      time.Duration(e.TimeoutExtension),
		PollInterval:          time.Duration(e.PollInterval),
		MaxPollInterval:       time.Duration(e.MaxPollInterval),
		MaxRetryAttempts:      e.MaxRetryAttempts,
		EnableAutoRecovery:    e.EnableAutoRecovery,
		LoadBalancingStrategy: strategy,
		Retry: orchestrator.RetryConfig{
			InitialInterval:     time.Duration(e.Retry.InitialInterval),
			MaxInterval:         time.Duration(e.Retry.MaxInterval),
			Multiplier:          e.Retry.Multiplier,
			RandomizationFactor: e.Retry.RandomizationFactor,
		},
		HistoryLimit: e.HistoryLimit,
	}
}

// MonitorSettings converts the monitor section.
func (c *Config) MonitorSettings() orchestrator.MonitorConfig {
	return orchestrator.MonitorConfig{
		Interval:       time.Duration(c.Monitor.Interval),
		StaleThreshold: time.Duration(c.Monitor.StaleThreshold),
	}
}

// BreakerSettings converts the breaker section.
func (c *Config) BreakerSettings() agent.BreakerConfig {
	return agent.BreakerConfig{
		MaxRequests:         c.Breaker.MaxRequests,
		OpenTimeout:         time.Duration(c.Breaker.OpenTimeout),
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
	}
}

// StaticAgents returns the configured agents sorted by ID.
func (c *Config) StaticAgents() []agent.Agent {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]agent.Agent, 0, len(ids))
	for _, id := range ids {
		ac := c.Agents[id]
		a := agent.Agent{ID: id, Name: ac.Name}
		if ac.Capacity != nil {
			a.Capacity = *ac.Capacity
		}
		a.Metadata.Capabilities = ac.Capabilities
		out = append(out, a)
	}
	return out
}

// AgentCommand returns the worker command for an agent, if it has one.
func (c *Config) AgentCommand(id string) (agent.Command, bool) {
	ac, ok := c.Agents[id]
	if !ok || len(ac.Command) == 0 {
		return agent.Command{}, false
	}
	return agent.Command{Path: ac.Command[0], Args: ac.Command[1:], Dir: ac.Dir, Env: ac.Env}, true
}
