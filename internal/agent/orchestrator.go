package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// Options configures an Orchestrator.
type Options struct {
	DefaultCapacity Capacity
	Breaker         BreakerConfig
	Logger          *slog.Logger
}

// Orchestrator owns the agent registry and the Communication Channel used to
// reach agents. Construct one per process and pass it to the coordinator.
type Orchestrator struct {
	registry *Registry
	channel  Channel
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator dispatching through ch.
func NewOrchestrator(ch Channel, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: NewRegistry(opts.DefaultCapacity),
		channel:  ch,
		breakers: NewBreakerRegistry(opts.Breaker, logger),
		logger:   logger,
	}
}

// Registry exposes the underlying agent table.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Channel returns the configured Communication Channel.
func (o *Orchestrator) Channel() Channel {
	return o.channel
}

// RegisterAgent adds an agent or refreshes an existing one with the same ID.
func (o *Orchestrator) RegisterAgent(a Agent) (Agent, error) {
	if a.ID == "" {
		return Agent{}, fmt.Errorf("agent id is required")
	}
	stored, created := o.registry.Register(a)
	if created {
		o.logger.Info("agent registered", "agent_id", stored.ID, "name", stored.Name)
	} else {
		o.logger.Debug("agent re-registered", "agent_id", stored.ID)
	}
	return stored, nil
}

// UnregisterAgent removes an agent. Executions already assigned to it keep running.
func (o *Orchestrator) UnregisterAgent(id string) error {
	if err := o.registry.Unregister(id); err != nil {
		return err
	}
	o.breakers.Forget(id)
	o.logger.Info("agent unregistered", "agent_id", id)
	return nil
}

// GetAgents returns copies of all agents in registration order.
func (o *Orchestrator) GetAgents() []Agent {
	return o.registry.Agents()
}

// GetAgent returns a copy of one agent.
func (o *Orchestrator) GetAgent(id string) (Agent, error) {
	a, ok := o.registry.Get(id)
	if !ok {
		return Agent{}, &scheduler.NotFoundError{Kind: "agent", ID: id}
	}
	return a, nil
}

// UpdateAgentHeartbeat records a heartbeat with the agent's reported status.
func (o *Orchestrator) UpdateAgentHeartbeat(id string, status Status) error {
	return o.registry.UpdateHeartbeat(id, status)
}

// SendTask delivers payload through the agent's circuit breaker. Every failure,
// including a false acknowledgement or an open breaker, wraps ErrDeliveryFailed.
func (o *Orchestrator) SendTask(ctx context.Context, agentID string, payload TaskPayload) error {
	err := sendThroughBreaker(ctx, o.breakers.Get(agentID), o.channel, agentID, payload)
	if err != nil {
		o.logger.Warn("task delivery failed", "agent_id", agentID, "execution_id", payload.ExecutionID, "error", err)
	}
	return err
}

// ReceiveResponse polls the channel for the execution's latest status.
func (o *Orchestrator) ReceiveResponse(ctx context.Context, agentID, executionID string) (StatusMessage, error) {
	return o.channel.ReceiveResponse(ctx, agentID, executionID)
}

// CancelTask forwards a cancellation to the channel when it supports one.
// Channels without cancellation support are ignored.
func (o *Orchestrator) CancelTask(ctx context.Context, agentID, executionID string) error {
	c, ok := o.channel.(Canceler)
	if !ok {
		return nil
	}
	err := c.CancelTask(ctx, agentID, executionID)
	var notFound *scheduler.NotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// BreakerState returns the delivery breaker state for an agent.
func (o *Orchestrator) BreakerState(agentID string) string {
	return o.breakers.State(agentID).String()
}
