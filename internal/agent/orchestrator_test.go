package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// flakyChannel rejects or errors on SendTask according to its script.
type flakyChannel struct {
	mu       sync.Mutex
	sendErr  error
	ack      bool
	calls    int
	canceled []string
}

func (c *flakyChannel) SendTask(ctx context.Context, agentID string, payload TaskPayload) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.ack, c.sendErr
}

func (c *flakyChannel) ReceiveResponse(ctx context.Context, agentID, executionID string) (StatusMessage, error) {
	return StatusMessage{}, ErrNoResponse
}

func (c *flakyChannel) CancelTask(ctx context.Context, agentID, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, executionID)
	return nil
}

func (c *flakyChannel) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// TestOrchestrator_Registration verifies register, list and unregister.
func TestOrchestrator_Registration(t *testing.T) {
	o := NewOrchestrator(&flakyChannel{ack: true}, Options{})

	if _, err := o.RegisterAgent(Agent{}); err == nil {
		t.Error("empty id should be rejected")
	}
	o.RegisterAgent(Agent{ID: "b"})
	o.RegisterAgent(Agent{ID: "a"})
	o.RegisterAgent(Agent{ID: "b"})

	agents := o.GetAgents()
	if len(agents) != 2 || agents[0].ID != "b" || agents[1].ID != "a" {
		t.Errorf("agents = %v, want [b a] in registration order", agents)
	}

	if err := o.UpdateAgentHeartbeat("a", StatusBusy); err != nil {
		t.Fatalf("UpdateAgentHeartbeat: %v", err)
	}
	if a, _ := o.GetAgent("a"); a.Status != StatusBusy {
		t.Errorf("status = %s", a.Status)
	}
	if err := o.UnregisterAgent("a"); err != nil {
		t.Fatalf("UnregisterAgent: %v", err)
	}
	if _, err := o.GetAgent("a"); err == nil {
		t.Error("GetAgent after unregister should fail")
	}
}

// TestOrchestrator_SendTaskFailures verifies rejections and errors surface as delivery failures.
func TestOrchestrator_SendTaskFailures(t *testing.T) {
	tests := []struct {
		name string
		ch   *flakyChannel
	}{
		{name: "negative ack", ch: &flakyChannel{ack: false}},
		{name: "transport error", ch: &flakyChannel{sendErr: errors.New("connection refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(tt.ch, Options{})
			err := o.SendTask(context.Background(), "a1", testPayload("e", "T"))
			if !errors.Is(err, ErrDeliveryFailed) {
				t.Fatalf("err = %v, want ErrDeliveryFailed", err)
			}
			if tt.ch.Calls() != 1 {
				t.Errorf("calls = %d, want exactly 1 (no inline retry)", tt.ch.Calls())
			}
		})
	}
}

// TestOrchestrator_BreakerOpens verifies repeated failures open the agent's breaker.
func TestOrchestrator_BreakerOpens(t *testing.T) {
	ch := &flakyChannel{sendErr: errors.New("down")}
	o := NewOrchestrator(ch, Options{Breaker: BreakerConfig{MaxRequests: 1, OpenTimeout: time.Minute, ConsecutiveFailures: 3}})

	for i := 0; i < 3; i++ {
		o.SendTask(context.Background(), "a1", testPayload("e", "T"))
	}
	if got := o.BreakerState("a1"); got != gobreaker.StateOpen.String() {
		t.Fatalf("breaker state = %s, want open", got)
	}

	err := o.SendTask(context.Background(), "a1", testPayload("e", "T"))
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want delivery failure from open breaker", err)
	}
	if ch.Calls() != 3 {
		t.Errorf("open breaker should not reach the channel, calls = %d", ch.Calls())
	}

	if got := o.BreakerState("a2"); got != gobreaker.StateClosed.String() {
		t.Errorf("other agent's breaker = %s, want closed", got)
	}
}

// TestOrchestrator_CancelTask verifies cancellation reaches channels that support it.
func TestOrchestrator_CancelTask(t *testing.T) {
	ch := &flakyChannel{ack: true}
	o := NewOrchestrator(ch, Options{})

	if err := o.CancelTask(context.Background(), "a1", "exec-3"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if len(ch.canceled) != 1 || ch.canceled[0] != "exec-3" {
		t.Errorf("canceled = %v", ch.canceled)
	}

	local := NewLocalChannel()
	defer local.Close()
	if err := NewOrchestrator(local, Options{}).CancelTask(context.Background(), "a1", "missing"); err != nil {
		t.Errorf("cancelling an unknown run should be ignored, got %v", err)
	}
}
