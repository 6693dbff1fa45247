package orchestrator

import (
	"sync"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/events"
)

type monitorState struct {
	mu   sync.Mutex
	cfg  MonitorConfig
	stop chan struct{}
	done chan struct{}
}

// Start launches the agent liveness sweep. Calling it while running is a no-op.
func (c *Coordinator) Start() error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	m := &c.monitor
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go c.sweepLoop(m.cfg, m.stop, m.done)
	c.logger.Info("coordinator started", "sweep_interval", m.cfg.Interval, "stale_threshold", m.cfg.StaleThreshold)
	return nil
}

// Stop halts the liveness sweep and waits for it to exit. Calling it while
// stopped is a no-op. In-flight executions are not affected.
func (c *Coordinator) Stop() {
	m := &c.monitor
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop, m.done = nil, nil
	c.logger.Info("coordinator stopped")
}

// Running reports whether the liveness sweep is active.
func (c *Coordinator) Running() bool {
	m := &c.monitor
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Dispose stops monitoring, cancels every in-flight execution and releases
// all locks. Safe to call more than once.
func (c *Coordinator) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	c.Stop()

	c.mu.RLock()
	ids := make([]string, 0, len(c.active))
	for id, es := range c.active {
		if !es.exec.Status.Terminal() || es.retrying {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range ids {
		c.CancelExecution(id)
	}
	c.locks.ClearAllLocks()
	c.logger.Info("coordinator disposed", "cancelled", len(ids))
}

func (c *Coordinator) sweepLoop(cfg MonitorConfig, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.SweepAgents()
		}
	}
}

// SweepAgents marks every agent with a stale heartbeat offline and returns their IDs.
// Offline agents stay registered.
func (c *Coordinator) SweepAgents() []string {
	changed := c.orch.Registry().MarkStale(c.monitor.cfg.StaleThreshold)
	for _, id := range changed {
		c.logger.Warn("agent marked offline", "agent_id", id, "stale_threshold", c.monitor.cfg.StaleThreshold)
		c.emit(events.AgentStatusEvent{AgentID: id, Status: string(agent.StatusOffline), Timestamp: time.Now()})
	}
	return changed
}
