// Package orchestrator contains the Execution Coordinator: it selects agents,
// takes file locks, dispatches tasks through the agent orchestrator, and tracks
// every execution through timeout, retry and cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/scheduler"
	"github.com/aristath/taskmesh/internal/timeout"
)

// Options wires a Coordinator to its collaborators. Nil fields get fresh defaults.
type Options struct {
	Config    ExecutionConfig
	Monitor   MonitorConfig
	Scheduler *scheduler.TaskScheduler
	Locks     *scheduler.AccessManager
	Events    events.Publisher
	Logger    *slog.Logger
}

// Coordinator is the execution engine. Create one with NewCoordinator and
// share it; it is safe for concurrent use.
type Coordinator struct {
	orch      *agent.Orchestrator
	scheduler *scheduler.TaskScheduler
	locks     *scheduler.AccessManager
	bus       events.Publisher
	logger    *slog.Logger
	balancer  balancer

	mu         sync.RWMutex
	cfg        ExecutionConfig
	batchSem   *semaphore.Weighted
	active     map[string]*execState
	history    map[string]*TaskExecution
	historyIDs []string          // Oldest first
	byTask     map[string]string // Task ID to its latest execution ID
	since      time.Time         // Start of the metrics window; moves when history drops entries

	monitor  monitorState
	disposed atomic.Bool
}

// NewCoordinator creates a coordinator dispatching through orch.
func NewCoordinator(orch *agent.Orchestrator, opts Options) *Coordinator {
	cfg := opts.Config.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.NewTaskScheduler(scheduler.DefaultSchedulerConfig(), logger)
	}
	locks := opts.Locks
	if locks == nil {
		locks = scheduler.NewAccessManager()
	}
	mon := opts.Monitor
	if mon.Interval <= 0 {
		mon.Interval = DefaultMonitorConfig().Interval
	}
	if mon.StaleThreshold <= 0 {
		mon.StaleThreshold = DefaultMonitorConfig().StaleThreshold
	}

	return &Coordinator{
		orch:      orch,
		scheduler: sched,
		locks:     locks,
		bus:       opts.Events,
		logger:    logger,
		cfg:       cfg,
		batchSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		active:    make(map[string]*execState),
		history:   make(map[string]*TaskExecution),
		byTask:    make(map[string]string),
		since:     time.Now(),
		monitor:   monitorState{cfg: mon},
	}
}

// Config returns the current execution config.
func (c *Coordinator) Config() ExecutionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig replaces the execution config. In-flight attempts keep the
// settings they started with.
func (c *Coordinator) UpdateConfig(cfg ExecutionConfig) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.MaxConcurrentBatches != c.cfg.MaxConcurrentBatches {
		c.batchSem = semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches))
	}
	c.cfg = cfg
	c.logger.Info("execution config updated", "strategy", cfg.LoadBalancingStrategy, "max_retries", cfg.MaxRetryAttempts)
}

// Orchestrator returns the agent orchestrator.
func (c *Coordinator) Orchestrator() *agent.Orchestrator { return c.orch }

// Scheduler returns the task scheduler whose current schedule ExecuteBatch uses.
func (c *Coordinator) Scheduler() *scheduler.TaskScheduler { return c.scheduler }

// Locks returns the access manager guarding task file paths.
func (c *Coordinator) Locks() *scheduler.AccessManager { return c.locks }

// RegisterAgent registers or refreshes an agent.
func (c *Coordinator) RegisterAgent(a agent.Agent) (agent.Agent, error) {
	stored, err := c.orch.RegisterAgent(a)
	if err == nil {
		c.emit(events.AgentStatusEvent{AgentID: stored.ID, Status: string(stored.Status), Timestamp: time.Now()})
	}
	return stored, err
}

// UnregisterAgent removes an agent. Executions already assigned to it are
// tracked to completion.
func (c *Coordinator) UnregisterAgent(id string) error {
	return c.orch.UnregisterAgent(id)
}

// GenerateSchedule plans tasks and makes the result the current schedule.
func (c *Coordinator) GenerateSchedule(tasks []*scheduler.AtomicTask, graph *scheduler.DependencyGraph, projectID string) (*scheduler.Schedule, error) {
	return c.scheduler.GenerateSchedule(tasks, graph, projectID)
}

// ExecuteTask runs one scheduled task to a terminal state and returns the
// final snapshot. Execution failures are recorded in the result, not returned.
// The error is non-nil only when no execution could be created.
func (c *Coordinator) ExecuteTask(ctx context.Context, st *scheduler.ScheduledTask) (*TaskExecution, error) {
	return c.executeTask(ctx, st, "")
}

func (c *Coordinator) executeTask(ctx context.Context, st *scheduler.ScheduledTask, preferred string) (*TaskExecution, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}
	if st == nil || st.Task == nil {
		return nil, fmt.Errorf("scheduled task is required")
	}

	cfg := c.Config()
	req := requirement(st)
	chosen, err := c.selectAgent(cfg.LoadBalancingStrategy, st.Task, req, preferred)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	es := &execState{
		exec: TaskExecution{
			ScheduledTask: st,
			AgentID:       chosen.ID,
			Status:        ExecutionQueued,
			Result:        ExecutionResult{Progress: -1},
			Metadata:      ExecutionMetadata{ExecutionID: uuid.NewString(), Attempts: 1},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	id := es.exec.Metadata.ExecutionID

	c.mu.Lock()
	c.active[id] = es
	c.byTask[st.Task.ID] = id
	c.mu.Unlock()

	c.logger.Debug("execution queued", "execution_id", id, "task_id", st.Task.ID, "agent_id", chosen.ID)
	c.runAttempt(execCtx, es, cfg, req)

	final := c.executionSnapshot(id)
	for cfg.EnableAutoRecovery && final != nil && final.Status == ExecutionFailed && final.Metadata.RetryCount < cfg.MaxRetryAttempts {
		if ctx.Err() != nil {
			break
		}
		next := c.RetryExecution(ctx, id)
		if next == nil {
			// Cancelled before the retry began
			if snap := c.executionSnapshot(id); snap != nil {
				final = snap
			}
			break
		}
		final = next
	}
	return final, nil
}

// selectAgent picks an agent, honouring preferred when it is still eligible.
func (c *Coordinator) selectAgent(strategy Strategy, task *scheduler.AtomicTask, req scheduler.ResourceEstimate, preferred string) (agent.Agent, error) {
	agents := c.orch.GetAgents()
	if preferred != "" {
		for _, a := range agents {
			if a.ID == preferred && a.Eligible(req) {
				return a, nil
			}
		}
	}
	a, ok := c.balancer.pick(strategy, agents, task, req)
	if !ok {
		return agent.Agent{}, &NoAgentAvailableError{TaskID: task.ID, Strategy: strategy, Agents: len(agents)}
	}
	return a, nil
}

// requirement is the per-task reservation made on the agent.
func requirement(st *scheduler.ScheduledTask) scheduler.ResourceEstimate {
	if st.Resources.IsZero() && st.Task.Resources != nil {
		return *st.Task.Resources
	}
	return st.Resources
}

// runAttempt drives one attempt from queued to a terminal state.
func (c *Coordinator) runAttempt(ctx context.Context, es *execState, cfg ExecutionConfig, req scheduler.ResourceEstimate) {
	c.mu.Lock()
	id := es.exec.Metadata.ExecutionID
	task := es.exec.ScheduledTask.Task
	at := &attempt{agentID: es.exec.AgentID}
	es.current = at
	c.mu.Unlock()

	// Locks: prompt grant or defer until the holders release
	lease, ok := c.locks.TryAcquire(id, task.FilePaths, scheduler.LockExclusive)
	if !ok {
		c.logger.Info("execution deferred on file locks", "execution_id", id, "task_id", task.ID)
		var err error
		lease, err = c.locks.Acquire(ctx, id, task.FilePaths, scheduler.LockExclusive)
		if err != nil {
			c.finish(es, at, ExecutionCancelled, ExecutionResult{Error: fmt.Sprintf("waiting for file locks: %v", err)})
			return
		}
	}
	if !c.attach(es, at, func() { at.lease = lease }) {
		lease.Release()
		return
	}

	// Capacity: the chosen agent may have filled up while we waited
	res, err := c.orch.Registry().Reserve(at.agentID, req)
	if err != nil {
		again, selErr := c.selectAgent(cfg.LoadBalancingStrategy, task, req, "")
		if selErr != nil {
			c.finish(es, at, ExecutionFailed, ExecutionResult{Error: fmt.Sprintf("reserving agent capacity: %v", err)})
			return
		}
		if res, err = c.orch.Registry().Reserve(again.ID, req); err != nil {
			c.finish(es, at, ExecutionFailed, ExecutionResult{Error: fmt.Sprintf("reserving agent capacity: %v", err)})
			return
		}
	}
	agentID := res.AgentID
	if !c.attach(es, at, func() {
		at.agentID = agentID
		at.res = res
		at.reserved = true
		es.exec.AgentID = agentID
	}) {
		c.orch.Registry().Release(res)
		return
	}

	// Running
	c.mu.Lock()
	if es.exec.Status == ExecutionCancelled {
		c.mu.Unlock()
		return
	}
	es.exec.Status = ExecutionRunning
	es.exec.StartTime = time.Now()
	es.exec.EndTime = time.Time{}
	task.Status = scheduler.TaskInProgress
	attemptNo := es.exec.Metadata.Attempts
	c.mu.Unlock()

	c.emit(events.ExecutionStartedEvent{
		ExecutionID: id, Task: task.ID, Title: task.Title, AgentID: agentID, Attempt: attemptNo, Timestamp: time.Now(),
	})
	c.logger.Info("execution started", "execution_id", id, "task_id", task.ID, "agent_id", agentID, "attempt", attemptNo)

	payload := agent.TaskPayload{
		ExecutionID: id,
		Attempt:     attemptNo,
		Deadline:    time.Now().Add(cfg.MaxTaskTimeout),
		Task:        task,
	}
	if err := c.orch.SendTask(ctx, agentID, payload); err != nil {
		c.finish(es, at, ExecutionFailed, ExecutionResult{Error: err.Error()})
		return
	}

	msg, err := c.awaitResponse(ctx, es, agentID, cfg)
	switch {
	case err == nil && msg.Status == agent.ResponseDone:
		c.finish(es, at, ExecutionCompleted, ExecutionResult{Success: true, Output: msg.Message})
	case err == nil:
		reason := msg.Error
		if reason == "" {
			reason = fmt.Sprintf("agent reported %s", msg.Status)
		}
		c.finish(es, at, ExecutionFailed, ExecutionResult{Output: msg.Message, Error: reason})
	case errors.Is(err, timeout.ErrTimeout):
		c.finish(es, at, ExecutionFailed, ExecutionResult{Error: "task " + err.Error()})
		// Stop the abandoned run so a retry can reuse the execution ID
		c.cancelOnAgent(agentID, id)
	case ctx.Err() != nil:
		c.finish(es, at, ExecutionCancelled, ExecutionResult{Error: ctx.Err().Error()})
	default:
		c.finish(es, at, ExecutionFailed, ExecutionResult{Error: err.Error()})
	}
}

// attach applies set under the lock unless the execution was cancelled meanwhile.
// On false the caller still owns what it was about to attach.
func (c *Coordinator) attach(es *execState, at *attempt, set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if es.exec.Status == ExecutionCancelled || es.current != at {
		return false
	}
	set()
	return true
}

// awaitResponse polls the agent until a terminal status, a bad message or the deadline.
func (c *Coordinator) awaitResponse(ctx context.Context, es *execState, agentID string, cfg ExecutionConfig) (agent.StatusMessage, error) {
	id := es.exec.Metadata.ExecutionID
	taskID := es.exec.ScheduledTask.Task.ID
	var last agent.StatusMessage

	poll := func(ctx context.Context) (agent.StatusMessage, timeout.State, error) {
		msg, err := c.orch.ReceiveResponse(ctx, agentID, id)
		if errors.Is(err, agent.ErrNoResponse) {
			return msg, timeout.Pending, nil
		}
		if err != nil {
			return msg, timeout.Pending, err
		}
		if msg.Status.Terminal() {
			return msg, timeout.Done, nil
		}
		if msg.Progress() == last.Progress() && msg.Message == last.Message && msg.Timestamp.Equal(last.Timestamp) {
			return msg, timeout.Pending, nil
		}
		last = msg
		return msg, timeout.Progress, nil
	}

	onProgress := func(msg agent.StatusMessage) {
		c.mu.Lock()
		es.exec.Result.Progress = msg.Progress()
		c.mu.Unlock()
		c.emit(events.ExecutionProgressEvent{
			ExecutionID: id, Task: taskID, Percent: msg.Progress(), Message: msg.Message, Timestamp: time.Now(),
		})
	}

	return timeout.Await(ctx, cfg.awaitConfig(), poll, onProgress)
}

// finish moves the attempt to a terminal state exactly once, gives back its
// locks and capacity, and records the outcome on the agent.
func (c *Coordinator) finish(es *execState, at *attempt, status ExecutionStatus, result ExecutionResult) {
	c.mu.Lock()
	if es.current != at || es.exec.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	if es.exec.StartTime.IsZero() {
		es.exec.StartTime = now
	}
	es.exec.Status = status
	es.exec.EndTime = now
	// Progress is the last PARTIAL report unless the agent finished
	result.Progress = es.exec.Result.Progress
	if status == ExecutionCompleted {
		result.Progress = 100
	}
	es.exec.Result = result

	task := es.exec.ScheduledTask.Task
	duration := es.exec.EndTime.Sub(es.exec.StartTime)
	switch status {
	case ExecutionCompleted:
		task.Status = scheduler.TaskCompleted
		task.ActualHours += duration.Hours()
	case ExecutionFailed:
		task.Status = scheduler.TaskFailed
		task.ActualHours += duration.Hours()
	}
	snap := es.exec.snapshot()
	retryable := status == ExecutionFailed && es.exec.Metadata.RetryCount < c.cfg.MaxRetryAttempts
	close(es.done)
	c.mu.Unlock()

	c.releaseAttempt(at)
	if status != ExecutionCancelled && at.reserved {
		c.orch.Registry().RecordExecution(at.res, duration, status == ExecutionCompleted)
	}

	id := snap.Metadata.ExecutionID
	switch status {
	case ExecutionCompleted:
		c.logger.Info("execution completed", "execution_id", id, "task_id", task.ID, "agent_id", snap.AgentID, "duration", duration)
		c.emit(events.ExecutionCompletedEvent{
			ExecutionID: id, Task: task.ID, AgentID: snap.AgentID, Output: result.Output, Duration: duration, Timestamp: now,
		})
	case ExecutionFailed:
		c.logger.Warn("execution failed", "execution_id", id, "task_id", task.ID, "agent_id", snap.AgentID, "error", result.Error, "retryable", retryable)
		c.emit(events.ExecutionFailedEvent{
			ExecutionID: id, Task: task.ID, AgentID: snap.AgentID, Err: result.Error, Duration: duration, Retryable: retryable, Timestamp: now,
		})
	case ExecutionCancelled:
		c.logger.Info("execution interrupted", "execution_id", id, "task_id", task.ID, "error", result.Error)
		c.emit(events.ExecutionCancelledEvent{ExecutionID: id, Task: task.ID, Timestamp: now})
	}

	if !retryable {
		c.evict(id)
	}
}

func (c *Coordinator) releaseAttempt(at *attempt) {
	at.once.Do(func() {
		at.lease.Release()
		if at.reserved {
			c.orch.Registry().Release(at.res)
		}
	})
}

// evict moves an execution from the active set into the bounded history.
func (c *Coordinator) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	es, ok := c.active[id]
	if !ok {
		return
	}
	delete(c.active, id)
	es.cancel()

	c.history[id] = es.exec.snapshot()
	c.historyIDs = append(c.historyIDs, id)
	for len(c.historyIDs) > c.cfg.HistoryLimit {
		oldest := c.historyIDs[0]
		c.historyIDs = c.historyIDs[1:]
		if e := c.history[oldest]; e != nil && e.EndTime.After(c.since) {
			c.since = e.EndTime
		}
		delete(c.history, oldest)
	}
}

// CancelExecution cancels a queued or running execution and releases its
// resources immediately. A failed execution with retries left is cancelled too,
// waking a retry that is waiting out its backoff. Returns false for unknown or
// finished executions.
func (c *Coordinator) CancelExecution(id string) bool {
	c.mu.Lock()
	es, ok := c.active[id]
	if !ok || !c.cancellableLocked(es) {
		c.mu.Unlock()
		return false
	}
	// A failed attempt already gave back its locks and capacity
	between := es.exec.Status == ExecutionFailed
	if between && es.retrying {
		es.exec.Metadata.RetryCount--
	}
	es.exec.Status = ExecutionCancelled
	es.exec.EndTime = time.Now()
	if es.exec.StartTime.IsZero() {
		es.exec.StartTime = es.exec.EndTime
	}
	es.exec.Result = ExecutionResult{Error: "cancelled", Progress: es.exec.Result.Progress}
	at := es.current
	agentID := es.exec.AgentID
	taskID := es.exec.ScheduledTask.Task.ID
	stopRetry := es.stopRetry
	if !between {
		close(es.done)
	}
	c.mu.Unlock()

	es.cancel()
	if stopRetry != nil {
		stopRetry()
	}
	if at != nil {
		c.releaseAttempt(at)
	}

	// Cooperative from the agent's side; the record is final either way
	if !between {
		c.cancelOnAgent(agentID, id)
	}

	c.logger.Info("execution cancelled", "execution_id", id, "task_id", taskID)
	c.emit(events.ExecutionCancelledEvent{ExecutionID: id, Task: taskID, Timestamp: time.Now()})
	c.evict(id)
	return true
}

// cancellableLocked reports whether es is still in play: not yet terminal, or
// failed with a retry pending or still allowed.
func (c *Coordinator) cancellableLocked(es *execState) bool {
	if !es.exec.Status.Terminal() {
		return true
	}
	return es.exec.Status == ExecutionFailed && (es.retrying || es.exec.Metadata.RetryCount < c.cfg.MaxRetryAttempts)
}

func (c *Coordinator) cancelOnAgent(agentID, executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.orch.CancelTask(ctx, agentID, executionID); err != nil {
		c.logger.Warn("agent cancel failed", "execution_id", executionID, "agent_id", agentID, "error", err)
	}
}

// RetryExecution re-dispatches a failed execution that is still tracked and
// has retries left. It waits the backoff delay first and returns the outcome
// of the new attempt, or nil when the execution is not retryable.
func (c *Coordinator) RetryExecution(ctx context.Context, id string) *TaskExecution {
	if c.disposed.Load() {
		return nil
	}

	c.mu.Lock()
	cfg := c.cfg
	es, ok := c.active[id]
	if !ok || es.retrying || es.exec.Status != ExecutionFailed || es.exec.Metadata.RetryCount >= cfg.MaxRetryAttempts {
		c.mu.Unlock()
		return nil
	}
	wait, stopWait := context.WithCancel(ctx)
	defer stopWait()
	es.retrying = true
	es.stopRetry = stopWait
	es.exec.Metadata.RetryCount++
	retry := es.exec.Metadata.RetryCount
	st := es.exec.ScheduledTask
	c.mu.Unlock()

	delay := cfg.Retry.delay(retry)
	c.logger.Info("retrying execution", "execution_id", id, "task_id", st.Task.ID, "retry", retry, "delay", delay)
	c.emit(events.ExecutionRetryingEvent{ExecutionID: id, Task: st.Task.ID, RetryCount: retry, Delay: delay, Timestamp: time.Now()})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wait.Done():
		c.mu.Lock()
		es.retrying = false
		es.stopRetry = nil
		if es.exec.Status != ExecutionCancelled {
			es.exec.Metadata.RetryCount--
		}
		c.mu.Unlock()
		return c.executionSnapshot(id)
	}

	req := requirement(st)
	chosen, err := c.selectAgent(cfg.LoadBalancingStrategy, st.Task, req, "")

	c.mu.Lock()
	es.retrying = false
	es.stopRetry = nil
	if es.exec.Status == ExecutionCancelled {
		c.mu.Unlock()
		return c.executionSnapshot(id)
	}
	if err != nil {
		es.exec.Result = ExecutionResult{Error: err.Error(), Progress: -1}
		exhausted := es.exec.Metadata.RetryCount >= c.cfg.MaxRetryAttempts
		snap := es.exec.snapshot()
		c.mu.Unlock()
		if exhausted {
			c.evict(id)
		}
		return snap
	}
	execCtx, cancel := context.WithCancel(ctx)
	previous := es.cancel
	es.cancel = cancel
	previous()
	es.done = make(chan struct{})
	es.exec.AgentID = chosen.ID
	es.exec.Status = ExecutionQueued
	es.exec.StartTime = time.Time{}
	es.exec.EndTime = time.Time{}
	es.exec.Result = ExecutionResult{Progress: -1}
	es.exec.Metadata.Attempts++
	c.mu.Unlock()

	c.runAttempt(execCtx, es, cfg, req)
	return c.executionSnapshot(id)
}

// GetExecution returns a snapshot of an active or recently finished execution.
func (c *Coordinator) GetExecution(id string) (*TaskExecution, bool) {
	snap := c.executionSnapshot(id)
	return snap, snap != nil
}

func (c *Coordinator) executionSnapshot(id string) *TaskExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if es, ok := c.active[id]; ok {
		return es.exec.snapshot()
	}
	if e, ok := c.history[id]; ok {
		return e.snapshot()
	}
	return nil
}

// GetActiveExecutions returns snapshots of every execution still tracked:
// queued, running, and failed ones with retries left.
func (c *Coordinator) GetActiveExecutions() []*TaskExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TaskExecution, 0, len(c.active))
	for _, es := range c.active {
		out = append(out, es.exec.snapshot())
	}
	return out
}

// GetTaskExecutionStatus returns the latest execution for a task.
func (c *Coordinator) GetTaskExecutionStatus(taskID string) (*TaskExecution, bool) {
	c.mu.RLock()
	id, ok := c.byTask[taskID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.GetExecution(id)
}

// Wait blocks until the execution's current attempt is terminal or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, id string) (*TaskExecution, error) {
	c.mu.RLock()
	es, ok := c.active[id]
	var done chan struct{}
	if ok {
		done = es.done
	}
	c.mu.RUnlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if snap := c.executionSnapshot(id); snap != nil {
		return snap, nil
	}
	return nil, &scheduler.NotFoundError{Kind: "execution", ID: id}
}

func (c *Coordinator) emit(e events.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.TopicOf(e), e)
}
