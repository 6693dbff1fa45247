package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/events"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// ExecuteBatch runs every task of a batch from the current schedule
// concurrently and returns once all of them are terminal. A failing task does
// not stop its siblings. The error is non-nil only when nothing was dispatched.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batch scheduler.ParallelBatch) (*ExecutionBatch, error) {
	sched := c.scheduler.CurrentSchedule()
	if sched == nil {
		return nil, ErrNoSchedule
	}
	return c.executeBatch(ctx, sched, batch, 0)
}

func (c *Coordinator) executeBatch(ctx context.Context, sched *scheduler.Schedule, batch scheduler.ParallelBatch, batches int) (*ExecutionBatch, error) {
	if c.disposed.Load() {
		return nil, ErrDisposed
	}

	tasks := make([]*scheduler.ScheduledTask, 0, len(batch.TaskIDs))
	for _, id := range batch.TaskIDs {
		st, ok := sched.Task(id)
		if !ok {
			return nil, &scheduler.NotFoundError{Kind: "scheduled task", ID: id}
		}
		tasks = append(tasks, &st)
	}

	c.mu.RLock()
	sem := c.batchSem
	strategy := c.cfg.LoadBalancingStrategy
	c.mu.RUnlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for batch slot: %w", err)
	}
	defer sem.Release(1)

	// Feasibility before anything is dispatched
	agents := c.orch.GetAgents()
	plan := c.balancer.planBatch(strategy, agents, tasks)
	if len(plan.unplaced) > 0 {
		err := insufficient(batch, tasks, agents, plan.unplaced)
		c.logger.Warn("batch rejected", "batch_id", batch.BatchID, "error", err)
		return nil, err
	}

	eb := &ExecutionBatch{
		Batch:              batch,
		Executions:         make(map[string]*TaskExecution, len(tasks)),
		ResourceAllocation: plan.allocation,
		Errors:             make(map[string]error),
		StartTime:          time.Now(),
	}
	c.logger.Info("batch started", "batch_id", batch.BatchID, "tasks", len(tasks))

	// Counting and publishing under one lock keeps the events monotonic
	var mu sync.Mutex
	progress := func() {
		mu.Lock()
		defer mu.Unlock()
		ev := events.BatchProgressEvent{BatchID: batch.BatchID, Batches: batches, Total: len(tasks), Timestamp: time.Now()}
		for _, st := range tasks {
			e, ok := eb.Executions[st.Task.ID]
			switch {
			case eb.Errors[st.Task.ID] != nil:
				ev.Failed++
			case !ok:
				ev.Running++
			case e.Status == ExecutionCompleted:
				ev.Completed++
			default:
				ev.Failed++
			}
		}
		c.emit(ev)
	}
	progress()

	// Siblings never cancel each other, so no errgroup context
	var g errgroup.Group
	for _, st := range tasks {
		g.Go(func() error {
			exec, err := c.executeTask(ctx, st, plan.allocation[st.Task.ID])
			mu.Lock()
			if err != nil {
				eb.Errors[st.Task.ID] = err
			} else {
				eb.Executions[st.Task.ID] = exec
			}
			mu.Unlock()
			progress()
			return nil
		})
	}
	_ = g.Wait()

	eb.EndTime = time.Now()
	c.logger.Info("batch finished", "batch_id", batch.BatchID, "succeeded", eb.Succeeded(), "completed", len(eb.Completed()), "tasks", len(tasks))
	return eb, nil
}

func insufficient(batch scheduler.ParallelBatch, tasks []*scheduler.ScheduledTask, agents []agent.Agent, unplaced []string) *InsufficientResourcesError {
	e := &InsufficientResourcesError{BatchID: batch.BatchID, Tasks: len(tasks), Unplaced: unplaced}
	for _, st := range tasks {
		e.Required = e.Required.Add(requirement(st))
	}
	for _, a := range agents {
		if a.Status != agent.StatusIdle {
			continue
		}
		h := a.Headroom()
		e.Available = e.Available.Add(scheduler.ResourceEstimate{MemoryMB: max(0, h.MemoryMB), CPUWeight: max(0, h.CPUWeight)})
		e.Slots += max(0, h.ActiveTasks)
	}
	return e
}
