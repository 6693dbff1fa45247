package orchestrator

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// RunReport summarizes a whole-schedule run.
type RunReport struct {
	ProjectID string
	Batches   []*ExecutionBatch
	Completed []string
	Failed    []string
	Blocked   []string // Skipped because a hard dependency did not complete
	Cancelled []string
	Duration  time.Duration
}

// Succeeded reports whether every scheduled task completed.
func (r *RunReport) Succeeded() bool {
	return len(r.Failed) == 0 && len(r.Blocked) == 0 && len(r.Cancelled) == 0
}

// RunSchedule executes the batches of sched in order. A batch starts only
// after the previous one is terminal; tasks whose hard dependencies did not
// complete are marked blocked and skipped. A nil sched runs the current schedule.
//
// The returned report covers everything that ran, including when the error
// is non-nil.
func (c *Coordinator) RunSchedule(ctx context.Context, sched *scheduler.Schedule) (*RunReport, error) {
	if sched == nil {
		sched = c.scheduler.CurrentSchedule()
		if sched == nil {
			return nil, ErrNoSchedule
		}
	}

	start := time.Now()
	report := &RunReport{ProjectID: sched.ProjectID()}
	done := make(map[string]bool, sched.Len())
	batches := sched.Batches()

	c.logger.Info("schedule run started", "project_id", sched.ProjectID(), "batches", len(batches), "tasks", sched.Len())
	defer func() {
		report.Duration = time.Since(start)
		c.logger.Info("schedule run finished",
			"project_id", report.ProjectID,
			"completed", len(report.Completed),
			"failed", len(report.Failed),
			"blocked", len(report.Blocked),
			"cancelled", len(report.Cancelled),
			"duration", report.Duration)
	}()

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			report.skipRemaining(batches[i:], done)
			return report, err
		}

		runnable := scheduler.ParallelBatch{
			BatchID:           batch.BatchID,
			EstimatedDuration: batch.EstimatedDuration,
		}
		for _, id := range batch.TaskIDs {
			st, _ := sched.Task(id)
			switch {
			case c.taskStatus(st.Task) == scheduler.TaskCompleted:
				done[id] = true
				report.Completed = append(report.Completed, id)
			case !allDone(sched, st.HardDependencies, done):
				c.blockTask(st.Task)
				report.Blocked = append(report.Blocked, id)
			default:
				runnable.TaskIDs = append(runnable.TaskIDs, id)
				runnable.ResourceRequirements = runnable.ResourceRequirements.Add(requirement(&st))
			}
		}
		if len(runnable.TaskIDs) == 0 {
			continue
		}
		runnable.CanRunInParallel = len(runnable.TaskIDs) > 1

		eb, err := c.executeBatch(ctx, sched, runnable, len(batches))
		if err != nil {
			report.skipRemaining(batches[i:], done)
			return report, err
		}
		report.Batches = append(report.Batches, eb)

		for _, id := range runnable.TaskIDs {
			e, ok := eb.Executions[id]
			switch {
			case !ok:
				report.Failed = append(report.Failed, id)
			case e.Status == ExecutionCompleted:
				done[id] = true
				report.Completed = append(report.Completed, id)
			case e.Status == ExecutionCancelled:
				report.Cancelled = append(report.Cancelled, id)
			default:
				report.Failed = append(report.Failed, id)
			}
		}
	}
	return report, nil
}

// skipRemaining records tasks of batches that never ran as cancelled.
func (r *RunReport) skipRemaining(rest []scheduler.ParallelBatch, done map[string]bool) {
	for _, b := range rest {
		for _, id := range b.TaskIDs {
			if done[id] || slices.Contains(r.Blocked, id) {
				continue
			}
			if slices.Contains(r.Completed, id) {
				continue
			}
			r.Cancelled = append(r.Cancelled, id)
		}
	}
}

func (c *Coordinator) taskStatus(t *scheduler.AtomicTask) scheduler.TaskStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return t.Status
}

func (c *Coordinator) blockTask(t *scheduler.AtomicTask) {
	c.mu.Lock()
	t.Status = scheduler.TaskBlocked
	c.mu.Unlock()
	c.logger.Warn("task blocked by failed dependency", "task_id", t.ID, "dependencies", t.Dependencies)
}

// allDone treats dependencies outside the schedule as satisfied; the
// scheduler only admits those when they were already completed.
func allDone(sched *scheduler.Schedule, ids []string, done map[string]bool) bool {
	for _, id := range ids {
		if _, scheduled := sched.Task(id); scheduled && !done[id] {
			return false
		}
	}
	return true
}

// IsInsufficientResources reports whether err came from batch feasibility.
func IsInsufficientResources(err error) bool {
	var e *InsufficientResourcesError
	return errors.As(err, &e)
}
