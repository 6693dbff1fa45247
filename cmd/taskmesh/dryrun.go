package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
)

// dryRunHandler pretends to work on a task for scale per estimated hour,
// reporting progress halfway.
func dryRunHandler(scale time.Duration) agent.HandlerFunc {
	return func(ctx context.Context, p agent.TaskPayload, progress agent.ProgressFunc) (string, error) {
		d := time.Duration(p.Task.EstimatedHours * float64(scale))
		for i, step := range []int{50, 100} {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d / 2):
			}
			if i == 0 {
				progress(step, "working on "+p.Task.ID)
			}
		}
		return fmt.Sprintf("dry run of %s (attempt %d)", p.Task.ID, p.Attempt), nil
	}
}
