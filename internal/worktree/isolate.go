package worktree

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/taskmesh/internal/agent"
)

// HandlerFactory builds the handler that does a task's work inside dir.
type HandlerFactory func(dir string) (agent.HandlerFunc, error)

// Isolate runs each payload in a fresh worktree. Successful work is committed
// and merged into the base branch; the worktree is always removed afterwards.
// A merge conflict fails the attempt, so a retry starts over from the updated
// base branch.
func Isolate(m *Manager, build HandlerFactory) agent.HandlerFunc {
	return func(ctx context.Context, p agent.TaskPayload, progress agent.ProgressFunc) (string, error) {
		wt, err := m.Create(ctx, p.Task.ID, fmt.Sprintf("%s-%d", shortID(p.ExecutionID), p.Attempt))
		if err != nil {
			return "", err
		}
		log := m.logger.With("task_id", p.Task.ID, "execution_id", p.ExecutionID, "branch", wt.Branch)
		defer func() {
			if err := m.Remove(context.WithoutCancel(ctx), wt); err != nil {
				log.Warn("failed to remove worktree", "error", err)
			}
		}()

		handler, err := build(wt.Path)
		if err != nil {
			return "", err
		}
		out, err := handler(ctx, p, progress)
		if err != nil {
			return out, err
		}

		committed, err := m.Commit(ctx, wt, fmt.Sprintf("%s: %s", p.Task.ID, p.Task.Title))
		if err != nil {
			return out, err
		}
		if !committed {
			log.Info("task made no changes")
			return out, nil
		}
		if err := m.Merge(ctx, wt); err != nil {
			return out, err
		}
		log.Info("task merged")
		return out, nil
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
