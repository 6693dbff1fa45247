package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/backend"
	"github.com/aristath/taskmesh/internal/worktree"
)

// handlerFlags choose how a worker carries out a task.
type handlerFlags struct {
	backend      string
	model        string
	provider     string
	systemPrompt string
	dir          string
	dryRunScale  time.Duration

	worktree      bool
	baseBranch    string
	mergeStrategy string
	sweep         bool
}

func (h *handlerFlags) register(cmd *cobra.Command) {
	kinds := make([]string, 0, len(backend.Kinds()))
	for _, k := range backend.Kinds() {
		kinds = append(kinds, string(k))
	}
	cmd.Flags().StringVar(&h.backend, "backend", "", "AI coding CLI to prompt with each task ("+strings.Join(kinds, ", ")+")")
	cmd.Flags().StringVar(&h.model, "model", "", "backend model override")
	cmd.Flags().StringVar(&h.provider, "provider", "", "goose: local LLM provider")
	cmd.Flags().StringVar(&h.systemPrompt, "system-prompt", "", "backend system prompt")
	cmd.Flags().StringVar(&h.dir, "dir", "", "working directory for the backend or command")
	cmd.Flags().DurationVar(&h.dryRunScale, "dry-run-scale", 100*time.Millisecond, "simulated time per estimated hour when dry-running")
	cmd.Flags().BoolVar(&h.worktree, "worktree", false, "run each task in its own git worktree of --dir and merge the result")
	cmd.Flags().StringVar(&h.baseBranch, "base-branch", "main", "worktree: branch to fork from and merge into")
	cmd.Flags().StringVar(&h.mergeStrategy, "merge-strategy", "", "worktree: resolve conflicts with ours or theirs instead of failing the task")
	cmd.Flags().BoolVar(&h.sweep, "sweep-worktrees", false, "worktree: remove leftover task worktrees on startup (only with one worker per repository)")
}

// build returns the handler for the flags and trailing command args.
func (h *handlerFlags) build(ctx context.Context, args []string, pm *agent.ProcessManager, logger *slog.Logger) (agent.HandlerFunc, error) {
	if h.backend != "" && len(args) > 0 {
		return nil, errors.New("--backend and a command are mutually exclusive")
	}
	if !h.worktree {
		return h.handlerIn(h.dir, args, pm)
	}

	repo := h.dir
	if repo == "" {
		repo = "."
	}
	m, err := worktree.NewManager(worktree.Config{
		RepoPath:   repo,
		BaseBranch: h.baseBranch,
		Strategy:   h.mergeStrategy,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if h.sweep {
		if err := m.Sweep(ctx); err != nil {
			return nil, err
		}
	}
	return worktree.Isolate(m, func(dir string) (agent.HandlerFunc, error) {
		return h.handlerIn(dir, args, pm)
	}), nil
}

// handlerIn returns the handler that works inside dir.
func (h *handlerFlags) handlerIn(dir string, args []string, pm *agent.ProcessManager) (agent.HandlerFunc, error) {
	switch {
	case h.backend != "":
		return backend.Handler(backend.Config{
			Kind:         backend.Kind(h.backend),
			Dir:          dir,
			Model:        h.model,
			Provider:     h.provider,
			SystemPrompt: h.systemPrompt,
		}, pm)
	case len(args) > 0:
		return commandHandler(pm, agent.Command{Path: args[0], Args: args[1:], Dir: dir}), nil
	default:
		return dryRunHandler(h.dryRunScale), nil
	}
}

// commandHandler runs c for each payload, forwarding its PARTIAL updates.
func commandHandler(pm *agent.ProcessManager, c agent.Command) agent.HandlerFunc {
	return func(ctx context.Context, p agent.TaskPayload, progress agent.ProgressFunc) (string, error) {
		final := agent.RunTaskCommand(ctx, pm, c, p, func(m agent.StatusMessage) {
			if m.Status == agent.ResponsePartial {
				progress(m.Progress(), m.Message)
			}
		})
		if final.Status != agent.ResponseDone {
			return final.Message, fmt.Errorf("%s", final.Error)
		}
		return final.Message, nil
	}
}
