// Package worktree gives each task execution its own git worktree so agents
// working in parallel never share a checkout. Finished work is committed on a
// task branch and merged back into the base branch one task at a time.
package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aristath/taskmesh/internal/agent"
)

// BranchPrefix namespaces the branches Manager creates.
const BranchPrefix = "taskmesh/"

// Config locates the repository and chooses how merges resolve.
type Config struct {
	RepoPath    string // Git repository to branch from and merge into
	BaseBranch  string // Defaults to "main"
	WorktreeDir string // Relative to RepoPath; defaults to ".worktrees"
	// Strategy is passed to `git merge -X` ("ours" or "theirs"). Empty
	// refuses merges that would conflict.
	Strategy string
	Logger   *slog.Logger
}

// Worktree is a checkout owned by one task execution.
type Worktree struct {
	Path   string
	Branch string
	TaskID string
	Head   string
}

// ConflictError reports a task branch that could not merge cleanly.
type ConflictError struct {
	Branch string
	Files  []string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge conflict on %s", e.Branch)
	}
	return fmt.Sprintf("merge conflict on %s in %s", e.Branch, strings.Join(e.Files, ", "))
}

// Manager creates, merges and removes task worktrees.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	mergeMu sync.Mutex // Serializes operations on the main checkout
}

// NewManager creates a manager for cfg.RepoPath.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RepoPath == "" {
		return nil, errors.New("worktree: repository path is required")
	}
	abs, err := filepath.Abs(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	cfg.RepoPath = abs
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	switch cfg.Strategy {
	case "", "ours", "theirs":
	default:
		return nil, fmt.Errorf("worktree: unknown merge strategy %q", cfg.Strategy)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, _, err := agent.RunCommand(ctx, nil, agent.Command{Path: "git", Args: args, Dir: dir}, nil)
	return strings.TrimSpace(string(out)), err
}

// Create checks out a new branch for one attempt at a task from the base
// branch. attempt distinguishes retries and concurrent attempts of one task.
func (m *Manager) Create(ctx context.Context, taskID, attempt string) (*Worktree, error) {
	wt := &Worktree{
		Path:   filepath.Join(m.cfg.RepoPath, m.cfg.WorktreeDir, taskID, attempt),
		Branch: BranchPrefix + taskID + "/" + attempt,
		TaskID: taskID,
	}
	if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", wt.Branch, wt.Path, m.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}
	head, err := m.git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	wt.Head = head
	return wt, nil
}

// Commit stages everything in the worktree and commits it. Reports false when
// there was nothing to commit.
func (m *Manager) Commit(ctx context.Context, wt *Worktree, message string) (bool, error) {
	if _, err := m.git(ctx, wt.Path, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := m.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	if status == "" {
		return false, nil
	}
	if _, err := m.git(ctx, wt.Path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// Merge merges the worktree branch into the base branch. Without a strategy
// a conflicting merge is refused with a *ConflictError and the base branch
// is left untouched.
func (m *Manager) Merge(ctx context.Context, wt *Worktree) error {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	if _, err := m.git(ctx, m.cfg.RepoPath, "checkout", m.cfg.BaseBranch); err != nil {
		return fmt.Errorf("failed to checkout base branch: %w", err)
	}

	if m.cfg.Strategy == "" {
		// Dry-run merge; non-zero exit or CONFLICT lines mean it would not apply cleanly
		out, err := m.git(ctx, m.cfg.RepoPath, "merge-tree", "--write-tree", m.cfg.BaseBranch, wt.Branch)
		if err != nil || strings.Contains(out, "CONFLICT") {
			return &ConflictError{Branch: wt.Branch, Files: conflictFiles(out, err)}
		}
	}

	args := []string{"merge", "--no-ff", "-m", "Merge " + wt.Branch}
	if m.cfg.Strategy != "" {
		args = append(args, "-X", m.cfg.Strategy)
	}
	if _, err := m.git(ctx, m.cfg.RepoPath, append(args, wt.Branch)...); err != nil {
		m.git(context.WithoutCancel(ctx), m.cfg.RepoPath, "merge", "--abort")
		return fmt.Errorf("merge failed: %w", err)
	}
	return nil
}

// conflictFiles pulls file names out of merge-tree output. RunCommand folds
// stderr into err, so both are searched.
func conflictFiles(out string, err error) []string {
	text := out
	if err != nil {
		text += "\n" + err.Error()
	}
	var files []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		// "CONFLICT (content): Merge conflict in <file>"
		if i := strings.LastIndex(line, "Merge conflict in "); i >= 0 && strings.Contains(line, "CONFLICT") {
			files = append(files, strings.TrimSpace(line[i+len("Merge conflict in "):]))
		}
	}
	return files
}

// Remove deletes the worktree and its branch, forcing past uncommitted changes.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	var errs []error
	if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", wt.Path); err != nil {
		errs = append(errs, fmt.Errorf("worktree remove failed: %w", err))
	}
	if _, err := m.git(ctx, m.cfg.RepoPath, "branch", "-D", wt.Branch); err != nil {
		errs = append(errs, fmt.Errorf("branch delete failed: %w", err))
	}
	return errors.Join(errs...)
}

// List returns the task worktrees currently checked out.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var (
		all     []Worktree
		current Worktree
	)
	flush := func() {
		if strings.HasPrefix(current.Branch, BranchPrefix) {
			all = append(all, current)
		}
		current = Worktree{}
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			name := strings.TrimPrefix(current.Branch, BranchPrefix)
			if i := strings.LastIndex(name, "/"); i > 0 {
				name = name[:i]
			}
			current.TaskID = name
		}
	}
	flush()
	return all, nil
}

// Sweep removes task worktrees left behind by a worker that died mid-task
// and prunes stale worktree metadata.
func (m *Manager) Sweep(ctx context.Context) error {
	if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	left, err := m.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i := range left {
		m.logger.Warn("removing leftover worktree", "task_id", left[i].TaskID, "path", left[i].Path)
		if err := m.Remove(ctx, &left[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
