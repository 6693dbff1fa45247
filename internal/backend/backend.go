// Package backend runs tasks on AI coding CLIs. Each task becomes a prompt;
// retries of an execution resume the CLI session of the earlier attempt.
package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Kind names a supported CLI.
type Kind string

const (
	Claude Kind = "claude"
	Codex  Kind = "codex"
	Goose  Kind = "goose"
)

// Config selects and tunes the CLI a worker drives.
type Config struct {
	Kind         Kind
	Binary       string // Defaults to the kind's name on PATH
	Dir          string
	Model        string
	Provider     string // Goose local LLMs (e.g., "ollama", "lmstudio", "llama.cpp")
	SystemPrompt string
}

// cli knows one tool's flags and output format.
type cli interface {
	args(cfg Config, prompt string, s session) []string
	// parse returns the reply and the session to resume next time.
	parse(stdout []byte, s session) (string, session, error)
}

// session is the CLI conversation an execution is bound to.
type session struct {
	id      string
	started bool
}

var clis = map[Kind]cli{
	Claude: claudeCLI{},
	Codex:  codexCLI{},
	Goose:  gooseCLI{},
}

// Kinds lists the supported CLIs.
func Kinds() []Kind {
	return []Kind{Claude, Codex, Goose}
}

// Handler returns a worker handler that prompts the configured CLI with each
// task. pm may be nil.
func Handler(cfg Config, pm *agent.ProcessManager) (agent.HandlerFunc, error) {
	tool, ok := clis[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Kind)
	}
	if cfg.Binary == "" {
		cfg.Binary = string(cfg.Kind)
	}

	var (
		mu       sync.Mutex
		sessions = make(map[string]session) // execution ID -> CLI session
	)

	return func(ctx context.Context, p agent.TaskPayload, progress agent.ProgressFunc) (string, error) {
		if p.Task == nil {
			return "", fmt.Errorf("execution %s carries no task", p.ExecutionID)
		}
		mu.Lock()
		s, ok := sessions[p.ExecutionID]
		mu.Unlock()
		if !ok {
			s = newSession(cfg.Kind, p.ExecutionID)
		}

		progress(-1, fmt.Sprintf("prompting %s (attempt %d)", cfg.Kind, p.Attempt))
		stdout, _, err := agent.RunCommand(ctx, pm, agent.Command{
			Path: cfg.Binary,
			Args: tool.args(cfg, Prompt(p.Task, p.Attempt), s),
			Dir:  cfg.Dir,
		}, nil)
		if err != nil {
			if len(stdout) > 0 {
				_, next, _ := tool.parse(stdout, s)
				mu.Lock()
				sessions[p.ExecutionID] = next
				mu.Unlock()
			}
			return "", err
		}

		reply, next, err := tool.parse(stdout, s)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			// Keep what was learned so a retry can resume
			sessions[p.ExecutionID] = next
			return string(stdout), err
		}
		delete(sessions, p.ExecutionID)
		return reply, nil
	}, nil
}

func newSession(kind Kind, executionID string) session {
	switch kind {
	case Claude:
		// Execution IDs are UUIDs, which Claude accepts as session IDs
		return session{id: executionID}
	case Goose:
		short := executionID
		if len(short) > 8 {
			short = short[:8]
		}
		return session{id: "taskmesh-" + short}
	default:
		// Codex assigns the thread ID on first contact
		return session{}
	}
}

// Prompt renders a task as instructions for a coding agent.
func Prompt(t *scheduler.AtomicTask, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
	if attempt > 1 {
		fmt.Fprintf(&b, "\nThis is attempt %d. The previous attempt failed; pick up where it left off.\n", attempt)
	}
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", title)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	section("Files", t.FilePaths)
	section("Acceptance criteria", t.AcceptanceCriteria)
	section("Testing requirements", t.TestingRequirements)
	section("Quality criteria", t.QualityCriteria)
	return b.String()
}
