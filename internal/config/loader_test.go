package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/taskmesh/internal/orchestrator"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		global        string
		project       string
		expectAgents  int
		checkAgent    string
		expectName    string
		expectRetries int
		expectTimeout time.Duration
		expectChannel string
		expectError   bool
	}{
		{
			name:          "No config files - returns defaults",
			expectAgents:  1,
			expectRetries: 3,
			expectTimeout: 60 * time.Minute,
			expectChannel: ChannelLocal,
		},
		{
			name:          "Global only - adds agent and overrides retries",
			global:        `{"agents": {"builder": {"name": "Builder"}}, "execution": {"max_retry_attempts": 5}}`,
			expectAgents:  2,
			checkAgent:    "builder",
			expectName:    "Builder",
			expectRetries: 5,
			expectTimeout: 60 * time.Minute,
			expectChannel: ChannelLocal,
		},
		{
			name:          "Project overrides global - project wins",
			global:        `{"agents": {"builder": {"name": "Global"}}, "execution": {"task_timeout": "30m"}}`,
			project:       `{"agents": {"builder": {"name": "Project"}}, "execution": {"task_timeout": 900}}`,
			expectAgents:  2,
			checkAgent:    "builder",
			expectName:    "Project",
			expectRetries: 3,
			expectTimeout: 15 * time.Minute,
			expectChannel: ChannelLocal,
		},
		{
			name:          "Mailbox channel",
			project:       `{"channel": {"type": "mailbox", "mailbox_path": "/tmp/mb.db"}}`,
			expectAgents:  1,
			expectRetries: 3,
			expectTimeout: 60 * time.Minute,
			expectChannel: ChannelMailbox,
		},
		{
			name:        "Unknown strategy",
			project:     `{"execution": {"load_balancing_strategy": "random"}}`,
			expectError: true,
		},
		{
			name:        "Process channel without commands",
			project:     `{"channel": {"type": "process"}}`,
			expectError: true,
		},
		{
			name:        "Bad duration",
			global:      `{"execution": {"task_timeout": "soon"}}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			globalPath, projectPath := "", ""
			if tt.global != "" {
				globalPath = writeFile(t, tmpDir, "global.json", tt.global)
			}
			if tt.project != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := len(cfg.Agents); got != tt.expectAgents {
				t.Errorf("agents count = %d, want %d", got, tt.expectAgents)
			}
			if tt.checkAgent != "" {
				a, exists := cfg.Agents[tt.checkAgent]
				if !exists {
					t.Fatalf("expected agent %q not found", tt.checkAgent)
				}
				if a.Name != tt.expectName {
					t.Errorf("agent %q name = %q, want %q", tt.checkAgent, a.Name, tt.expectName)
				}
			}
			if cfg.Execution.MaxRetryAttempts != tt.expectRetries {
				t.Errorf("max retries = %d, want %d", cfg.Execution.MaxRetryAttempts, tt.expectRetries)
			}
			if got := time.Duration(cfg.Execution.TaskTimeout); got != tt.expectTimeout {
				t.Errorf("task timeout = %s, want %s", got, tt.expectTimeout)
			}
			if cfg.Channel.Type != tt.expectChannel {
				t.Errorf("channel = %q, want %q", cfg.Channel.Type, tt.expectChannel)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()
	globalPath := writeFile(t, tmpDir, "global.json", "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if _, ok := cfg.Agents["local"]; !ok {
		t.Errorf("default agent missing: %v", cfg.Agents)
	}
}

// TestCoordinatorConfig verifies the conversion to coordinator settings.
func TestCoordinatorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.LoadBalancingStrategy = "least_loaded"
	cfg.Execution.PollInterval = Duration(time.Second)

	got := cfg.CoordinatorConfig()
	want := orchestrator.DefaultExecutionConfig()
	want.LoadBalancingStrategy = orchestrator.LeastLoaded
	want.PollInterval = time.Second
	if got != want {
		t.Errorf("CoordinatorConfig() = %+v\nwant %+v", got, want)
	}

	if m := cfg.MonitorSettings(); m != orchestrator.DefaultMonitorConfig() {
		t.Errorf("MonitorSettings() = %+v", m)
	}
}

// TestStaticAgents verifies agents come back sorted with their capacity and command.
func TestStaticAgents(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "config.json", `{
		"channel": {"type": "process"},
		"agents": {
			"local": {"command": ["true"]},
			"b": {"command": ["worker", "--fast"], "dir": "/work", "capacity": {"max_memory_mb": 2048, "max_cpu_weight": 2, "max_concurrent_tasks": 1}},
			"a": {"command": ["worker"], "capabilities": ["go"]}
		}
	}`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	agents := cfg.StaticAgents()
	if len(agents) != 3 || agents[0].ID != "a" || agents[1].ID != "b" || agents[2].ID != "local" {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[1].Capacity.MaxMemoryMB != 2048 || agents[1].Capacity.MaxConcurrentTasks != 1 {
		t.Errorf("capacity = %+v", agents[1].Capacity)
	}
	if !agents[0].Capacity.IsZero() {
		t.Errorf("agent without capacity should use the registry default, got %+v", agents[0].Capacity)
	}
	if len(agents[0].Metadata.Capabilities) != 1 {
		t.Errorf("capabilities = %v", agents[0].Metadata.Capabilities)
	}

	cmd, ok := cfg.AgentCommand("b")
	if !ok || cmd.Path != "worker" || len(cmd.Args) != 1 || cmd.Args[0] != "--fast" || cmd.Dir != "/work" {
		t.Errorf("AgentCommand(b) = %+v, %v", cmd, ok)
	}
	if _, ok := cfg.AgentCommand("missing"); ok {
		t.Error("unknown agent should have no command")
	}
}
