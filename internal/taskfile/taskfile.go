// Package taskfile reads task sets from YAML: the atomic tasks of a project
// plus any dependency edges beyond each task's own dependency list.
package taskfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// Edge is a dependency declared outside a task. Hard defaults to true.
type Edge struct {
	From   string                   `yaml:"from"`
	To     string                   `yaml:"to"`
	Kind   scheduler.DependencyKind `yaml:"kind,omitempty"`
	Weight float64                  `yaml:"weight,omitempty"`
	Hard   *bool                    `yaml:"hard,omitempty"`
}

// TaskSet is the content of one task file.
type TaskSet struct {
	ProjectID string                  `yaml:"project_id"`
	Tasks     []*scheduler.AtomicTask `yaml:"tasks"`
	Edges     []Edge                  `yaml:"edges,omitempty"`

	// DetectConflicts adds soft resource edges between tasks sharing file paths.
	DetectConflicts bool `yaml:"detect_conflicts,omitempty"`
}

// Load reads and validates a task file.
func Load(path string) (*TaskSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	ts, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ts, nil
}

// Parse decodes a task set, rejecting unknown fields, and fills task defaults.
func Parse(data []byte) (*TaskSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var ts TaskSet
	if err := dec.Decode(&ts); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if len(ts.Tasks) == 0 {
		return nil, fmt.Errorf("task file declares no tasks")
	}

	for i, t := range ts.Tasks {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("task #%d has no id", i+1)
		}
		if t.Status == "" {
			t.Status = scheduler.TaskPending
		}
		if t.Priority == "" {
			t.Priority = scheduler.PriorityMedium
		}
		if t.ProjectID == "" {
			t.ProjectID = ts.ProjectID
		}
	}
	return &ts, nil
}

// Graph builds the dependency graph: a hard edge per task dependency, then
// the declared edges, then resource conflicts when enabled.
func (ts *TaskSet) Graph() (*scheduler.DependencyGraph, error) {
	g, err := scheduler.BuildGraph(ts.Tasks)
	if err != nil {
		return nil, err
	}

	for _, e := range ts.Edges {
		hard := e.Hard == nil || *e.Hard
		weight := e.Weight
		if weight == 0 {
			weight = 1
		}
		if err := g.AddDependency(e.From, e.To, e.Kind, weight, hard); err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, err)
		}
	}

	if ts.DetectConflicts {
		g.DetectResourceConflicts()
	}
	return g, nil
}

// Write encodes the task set as YAML.
func (ts *TaskSet) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(ts); err != nil {
		return fmt.Errorf("failed to encode task set: %w", err)
	}
	return enc.Close()
}
