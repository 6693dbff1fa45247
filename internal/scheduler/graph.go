package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// DependencyKind classifies why one task depends on another.
type DependencyKind string

const (
	DependencyTask     DependencyKind = "task"     // Logical ordering between tasks
	DependencyResource DependencyKind = "resource" // Tasks touch the same resource
)

// Dependency is a directed edge: From depends on To.
// A hard edge blocks From until To completes; a soft edge is advisory.
type Dependency struct {
	From   string         `json:"from" yaml:"from"`
	To     string         `json:"to" yaml:"to"`
	Kind   DependencyKind `json:"kind" yaml:"kind"`
	Weight float64        `json:"weight" yaml:"weight"`
	Hard   bool           `json:"hard" yaml:"hard"`
}

// DependencyGraph holds tasks and the dependency edges between them.
// The subgraph of hard edges is kept acyclic at all times.
type DependencyGraph struct {
	mu      sync.RWMutex
	tasks   map[string]*AtomicTask           // All tasks indexed by ID
	order   map[string]int                   // Insertion order, used for tie-breaking
	edges   map[string]map[string]Dependency // from -> to -> edge
	reverse map[string]map[string]struct{}   // to -> set of from
	seq     int
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		tasks:   make(map[string]*AtomicTask),
		order:   make(map[string]int),
		edges:   make(map[string]map[string]Dependency),
		reverse: make(map[string]map[string]struct{}),
	}
}

// BuildGraph adds every task and a hard task edge for each entry in its Dependencies.
func BuildGraph(tasks []*AtomicTask) (*DependencyGraph, error) {
	g := NewDependencyGraph()
	for _, t := range tasks {
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}
	for _, t := range tasks {
		for _, depID := range t.Dependencies {
			if err := g.AddDependency(t.ID, depID, DependencyTask, 1, true); err != nil {
				return nil, fmt.Errorf("task %q: %w", t.ID, err)
			}
		}
	}
	return g, nil
}

// AddTask adds a task to the graph. Returns error if the task ID already exists.
func (g *DependencyGraph) AddTask(task *AtomicTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have an ID")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	g.tasks[task.ID] = task
	g.order[task.ID] = g.seq
	g.seq++
	return nil
}

// AddDependency records that from depends on to. Adding an existing edge replaces it,
// except that a soft edge never replaces a hard one: the hard edge is kept as is.
// A hard edge that would close a cycle among hard edges is rejected with *CycleError
// and the graph is left unchanged.
func (g *DependencyGraph) AddDependency(from, to string, kind DependencyKind, weight float64, hard bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[from]; !ok {
		return &NotFoundError{Kind: "task", ID: from}
	}
	if _, ok := g.tasks[to]; !ok {
		return &NotFoundError{Kind: "task", ID: to}
	}
	if kind == "" {
		kind = DependencyTask
	}

	if existing, ok := g.edges[from][to]; ok && existing.Hard && !hard {
		return nil
	}
	dep := Dependency{From: from, To: to, Kind: kind, Weight: weight, Hard: hard}

	if hard {
		if from == to {
			return &CycleError{From: from, To: to, Path: []string{from, from}}
		}
		edges := g.hardEdgesLocked()
		edges = append(edges, toposort.Edge{to, from})
		if _, err := toposort.Toposort(edges); err != nil {
			return &CycleError{From: from, To: to, Path: g.cyclePathLocked(from, to)}
		}
	}

	if g.edges[from] == nil {
		g.edges[from] = make(map[string]Dependency)
	}
	g.edges[from][to] = dep
	if g.reverse[to] == nil {
		g.reverse[to] = make(map[string]struct{})
	}
	g.reverse[to][from] = struct{}{}
	return nil
}

// hardEdgesLocked builds toposort edges (prerequisite first) for all hard dependencies.
// Tasks without hard dependencies get an edge from nil so they are included.
func (g *DependencyGraph) hardEdgesLocked() []toposort.Edge {
	var edges []toposort.Edge
	for id := range g.tasks {
		hasHard := false
		for to, dep := range g.edges[id] {
			if dep.Hard {
				edges = append(edges, toposort.Edge{to, id})
				hasHard = true
			}
		}
		if !hasHard {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}
	return edges
}

// cyclePathLocked returns the cycle that a hard edge from -> to would close:
// from, to, ..., from following existing hard edges.
func (g *DependencyGraph) cyclePathLocked(from, to string) []string {
	visited := make(map[string]bool)
	var path []string

	var walk func(id string) bool
	walk = func(id string) bool {
		path = append(path, id)
		if id == from {
			return true
		}
		visited[id] = true
		for _, next := range g.sortedTargetsLocked(id, true) {
			if !visited[next] && walk(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if !walk(to) {
		return nil
	}
	return append([]string{from}, path...)
}

// sortedTargetsLocked returns the IDs id depends on, in insertion order.
func (g *DependencyGraph) sortedTargetsLocked(id string, hardOnly bool) []string {
	out := make([]string, 0, len(g.edges[id]))
	for to, dep := range g.edges[id] {
		if hardOnly && !dep.Hard {
			continue
		}
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return g.order[out[i]] < g.order[out[j]] })
	return out
}

// Validate runs topological sort over the hard edges using gammazero/toposort.
// Returns ordered task IDs or error if a cycle is detected.
func (g *DependencyGraph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sorted, err := toposort.Toposort(g.hardEdgesLocked())
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}
	return order, nil
}

// GetExecutionBatches groups task IDs by topological depth under hard edges.
// Each batch holds every task whose hard prerequisites all lie in earlier batches.
// Within a batch tasks are ordered by priority (highest first), then insertion order.
func (g *DependencyGraph) GetExecutionBatches() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		for _, dep := range g.edges[id] {
			if dep.Hard {
				indegree[id]++
			}
		}
	}

	var current []string
	for id := range g.tasks {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	var batches [][]string
	placed := 0
	for len(current) > 0 {
		g.sortBatchLocked(current)
		batches = append(batches, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for from := range g.reverse[id] {
				if !g.edges[from][id].Hard {
					continue
				}
				indegree[from]--
				if indegree[from] == 0 {
					next = append(next, from)
				}
			}
		}
		current = next
	}

	if placed != len(g.tasks) {
		return nil, fmt.Errorf("graph contains a hard dependency cycle: %d of %d tasks unreachable", len(g.tasks)-placed, len(g.tasks))
	}
	return batches, nil
}

func (g *DependencyGraph) sortBatchLocked(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := g.tasks[ids[i]].Priority.Rank(), g.tasks[ids[j]].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return g.order[ids[i]] < g.order[ids[j]]
	})
}

// HardDependencies returns the IDs a task must wait for, in insertion order.
func (g *DependencyGraph) HardDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedTargetsLocked(taskID, true)
}

// Dependencies returns all edges leaving taskID (what it depends on).
func (g *DependencyGraph) Dependencies(taskID string) []Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Dependency, 0, len(g.edges[taskID]))
	for _, to := range g.sortedTargetsLocked(taskID, false) {
		out = append(out, g.edges[taskID][to])
	}
	return out
}

// Dependents returns all edges pointing at taskID (who depends on it).
func (g *DependencyGraph) Dependents(taskID string) []Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	froms := make([]string, 0, len(g.reverse[taskID]))
	for from := range g.reverse[taskID] {
		froms = append(froms, from)
	}
	sort.Slice(froms, func(i, j int) bool { return g.order[froms[i]] < g.order[froms[j]] })

	out := make([]Dependency, 0, len(froms))
	for _, from := range froms {
		out = append(out, g.edges[from][taskID])
	}
	return out
}

// Edges returns every edge ordered by source then target insertion order.
func (g *DependencyGraph) Edges() []Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Dependency
	for _, from := range g.idsLocked() {
		for _, to := range g.sortedTargetsLocked(from, false) {
			out = append(out, g.edges[from][to])
		}
	}
	return out
}

// DetectResourceConflicts adds a soft resource edge between every pair of tasks
// that declare a common file path and are not already connected. The later task
// depends on the earlier one; the weight is the number of shared paths.
func (g *DependencyGraph) DetectResourceConflicts() []Dependency {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := g.idsLocked()
	var added []Dependency
	for i := 0; i < len(ids); i++ {
		paths := make(map[string]struct{}, len(g.tasks[ids[i]].FilePaths))
		for _, p := range g.tasks[ids[i]].FilePaths {
			paths[p] = struct{}{}
		}
		for j := i + 1; j < len(ids); j++ {
			shared := 0
			for _, p := range g.tasks[ids[j]].FilePaths {
				if _, ok := paths[p]; ok {
					shared++
				}
			}
			if shared == 0 {
				continue
			}
			from, to := ids[j], ids[i]
			if _, ok := g.edges[from][to]; ok {
				continue
			}
			if _, ok := g.edges[to][from]; ok {
				continue
			}
			dep := Dependency{From: from, To: to, Kind: DependencyResource, Weight: float64(shared)}
			if g.edges[from] == nil {
				g.edges[from] = make(map[string]Dependency)
			}
			g.edges[from][to] = dep
			if g.reverse[to] == nil {
				g.reverse[to] = make(map[string]struct{})
			}
			g.reverse[to][from] = struct{}{}
			added = append(added, dep)
		}
	}
	return added
}

// CriticalPath returns the longest chain of hard dependencies measured in
// estimated hours, prerequisites first, and its total length.
func (g *DependencyGraph) CriticalPath() ([]string, float64, error) {
	batches, err := g.GetExecutionBatches()
	if err != nil {
		return nil, 0, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	dist := make(map[string]float64, len(g.tasks))
	prev := make(map[string]string, len(g.tasks))
	var end string
	best := -1.0
	for _, batch := range batches {
		for _, id := range batch {
			longest := 0.0
			for _, to := range g.sortedTargetsLocked(id, true) {
				if prev[id] == "" || dist[to] > longest {
					longest = dist[to]
					prev[id] = to
				}
			}
			dist[id] = longest + g.tasks[id].EstimatedHours
			if dist[id] > best {
				best = dist[id]
				end = id
			}
		}
	}

	if end == "" {
		return nil, 0, nil
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, best, nil
}

// Get returns a copy of the task by ID.
func (g *DependencyGraph) Get(taskID string) (*AtomicTask, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return task.Clone(), true
}

// Has reports whether the graph contains taskID.
func (g *DependencyGraph) Has(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.tasks[taskID]
	return ok
}

// Tasks returns copies of all tasks in insertion order.
func (g *DependencyGraph) Tasks() []*AtomicTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.idsLocked()
	tasks := make([]*AtomicTask, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, g.tasks[id].Clone())
	}
	return tasks
}

// Len returns the number of tasks.
func (g *DependencyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

func (g *DependencyGraph) idsLocked() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.order[ids[i]] < g.order[ids[j]] })
	return ids
}

// String renders the batches for debugging, e.g. "[A B] -> [C]".
func (g *DependencyGraph) String() string {
	batches, err := g.GetExecutionBatches()
	if err != nil {
		return "<cyclic graph>"
	}
	parts := make([]string, len(batches))
	for i, b := range batches {
		parts[i] = "[" + strings.Join(b, " ") + "]"
	}
	return strings.Join(parts, " -> ")
}
