package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Strategy selects an agent for a task among eligible candidates.
type Strategy string

const (
	RoundRobin    Strategy = "round_robin"
	LeastLoaded   Strategy = "least_loaded"
	PriorityBased Strategy = "priority_based"
	ResourceAware Strategy = "resource_aware"
)

// ParseStrategy validates a strategy name. Empty selects ResourceAware.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return ResourceAware, nil
	case RoundRobin, LeastLoaded, PriorityBased, ResourceAware:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown load balancing strategy %q", s)
}

// balancer holds the round-robin cursor; the other strategies are stateless.
type balancer struct {
	mu   sync.Mutex
	last string // ID of the last round-robin pick
}

// pick chooses an agent from the registration-ordered list. Only agents that
// are idle with headroom for req are considered.
func (b *balancer) pick(strategy Strategy, agents []agent.Agent, task *scheduler.AtomicTask, req scheduler.ResourceEstimate) (agent.Agent, bool) {
	switch strategy {
	case RoundRobin:
		return b.roundRobin(agents, req)
	case LeastLoaded:
		return leastLoaded(agents, req)
	case PriorityBased:
		if task != nil && (task.Priority == scheduler.PriorityCritical || task.Priority == scheduler.PriorityHigh) {
			return mostReliable(agents, req)
		}
		return leastLoaded(agents, req)
	default:
		return resourceAware(agents, req)
	}
}

func (b *balancer) roundRobin(agents []agent.Agent, req scheduler.ResourceEstimate) (agent.Agent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(agents)
	start := -1
	for i, a := range agents {
		if a.ID == b.last {
			start = i
			break
		}
	}
	for i := 1; i <= n; i++ {
		a := agents[(start+i+n)%n]
		if a.Eligible(req) {
			b.last = a.ID
			return a, true
		}
	}
	return agent.Agent{}, false
}

// eligible filters agents, keeping registration order.
func eligible(agents []agent.Agent, req scheduler.ResourceEstimate) []agent.Agent {
	out := make([]agent.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Eligible(req) {
			out = append(out, a)
		}
	}
	return out
}

func byLoad(candidates []agent.Agent) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].CurrentUsage, candidates[j].CurrentUsage
		if a.ActiveTasks != b.ActiveTasks {
			return a.ActiveTasks < b.ActiveTasks
		}
		return a.MemoryMB < b.MemoryMB
	})
}

func leastLoaded(agents []agent.Agent, req scheduler.ResourceEstimate) (agent.Agent, bool) {
	candidates := eligible(agents, req)
	if len(candidates) == 0 {
		return agent.Agent{}, false
	}
	byLoad(candidates)
	return candidates[0], true
}

func mostReliable(agents []agent.Agent, req scheduler.ResourceEstimate) (agent.Agent, bool) {
	candidates := eligible(agents, req)
	if len(candidates) == 0 {
		return agent.Agent{}, false
	}
	byLoad(candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Metadata.SuccessRate > candidates[j].Metadata.SuccessRate
	})
	return candidates[0], true
}

func resourceAware(agents []agent.Agent, req scheduler.ResourceEstimate) (agent.Agent, bool) {
	var (
		best      agent.Agent
		bestScore float64
		found     bool
	)
	for _, a := range agents {
		if !a.Eligible(req) {
			continue
		}
		if s := headroomScore(a, req); !found || s > bestScore {
			best, bestScore, found = a, s, true
		}
	}
	return best, found
}

// headroomScore sums the fraction of each capacity dimension left after
// assigning req. Higher means more room.
func headroomScore(a agent.Agent, req scheduler.ResourceEstimate) float64 {
	h := a.Headroom()
	var score float64
	if a.Capacity.MaxMemoryMB > 0 {
		score += float64(h.MemoryMB-req.MemoryMB) / float64(a.Capacity.MaxMemoryMB)
	}
	if a.Capacity.MaxCPUWeight > 0 {
		score += (h.CPUWeight - req.CPUWeight) / a.Capacity.MaxCPUWeight
	}
	if a.Capacity.MaxConcurrentTasks > 0 {
		score += float64(h.ActiveTasks-1) / float64(a.Capacity.MaxConcurrentTasks)
	}
	return score
}

// placement is a simulated assignment of tasks onto agent headroom.
type placement struct {
	allocation map[string]string
	unplaced   []string
}

// planBatch assigns every task to an agent without touching the registry.
// It first follows strategy, so the plan matches what dispatch would pick, and
// falls back to first-fit decreasing when the strategy's greedy choice strands a task.
func (b *balancer) planBatch(strategy Strategy, agents []agent.Agent, tasks []*scheduler.ScheduledTask) placement {
	sorted := append([]*scheduler.ScheduledTask(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := requirement(sorted[i]), requirement(sorted[j])
		if ri.MemoryMB != rj.MemoryMB {
			return ri.MemoryMB > rj.MemoryMB
		}
		return ri.CPUWeight > rj.CPUWeight
	})

	sim := &balancer{last: b.currentCursor()}
	if p := simulate(agents, sorted, func(pool []agent.Agent, st *scheduler.ScheduledTask) (agent.Agent, bool) {
		return sim.pick(strategy, pool, st.Task, requirement(st))
	}); len(p.unplaced) == 0 {
		return p
	}
	return simulate(agents, sorted, func(pool []agent.Agent, st *scheduler.ScheduledTask) (agent.Agent, bool) {
		for _, a := range pool {
			if a.Eligible(requirement(st)) {
				return a, true
			}
		}
		return agent.Agent{}, false
	})
}

func (b *balancer) currentCursor() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func simulate(agents []agent.Agent, tasks []*scheduler.ScheduledTask, choose func([]agent.Agent, *scheduler.ScheduledTask) (agent.Agent, bool)) placement {
	pool := make([]agent.Agent, len(agents))
	for i, a := range agents {
		pool[i] = a.Clone()
	}
	index := make(map[string]int, len(pool))
	for i, a := range pool {
		index[a.ID] = i
	}

	p := placement{allocation: make(map[string]string, len(tasks))}
	for _, st := range tasks {
		a, ok := choose(pool, st)
		if !ok {
			p.unplaced = append(p.unplaced, st.Task.ID)
			continue
		}
		req := requirement(st)
		u := &pool[index[a.ID]].CurrentUsage
		u.ActiveTasks++
		u.MemoryMB += req.MemoryMB
		u.CPUWeight += req.CPUWeight
		p.allocation[st.Task.ID] = a.ID
	}
	sort.Strings(p.unplaced)
	return p
}
