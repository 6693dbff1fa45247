package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

var (
	// ErrUnavailable means the agent is offline or reported busy.
	ErrUnavailable = errors.New("agent unavailable")
	// ErrInsufficientCapacity means the agent lacks headroom for the request.
	ErrInsufficientCapacity = errors.New("agent capacity exceeded")
)

// Registry is the thread-safe table of known agents. Usage counters are only
// changed through Reserve and Release so acquire/release pairs stay atomic.
type Registry struct {
	mu              sync.RWMutex
	agents          map[string]*Agent
	generations     map[string]uint64 // Bumped each time an ID is registered anew
	nextGeneration  uint64
	order           []string // Registration order
	defaultCapacity Capacity
	now             func() time.Time
}

// NewRegistry creates an empty registry. A zero defaultCapacity uses DefaultCapacity().
func NewRegistry(defaultCapacity Capacity) *Registry {
	if defaultCapacity.IsZero() {
		defaultCapacity = DefaultCapacity()
	}
	return &Registry{
		agents:          make(map[string]*Agent),
		generations:     make(map[string]uint64),
		defaultCapacity: defaultCapacity,
		now:             time.Now,
	}
}

// Register adds an agent, or refreshes it if the ID is already known.
// Re-registration updates the heartbeat (and name/capacity when given) and
// never resets usage, so in-flight reservations stay consistent.
// Returns the stored agent and whether it was newly created.
func (r *Registry) Register(a Agent) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.agents[a.ID]; ok {
		if a.Name != "" {
			existing.Name = a.Name
		}
		if !a.Capacity.IsZero() {
			existing.Capacity = a.Capacity
		}
		if a.Metadata.Capabilities != nil {
			existing.Metadata.Capabilities = append([]string(nil), a.Metadata.Capabilities...)
		}
		existing.Metadata.LastHeartbeat = now
		if existing.Status == StatusOffline {
			existing.Status = StatusIdle
		}
		r.deriveStatusLocked(existing)
		return existing.Clone(), false
	}

	stored := a.Clone()
	if stored.Name == "" {
		stored.Name = stored.ID
	}
	if stored.Capacity.IsZero() {
		stored.Capacity = r.defaultCapacity
	}
	if stored.Status == "" {
		stored.Status = StatusIdle
	}
	if stored.Metadata.RegisteredAt.IsZero() {
		stored.Metadata.RegisteredAt = now
	}
	if stored.Metadata.LastHeartbeat.IsZero() {
		stored.Metadata.LastHeartbeat = now
	}
	if stored.Metadata.TotalTasksExecuted == 0 && stored.Metadata.SuccessRate == 0 {
		stored.Metadata.SuccessRate = 1
	}
	r.deriveStatusLocked(&stored)

	r.agents[stored.ID] = &stored
	r.nextGeneration++
	r.generations[stored.ID] = r.nextGeneration
	r.order = append(r.order, stored.ID)
	return stored.Clone(), true
}

// Contact records traffic from an agent session, registering it with default
// capacity on first contact.
func (r *Registry) Contact(id, name string) Agent {
	a, _ := r.Register(Agent{ID: id, Name: name})
	return a
}

// Unregister removes an agent. Reservations held against it are dropped and
// their Release calls become no-ops, even after the ID registers again.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return &scheduler.NotFoundError{Kind: "agent", ID: id}
	}
	delete(r.agents, id)
	delete(r.generations, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.Clone(), true
}

// Agents returns copies of all agents in registration order.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].Clone())
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// UpdateHeartbeat refreshes an agent's heartbeat and applies its reported status.
// An empty status keeps the current one (bringing offline agents back to idle).
func (r *Registry) UpdateHeartbeat(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return &scheduler.NotFoundError{Kind: "agent", ID: id}
	}
	a.Metadata.LastHeartbeat = r.now()
	switch status {
	case StatusOffline, StatusBusy:
		a.Status = status
	default:
		a.Status = StatusIdle
		r.deriveStatusLocked(a)
	}
	return nil
}

// Reservation is a claim made by Reserve. It is bound to the registration it
// was made against.
type Reservation struct {
	AgentID    string
	Request    scheduler.ResourceEstimate
	generation uint64
}

// Reserve atomically claims one task slot plus req on the agent.
func (r *Registry) Reserve(id string, req scheduler.ResourceEstimate) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return Reservation{}, &scheduler.NotFoundError{Kind: "agent", ID: id}
	}
	if a.Status != StatusIdle {
		return Reservation{}, fmt.Errorf("agent %q is %s: %w", id, a.Status, ErrUnavailable)
	}
	if !a.Fits(req) {
		return Reservation{}, fmt.Errorf("agent %q cannot fit %dMB/%.2f cpu: %w", id, req.MemoryMB, req.CPUWeight, ErrInsufficientCapacity)
	}

	a.CurrentUsage.ActiveTasks++
	a.CurrentUsage.MemoryMB += req.MemoryMB
	a.CurrentUsage.CPUWeight += req.CPUWeight
	r.deriveStatusLocked(a)
	return Reservation{AgentID: id, Request: req, generation: r.generations[id]}, nil
}

// holderLocked returns the agent res was made against, or nil when that
// registration is gone.
func (r *Registry) holderLocked(res Reservation) *Agent {
	a, ok := r.agents[res.AgentID]
	if !ok || r.generations[res.AgentID] != res.generation {
		return nil
	}
	return a
}

// Release returns a reservation made by Reserve. Reservations on agents that
// were unregistered since are ignored.
func (r *Registry) Release(res Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.holderLocked(res)
	if a == nil {
		return
	}
	a.CurrentUsage.ActiveTasks = max(0, a.CurrentUsage.ActiveTasks-1)
	a.CurrentUsage.MemoryMB = max(0, a.CurrentUsage.MemoryMB-res.Request.MemoryMB)
	a.CurrentUsage.CPUWeight = max(0, a.CurrentUsage.CPUWeight-res.Request.CPUWeight)
	r.deriveStatusLocked(a)
}

// RecordExecution folds one finished execution into the history of the agent
// that held res.
func (r *Registry) RecordExecution(res Reservation, duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.holderLocked(res)
	if a == nil {
		return
	}
	m := &a.Metadata
	n := m.TotalTasksExecuted
	m.AverageExecutionTime = (m.AverageExecutionTime*time.Duration(n) + duration) / time.Duration(n+1)
	m.TotalTasksExecuted = n + 1
	if success {
		m.SuccessfulTasks++
	}
	m.SuccessRate = float64(m.SuccessfulTasks) / float64(m.TotalTasksExecuted)
}

// MarkStale sets every agent whose heartbeat is older than threshold to offline.
// Returns the IDs that changed.
func (r *Registry) MarkStale(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var changed []string
	for _, id := range r.order {
		a := r.agents[id]
		if a.Status == StatusOffline {
			continue
		}
		if now.Sub(a.Metadata.LastHeartbeat) > threshold {
			a.Status = StatusOffline
			changed = append(changed, id)
		}
	}
	return changed
}

// deriveStatusLocked flips between idle and busy based on free task slots.
// Offline is sticky until a heartbeat or re-registration.
func (r *Registry) deriveStatusLocked(a *Agent) {
	if a.Status == StatusOffline {
		return
	}
	if a.CurrentUsage.ActiveTasks >= a.Capacity.MaxConcurrentTasks {
		a.Status = StatusBusy
	} else if a.Status == StatusBusy {
		a.Status = StatusIdle
	}
}
