package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// LockMode selects shared (read) or exclusive (write) access to a resource.
type LockMode int

const (
	LockExclusive LockMode = iota // Default: one holder, no readers
	LockShared                    // Many readers, no writer
)

func (m LockMode) String() string {
	if m == LockShared {
		return "shared"
	}
	return "exclusive"
}

type resourceState struct {
	exclusive string              // Holder with exclusive access, if any
	shared    map[string]struct{} // Holders with shared access
}

// AccessManager arbitrates shared and exclusive locks over named resources,
// primarily file paths. A set of paths is granted all-or-nothing, so holders
// never deadlock waiting on each other's partial acquisitions.
type AccessManager struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	wake      chan struct{} // Closed and replaced whenever a lock is released
}

// NewAccessManager creates a new AccessManager.
func NewAccessManager() *AccessManager {
	return &AccessManager{
		resources: make(map[string]*resourceState),
		wake:      make(chan struct{}),
	}
}

// Lease is a granted set of locks. Release is idempotent.
type Lease struct {
	mgr    *AccessManager
	holder string
	paths  []string
	mode   LockMode
	once   sync.Once
}

// Holder returns the holder ID the lease was granted to.
func (l *Lease) Holder() string { return l.holder }

// Paths returns the normalized resources covered by the lease.
func (l *Lease) Paths() []string { return cloneStrings(l.paths) }

// Mode returns the lease's lock mode.
func (l *Lease) Mode() LockMode { return l.mode }

// Release gives the locks back. Safe to call more than once and on a nil lease.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.mgr.release(l)
	})
}

// normalizePaths cleans, dedupes and sorts resource names.
func normalizePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TryAcquire grants all paths immediately or nothing.
func (m *AccessManager) TryAcquire(holder string, paths []string, mode LockMode) (*Lease, bool) {
	norm := normalizePaths(paths)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.grantableLocked(holder, norm, mode) {
		return nil, false
	}
	return m.grantLocked(holder, norm, mode), true
}

// Acquire blocks until all paths can be granted together or ctx is done.
// Exclusive acquisition waits for every other holder of a path to release it.
func (m *AccessManager) Acquire(ctx context.Context, holder string, paths []string, mode LockMode) (*Lease, error) {
	norm := normalizePaths(paths)

	for {
		m.mu.Lock()
		if m.grantableLocked(holder, norm, mode) {
			lease := m.grantLocked(holder, norm, mode)
			m.mu.Unlock()
			return lease, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquiring %s locks for %q: %w", mode, holder, ctx.Err())
		case <-wake:
		}
	}
}

// WithLocks runs fn while holding the locks and releases them on every exit path.
func (m *AccessManager) WithLocks(ctx context.Context, holder string, paths []string, mode LockMode, fn func() error) error {
	lease, err := m.Acquire(ctx, holder, paths, mode)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn()
}

func (m *AccessManager) grantableLocked(holder string, paths []string, mode LockMode) bool {
	for _, p := range paths {
		st, ok := m.resources[p]
		if !ok {
			continue
		}
		if st.exclusive != "" && st.exclusive != holder {
			return false
		}
		if mode == LockExclusive {
			for h := range st.shared {
				if h != holder {
					return false
				}
			}
		}
	}
	return true
}

func (m *AccessManager) grantLocked(holder string, paths []string, mode LockMode) *Lease {
	for _, p := range paths {
		st, ok := m.resources[p]
		if !ok {
			st = &resourceState{shared: make(map[string]struct{})}
			m.resources[p] = st
		}
		if mode == LockExclusive {
			st.exclusive = holder
		} else {
			st.shared[holder] = struct{}{}
		}
	}
	return &Lease{mgr: m, holder: holder, paths: paths, mode: mode}
}

func (m *AccessManager) release(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range l.paths {
		st, ok := m.resources[p]
		if !ok {
			continue
		}
		if l.mode == LockExclusive {
			if st.exclusive == l.holder {
				st.exclusive = ""
			}
		} else {
			delete(st.shared, l.holder)
		}
		if st.exclusive == "" && len(st.shared) == 0 {
			delete(m.resources, p)
		}
	}
	m.broadcastLocked()
}

func (m *AccessManager) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// Holders reports who holds a resource.
func (m *AccessManager) Holders(path string) (exclusive string, shared []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.resources[filepath.Clean(path)]
	if !ok {
		return "", nil
	}
	for h := range st.shared {
		shared = append(shared, h)
	}
	sort.Strings(shared)
	return st.exclusive, shared
}

// LockedResources returns the number of resources currently held.
func (m *AccessManager) LockedResources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// ClearAllLocks drops every lock and wakes all waiters. Outstanding leases become
// no-ops on release. Intended for tests and operator recovery only.
func (m *AccessManager) ClearAllLocks() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resources = make(map[string]*resourceState)
	m.broadcastLocked()
}
