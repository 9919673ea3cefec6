// Package resource arbitrates exclusive access to named resources.
// Grants are strictly ordered by (priority desc, arrival asc) per resource;
// at most one agent holds a resource at any instant.
package resource

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/events"
)

var (
	// ErrNotHolder is returned when releasing a resource the agent does
	// not hold.
	ErrNotHolder = errors.New("resource not held by agent")
	// ErrAcquireTimeout is returned when a queued acquire exceeds the
	// configured resource timeout.
	ErrAcquireTimeout = errors.New("resource acquire timed out")
	// ErrAlreadyQueued is returned when an agent that already holds or
	// waits for the resource acquires it again; queue entries are unique
	// per agent.
	ErrAlreadyQueued = errors.New("agent already holds or waits for resource")
)

// LockError wraps resource locking failures with their subject.
type LockError struct {
	ResourceID string
	AgentID    string
	Err        error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("resource %q, agent %q: %v", e.ResourceID, e.AgentID, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// waiter is one queued acquire request.
type waiter struct {
	agentID  string
	priority int
	enqueued time.Time
	seq      uint64
	done     chan error // receives nil on grant, an error on abort
	index    int        // heap index, -1 once removed
}

// waitQueue orders waiters by priority descending, then arrival ascending.
// The monotonic sequence number disambiguates equal timestamps.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].enqueued.Equal(q[j].enqueued) {
		return q[i].enqueued.Before(q[j].enqueued)
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// resourceState tracks one resource's holder and wait queue.
type resourceState struct {
	id     string
	holder string
	queue  waitQueue
}

// WaitingRequest describes one queued acquire, for wait-for graph
// construction and diagnostics.
type WaitingRequest struct {
	AgentID  string
	Priority int
	Since    time.Time
}

// Manager grants exclusive resource locks with priority wait queues.
// It runs no deadlock detection itself; Allocations and WaitingRequests
// expose the state the coordination manager builds its wait-for graph from.
type Manager struct {
	mu      sync.Mutex
	bus     *events.Bus
	log     *zap.Logger
	timeout time.Duration

	resources map[string]*resourceState
	held      map[string]map[string]struct{} // agentID -> resource ids
	seq       uint64

	timedOut uint64 // counter for metrics
}

// NewManager creates a resource manager. timeout bounds every queued
// acquire; zero or negative values default to 30s.
func NewManager(bus *events.Bus, log *zap.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		bus:       bus,
		log:       log,
		timeout:   timeout,
		resources: make(map[string]*resourceState),
		held:      make(map[string]map[string]struct{}),
	}
}

// Acquire grants the resource immediately if free, otherwise queues the
// request by (priority desc, arrival asc) and blocks until granted, the
// context is cancelled, or the resource timeout elapses. Timeouts fail
// with a LockError wrapping ErrAcquireTimeout.
func (m *Manager) Acquire(ctx context.Context, resourceID, agentID string, priority int) error {
	m.mu.Lock()

	state := m.resources[resourceID]
	if state == nil {
		state = &resourceState{id: resourceID}
		m.resources[resourceID] = state
	}

	if state.holder == agentID {
		m.mu.Unlock()
		return &LockError{ResourceID: resourceID, AgentID: agentID, Err: ErrAlreadyQueued}
	}
	for _, w := range state.queue {
		if w.agentID == agentID {
			m.mu.Unlock()
			return &LockError{ResourceID: resourceID, AgentID: agentID, Err: ErrAlreadyQueued}
		}
	}

	if state.holder == "" {
		m.grantLocked(state, agentID)
		m.mu.Unlock()
		return nil
	}

	m.seq++
	w := &waiter{
		agentID:  agentID,
		priority: priority,
		enqueued: time.Now(),
		seq:      m.seq,
		done:     make(chan error, 1),
	}
	heap.Push(&state.queue, w)
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		if err != nil {
			return &LockError{ResourceID: resourceID, AgentID: agentID, Err: err}
		}
		return nil
	case <-ctx.Done():
		if m.withdraw(state, w) {
			return &LockError{ResourceID: resourceID, AgentID: agentID, Err: ctx.Err()}
		}
		// Granted while we were cancelling; hand the lock back.
		_ = m.Release(resourceID, agentID)
		return &LockError{ResourceID: resourceID, AgentID: agentID, Err: ctx.Err()}
	case <-timer.C:
		if m.withdraw(state, w) {
			m.mu.Lock()
			m.timedOut++
			m.mu.Unlock()
			return &LockError{ResourceID: resourceID, AgentID: agentID, Err: ErrAcquireTimeout}
		}
		// Grant raced the timer; keep the lock.
		return nil
	}
}

// withdraw removes a waiter from the queue. Returns false when the waiter
// was already granted or aborted.
func (m *Manager) withdraw(state *resourceState, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.index < 0 {
		return false
	}
	heap.Remove(&state.queue, w.index)
	return true
}

// grantLocked makes agentID the holder and publishes resource:acquired.
func (m *Manager) grantLocked(state *resourceState, agentID string) {
	state.holder = agentID
	if _, ok := m.held[agentID]; !ok {
		m.held[agentID] = make(map[string]struct{})
	}
	m.held[agentID][state.id] = struct{}{}
	m.bus.Publish(events.TopicResource, events.ResourceAcquiredEvent{
		ResourceID: state.id,
		AgentID:    agentID,
		Timestamp:  time.Now(),
	})
}

// Release frees the resource and grants the highest-priority waiter, if
// any, atomically with respect to other acquire/release calls on the same
// resource. Releasing a resource the agent does not hold fails.
func (m *Manager) Release(resourceID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(resourceID, agentID)
}

func (m *Manager) releaseLocked(resourceID, agentID string) error {
	state := m.resources[resourceID]
	if state == nil || state.holder != agentID {
		return &LockError{ResourceID: resourceID, AgentID: agentID, Err: ErrNotHolder}
	}

	delete(m.held[agentID], resourceID)
	state.holder = ""
	m.bus.Publish(events.TopicResource, events.ResourceReleasedEvent{
		ResourceID: resourceID,
		AgentID:    agentID,
		Timestamp:  time.Now(),
	})

	if state.queue.Len() > 0 {
		next := heap.Pop(&state.queue).(*waiter)
		m.grantLocked(state, next.agentID)
		next.done <- nil
	}
	return nil
}

// ReleaseAllForAgent releases every resource the agent holds and aborts its
// queued acquires. Used on agent termination or deadlock resolution to
// avoid orphaned locks. Returns the released resource ids. The reverse
// index makes this O(resources held) rather than a full scan; queued
// waiters still need one pass over the queues the agent could be in.
func (m *Manager) ReleaseAllForAgent(agentID string, reason error) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.held[agentID]))
	for resourceID := range m.held[agentID] {
		ids = append(ids, resourceID)
	}
	sort.Strings(ids)
	for _, resourceID := range ids {
		_ = m.releaseLocked(resourceID, agentID)
	}

	if reason == nil {
		reason = ErrNotHolder
	}
	for _, state := range m.resources {
		m.abortWaiterLocked(state, agentID, reason)
	}
	return ids
}

// AbortWaiter cancels one agent's pending acquire on a resource, failing it
// with the given reason. Used by deadlock resolution. Returns false if the
// agent was not waiting.
func (m *Manager) AbortWaiter(resourceID, agentID string, reason error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.resources[resourceID]
	if state == nil {
		return false
	}
	return m.abortWaiterLocked(state, agentID, reason)
}

func (m *Manager) abortWaiterLocked(state *resourceState, agentID string, reason error) bool {
	for _, w := range state.queue {
		if w.agentID == agentID {
			heap.Remove(&state.queue, w.index)
			w.done <- reason
			return true
		}
	}
	return false
}

// Allocations returns the current resource -> holder map.
func (m *Manager) Allocations() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	for id, state := range m.resources {
		if state.holder != "" {
			out[id] = state.holder
		}
	}
	return out
}

// WaitingRequests returns the queued requests per resource, in grant order.
func (m *Manager) WaitingRequests() map[string][]WaitingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]WaitingRequest)
	for id, state := range m.resources {
		if state.queue.Len() == 0 {
			continue
		}
		snapshot := make(waitQueue, len(state.queue))
		copy(snapshot, state.queue)
		sort.Sort(snapshot)
		reqs := make([]WaitingRequest, 0, len(snapshot))
		for _, w := range snapshot {
			reqs = append(reqs, WaitingRequest{AgentID: w.agentID, Priority: w.priority, Since: w.enqueued})
		}
		out[id] = reqs
	}
	return out
}

// HeldBy returns the resource ids currently held by the agent, sorted.
func (m *Manager) HeldBy(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.held[agentID]))
	for id := range m.held[agentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QueuedWaiters returns the total number of queued acquires.
func (m *Manager) QueuedWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, state := range m.resources {
		n += state.queue.Len()
	}
	return n
}

// TimedOutTotal returns how many acquires have failed on timeout.
func (m *Manager) TimedOutTotal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timedOut
}

// PerformMaintenance purges waiters that exceeded the resource timeout,
// failing their acquires, and drops empty resource records. Each waiter's
// own timer normally fires first; this is the safety net for abandoned
// requests. Returns the number of purged waiters.
func (m *Manager) PerformMaintenance() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.timeout)
	purged := 0
	for id, state := range m.resources {
		// Snapshot first: heap.Remove reshuffles the slice, so removing
		// while scanning could skip an unvisited expired waiter.
		var expired []*waiter
		for _, w := range state.queue {
			if w.enqueued.Before(cutoff) {
				expired = append(expired, w)
			}
		}
		for _, w := range expired {
			heap.Remove(&state.queue, w.index)
			w.done <- ErrAcquireTimeout
			m.timedOut++
			purged++
		}
		if state.holder == "" && state.queue.Len() == 0 {
			delete(m.resources, id)
		}
	}
	if purged > 0 {
		m.log.Warn("purged expired resource waiters", zap.Int("count", purged))
	}
	return purged
}
