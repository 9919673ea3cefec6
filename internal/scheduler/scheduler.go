package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/agent"
	"github.com/swarmlet/coordinator/internal/breaker"
	"github.com/swarmlet/coordinator/internal/events"
)

// Options configures retry behavior for the scheduler.
type Options struct {
	MaxRetries int           // total attempts per task before terminal failure
	RetryDelay time.Duration // initial re-queue delay, doubled per attempt with jitter
}

// DefaultOptions returns the default scheduler options.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// TaskScheduler assigns, completes, fails and cancels tasks. It owns a
// DependencyGraph instance and enforces per-agent task sets. All mutation
// happens under a single mutex; ordering invariants rely on it.
type TaskScheduler struct {
	mu   sync.Mutex
	bus  *events.Bus
	log  *zap.Logger
	opts Options

	graph      *DependencyGraph
	tasks      map[string]*ScheduledTask
	agents     map[string]agent.Profile
	agentTasks map[string]map[string]struct{} // agentID -> task ids

	retryTimers   map[string]*time.Timer
	retryPolicies map[string]*backoff.ExponentialBackOff

	// onTaskDone is invoked after a task reaches completed or failed,
	// before events are published, with s.mu held. Implementations must
	// not call back into the scheduler's locking methods.
	onTaskDone func(st *ScheduledTask, duration time.Duration, success bool)

	closed bool
}

// NewTaskScheduler creates a scheduler publishing to bus.
func NewTaskScheduler(bus *events.Bus, log *zap.Logger, opts Options) *TaskScheduler {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultOptions().RetryDelay
	}
	return &TaskScheduler{
		bus:           bus,
		log:           log,
		opts:          opts,
		graph:         NewDependencyGraph(),
		tasks:         make(map[string]*ScheduledTask),
		agents:        make(map[string]agent.Profile),
		agentTasks:    make(map[string]map[string]struct{}),
		retryTimers:   make(map[string]*time.Timer),
		retryPolicies: make(map[string]*backoff.ExponentialBackOff),
	}
}

// RegisterAgent makes an agent eligible for task assignment.
func (s *TaskScheduler) RegisterAgent(p agent.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[p.ID] = p
	if _, ok := s.agentTasks[p.ID]; !ok {
		s.agentTasks[p.ID] = make(map[string]struct{})
	}
}

// UnregisterAgent removes an agent. Its in-flight tasks are left to the
// caller, who typically follows up with CancelAgentTasks or
// RescheduleAgentTasks.
func (s *TaskScheduler) UnregisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

// Agents returns the registered agent profiles sorted by id.
func (s *TaskScheduler) Agents() []agent.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Profile, 0, len(s.agents))
	for _, p := range s.agents {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AssignTask schedules a task on an agent. Rejects duplicate task ids and
// insertions that would create a dependency cycle. Tasks with unmet
// dependencies are held pending and dispatched when their dependencies
// complete; tasks whose dependencies are already completed start at once.
func (s *TaskScheduler) AssignTask(t *Task, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.tasks[t.ID]; dup {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	if _, ok := s.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	s.graph.AddTask(t.ID, t.Dependencies)
	if cycles := s.graph.DetectCycles(); len(cycles) > 0 {
		s.graph.RemoveTask(t.ID)
		return &DependencyError{TaskID: t.ID, Reason: fmt.Sprintf("insertion creates cycle %v", cycles[0])}
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = StatusPending

	st := &ScheduledTask{Task: t, AgentID: agentID}
	s.tasks[t.ID] = st
	s.agentTasks[agentID][t.ID] = struct{}{}

	if s.graph.IsTaskReady(t.ID) {
		s.startLocked(st)
	} else {
		s.log.Debug("task held pending on dependencies",
			zap.String("task", t.ID),
			zap.Strings("dependencies", t.Dependencies))
	}
	return nil
}

// startLocked transitions a task to running and publishes task:assigned.
func (s *TaskScheduler) startLocked(st *ScheduledTask) {
	st.Task.Status = StatusRunning
	st.Task.AssignedAgent = st.AgentID
	st.LastAttempt = time.Now()
	s.bus.Publish(events.TopicTask, events.TaskAssignedEvent{
		TaskID:    st.Task.ID,
		TaskType:  st.Task.Type,
		AgentID:   st.AgentID,
		Timestamp: st.LastAttempt,
	})
}

// CompleteTask marks a task completed, unblocks dependents and removes the
// task from its agent's set. Completing an already-terminal task is a no-op.
func (s *TaskScheduler) CompleteTask(taskID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if st.Task.Status.Terminal() {
		return nil
	}

	now := time.Now()
	st.Task.Status = StatusCompleted
	st.Task.Result = result
	st.Task.Progress = 100
	st.Task.CompletedAt = now
	s.detachLocked(st)

	duration := now.Sub(st.Task.CreatedAt)
	if !st.LastAttempt.IsZero() {
		duration = now.Sub(st.LastAttempt)
	}
	if s.onTaskDone != nil {
		s.onTaskDone(st, duration, true)
	}

	newlyReady := s.graph.MarkCompleted(taskID)

	s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		TaskID:    taskID,
		TaskType:  st.Task.Type,
		AgentID:   st.AgentID,
		Duration:  duration,
		Timestamp: now,
	})

	for _, readyID := range newlyReady {
		if next, ok := s.tasks[readyID]; ok && next.Task.Status == StatusPending {
			s.startLocked(next)
		}
	}
	return nil
}

// FailTask records a failure. Retryable failures below the attempt limit
// are re-queued with exponential backoff; otherwise the task fails
// terminally and cancellation cascades to all transitive dependents.
// Circuit-breaker rejections are fast failures: they are never retried and
// do not consume an attempt.
func (s *TaskScheduler) FailTask(taskID string, taskErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if st.Task.Status.Terminal() {
		return nil
	}

	// Both breaker rejections short-circuit without running the task, so
	// neither consumes an attempt.
	fastFail := errors.Is(taskErr, breaker.ErrOpen) || errors.Is(taskErr, breaker.ErrTooManyProbes)
	if !fastFail {
		st.Attempts++
	}
	st.LastAttempt = time.Now()

	if !fastFail && st.Attempts < s.opts.MaxRetries && retryable(taskErr) {
		st.Task.Status = StatusReady
		delay := s.nextRetryDelayLocked(taskID)
		s.log.Info("task re-queued after failure",
			zap.String("task", taskID),
			zap.Int("attempt", st.Attempts),
			zap.Duration("delay", delay),
			zap.Error(taskErr))
		s.retryTimers[taskID] = time.AfterFunc(delay, func() { s.redispatch(taskID) })
		return nil
	}

	now := time.Now()
	st.Task.Status = StatusFailed
	st.Task.Err = taskErr
	st.Task.CompletedAt = now
	s.detachLocked(st)

	if s.onTaskDone != nil {
		s.onTaskDone(st, now.Sub(st.Task.CreatedAt), false)
	}

	cascade := s.graph.MarkFailed(taskID)

	s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
		TaskID:    taskID,
		TaskType:  st.Task.Type,
		AgentID:   st.AgentID,
		Err:       taskErr,
		Attempts:  st.Attempts,
		Timestamp: now,
	})

	s.cancelCascadeLocked(cascade, fmt.Sprintf("dependency %s failed", taskID))
	return nil
}

// retryable classifies a failure. Dependency errors and cancelled contexts
// never retry; everything else is treated as transient.
func retryable(err error) bool {
	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// nextRetryDelayLocked computes the backoff delay for the task's next
// attempt, creating the per-task policy on first use.
func (s *TaskScheduler) nextRetryDelayLocked(taskID string) time.Duration {
	policy, ok := s.retryPolicies[taskID]
	if !ok {
		policy = backoff.NewExponentialBackOff()
		policy.InitialInterval = s.opts.RetryDelay
		policy.MaxInterval = 30 * time.Second
		policy.MaxElapsedTime = 0 // attempt count is bounded by MaxRetries
		s.retryPolicies[taskID] = policy
	}
	d := policy.NextBackOff()
	if d == backoff.Stop {
		d = s.opts.RetryDelay
	}
	return d
}

// redispatch re-starts a re-queued task, unless it reached a terminal state
// (e.g., cancelled by a dependency cascade) while waiting.
func (s *TaskScheduler) redispatch(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.retryTimers, taskID)
	if s.closed {
		return
	}
	st, ok := s.tasks[taskID]
	if !ok || st.Task.Status != StatusReady {
		return
	}
	s.startLocked(st)
}

// CancelTask force-cancels a task and cascades cancellation to all
// transitive dependents. Cancelling an already-terminal task is a no-op.
// For running tasks only bookkeeping is updated; stopping actual execution
// is the agent executor's responsibility.
func (s *TaskScheduler) CancelTask(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if st.Task.Status.Terminal() {
		return nil
	}

	s.cancelOneLocked(st, reason)
	cascade := s.graph.MarkFailed(taskID)
	s.cancelCascadeLocked(cascade, fmt.Sprintf("dependency %s cancelled", taskID))
	return nil
}

// CancelAgentTasks cancels every non-terminal task attached to the agent,
// cascading to dependents. Used on agent loss. Returns the number of tasks
// cancelled directly.
func (s *TaskScheduler) CancelAgentTasks(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.agentTasks[agentID]))
	for id := range s.agentTasks[agentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cancelled := 0
	for _, id := range ids {
		st, ok := s.tasks[id]
		if !ok || st.Task.Status.Terminal() {
			continue
		}
		s.cancelOneLocked(st, "agent lost")
		cancelled++
		s.cancelCascadeLocked(s.graph.MarkFailed(id), fmt.Sprintf("dependency %s cancelled", id))
	}
	return cancelled
}

func (s *TaskScheduler) cancelOneLocked(st *ScheduledTask, reason string) {
	if timer, ok := s.retryTimers[st.Task.ID]; ok {
		timer.Stop()
		delete(s.retryTimers, st.Task.ID)
	}
	st.Task.Status = StatusCancelled
	st.Task.CompletedAt = time.Now()
	s.detachLocked(st)
	s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
		TaskID:    st.Task.ID,
		Reason:    reason,
		Timestamp: st.Task.CompletedAt,
	})
}

func (s *TaskScheduler) cancelCascadeLocked(taskIDs []string, reason string) {
	for _, id := range taskIDs {
		st, ok := s.tasks[id]
		if !ok || st.Task.Status.Terminal() {
			continue
		}
		s.cancelOneLocked(st, reason)
	}
}

// detachLocked removes the task from its agent's set.
func (s *TaskScheduler) detachLocked(st *ScheduledTask) {
	if set, ok := s.agentTasks[st.AgentID]; ok {
		delete(set, st.Task.ID)
	}
}

// RescheduleAgentTasks moves an agent's in-flight tasks to other eligible
// agents without losing dependency state. Used after deadlock resolution or
// agent failure. Tasks with no capable target remain on the original agent.
func (s *TaskScheduler) RescheduleAgentTasks(agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.agentTasks[agentID]))
	for id := range s.agentTasks[agentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	moved := 0
	var lastErr error
	for _, id := range ids {
		st, ok := s.tasks[id]
		if !ok || st.Task.Status.Terminal() {
			continue
		}
		target, ok := s.leastLoadedLocked(st.Task.RequiredCapabilities, agentID)
		if !ok {
			lastErr = fmt.Errorf("%w for task %s", ErrNoEligibleAgent, id)
			continue
		}
		s.moveLocked(st, target)
		moved++
	}
	return moved, lastErr
}

// Reassign moves one task from one agent to another. Only tasks that have
// reported no progress are movable; the work-stealing coordinator relies on
// this to pick the least disruptive tasks.
func (s *TaskScheduler) Reassign(taskID, fromAgent, toAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if st.AgentID != fromAgent {
		return fmt.Errorf("task %s is not assigned to %s", taskID, fromAgent)
	}
	target, ok := s.agents[toAgent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, toAgent)
	}
	if !target.HasCapabilities(st.Task.RequiredCapabilities) {
		return fmt.Errorf("agent %s lacks capabilities for task %s", toAgent, taskID)
	}
	if st.Task.Status.Terminal() || st.Task.Progress > 0 {
		return fmt.Errorf("task %s is not movable", taskID)
	}

	s.moveLocked(st, toAgent)
	return nil
}

func (s *TaskScheduler) moveLocked(st *ScheduledTask, toAgent string) {
	s.detachLocked(st)
	st.AgentID = toAgent
	st.Task.AssignedAgent = toAgent
	if _, ok := s.agentTasks[toAgent]; !ok {
		s.agentTasks[toAgent] = make(map[string]struct{})
	}
	s.agentTasks[toAgent][st.Task.ID] = struct{}{}
	if st.Task.Status == StatusRunning {
		// Dependents are unaffected; re-announce the assignment.
		s.bus.Publish(events.TopicTask, events.TaskAssignedEvent{
			TaskID:    st.Task.ID,
			TaskType:  st.Task.Type,
			AgentID:   toAgent,
			Timestamp: time.Now(),
		})
	}
}

// leastLoadedLocked picks the registered agent with the fewest assigned
// tasks that covers the required capabilities, excluding one agent id.
// Ties break by lexical agent id.
func (s *TaskScheduler) leastLoadedLocked(required []string, exclude string) (string, bool) {
	best := ""
	bestLoad := 0
	for id, p := range s.agents {
		if id == exclude || !p.HasCapabilities(required) {
			continue
		}
		load := len(s.agentTasks[id])
		if best == "" || load < bestLoad || (load == bestLoad && id < best) {
			best = id
			bestLoad = load
		}
	}
	return best, best != ""
}

// UpdateProgress records agent-reported execution progress (0-100).
func (s *TaskScheduler) UpdateProgress(taskID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if st.Task.Status.Terminal() {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	st.Task.Progress = progress
	return nil
}

// Task returns a copy of the scheduled task's current state.
func (s *TaskScheduler) Task(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(st.Task), true
}

// MovableTasks returns ids of the agent's tasks that have reported no
// progress and are not terminal, sorted by id.
func (s *TaskScheduler) MovableTasks(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id := range s.agentTasks[agentID] {
		st, ok := s.tasks[id]
		if !ok || st.Task.Status.Terminal() || st.Task.Progress > 0 {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AgentTaskCount returns the number of tasks currently attached to an agent.
func (s *TaskScheduler) AgentTaskCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agentTasks[agentID])
}

// Counts is an aggregate snapshot of task states.
type Counts struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// Snapshot returns aggregate task counts.
func (s *TaskScheduler) Snapshot() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	c.Total = len(s.tasks)
	for _, st := range s.tasks {
		switch st.Task.Status {
		case StatusPending:
			c.Pending++
		case StatusReady:
			c.Ready++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Graph exposes the scheduler's dependency graph for read-side queries
// (cycle reports, critical path).
func (s *TaskScheduler) Graph() *DependencyGraph {
	return s.graph
}

// PruneTerminal drops terminal tasks older than the retention window from
// the in-memory maps and the graph. A pruned task's graph node (and its
// completed-set entry) is kept while a live task still depends on it, so
// pending dependents keep their readiness bookkeeping; the node goes once
// its last live dependent is pruned. Called from periodic maintenance.
func (s *TaskScheduler) PruneTerminal(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	pruned := 0
	for id, st := range s.tasks {
		if !st.Task.Status.Terminal() || st.Task.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.tasks, id)
		delete(s.retryPolicies, id)
		s.detachLocked(st)
		pruned++
	}

	// Sweep graph nodes with no live task behind them. A node kept in an
	// earlier pass for a then-live dependent becomes removable here once
	// that dependent is gone too.
	for _, id := range s.graph.Nodes() {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		live := false
		for _, depID := range s.graph.Dependents(id) {
			if _, ok := s.tasks[depID]; ok {
				live = true
				break
			}
		}
		if !live {
			s.graph.RemoveTask(id)
		}
	}
	return pruned
}

// Stop cancels pending retry timers. The scheduler accepts no new
// dispatches afterwards.
func (s *TaskScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
}
