// Package coordination composes the scheduler, resource locks, conflict
// resolution, circuit breakers and work stealing behind one manager.
package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swarmlet/coordinator/internal/agent"
	"github.com/swarmlet/coordinator/internal/breaker"
	"github.com/swarmlet/coordinator/internal/config"
	"github.com/swarmlet/coordinator/internal/conflict"
	"github.com/swarmlet/coordinator/internal/events"
	"github.com/swarmlet/coordinator/internal/metrics"
	"github.com/swarmlet/coordinator/internal/persistence"
	"github.com/swarmlet/coordinator/internal/resource"
	"github.com/swarmlet/coordinator/internal/scheduler"
	"github.com/swarmlet/coordinator/internal/stealing"
)

// ErrNoTransport is returned by SendMessage when no transport was wired in.
var ErrNoTransport = errors.New("no message transport configured")

// progressInterval paces the aggregate progress events.
const progressInterval = time.Second

// Option customizes optional manager wiring.
type Option func(*Manager)

// WithTransport enables agent messaging through the given transport.
func WithTransport(t Transport) Option {
	return func(m *Manager) { m.transport = t }
}

// WithStore archives task, conflict and deadlock history to the store.
func WithStore(s persistence.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics exports prometheus metrics for coordination activity.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// Manager is the coordination facade. It owns the background loops for
// deadlock detection, work stealing, maintenance and progress reporting.
type Manager struct {
	cfg *config.Config
	bus *events.Bus
	log *zap.Logger

	scheduler  *scheduler.AdvancedTaskScheduler
	resources  *resource.Manager
	optimistic *resource.OptimisticLockManager
	conflicts  *conflict.Resolver
	breakers   *breaker.Manager
	stealer    *stealing.Coordinator

	transport Transport
	router    *MessageRouter
	store     persistence.Store
	metrics   *metrics.Metrics

	mu                sync.Mutex
	deadlocksResolved uint64
	started           bool
}

// NewManager wires the coordination core from configuration.
func NewManager(cfg *config.Config, bus *events.Bus, log *zap.Logger, opts ...Option) (*Manager, error) {
	stealer := stealing.NewCoordinator(bus, log, stealing.Config{
		Interval:  cfg.Stealing.Interval,
		Threshold: cfg.Stealing.Threshold,
		MaxBatch:  cfg.Stealing.MaxBatch,
	})
	breakers := breaker.NewManager(bus, log, breaker.Settings{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		SuccessThreshold: cfg.Breakers.SuccessThreshold,
		Timeout:          cfg.Breakers.Timeout,
		HalfOpenLimit:    cfg.Breakers.HalfOpenLimit,
	})
	sched := scheduler.NewAdvancedTaskScheduler(bus, log, scheduler.Options{
		MaxRetries: cfg.Scheduler.MaxRetries,
		RetryDelay: cfg.Scheduler.RetryDelay,
	}, stealer, breakers)
	if err := sched.SetDefaultStrategy(cfg.Scheduler.DefaultStrategy); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		bus:        bus,
		log:        log,
		scheduler:  sched,
		resources:  resource.NewManager(bus, log, cfg.Resources.AcquireTimeout),
		optimistic: resource.NewOptimisticLockManager(),
		conflicts:  conflict.NewResolver(bus, log, cfg.Maintenance.Retention),
		breakers:   breakers,
		stealer:    stealer,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.transport != nil {
		m.router = NewMessageRouter(m.transport, log, DefaultRetryConfig(), cfg.Messaging.Timeout)
	}
	return m, nil
}

// Run starts the background loops and blocks until ctx is done. Safe to call
// once.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("coordination manager already running")
	}
	m.started = true
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.stealer.Run(gctx, m.scheduler)
		return nil
	})
	g.Go(func() error {
		m.observe(gctx)
		return nil
	})
	g.Go(func() error {
		m.maintenanceLoop(gctx)
		return nil
	})
	g.Go(func() error {
		m.progressLoop(gctx)
		return nil
	})
	if m.cfg.Deadlock.Enabled {
		g.Go(func() error {
			m.deadlockLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	m.scheduler.Stop()
	return err
}

// --- agents ---

// RegisterAgent makes an agent schedulable and visible to work stealing.
func (m *Manager) RegisterAgent(p agent.Profile) {
	m.scheduler.RegisterAgent(p)
	m.stealer.UpdateAgentWorkload(agent.Workload{
		AgentID:      p.ID,
		Priority:     p.Priority,
		Capabilities: p.Capabilities,
		ReportedAt:   time.Now(),
	})
	m.log.Info("agent registered",
		zap.String("agent", p.ID),
		zap.String("type", p.Type),
		zap.Strings("capabilities", p.Capabilities))
}

// UnregisterAgent removes an agent: its tasks are rescheduled where possible
// and cancelled otherwise, and its resource locks and queued acquires are
// released so nothing stays orphaned.
func (m *Manager) UnregisterAgent(agentID string) {
	moved, err := m.scheduler.RescheduleAgentTasks(agentID)
	if err != nil {
		m.log.Warn("some tasks could not be rescheduled from lost agent",
			zap.String("agent", agentID), zap.Error(err))
	}
	cancelled := m.scheduler.CancelAgentTasks(agentID)
	released := m.resources.ReleaseAllForAgent(agentID, nil)
	m.scheduler.UnregisterAgent(agentID)
	m.stealer.RemoveAgent(agentID)

	m.log.Info("agent unregistered",
		zap.String("agent", agentID),
		zap.Int("tasks_rescheduled", moved),
		zap.Int("tasks_cancelled", cancelled),
		zap.Strings("resources_released", released))
}

// ReportWorkload ingests an agent's periodic workload report.
func (m *Manager) ReportWorkload(w agent.Workload) {
	m.stealer.UpdateAgentWorkload(w)
}

// --- tasks ---

// AssignTask schedules a task on a specific agent.
func (m *Manager) AssignTask(t *scheduler.Task, agentID string) error {
	return m.scheduler.AssignTask(t, agentID)
}

// AssignTaskAuto selects an agent with the named strategy (the configured
// default when empty) and assigns the task.
func (m *Manager) AssignTaskAuto(t *scheduler.Task, strategyName string) (string, error) {
	return m.scheduler.AssignTaskAuto(t, strategyName)
}

// CompleteTask marks a task completed and unblocks its dependents.
func (m *Manager) CompleteTask(taskID, result string) error {
	return m.scheduler.CompleteTask(taskID, result)
}

// FailTask records a task failure, retrying or cascading as configured.
func (m *Manager) FailTask(taskID string, err error) error {
	return m.scheduler.FailTask(taskID, err)
}

// CancelTask force-cancels a task and its dependents.
func (m *Manager) CancelTask(taskID, reason string) error {
	return m.scheduler.CancelTask(taskID, reason)
}

// UpdateTaskProgress records agent-reported progress (0-100).
func (m *Manager) UpdateTaskProgress(taskID string, progress int) error {
	return m.scheduler.UpdateProgress(taskID, progress)
}

// ExecuteProtected runs fn under the task type's circuit breaker and feeds
// the outcome back into the scheduler.
func (m *Manager) ExecuteProtected(ctx context.Context, taskID string, fn func(ctx context.Context) (string, error)) error {
	return m.scheduler.ExecuteProtected(ctx, taskID, fn)
}

// --- resources ---

// AcquireResource requests exclusive access to a resource for an agent,
// blocking until granted, cancelled or timed out.
func (m *Manager) AcquireResource(ctx context.Context, resourceID, agentID string, priority int) error {
	return m.resources.Acquire(ctx, resourceID, agentID, priority)
}

// ReleaseResource frees a resource held by the agent.
func (m *Manager) ReleaseResource(resourceID, agentID string) error {
	return m.resources.Release(resourceID, agentID)
}

// --- messaging ---

// SendMessage delivers a message to an agent with retry and per-agent
// circuit breaking. Fails with ErrNoTransport when messaging is not wired.
func (m *Manager) SendMessage(ctx context.Context, msg Message) (Response, error) {
	if m.router == nil {
		return Response{}, ErrNoTransport
	}
	return m.router.SendWithResponse(ctx, msg)
}

// --- conflicts ---

// ReportResourceConflict records contending claims on a resource.
func (m *Manager) ReportResourceConflict(resourceID string, agents []string) *conflict.Conflict {
	return m.conflicts.ReportResourceConflict(resourceID, agents)
}

// ReportTaskConflict records contending claims on a task.
func (m *Manager) ReportTaskConflict(taskID string, agents []string) *conflict.Conflict {
	return m.conflicts.ReportTaskConflict(taskID, agents)
}

// ResolveConflict arbitrates a recorded conflict with the named strategy.
func (m *Manager) ResolveConflict(conflictID, strategyName string, rctx conflict.Context) (*conflict.Resolution, error) {
	return m.conflicts.ResolveConflict(conflictID, strategyName, rctx)
}

// --- deadlocks ---

// ResolveDeadlocks runs one detection pass over the wait-for graph and
// breaks every cycle found. The victim is the cycle member whose pending
// request has the lowest priority (ties: oldest wait, then lexical agent
// id); its queued acquires are aborted, its held resources released and its
// tasks rescheduled. Returns the number of cycles broken.
func (m *Manager) ResolveDeadlocks(ctx context.Context) int {
	graph := buildWaitGraph(m.resources.Allocations(), m.resources.WaitingRequests())
	found := detectDeadlocks(graph)
	if len(found) == 0 {
		return 0
	}

	for _, d := range found {
		m.breakDeadlock(ctx, d)
	}

	m.mu.Lock()
	m.deadlocksResolved += uint64(len(found))
	m.mu.Unlock()
	return len(found)
}

func (m *Manager) breakDeadlock(ctx context.Context, d deadlock) {
	now := time.Now()
	m.log.Warn("deadlock detected",
		zap.Strings("agents", d.Agents),
		zap.Strings("resources", d.Resources),
		zap.String("victim", d.Victim))
	m.bus.Publish(events.TopicCoordination, events.DeadlockDetectedEvent{
		Agents:    d.Agents,
		Resources: d.Resources,
		Victim:    d.Victim,
		Timestamp: now,
	})

	// Record the contention formally so the audit trail shows who kept
	// their claims and why.
	if len(d.Resources) > 0 {
		c := m.conflicts.ReportResourceConflict(d.Resources[0], d.Agents)
		if _, err := m.conflicts.AutoResolve(c.ID, "priority", m.conflictContext(d)); err != nil {
			m.log.Debug("deadlock conflict arbitration skipped", zap.Error(err))
		}
	}

	reason := &DeadlockError{Agents: d.Agents, Resources: d.Resources}
	for _, resourceID := range d.Resources {
		m.resources.AbortWaiter(resourceID, d.Victim, reason)
	}
	released := m.resources.ReleaseAllForAgent(d.Victim, reason)
	moved, err := m.scheduler.RescheduleAgentTasks(d.Victim)
	if err != nil {
		m.log.Warn("victim tasks could not all be rescheduled",
			zap.String("agent", d.Victim), zap.Error(err))
	}

	m.log.Info("deadlock broken",
		zap.String("victim", d.Victim),
		zap.Strings("released", released),
		zap.Int("tasks_rescheduled", moved))

	if m.metrics != nil {
		m.metrics.DeadlocksResolved.Inc()
	}
	if m.store != nil {
		if err := m.store.SaveDeadlockRecord(ctx, persistence.DeadlockRecord{
			Agents:     d.Agents,
			Resources:  d.Resources,
			Victim:     d.Victim,
			DetectedAt: now,
		}); err != nil {
			m.log.Warn("failed to archive deadlock", zap.Error(err))
		}
	}
}

// conflictContext assembles the arbitration evidence for a deadlock's
// members from registered profiles and current wait queues.
func (m *Manager) conflictContext(d deadlock) conflict.Context {
	priorities := make(map[string]int, len(d.Agents))
	for _, p := range m.scheduler.Agents() {
		priorities[p.ID] = p.Priority
	}
	timestamps := make(map[string]time.Time)
	for _, reqs := range m.resources.WaitingRequests() {
		for _, req := range reqs {
			if existing, ok := timestamps[req.AgentID]; !ok || req.Since.Before(existing) {
				timestamps[req.AgentID] = req.Since
			}
		}
	}
	return conflict.Context{
		AgentPriorities:   priorities,
		RequestTimestamps: timestamps,
	}
}

func (m *Manager) deadlockLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Deadlock.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ResolveDeadlocks(ctx)
		}
	}
}

// --- maintenance, progress, health ---

// PerformMaintenance runs one cleanup pass: expired waiters are purged,
// terminal tasks past retention pruned, resolved conflicts archived and
// workload gauges refreshed.
func (m *Manager) PerformMaintenance(ctx context.Context) {
	purged := m.resources.PerformMaintenance()
	pruned := m.scheduler.PruneTerminal(m.cfg.Maintenance.Retention)

	archived := m.conflicts.PruneResolved()
	if m.store != nil {
		for _, c := range archived {
			rec := persistence.ConflictRecord{
				ConflictID: c.ID,
				Kind:       string(c.Kind),
				SubjectID:  c.SubjectID,
				Agents:     c.Agents,
				DetectedAt: c.DetectedAt,
			}
			if c.Resolution != nil {
				rec.Winner = c.Resolution.Winner
				rec.Strategy = c.Resolution.Strategy
				rec.Reason = c.Resolution.Reason
				rec.ResolvedAt = c.Resolution.ResolvedAt
			}
			if err := m.store.SaveConflictRecord(ctx, rec); err != nil {
				m.log.Warn("failed to archive conflict", zap.Error(err))
			}
		}
	}

	m.scheduler.SyncWorkloads()
	m.refreshGauges()

	if purged > 0 || pruned > 0 || len(archived) > 0 {
		m.log.Debug("maintenance pass",
			zap.Int("waiters_purged", purged),
			zap.Int("tasks_pruned", pruned),
			zap.Int("conflicts_archived", len(archived)))
	}
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PerformMaintenance(ctx)
		}
	}
}

func (m *Manager) progressLoop(ctx context.Context) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := m.scheduler.Snapshot()
			m.bus.Publish(events.TopicCoordination, events.ProgressEvent{
				Total:     c.Total,
				Completed: c.Completed,
				Running:   c.Running,
				Failed:    c.Failed,
				Cancelled: c.Cancelled,
				Pending:   c.Pending + c.Ready,
				Timestamp: time.Now(),
			})
		}
	}
}

func (m *Manager) refreshGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.QueuedWaiters.Set(float64(m.resources.QueuedWaiters()))
	for _, p := range m.scheduler.Agents() {
		m.metrics.AgentLoad.WithLabelValues(p.ID).Set(float64(m.scheduler.AgentTaskCount(p.ID)))
	}
	for name, snap := range m.breakers.Snapshots() {
		m.metrics.BreakerState.WithLabelValues(name).Set(float64(snap.State))
	}
}

// CoordinationMetrics is an aggregate snapshot for dashboards and health.
type CoordinationMetrics struct {
	Tasks             scheduler.Counts
	ActiveAllocations int
	QueuedWaiters     int
	ResourceTimeouts  uint64
	ConflictsTotal    int
	ConflictsResolved int
	DeadlocksResolved uint64
	OpenBreakers      int
	Agents            int
}

// GetCoordinationMetrics snapshots coordination activity across components.
func (m *Manager) GetCoordinationMetrics() CoordinationMetrics {
	total, resolved := m.conflicts.Counts()
	m.mu.Lock()
	deadlocks := m.deadlocksResolved
	m.mu.Unlock()
	return CoordinationMetrics{
		Tasks:             m.scheduler.Snapshot(),
		ActiveAllocations: len(m.resources.Allocations()),
		QueuedWaiters:     m.resources.QueuedWaiters(),
		ResourceTimeouts:  m.resources.TimedOutTotal(),
		ConflictsTotal:    total,
		ConflictsResolved: resolved,
		DeadlocksResolved: deadlocks,
		OpenBreakers:      m.breakers.OpenCount(),
		Agents:            len(m.scheduler.Agents()),
	}
}

// HealthStatus summarizes whether coordination is degraded.
type HealthStatus struct {
	Healthy      bool
	OpenBreakers int
	Unresolved   int // conflicts recorded but not yet resolved
	Metrics      CoordinationMetrics
}

// GetHealthStatus reports degraded when any breaker is open or conflicts
// remain unresolved.
func (m *Manager) GetHealthStatus() HealthStatus {
	cm := m.GetCoordinationMetrics()
	unresolved := cm.ConflictsTotal - cm.ConflictsResolved
	return HealthStatus{
		Healthy:      cm.OpenBreakers == 0 && unresolved == 0,
		OpenBreakers: cm.OpenBreakers,
		Unresolved:   unresolved,
		Metrics:      cm,
	}
}

// --- event observation (metrics + history archiving) ---

// observe consumes the full event stream, updating prometheus counters and
// archiving terminal task outcomes.
func (m *Manager) observe(ctx context.Context) {
	ch := m.bus.SubscribeAll(256)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev events.Event) {
	if m.metrics != nil {
		switch ev.EventType() {
		case events.EventTypeTaskAssigned:
			m.metrics.TasksAssigned.Inc()
		case events.EventTypeTaskCompleted:
			m.metrics.TasksCompleted.Inc()
		case events.EventTypeTaskFailed:
			m.metrics.TasksFailed.Inc()
		case events.EventTypeTaskCancelled:
			m.metrics.TasksCancelled.Inc()
		case events.EventTypeWorkStolen:
			m.metrics.TasksStolen.Inc()
		case events.EventTypeResourceAcquired:
			m.metrics.ResourcesAcquired.Inc()
		case events.EventTypeResourceReleased:
			m.metrics.ResourcesReleased.Inc()
		case events.EventTypeConflictDetected:
			m.metrics.ConflictsDetected.Inc()
		case events.EventTypeConflictResolved:
			m.metrics.ConflictsResolved.Inc()
		}
	}

	if m.store == nil {
		return
	}
	switch e := ev.(type) {
	case events.TaskCompletedEvent:
		m.archiveTask(ctx, persistence.TaskRecord{
			TaskID:      e.TaskID,
			TaskType:    e.TaskType,
			AgentID:     e.AgentID,
			Status:      "completed",
			Duration:    e.Duration,
			CompletedAt: e.Timestamp,
		})
	case events.TaskFailedEvent:
		errStr := ""
		if e.Err != nil {
			errStr = e.Err.Error()
		}
		m.archiveTask(ctx, persistence.TaskRecord{
			TaskID:      e.TaskID,
			TaskType:    e.TaskType,
			AgentID:     e.AgentID,
			Status:      "failed",
			Error:       errStr,
			Attempts:    e.Attempts,
			CompletedAt: e.Timestamp,
		})
	case events.TaskCancelledEvent:
		rec := persistence.TaskRecord{
			TaskID:      e.TaskID,
			Status:      "cancelled",
			Error:       e.Reason,
			CompletedAt: e.Timestamp,
		}
		if t, ok := m.scheduler.Task(e.TaskID); ok {
			rec.TaskType = t.Type
			rec.AgentID = t.AssignedAgent
		}
		m.archiveTask(ctx, rec)
	}
}

func (m *Manager) archiveTask(ctx context.Context, rec persistence.TaskRecord) {
	if err := m.store.SaveTaskRecord(ctx, rec); err != nil {
		m.log.Warn("failed to archive task outcome",
			zap.String("task", rec.TaskID), zap.Error(err))
	}
}

// --- component access for advanced callers ---

// Scheduler exposes the underlying task scheduler.
func (m *Manager) Scheduler() *scheduler.AdvancedTaskScheduler { return m.scheduler }

// Resources exposes the resource lock manager.
func (m *Manager) Resources() *resource.Manager { return m.resources }

// Optimistic exposes the optimistic version counters.
func (m *Manager) Optimistic() *resource.OptimisticLockManager { return m.optimistic }

// Conflicts exposes the conflict resolver.
func (m *Manager) Conflicts() *conflict.Resolver { return m.conflicts }

// Breakers exposes the circuit breaker manager.
func (m *Manager) Breakers() *breaker.Manager { return m.breakers }

// Stealer exposes the work-stealing coordinator.
func (m *Manager) Stealer() *stealing.Coordinator { return m.stealer }
