package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/agent"
	"github.com/swarmlet/coordinator/internal/breaker"
	"github.com/swarmlet/coordinator/internal/events"
	"github.com/swarmlet/coordinator/internal/stealing"
)

// AdvancedTaskScheduler extends TaskScheduler with pluggable agent
// selection, per-task-type circuit breakers, per-type execution statistics
// and a work-stealing hookup.
type AdvancedTaskScheduler struct {
	*TaskScheduler

	registry *StrategyRegistry
	stats    *statsTracker
	stealer  *stealing.Coordinator
	breakers *breaker.Manager
}

// NewAdvancedTaskScheduler wraps a fresh TaskScheduler with the advanced
// machinery. stealer and breakers may be shared with the coordination
// manager.
func NewAdvancedTaskScheduler(bus *events.Bus, log *zap.Logger, opts Options, stealer *stealing.Coordinator, breakers *breaker.Manager) *AdvancedTaskScheduler {
	a := &AdvancedTaskScheduler{
		TaskScheduler: NewTaskScheduler(bus, log, opts),
		registry:      NewStrategyRegistry(),
		stats:         newStatsTracker(),
		stealer:       stealer,
		breakers:      breakers,
	}
	a.TaskScheduler.onTaskDone = a.taskDone
	return a
}

// taskDone feeds per-type statistics and the stealing coordinator's
// workload view on every completion or failure. Invoked by the base
// scheduler with its mutex held, so agent state is read directly rather
// than through the locking accessors.
func (a *AdvancedTaskScheduler) taskDone(st *ScheduledTask, duration time.Duration, success bool) {
	a.stats.record(st.Task.Type, st.AgentID, duration, success)
	if a.stealer == nil {
		return
	}
	if w, ok := a.workloadLocked(st.AgentID); ok {
		a.stealer.UpdateAgentWorkload(w)
	}
}

// RegisterStrategy adds or replaces a named scheduling strategy at runtime.
func (a *AdvancedTaskScheduler) RegisterStrategy(s Strategy) {
	a.registry.Register(s)
}

// SetDefaultStrategy changes the default strategy by name.
func (a *AdvancedTaskScheduler) SetDefaultStrategy(name string) error {
	if !a.registry.SetDefault(name) {
		return fmt.Errorf("unknown scheduling strategy %q", name)
	}
	return nil
}

// SelectAgent runs the named strategy (default when empty) over the
// registered agents and returns the chosen agent id.
func (a *AdvancedTaskScheduler) SelectAgent(t *Task, strategyName string) (string, error) {
	strat, ok := a.registry.Get(strategyName)
	if !ok {
		return "", fmt.Errorf("unknown scheduling strategy %q", strategyName)
	}

	candidates := a.Agents()
	if len(candidates) == 0 {
		return "", ErrNoEligibleAgent
	}

	agentID, ok := strat.SelectAgent(t, candidates, a.schedulingContext(candidates))
	if !ok {
		return "", fmt.Errorf("%w: strategy %s found no candidate for task %s", ErrNoEligibleAgent, strat.Name(), t.ID)
	}
	return agentID, nil
}

// AssignTaskAuto selects an agent with the named strategy (default when
// empty) and assigns the task to it.
func (a *AdvancedTaskScheduler) AssignTaskAuto(t *Task, strategyName string) (string, error) {
	agentID, err := a.SelectAgent(t, strategyName)
	if err != nil {
		return "", err
	}
	if err := a.AssignTask(t, agentID); err != nil {
		return "", err
	}
	return agentID, nil
}

// schedulingContext snapshots loads and stats for strategy input.
func (a *AdvancedTaskScheduler) schedulingContext(candidates []agent.Profile) SchedulingContext {
	counts := make(map[string]int, len(candidates))
	total := 0
	for _, c := range candidates {
		n := a.AgentTaskCount(c.ID)
		counts[c.ID] = n
		total += n
	}
	mean := 0.0
	if len(candidates) > 0 {
		mean = float64(total) / float64(len(candidates))
	}
	return SchedulingContext{
		TaskCounts: counts,
		Stats:      a.stats.snapshot(),
		MeanLoad:   mean,
	}
}

// ExecuteProtected runs fn under the circuit breaker named after the task's
// type and reports the outcome to the scheduler: success completes the
// task, failure is routed through FailTask. Breaker rejections surface
// immediately without consuming a retry attempt.
func (a *AdvancedTaskScheduler) ExecuteProtected(ctx context.Context, taskID string, fn func(ctx context.Context) (string, error)) error {
	t, ok := a.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	var result string
	err := a.breakers.Get(t.Type).Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		if failErr := a.FailTask(taskID, err); failErr != nil {
			return failErr
		}
		return err
	}
	return a.CompleteTask(taskID, result)
}

// Stats returns the execution history for one task type.
func (a *AdvancedTaskScheduler) Stats(taskType string) (TaskStats, bool) {
	return a.stats.get(taskType)
}

// AllStats returns the per-type execution history keyed by task type.
func (a *AdvancedTaskScheduler) AllStats() map[string]TaskStats {
	return a.stats.snapshot()
}

// reportWorkload pushes the scheduler's view of one agent into the stealing
// coordinator, supplementing the agent's own periodic reports.
func (a *AdvancedTaskScheduler) reportWorkload(agentID string) {
	a.mu.Lock()
	w, ok := a.workloadLocked(agentID)
	a.mu.Unlock()
	if ok {
		a.stealer.UpdateAgentWorkload(w)
	}
}

// workloadLocked snapshots one agent's workload. Caller holds a.mu.
func (a *AdvancedTaskScheduler) workloadLocked(agentID string) (agent.Workload, bool) {
	p, ok := a.agents[agentID]
	if !ok {
		return agent.Workload{}, false
	}
	return agent.Workload{
		AgentID:      agentID,
		TaskCount:    len(a.agentTasks[agentID]),
		Priority:     p.Priority,
		Capabilities: p.Capabilities,
		ReportedAt:   time.Now(),
	}, true
}

// SyncWorkloads refreshes the stealing coordinator with the scheduler's
// current per-agent task counts. Called from periodic maintenance so steal
// decisions see assignments made since the agents last reported.
func (a *AdvancedTaskScheduler) SyncWorkloads() {
	for _, p := range a.Agents() {
		a.reportWorkload(p.ID)
	}
}
