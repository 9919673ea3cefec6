// Package metrics exposes prometheus collectors for the coordination core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the coordinator's prometheus collectors. Construct one
// per coordinator instance and register it on an explicit registry so unit
// tests and multiple coordinators in one process never collide.
type Metrics struct {
	TasksAssigned  prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksCancelled prometheus.Counter
	TasksStolen    prometheus.Counter

	ResourcesAcquired prometheus.Counter
	ResourcesReleased prometheus.Counter
	ResourceTimeouts  prometheus.Counter
	QueuedWaiters     prometheus.Gauge

	ConflictsDetected prometheus.Counter
	ConflictsResolved prometheus.Counter
	DeadlocksResolved prometheus.Counter

	BreakerState *prometheus.GaugeVec // 0 closed, 1 open, 2 half-open
	AgentLoad    *prometheus.GaugeVec
}

// New creates the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_assigned_total",
			Help: "Tasks dispatched to agents.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_completed_total",
			Help: "Tasks that completed successfully.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_failed_total",
			Help: "Tasks that failed terminally.",
		}),
		TasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_cancelled_total",
			Help: "Tasks cancelled directly or by dependency cascade.",
		}),
		TasksStolen: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_tasks_stolen_total",
			Help: "Tasks moved between agents by work stealing.",
		}),
		ResourcesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_resources_acquired_total",
			Help: "Resource lock grants.",
		}),
		ResourcesReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_resources_released_total",
			Help: "Resource lock releases.",
		}),
		ResourceTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_resource_timeouts_total",
			Help: "Resource acquires that failed on timeout.",
		}),
		QueuedWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_resource_queued_waiters",
			Help: "Acquire requests currently queued across all resources.",
		}),
		ConflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_conflicts_detected_total",
			Help: "Conflicting claims recorded.",
		}),
		ConflictsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_conflicts_resolved_total",
			Help: "Conflicts resolved by a strategy.",
		}),
		DeadlocksResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_deadlocks_resolved_total",
			Help: "Wait-for cycles broken by victim selection.",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_circuit_breaker_state",
			Help: "Circuit breaker state per protected operation (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		AgentLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_agent_task_count",
			Help: "Tasks currently attached to each agent.",
		}, []string{"agent"}),
	}
}
