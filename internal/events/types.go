package events

import (
	"time"
)

// Event is the base interface for all coordination events.
type Event interface {
	EventType() string
	Subject() string // task, resource, conflict or breaker id the event concerns
}

// Topic constants
const (
	TopicTask         = "task"
	TopicResource     = "resource"
	TopicConflict     = "conflict"
	TopicCircuit      = "circuit"
	TopicCoordination = "coordination"
)

// Event type constants
const (
	EventTypeTaskAssigned     = "task:assigned"
	EventTypeTaskCompleted    = "task:completed"
	EventTypeTaskFailed       = "task:failed"
	EventTypeTaskCancelled    = "task:cancelled"
	EventTypeResourceAcquired = "resource:acquired"
	EventTypeResourceReleased = "resource:released"
	EventTypeConflictDetected = "conflict:detected"
	EventTypeConflictResolved = "conflict:resolved"
	EventTypeCircuitOpened    = "circuit:opened"
	EventTypeCircuitClosed    = "circuit:closed"
	EventTypeDeadlockDetected = "deadlock:detected"
	EventTypeWorkStolen       = "work:stolen"
	EventTypeProgress         = "coordination:progress"
)

// TaskAssignedEvent is published when a task transitions to running on an agent.
type TaskAssignedEvent struct {
	TaskID    string
	TaskType  string
	AgentID   string
	Timestamp time.Time
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) Subject() string   { return e.TaskID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	TaskID    string
	TaskType  string
	AgentID   string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Subject() string   { return e.TaskID }

// TaskFailedEvent is published when a task fails terminally (retries exhausted
// or the failure is not retryable).
type TaskFailedEvent struct {
	TaskID    string
	TaskType  string
	AgentID   string
	Err       error
	Attempts  int
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Subject() string   { return e.TaskID }

// TaskCancelledEvent is published when a task is cancelled, either directly
// or as a cascade from a failed dependency.
type TaskCancelledEvent struct {
	TaskID    string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) Subject() string   { return e.TaskID }

// ResourceAcquiredEvent is published when an agent is granted a resource.
type ResourceAcquiredEvent struct {
	ResourceID string
	AgentID    string
	Timestamp  time.Time
}

func (e ResourceAcquiredEvent) EventType() string { return EventTypeResourceAcquired }
func (e ResourceAcquiredEvent) Subject() string   { return e.ResourceID }

// ResourceReleasedEvent is published when an agent releases a resource.
type ResourceReleasedEvent struct {
	ResourceID string
	AgentID    string
	Timestamp  time.Time
}

func (e ResourceReleasedEvent) EventType() string { return EventTypeResourceReleased }
func (e ResourceReleasedEvent) Subject() string   { return e.ResourceID }

// ConflictDetectedEvent is published when contending claims are recorded.
type ConflictDetectedEvent struct {
	ConflictID string
	SubjectID  string
	Agents     []string
	Timestamp  time.Time
}

func (e ConflictDetectedEvent) EventType() string { return EventTypeConflictDetected }
func (e ConflictDetectedEvent) Subject() string   { return e.ConflictID }

// ConflictResolvedEvent is published when a conflict is resolved.
type ConflictResolvedEvent struct {
	ConflictID string
	Winner     string
	Strategy   string
	Timestamp  time.Time
}

func (e ConflictResolvedEvent) EventType() string { return EventTypeConflictResolved }
func (e ConflictResolvedEvent) Subject() string   { return e.ConflictID }

// CircuitOpenedEvent is published when a circuit breaker trips open.
type CircuitOpenedEvent struct {
	Name      string
	Failures  int
	Timestamp time.Time
}

func (e CircuitOpenedEvent) EventType() string { return EventTypeCircuitOpened }
func (e CircuitOpenedEvent) Subject() string   { return e.Name }

// CircuitClosedEvent is published when a circuit breaker recovers.
type CircuitClosedEvent struct {
	Name      string
	Timestamp time.Time
}

func (e CircuitClosedEvent) EventType() string { return EventTypeCircuitClosed }
func (e CircuitClosedEvent) Subject() string   { return e.Name }

// DeadlockDetectedEvent is published when the wait-for graph contains a cycle.
type DeadlockDetectedEvent struct {
	Agents    []string
	Resources []string
	Victim    string
	Timestamp time.Time
}

func (e DeadlockDetectedEvent) EventType() string { return EventTypeDeadlockDetected }
func (e DeadlockDetectedEvent) Subject() string   { return e.Victim }

// WorkStolenEvent is published when the work-stealing coordinator moves a
// task between agents.
type WorkStolenEvent struct {
	TaskID    string
	FromAgent string
	ToAgent   string
	Timestamp time.Time
}

func (e WorkStolenEvent) EventType() string { return EventTypeWorkStolen }
func (e WorkStolenEvent) Subject() string   { return e.TaskID }

// ProgressEvent is published periodically with aggregate task counts.
type ProgressEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Cancelled int
	Pending   int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) Subject() string   { return "" }
