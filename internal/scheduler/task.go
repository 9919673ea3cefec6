package scheduler

import "time"

// Status represents the current state of a task.
type Status int

const (
	StatusPending   Status = iota // Waiting for dependencies
	StatusReady                   // All dependencies completed, not yet dispatched
	StatusRunning                 // Currently executing on an agent
	StatusCompleted               // Finished successfully
	StatusFailed                  // Finished with error, retries exhausted
	StatusCancelled               // Cancelled directly or by dependency cascade
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task represents a unit of work with dependencies, priority, and a
// terminal status. The scheduler owns the task from assignment until it
// reaches a terminal state; dependency edges are owned by the graph.
type Task struct {
	ID                   string
	Type                 string
	Description          string
	Priority             int // higher = more urgent
	Dependencies         []string
	RequiredCapabilities []string
	Status               Status
	AssignedAgent        string
	Progress             int // 0-100, reported by the executing agent
	Result               string
	Err                  error
	CreatedAt            time.Time
	CompletedAt          time.Time
}

// ScheduledTask wraps a Task with per-assignment bookkeeping. Created on
// assignment, mutated on retry, removed on terminal state.
type ScheduledTask struct {
	Task        *Task
	AgentID     string
	Attempts    int
	LastAttempt time.Time
	Timeout     time.Duration // optional per-task timeout, 0 = scheduler default
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.RequiredCapabilities != nil {
		cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	return &cp
}
