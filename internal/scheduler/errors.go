package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskExists is returned when assigning a task id already scheduled.
	ErrTaskExists = errors.New("task already scheduled")
	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrAgentNotFound is returned for operations on unregistered agents.
	ErrAgentNotFound = errors.New("agent not registered")
	// ErrNoEligibleAgent is returned when no registered agent can take a task.
	ErrNoEligibleAgent = errors.New("no eligible agent")
)

// DependencyError reports an unmet or cyclic dependency.
type DependencyError struct {
	TaskID string
	Reason string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %q dependency error: %s", e.TaskID, e.Reason)
}

// TimeoutError reports a task that exceeded its execution timeout.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %v", e.TaskID, e.Timeout)
}
