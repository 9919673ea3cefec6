package coordination

import (
	"fmt"
	"strings"
)

// DeadlockError is the reason handed to the victim's aborted resource
// requests when a wait-for cycle is broken.
type DeadlockError struct {
	Agents    []string
	Resources []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock among agents [%s] over resources [%s]",
		strings.Join(e.Agents, ", "), strings.Join(e.Resources, ", "))
}
