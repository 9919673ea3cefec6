package coordination

import (
	"sort"
	"time"

	"github.com/swarmlet/coordinator/internal/resource"
)

// waitEdge is one agent waiting on a resource held by another agent.
type waitEdge struct {
	resourceID string
	holder     string
	priority   int
	since      time.Time
}

// deadlock is one wait-for cycle with enough detail to pick a victim.
type deadlock struct {
	Agents    []string // cycle members, sorted
	Resources []string // contended resources along the cycle, sorted
	Victim    string
}

// buildWaitGraph derives agent -> wait edges from the resource manager's
// current allocations and wait queues. An edge exists from each queued
// agent to the holder of the resource it waits on.
func buildWaitGraph(allocations map[string]string, waiting map[string][]resource.WaitingRequest) map[string][]waitEdge {
	graph := make(map[string][]waitEdge)
	for resourceID, reqs := range waiting {
		holder, held := allocations[resourceID]
		if !held {
			continue
		}
		for _, req := range reqs {
			graph[req.AgentID] = append(graph[req.AgentID], waitEdge{
				resourceID: resourceID,
				holder:     holder,
				priority:   req.Priority,
				since:      req.Since,
			})
		}
	}
	return graph
}

// detectDeadlocks finds wait-for cycles and selects a victim for each.
// Detection is DFS over the wait graph; agents are visited in sorted order
// so repeated scans of the same state report the same cycles.
func detectDeadlocks(graph map[string][]waitEdge) []deadlock {
	agents := make([]string, 0, len(graph))
	for a := range graph {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))
	var stack []string
	var found []deadlock
	seen := make(map[string]bool) // dedup by cycle membership key

	var visit func(a string)
	visit = func(a string) {
		color[a] = gray
		stack = append(stack, a)

		for _, edge := range graph[a] {
			next := edge.holder
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Cycle is the stack suffix starting at next.
				start := len(stack) - 1
				for start >= 0 && stack[start] != next {
					start--
				}
				if start < 0 {
					continue
				}
				cycle := append([]string(nil), stack[start:]...)
				if d, ok := describeCycle(cycle, graph); ok && !seen[membershipKey(d.Agents)] {
					seen[membershipKey(d.Agents)] = true
					found = append(found, d)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[a] = black
	}

	for _, a := range agents {
		if color[a] == white {
			visit(a)
		}
	}
	return found
}

// describeCycle collects the cycle's resources and picks the victim: the
// member with the lowest request priority, ties broken by the oldest wait
// start, then by lexical agent id.
func describeCycle(cycle []string, graph map[string][]waitEdge) (deadlock, bool) {
	if len(cycle) == 0 {
		return deadlock{}, false
	}

	members := make(map[string]bool, len(cycle))
	for _, a := range cycle {
		members[a] = true
	}

	resourceSet := make(map[string]bool)
	victim := ""
	victimPriority := 0
	var victimSince time.Time
	for _, a := range cycle {
		for _, edge := range graph[a] {
			if !members[edge.holder] {
				continue
			}
			resourceSet[edge.resourceID] = true
			better := victim == "" ||
				edge.priority < victimPriority ||
				(edge.priority == victimPriority && edge.since.Before(victimSince)) ||
				(edge.priority == victimPriority && edge.since.Equal(victimSince) && a < victim)
			if better {
				victim = a
				victimPriority = edge.priority
				victimSince = edge.since
			}
		}
	}
	if victim == "" {
		return deadlock{}, false
	}

	agents := append([]string(nil), cycle...)
	sort.Strings(agents)
	resources := make([]string, 0, len(resourceSet))
	for id := range resourceSet {
		resources = append(resources, id)
	}
	sort.Strings(resources)

	return deadlock{Agents: agents, Resources: resources, Victim: victim}, true
}

func membershipKey(sortedAgents []string) string {
	key := ""
	for _, a := range sortedAgents {
		key += a + "\x00"
	}
	return key
}
