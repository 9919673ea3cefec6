package scheduler

import (
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// node tracks one task's edges in the dependency graph.
// Invariant: dependents(A) contains B iff dependencies(B) contains A,
// for every pair of nodes present in the graph.
type node struct {
	taskID       string
	dependencies map[string]struct{}
	dependents   map[string]struct{}
}

// DependencyGraph tracks task dependency/dependent edges and readiness.
// A task is ready iff every one of its dependencies is in the completed set.
type DependencyGraph struct {
	mu        sync.RWMutex
	nodes     map[string]*node
	completed map[string]struct{}
	failed    map[string]struct{}
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*node),
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}
}

// AddTask inserts a node and wires edges to any already-present
// dependencies and dependents. Dependencies that are not yet in the graph
// are still recorded; the reverse edge is wired when they arrive.
func (g *DependencyGraph) AddTask(taskID string, dependencies []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.nodes[taskID]
	if !exists {
		n = &node{
			taskID:       taskID,
			dependencies: make(map[string]struct{}),
			dependents:   make(map[string]struct{}),
		}
		g.nodes[taskID] = n
	}

	for _, depID := range dependencies {
		n.dependencies[depID] = struct{}{}
		if dep, ok := g.nodes[depID]; ok {
			dep.dependents[taskID] = struct{}{}
		}
	}

	// Wire reverse edges from tasks added earlier that named us as a dependency.
	for _, other := range g.nodes {
		if _, ok := other.dependencies[taskID]; ok {
			n.dependents[other.taskID] = struct{}{}
		}
	}
}

// RemoveTask deletes a node and prunes dangling edges pointing at it.
func (g *DependencyGraph) RemoveTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, exists := g.nodes[taskID]
	if !exists {
		return
	}

	for depID := range n.dependencies {
		if dep, ok := g.nodes[depID]; ok {
			delete(dep.dependents, taskID)
		}
	}
	for depID := range n.dependents {
		if dep, ok := g.nodes[depID]; ok {
			delete(dep.dependencies, taskID)
		}
	}

	delete(g.nodes, taskID)
	delete(g.completed, taskID)
	delete(g.failed, taskID)
}

// MarkCompleted adds the task to the completed set and returns the
// dependents that became ready (all of their dependencies now completed).
// Calling it again for the same task is a no-op returning nil.
func (g *DependencyGraph) MarkCompleted(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, done := g.completed[taskID]; done {
		return nil
	}
	n, exists := g.nodes[taskID]
	if !exists {
		return nil
	}

	g.completed[taskID] = struct{}{}

	var ready []string
	for depID := range n.dependents {
		if g.readyLocked(depID) {
			ready = append(ready, depID)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkFailed records the failure and returns the transitive closure of
// dependents that must be cancelled: a task can never become ready if any
// ancestor failed, so failure cascades rather than being silently retried.
func (g *DependencyGraph) MarkFailed(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[taskID]; !exists {
		return nil
	}
	g.failed[taskID] = struct{}{}

	seen := map[string]struct{}{taskID: {}}
	queue := []string{taskID}
	var cancelled []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for depID := range n.dependents {
			if _, dup := seen[depID]; dup {
				continue
			}
			seen[depID] = struct{}{}
			cancelled = append(cancelled, depID)
			queue = append(queue, depID)
		}
	}
	sort.Strings(cancelled)
	return cancelled
}

// Dependents returns the ids of tasks that directly depend on taskID,
// sorted. Nil if the task is absent or has no dependents.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, exists := g.nodes[taskID]
	if !exists || len(n.dependents) == 0 {
		return nil
	}
	out := make([]string, 0, len(n.dependents))
	for depID := range n.dependents {
		out = append(out, depID)
	}
	sort.Strings(out)
	return out
}

// Nodes returns the ids of all tasks currently in the graph, sorted.
func (g *DependencyGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsTaskReady reports whether every dependency of the task is completed.
func (g *DependencyGraph) IsTaskReady(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readyLocked(taskID)
}

func (g *DependencyGraph) readyLocked(taskID string) bool {
	n, exists := g.nodes[taskID]
	if !exists {
		return false
	}
	if _, done := g.completed[taskID]; done {
		return false
	}
	if _, failed := g.failed[taskID]; failed {
		return false
	}
	for depID := range n.dependencies {
		if _, done := g.completed[depID]; !done {
			return false
		}
	}
	return true
}

// ReadyTasks returns all tasks whose dependencies are completed, sorted by id.
func (g *DependencyGraph) ReadyTasks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for taskID := range g.nodes {
		if g.readyLocked(taskID) {
			ready = append(ready, taskID)
		}
	}
	sort.Strings(ready)
	return ready
}

// DetectCycles runs a DFS over the dependency edges and returns each cycle
// as an ordered list of task ids. Detection is a query, not a precondition
// check: the graph accepts cyclic insertions and leaves rejection to the
// caller. Returns nil for an acyclic graph.
func (g *DependencyGraph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully explored
	)

	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		n := g.nodes[id]
		deps := make([]string, 0, len(n.dependencies))
		for depID := range n.dependencies {
			if _, ok := g.nodes[depID]; ok {
				deps = append(deps, depID)
			}
		}
		sort.Strings(deps)

		for _, depID := range deps {
			switch color[depID] {
			case white:
				visit(depID)
			case gray:
				// Found a back edge: the cycle is the stack suffix from depID.
				for i, sid := range stack {
					if sid == depID {
						cycle := append([]string(nil), stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// TopologicalSort returns task ids in dependency order using Kahn-style
// sorting from gammazero/toposort. Returns nil if the graph has a cycle.
func (g *DependencyGraph) TopologicalSort() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	for taskID, n := range g.nodes {
		present := 0
		for depID := range n.dependencies {
			if _, ok := g.nodes[depID]; ok {
				// Edge (depID, taskID): depID must come before taskID.
				edges = append(edges, toposort.Edge{depID, taskID})
				present++
			}
		}
		if present == 0 {
			// Root task: edge from nil ensures it appears in the result.
			edges = append(edges, toposort.Edge{nil, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order
}

// CriticalPath returns the longest path by edge count through the DAG,
// as an ordered list of task ids from root to leaf. Used for scheduling
// visibility, not correctness. Returns nil if the graph has a cycle.
func (g *DependencyGraph) CriticalPath() []string {
	order := g.TopologicalSort()
	if order == nil {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	// Longest path ending at each node, walked in topological order.
	longest := make(map[string]int, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))

	for _, id := range order {
		n := g.nodes[id]
		deps := make([]string, 0, len(n.dependencies))
		for depID := range n.dependencies {
			if _, ok := g.nodes[depID]; ok {
				deps = append(deps, depID)
			}
		}
		sort.Strings(deps)
		for _, depID := range deps {
			if longest[depID]+1 > longest[id] {
				longest[id] = longest[depID] + 1
				prev[id] = depID
			}
		}
	}

	end := ""
	for _, id := range order {
		if end == "" || longest[id] > longest[end] {
			end = id
		}
	}
	if end == "" {
		return nil
	}

	var path []string
	for cur := end; ; {
		path = append([]string{cur}, path...)
		p, ok := prev[cur]
		if !ok {
			break
		}
		cur = p
	}
	return path
}

// Size returns the number of nodes in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
