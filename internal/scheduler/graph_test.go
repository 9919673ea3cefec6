package scheduler

import (
	"reflect"
	"testing"
)

// TestDetectCycles tests cycle detection with various graph structures.
func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name      string
		setup     func() *DependencyGraph
		wantCount int
	}{
		{
			name: "linear chain is acyclic",
			setup: func() *DependencyGraph {
				g := NewDependencyGraph()
				g.AddTask("A", nil)
				g.AddTask("B", []string{"A"})
				g.AddTask("C", []string{"B"})
				return g
			},
			wantCount: 0,
		},
		{
			name: "parallel tasks are acyclic",
			setup: func() *DependencyGraph {
				g := NewDependencyGraph()
				g.AddTask("A", nil)
				g.AddTask("B", nil)
				g.AddTask("C", []string{"A", "B"})
				return g
			},
			wantCount: 0,
		},
		{
			name: "direct cycle",
			setup: func() *DependencyGraph {
				g := NewDependencyGraph()
				g.AddTask("A", []string{"B"})
				g.AddTask("B", []string{"A"})
				return g
			},
			wantCount: 1,
		},
		{
			name: "transitive cycle",
			setup: func() *DependencyGraph {
				g := NewDependencyGraph()
				g.AddTask("A", []string{"C"})
				g.AddTask("B", []string{"A"})
				g.AddTask("C", []string{"B"})
				return g
			},
			wantCount: 1,
		},
		{
			name: "empty graph",
			setup: func() *DependencyGraph {
				return NewDependencyGraph()
			},
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.setup()
			cycles := g.DetectCycles()
			if len(cycles) != tt.wantCount {
				t.Fatalf("DetectCycles() = %v, want %d cycle(s)", cycles, tt.wantCount)
			}
		})
	}
}

func TestDetectCyclesMembers(t *testing.T) {
	g := NewDependencyGraph()
	g.AddTask("A", []string{"C"})
	g.AddTask("B", []string{"A"})
	g.AddTask("C", []string{"B"})

	cycles := g.DetectCycles()
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle, got %v", cycles)
	}
	members := map[string]bool{}
	for _, id := range cycles[0] {
		members[id] = true
	}
	for _, id := range []string{"A", "B", "C"} {
		if !members[id] {
			t.Errorf("cycle %v missing member %s", cycles[0], id)
		}
	}
}

func TestMarkCompletedUnblocksDependents(t *testing.T) {
	g := NewDependencyGraph()
	g.AddTask("A", nil)
	g.AddTask("B", []string{"A"})
	g.AddTask("C", []string{"A", "B"})

	if g.IsTaskReady("B") {
		t.Fatal("B should not be ready before A completes")
	}

	ready := g.MarkCompleted("A")
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Fatalf("MarkCompleted(A) = %v, want [B]", ready)
	}
	if !g.IsTaskReady("B") {
		t.Error("B should be ready after A completed")
	}
	if g.IsTaskReady("C") {
		t.Error("C should not be ready until B completes too")
	}

	// Completing the same task twice is a no-op.
	if again := g.MarkCompleted("A"); again != nil {
		t.Errorf("second MarkCompleted(A) = %v, want nil", again)
	}

	ready = g.MarkCompleted("B")
	if !reflect.DeepEqual(ready, []string{"C"}) {
		t.Fatalf("MarkCompleted(B) = %v, want [C]", ready)
	}
}

func TestMarkFailedCascades(t *testing.T) {
	g := NewDependencyGraph()
	g.AddTask("A", nil)
	g.AddTask("B", []string{"A"})
	g.AddTask("C", []string{"B"})
	g.AddTask("D", []string{"C"})
	g.AddTask("X", nil) // unrelated

	cancelled := g.MarkFailed("B")
	if !reflect.DeepEqual(cancelled, []string{"C", "D"}) {
		t.Fatalf("MarkFailed(B) = %v, want [C D]", cancelled)
	}
	if g.IsTaskReady("B") {
		t.Error("failed task must not be ready")
	}
	if !g.IsTaskReady("X") {
		t.Error("unrelated task should stay ready")
	}
}

func TestTopologicalSort(t *testing.T) {
	g := NewDependencyGraph()
	g.AddTask("A", nil)
	g.AddTask("B", []string{"A"})
	g.AddTask("C", []string{"A"})
	g.AddTask("D", []string{"B", "C"})

	order := g.TopologicalSort()
	if len(order) != 4 {
		t.Fatalf("TopologicalSort() = %v, want 4 tasks", order)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	deps := map[string][]string{"B": {"A"}, "C": {"A"}, "D": {"B", "C"}}
	for id, before := range deps {
		for _, dep := range before {
			if pos[dep] > pos[id] {
				t.Errorf("order %v places %s after %s", order, dep, id)
			}
		}
	}
}

func TestTopologicalSortCycle(t *testing.T) {
	g := NewDependencyGraph()
	g.AddTask("A", []string{"B"})
	g.AddTask("B", []string{"A"})

	if order := g.TopologicalSort(); order != nil {
		t.Fatalf("TopologicalSort() on cyclic graph = %v, want nil", order)
	}
	if path := g.CriticalPath(); path != nil {
		t.Fatalf("CriticalPath() on cyclic graph = %v, want nil", path)
	}
}

func TestCriticalPath(t *testing.T) {
	g := NewDependencyGraph()
	g.AddTask("A", nil)
	g.AddTask("B", []string{"A"})
	g.AddTask("C", []string{"B"})
	g.AddTask("D", nil) // short branch

	path := g.CriticalPath()
	if !reflect.DeepEqual(path, []string{"A", "B", "C"}) {
		t.Fatalf("CriticalPath() = %v, want [A B C]", path)
	}
}

func TestRemoveTaskPrunesEdges(t *testing.T) {
	g := NewDependencyGraph()
	g.AddTask("A", nil)
	g.AddTask("B", []string{"A"})

	g.RemoveTask("B")
	if g.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", g.Size())
	}
	ready := g.MarkCompleted("A")
	if ready != nil {
		t.Errorf("MarkCompleted(A) after removing B = %v, want nil", ready)
	}
}

func TestLateDependencyWiring(t *testing.T) {
	// B names A before A is added; the reverse edge must be wired when A
	// arrives.
	g := NewDependencyGraph()
	g.AddTask("B", []string{"A"})
	g.AddTask("A", nil)

	ready := g.MarkCompleted("A")
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Fatalf("MarkCompleted(A) = %v, want [B]", ready)
	}
}
