package scheduler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/agent"
	"github.com/swarmlet/coordinator/internal/breaker"
	"github.com/swarmlet/coordinator/internal/events"
)

func newTestScheduler(t *testing.T, opts Options) (*TaskScheduler, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	s := NewTaskScheduler(bus, zap.NewNop(), opts)
	t.Cleanup(s.Stop)
	return s, bus
}

func registerAgents(s *TaskScheduler, ids ...string) {
	for _, id := range ids {
		s.RegisterAgent(agent.Profile{ID: id, Capabilities: []string{"general"}})
	}
}

func TestAssignTaskDuplicate(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1")

	if err := s.AssignTask(&Task{ID: "t1"}, "a1"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	err := s.AssignTask(&Task{ID: "t1"}, "a1")
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("duplicate assign error = %v, want ErrTaskExists", err)
	}
}

func TestAssignTaskUnknownAgent(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	err := s.AssignTask(&Task{ID: "t1"}, "ghost")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("error = %v, want ErrAgentNotFound", err)
	}
}

func TestAssignTaskCycleRejected(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1")

	if err := s.AssignTask(&Task{ID: "A", Dependencies: []string{"B"}}, "a1"); err != nil {
		t.Fatalf("assign A: %v", err)
	}
	err := s.AssignTask(&Task{ID: "B", Dependencies: []string{"A"}}, "a1")
	var depErr *DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("error = %v, want DependencyError", err)
	}
	// The rejected task must not linger in the graph.
	if _, ok := s.Task("B"); ok {
		t.Error("rejected task B should not be tracked")
	}
}

func TestDependencyOrdering(t *testing.T) {
	s, bus := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1")
	sub := bus.Subscribe(events.TopicTask, 64)

	if err := s.AssignTask(&Task{ID: "A"}, "a1"); err != nil {
		t.Fatalf("assign A: %v", err)
	}
	if err := s.AssignTask(&Task{ID: "B", Dependencies: []string{"A"}}, "a1"); err != nil {
		t.Fatalf("assign B: %v", err)
	}

	got, _ := s.Task("B")
	if got.Status != StatusPending {
		t.Fatalf("B status = %v, want pending before A completes", got.Status)
	}

	if err := s.CompleteTask("A", "ok"); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	got, _ = s.Task("B")
	if got.Status != StatusRunning {
		t.Fatalf("B status = %v, want running after A completed", got.Status)
	}

	// B must never be announced before A's completion.
	var order []string
	deadline := time.After(time.Second)
	for len(order) < 3 {
		select {
		case ev := <-sub:
			switch e := ev.(type) {
			case events.TaskAssignedEvent:
				order = append(order, "assigned:"+e.TaskID)
			case events.TaskCompletedEvent:
				order = append(order, "completed:"+e.TaskID)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", order)
		}
	}
	want := []string{"assigned:A", "completed:A", "assigned:B"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want %v", order, want)
		}
	}
}

func TestCompleteTaskIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1")

	if err := s.AssignTask(&Task{ID: "t1"}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask("t1", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask("t1", "second"); err != nil {
		t.Fatalf("second complete should be a no-op, got %v", err)
	}
	got, _ := s.Task("t1")
	if got.Result != "first" {
		t.Errorf("result = %q, want first result preserved", got.Result)
	}
}

func TestFailTaskRetries(t *testing.T) {
	s, _ := newTestScheduler(t, Options{MaxRetries: 3, RetryDelay: 10 * time.Millisecond})
	registerAgents(s, "a1")

	if err := s.AssignTask(&Task{ID: "t1"}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask("t1", errors.New("transient")); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Task("t1")
	if got.Status != StatusReady {
		t.Fatalf("status after first failure = %v, want ready (queued for retry)", got.Status)
	}

	// Wait for the retry timer to redispatch.
	waitForStatus(t, s, "t1", StatusRunning)
}

func TestFailTaskExhaustsRetries(t *testing.T) {
	s, _ := newTestScheduler(t, Options{MaxRetries: 2, RetryDelay: 5 * time.Millisecond})
	registerAgents(s, "a1")

	if err := s.AssignTask(&Task{ID: "A"}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignTask(&Task{ID: "B", Dependencies: []string{"A"}}, "a1"); err != nil {
		t.Fatal(err)
	}

	if err := s.FailTask("A", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, "A", StatusRunning)
	if err := s.FailTask("A", errors.New("boom again")); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Task("A")
	if got.Status != StatusFailed {
		t.Fatalf("A status = %v, want failed after retries exhausted", got.Status)
	}
	// Dependents are cancelled, never retried.
	got, _ = s.Task("B")
	if got.Status != StatusCancelled {
		t.Fatalf("B status = %v, want cancelled by cascade", got.Status)
	}
}

func TestFailTaskBreakerRejectionIsFastFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "open circuit", err: breaker.ErrOpen},
		{name: "probe limit reached", err: breaker.ErrTooManyProbes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler(t, Options{MaxRetries: 3, RetryDelay: time.Hour})
			registerAgents(s, "a1")

			if err := s.AssignTask(&Task{ID: "t1"}, "a1"); err != nil {
				t.Fatal(err)
			}
			if err := s.FailTask("t1", fmt.Errorf("flaky: %w", tt.err)); err != nil {
				t.Fatal(err)
			}

			got, _ := s.Task("t1")
			if got.Status != StatusFailed {
				t.Fatalf("status = %v, want failed immediately on breaker rejection", got.Status)
			}

			s.mu.Lock()
			attempts := s.tasks["t1"].Attempts
			s.mu.Unlock()
			if attempts != 0 {
				t.Errorf("attempts = %d, breaker rejections must not consume attempts", attempts)
			}
		})
	}
}

func TestCancelTaskCascades(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1")

	for _, tc := range []struct {
		id   string
		deps []string
	}{
		{"A", nil}, {"B", []string{"A"}}, {"C", []string{"B"}},
	} {
		if err := s.AssignTask(&Task{ID: tc.id, Dependencies: tc.deps}, "a1"); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.CancelTask("A", "operator request"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"A", "B", "C"} {
		got, _ := s.Task(id)
		if got.Status != StatusCancelled {
			t.Errorf("%s status = %v, want cancelled", id, got.Status)
		}
	}
}

func TestRescheduleAgentTasks(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1", "a2")

	if err := s.AssignTask(&Task{ID: "t1", RequiredCapabilities: []string{"general"}}, "a1"); err != nil {
		t.Fatal(err)
	}
	moved, err := s.RescheduleAgentTasks("a1")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	got, _ := s.Task("t1")
	if got.AssignedAgent != "a2" {
		t.Errorf("assigned agent = %s, want a2", got.AssignedAgent)
	}
	if s.AgentTaskCount("a1") != 0 || s.AgentTaskCount("a2") != 1 {
		t.Errorf("task counts = (%d, %d), want (0, 1)",
			s.AgentTaskCount("a1"), s.AgentTaskCount("a2"))
	}
}

func TestReassignRejectsStartedTask(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1", "a2")

	if err := s.AssignTask(&Task{ID: "t1"}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress("t1", 40); err != nil {
		t.Fatal(err)
	}
	if err := s.Reassign("t1", "a1", "a2"); err == nil {
		t.Fatal("reassigning a task with progress must fail")
	}
}

func TestSnapshotCounts(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1")

	if err := s.AssignTask(&Task{ID: "A"}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignTask(&Task{ID: "B", Dependencies: []string{"A"}}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask("A", "ok"); err != nil {
		t.Fatal(err)
	}

	c := s.Snapshot()
	if c.Total != 2 || c.Completed != 1 || c.Running != 1 {
		t.Fatalf("snapshot = %+v, want total=2 completed=1 running=1", c)
	}
}

func TestPruneTerminalPrunesGraph(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultOptions())
	registerAgents(s, "a1")

	if err := s.AssignTask(&Task{ID: "A"}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignTask(&Task{ID: "C"}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignTask(&Task{ID: "B", Dependencies: []string{"A", "C"}}, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask("A", "ok"); err != nil {
		t.Fatal(err)
	}

	// A is terminal but B still depends on it: prune drops A from the task
	// table while its graph node survives for B's readiness bookkeeping.
	if n := s.PruneTerminal(0); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, ok := s.Task("A"); ok {
		t.Error("A should no longer be tracked after pruning")
	}
	if s.graph.Size() != 3 {
		t.Fatalf("graph size = %d, want A's node retained for B", s.graph.Size())
	}

	// B must still become ready off A's retained completion record.
	if err := s.CompleteTask("C", "ok"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Task("B")
	if got.Status != StatusRunning {
		t.Fatalf("B status = %v, want running once both dependencies completed", got.Status)
	}

	// Once the whole chain is terminal, pruning empties the graph too.
	if err := s.CompleteTask("B", "ok"); err != nil {
		t.Fatal(err)
	}
	if n := s.PruneTerminal(0); n != 2 {
		t.Fatalf("pruned = %d, want 2", n)
	}
	if s.graph.Size() != 0 {
		t.Fatalf("graph size = %d, want 0 after all tasks pruned", s.graph.Size())
	}
}

func waitForStatus(t *testing.T, s *TaskScheduler, taskID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := s.Task(taskID); ok && got.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := s.Task(taskID)
	t.Fatalf("task %s status = %v, want %v", taskID, got.Status, want)
}
