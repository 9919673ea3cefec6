package resource

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/events"
)

func newTestManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewManager(bus, zap.NewNop(), timeout)
}

func TestAcquireFreeResource(t *testing.T) {
	m := newTestManager(t, time.Second)

	if err := m.Acquire(context.Background(), "r1", "a1", 0); err != nil {
		t.Fatalf("acquire free resource: %v", err)
	}
	if got := m.Allocations()["r1"]; got != "a1" {
		t.Fatalf("holder = %q, want a1", got)
	}
}

func TestAcquireDuplicate(t *testing.T) {
	m := newTestManager(t, time.Second)

	if err := m.Acquire(context.Background(), "r1", "a1", 0); err != nil {
		t.Fatal(err)
	}
	err := m.Acquire(context.Background(), "r1", "a1", 0)
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("re-acquire error = %v, want ErrAlreadyQueued", err)
	}
}

func TestReleaseNonHolder(t *testing.T) {
	m := newTestManager(t, time.Second)

	if err := m.Acquire(context.Background(), "r1", "a1", 0); err != nil {
		t.Fatal(err)
	}
	err := m.Release("r1", "a2")
	if !errors.Is(err, ErrNotHolder) {
		t.Fatalf("release error = %v, want ErrNotHolder", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) || lockErr.AgentID != "a2" {
		t.Fatalf("error = %v, want LockError for a2", err)
	}
}

func TestGrantOrderPriorityThenArrival(t *testing.T) {
	m := newTestManager(t, 5*time.Second)

	if err := m.Acquire(context.Background(), "r1", "holder", 0); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var grants []string
	var wg sync.WaitGroup

	queued := 0
	enqueue := func(agentID string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(context.Background(), "r1", agentID, priority); err != nil {
				t.Errorf("acquire %s: %v", agentID, err)
				return
			}
			mu.Lock()
			grants = append(grants, agentID)
			mu.Unlock()
			_ = m.Release("r1", agentID)
		}()
		queued++
		waitForQueued(t, m, queued)
	}

	// Two equal-priority waiters arrive first, then a higher-priority one.
	enqueue("w1", 5)
	enqueue("w2", 5)
	enqueue("w3", 10)

	if err := m.Release("r1", "holder"); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"w3", "w1", "w2"}
	if len(grants) != len(want) {
		t.Fatalf("grants = %v, want %v", grants, want)
	}
	for i := range want {
		if grants[i] != want[i] {
			t.Fatalf("grant order = %v, want %v", grants, want)
		}
	}
}

func waitForQueued(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.QueuedWaiters() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queued waiters = %d, want >= %d", m.QueuedWaiters(), n)
}

func TestAcquireTimeout(t *testing.T) {
	m := newTestManager(t, 30*time.Millisecond)

	if err := m.Acquire(context.Background(), "r1", "a1", 0); err != nil {
		t.Fatal(err)
	}
	err := m.Acquire(context.Background(), "r1", "a2", 0)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("error = %v, want ErrAcquireTimeout", err)
	}
	if m.TimedOutTotal() != 1 {
		t.Errorf("timed out total = %d, want 1", m.TimedOutTotal())
	}
	// The holder keeps the resource.
	if got := m.Allocations()["r1"]; got != "a1" {
		t.Errorf("holder = %q, want a1", got)
	}
}

func TestAcquireContextCancel(t *testing.T) {
	m := newTestManager(t, time.Minute)

	if err := m.Acquire(context.Background(), "r1", "a1", 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := m.Acquire(ctx, "r1", "a2", 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestReleaseGrantsNextWaiter(t *testing.T) {
	m := newTestManager(t, time.Minute)

	if err := m.Acquire(context.Background(), "r1", "a1", 0); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(context.Background(), "r1", "a2", 0)
	}()
	waitForQueued(t, m, 1)

	if err := m.Release("r1", "a1"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never granted")
	}
	if got := m.Allocations()["r1"]; got != "a2" {
		t.Fatalf("holder = %q, want a2", got)
	}
}

func TestReleaseAllForAgent(t *testing.T) {
	m := newTestManager(t, time.Minute)

	for _, r := range []string{"r1", "r2"} {
		if err := m.Acquire(context.Background(), r, "a1", 0); err != nil {
			t.Fatal(err)
		}
	}
	// a1 also waits on a resource held by someone else.
	if err := m.Acquire(context.Background(), "r3", "other", 0); err != nil {
		t.Fatal(err)
	}
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- m.Acquire(context.Background(), "r3", "a1", 0)
	}()
	waitForQueued(t, m, 1)

	reason := errors.New("agent terminated")
	released := m.ReleaseAllForAgent("a1", reason)
	if len(released) != 2 {
		t.Fatalf("released = %v, want r1 and r2", released)
	}
	select {
	case err := <-waitErr:
		if !errors.Is(err, reason) {
			t.Fatalf("aborted waiter error = %v, want wrapped reason", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued acquire was not aborted")
	}
	if len(m.HeldBy("a1")) != 0 {
		t.Errorf("HeldBy(a1) = %v, want empty", m.HeldBy("a1"))
	}
}

func TestWaitingRequestsOrder(t *testing.T) {
	m := newTestManager(t, time.Minute)

	if err := m.Acquire(context.Background(), "r1", "holder", 0); err != nil {
		t.Fatal(err)
	}
	go m.Acquire(context.Background(), "r1", "low", 1)
	waitForQueued(t, m, 1)
	go m.Acquire(context.Background(), "r1", "high", 9)
	waitForQueued(t, m, 2)

	reqs := m.WaitingRequests()["r1"]
	if len(reqs) != 2 || reqs[0].AgentID != "high" || reqs[1].AgentID != "low" {
		t.Fatalf("waiting order = %+v, want high before low", reqs)
	}

	// Clean up the blocked goroutines.
	m.ReleaseAllForAgent("low", errors.New("done"))
	m.ReleaseAllForAgent("high", errors.New("done"))
}

func TestPerformMaintenancePurgesAllExpiredWaiters(t *testing.T) {
	m := newTestManager(t, time.Second)

	// Build a queue of already-expired waiters directly, bypassing the
	// per-acquire timers, so the sweep has more than one candidate. The
	// interleaved priorities force heap reshuffles on removal.
	state := &resourceState{id: "r1", holder: "holder"}
	stale := time.Now().Add(-time.Minute)
	waiters := make([]*waiter, 0, 4)
	for i, prio := range []int{1, 9, 3, 7} {
		w := &waiter{
			agentID:  "w" + string(rune('a'+i)),
			priority: prio,
			enqueued: stale,
			seq:      uint64(i),
			done:     make(chan error, 1),
		}
		heap.Push(&state.queue, w)
		waiters = append(waiters, w)
	}
	m.mu.Lock()
	m.resources["r1"] = state
	m.mu.Unlock()

	if purged := m.PerformMaintenance(); purged != 4 {
		t.Fatalf("purged = %d, want all 4 expired waiters in one pass", purged)
	}
	for _, w := range waiters {
		select {
		case err := <-w.done:
			if !errors.Is(err, ErrAcquireTimeout) {
				t.Errorf("waiter %s error = %v, want ErrAcquireTimeout", w.agentID, err)
			}
		default:
			t.Errorf("waiter %s was never failed", w.agentID)
		}
	}
	if m.TimedOutTotal() != 4 {
		t.Errorf("timed out total = %d, want 4", m.TimedOutTotal())
	}
}
