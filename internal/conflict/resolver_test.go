package conflict

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/events"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewResolver(bus, zap.NewNop(), time.Minute)
}

func TestPriorityStrategy(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rctx Context
		want string
	}{
		{
			name: "highest priority wins",
			rctx: Context{AgentPriorities: map[string]int{"a1": 1, "a2": 9}},
			want: "a2",
		},
		{
			name: "priority tie breaks by earliest request",
			rctx: Context{
				AgentPriorities: map[string]int{"a1": 5, "a2": 5},
				RequestTimestamps: map[string]time.Time{
					"a1": base.Add(time.Second),
					"a2": base,
				},
			},
			want: "a2",
		},
		{
			name: "full tie breaks by lexical id",
			rctx: Context{AgentPriorities: map[string]int{"a1": 5, "a2": 5}},
			want: "a1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t)
			c := r.ReportResourceConflict("res", []string{"a1", "a2"})
			res, err := r.ResolveConflict(c.ID, "priority", tt.rctx)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Winner != tt.want {
				t.Fatalf("winner = %s, want %s", res.Winner, tt.want)
			}
		})
	}
}

func TestTimestampStrategy(t *testing.T) {
	r := newTestResolver(t)
	base := time.Now()
	c := r.ReportResourceConflict("res", []string{"a1", "a2", "a3"})

	res, err := r.ResolveConflict(c.ID, "timestamp", Context{
		RequestTimestamps: map[string]time.Time{
			"a1": base.Add(time.Second),
			"a2": base,
			// a3 has no recorded timestamp and loses.
		},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner != "a2" {
		t.Fatalf("winner = %s, want a2 (first come first served)", res.Winner)
	}
	if len(res.Losers) != 2 {
		t.Fatalf("losers = %v, want a1 and a3", res.Losers)
	}
}

func TestTimestampStrategyNoEvidence(t *testing.T) {
	r := newTestResolver(t)
	c := r.ReportResourceConflict("res", []string{"a1", "a2"})

	_, err := r.ResolveConflict(c.ID, "timestamp", Context{})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("error = %v, want ErrUnresolved without timestamps", err)
	}
}

func TestVotingStrategy(t *testing.T) {
	r := newTestResolver(t)
	c := r.ReportTaskConflict("task", []string{"a1", "a2"})

	res, err := r.ResolveConflict(c.ID, "voting", Context{
		Votes: map[string][]string{
			"v1": {"a1"},
			"v2": {"a1"},
			"v3": {"a2"},
		},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Winner != "a1" {
		t.Fatalf("winner = %s, want a1 with two votes", res.Winner)
	}
}

func TestVotingTieIsUnresolved(t *testing.T) {
	r := newTestResolver(t)
	c := r.ReportTaskConflict("task", []string{"a1", "a2"})

	_, err := r.ResolveConflict(c.ID, "voting", Context{
		Votes: map[string][]string{
			"v1": {"a1"},
			"v2": {"a2"},
		},
	})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("error = %v, want ErrUnresolved on tie", err)
	}

	// The conflict stays open for a later strategy.
	got, ok := r.Get(c.ID)
	if !ok || got.Resolved {
		t.Fatal("tied conflict must remain unresolved")
	}
}

func TestResolveConflictIdempotent(t *testing.T) {
	r := newTestResolver(t)
	c := r.ReportResourceConflict("res", []string{"a1", "a2"})

	first, err := r.ResolveConflict(c.ID, "priority", Context{
		AgentPriorities: map[string]int{"a1": 2, "a2": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Resolving again, even with different evidence, returns the recorded
	// resolution.
	second, err := r.ResolveConflict(c.ID, "priority", Context{
		AgentPriorities: map[string]int{"a1": 0, "a2": 9},
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Winner != first.Winner {
		t.Fatalf("second resolution winner = %s, want %s", second.Winner, first.Winner)
	}
}

func TestResolveConflictUnknownInputs(t *testing.T) {
	r := newTestResolver(t)

	if _, err := r.ResolveConflict("ghost", "priority", Context{}); !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("error = %v, want ErrConflictNotFound", err)
	}

	c := r.ReportResourceConflict("res", []string{"a1"})
	if _, err := r.ResolveConflict(c.ID, "astrology", Context{}); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("error = %v, want ErrUnknownStrategy", err)
	}
}

func TestPruneResolved(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	r := NewResolver(bus, zap.NewNop(), time.Nanosecond)

	c := r.ReportResourceConflict("res", []string{"a1", "a2"})
	if _, err := r.AutoResolve(c.ID, "", Context{AgentPriorities: map[string]int{"a1": 1}}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	pruned := r.PruneResolved()
	if len(pruned) != 1 || pruned[0].ID != c.ID {
		t.Fatalf("pruned = %v, want the resolved conflict", pruned)
	}
	if total, _ := r.Counts(); total != 0 {
		t.Fatalf("counts after prune = %d, want 0", total)
	}
}
