package scheduler

import (
	"sort"
	"sync"

	"github.com/swarmlet/coordinator/internal/agent"
)

// SchedulingContext carries the load and history snapshot a strategy may
// consult. Built by the AdvancedTaskScheduler at selection time.
type SchedulingContext struct {
	TaskCounts map[string]int       // agentID -> currently assigned tasks
	Stats      map[string]TaskStats // task type -> execution history
	MeanLoad   float64              // mean task count across candidates
}

// Strategy selects an agent for a task from a candidate list.
// Implementations must be deterministic for a given input so scheduling
// decisions are testable and predictable for operators.
type Strategy interface {
	Name() string
	SelectAgent(t *Task, candidates []agent.Profile, sctx SchedulingContext) (string, bool)
}

// StrategyRegistry holds named strategies and the configured default.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	defaultKey string
}

// NewStrategyRegistry returns a registry preloaded with the built-in
// strategies, defaulting to capability selection.
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[string]Strategy)}
	r.Register(&CapabilityStrategy{})
	r.Register(&RoundRobinStrategy{})
	r.Register(&LeastLoadedStrategy{})
	r.Register(&AffinityStrategy{})
	r.defaultKey = "capability"
	return r
}

// Register adds or replaces a strategy under its name.
func (r *StrategyRegistry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// SetDefault changes the default strategy. Unknown names are ignored and
// reported via the return value.
func (r *StrategyRegistry) SetDefault(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[name]; !ok {
		return false
	}
	r.defaultKey = name
	return true
}

// Get returns the named strategy, or the default when name is empty.
func (r *StrategyRegistry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultKey
	}
	s, ok := r.strategies[name]
	return s, ok
}

// capable filters candidates to those covering the task's required
// capabilities, preserving input order.
func capable(t *Task, candidates []agent.Profile) []agent.Profile {
	out := make([]agent.Profile, 0, len(candidates))
	for _, c := range candidates {
		if c.HasCapabilities(t.RequiredCapabilities) {
			out = append(out, c)
		}
	}
	return out
}

// CapabilityStrategy picks the capable agent with the fewest currently
// assigned tasks; ties break by lexical agent id.
type CapabilityStrategy struct{}

func (s *CapabilityStrategy) Name() string { return "capability" }

func (s *CapabilityStrategy) SelectAgent(t *Task, candidates []agent.Profile, sctx SchedulingContext) (string, bool) {
	survivors := capable(t, candidates)
	if len(survivors) == 0 {
		return "", false
	}
	sort.Slice(survivors, func(i, j int) bool {
		li, lj := sctx.TaskCounts[survivors[i].ID], sctx.TaskCounts[survivors[j].ID]
		if li != lj {
			return li < lj
		}
		return survivors[i].ID < survivors[j].ID
	})
	return survivors[0].ID, true
}

// RoundRobinStrategy cycles through the full agent list via a persistent
// index, ignoring load. Agents lacking required capabilities are skipped.
type RoundRobinStrategy struct {
	mu   sync.Mutex
	next int
}

func (s *RoundRobinStrategy) Name() string { return "round-robin" }

func (s *RoundRobinStrategy) SelectAgent(t *Task, candidates []agent.Profile, _ SchedulingContext) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(candidates); i++ {
		idx := (s.next + i) % len(candidates)
		if candidates[idx].HasCapabilities(t.RequiredCapabilities) {
			s.next = idx + 1
			return candidates[idx].ID, true
		}
	}
	return "", false
}

// LeastLoadedStrategy picks the globally least-loaded capable agent,
// ignoring affinity history. Ties break by lexical agent id.
type LeastLoadedStrategy struct{}

func (s *LeastLoadedStrategy) Name() string { return "least-loaded" }

func (s *LeastLoadedStrategy) SelectAgent(t *Task, candidates []agent.Profile, sctx SchedulingContext) (string, bool) {
	survivors := capable(t, candidates)
	if len(survivors) == 0 {
		return "", false
	}
	best := survivors[0]
	for _, c := range survivors[1:] {
		lb, lc := sctx.TaskCounts[best.ID], sctx.TaskCounts[c.ID]
		if lc < lb || (lc == lb && c.ID < best.ID) {
			best = c
		}
	}
	return best.ID, true
}

// AffinityStrategy prefers the agent that last successfully executed the
// same task type, falling back to least-loaded when there is no history or
// that agent is now overloaded (load > 2x the candidate mean).
type AffinityStrategy struct {
	fallback LeastLoadedStrategy
}

func (s *AffinityStrategy) Name() string { return "affinity" }

func (s *AffinityStrategy) SelectAgent(t *Task, candidates []agent.Profile, sctx SchedulingContext) (string, bool) {
	stats, ok := sctx.Stats[t.Type]
	if ok && stats.LastAgent != "" {
		for _, c := range candidates {
			if c.ID != stats.LastAgent || !c.HasCapabilities(t.RequiredCapabilities) {
				continue
			}
			if float64(sctx.TaskCounts[c.ID]) <= 2*sctx.MeanLoad {
				return c.ID, true
			}
			break
		}
	}
	return s.fallback.SelectAgent(t, candidates, sctx)
}
