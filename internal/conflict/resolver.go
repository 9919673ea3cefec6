// Package conflict arbitrates simultaneous claims on resources and tasks.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/events"
)

// Kind distinguishes what is being contended.
type Kind string

const (
	KindResource Kind = "resource"
	KindTask     Kind = "task"
)

var (
	// ErrConflictNotFound is returned for operations on unknown conflict ids.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrUnknownStrategy is returned when dispatching to an unregistered
	// strategy name.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
	// ErrUnresolved is returned when a strategy cannot pick a winner
	// (e.g. a voting tie); the caller decides what to do, the resolver
	// never guesses.
	ErrUnresolved = errors.New("conflict unresolved")
)

// Conflict records two or more agents contending for the same subject in
// the same window.
type Conflict struct {
	ID         string
	Kind       Kind
	SubjectID  string
	Agents     []string
	DetectedAt time.Time
	Resolved   bool
	Resolution *Resolution
}

// Resolution records the outcome of arbitration.
type Resolution struct {
	Winner     string
	Losers     []string
	Strategy   string
	Reason     string
	ResolvedAt time.Time
}

// Context carries the evidence strategies arbitrate over.
type Context struct {
	AgentPriorities   map[string]int
	RequestTimestamps map[string]time.Time
	Votes             map[string][]string // voter agent -> ballot of agent ids
}

// Strategy decides a winner among the conflict's agents.
type Strategy interface {
	Name() string
	Resolve(c *Conflict, rctx Context) (*Resolution, error)
}

// Resolver records, arbitrates and archives conflicts.
type Resolver struct {
	mu         sync.Mutex
	bus        *events.Bus
	log        *zap.Logger
	strategies map[string]Strategy
	conflicts  map[string]*Conflict
	retention  time.Duration
}

// NewResolver creates a resolver preloaded with the priority, timestamp and
// voting strategies. Resolved conflicts are kept for retention before
// PruneResolved drops them (zero or negative defaults to 10 minutes).
func NewResolver(bus *events.Bus, log *zap.Logger, retention time.Duration) *Resolver {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	r := &Resolver{
		bus:        bus,
		log:        log,
		strategies: make(map[string]Strategy),
		conflicts:  make(map[string]*Conflict),
		retention:  retention,
	}
	r.RegisterStrategy(&PriorityStrategy{})
	r.RegisterStrategy(&TimestampStrategy{})
	r.RegisterStrategy(&VotingStrategy{})
	return r
}

// RegisterStrategy adds or replaces a named strategy.
func (r *Resolver) RegisterStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// ReportResourceConflict records contending claims on a resource.
func (r *Resolver) ReportResourceConflict(resourceID string, agents []string) *Conflict {
	return r.report(KindResource, resourceID, agents)
}

// ReportTaskConflict records contending claims on a task.
func (r *Resolver) ReportTaskConflict(taskID string, agents []string) *Conflict {
	return r.report(KindTask, taskID, agents)
}

func (r *Resolver) report(kind Kind, subjectID string, agents []string) *Conflict {
	c := &Conflict{
		ID:         uuid.NewString(),
		Kind:       kind,
		SubjectID:  subjectID,
		Agents:     append([]string(nil), agents...),
		DetectedAt: time.Now(),
	}
	sort.Strings(c.Agents)

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.mu.Unlock()

	r.log.Info("conflict detected",
		zap.String("conflict", c.ID),
		zap.String("kind", string(kind)),
		zap.String("subject", subjectID),
		zap.Strings("agents", c.Agents))
	r.bus.Publish(events.TopicConflict, events.ConflictDetectedEvent{
		ConflictID: c.ID,
		SubjectID:  subjectID,
		Agents:     c.Agents,
		Timestamp:  c.DetectedAt,
	})
	return c
}

// ResolveConflict dispatches to the named strategy. Resolving an
// already-resolved conflict returns its existing resolution.
func (r *Resolver) ResolveConflict(conflictID, strategyName string, rctx Context) (*Resolution, error) {
	r.mu.Lock()
	c, ok := r.conflicts[conflictID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if c.Resolved {
		res := c.Resolution
		r.mu.Unlock()
		return res, nil
	}
	strat, ok := r.strategies[strategyName]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyName)
	}
	r.mu.Unlock()

	res, err := strat.Resolve(c, rctx)
	if err != nil {
		return nil, err
	}
	res.ResolvedAt = time.Now()

	r.mu.Lock()
	c.Resolved = true
	c.Resolution = res
	r.mu.Unlock()

	r.log.Info("conflict resolved",
		zap.String("conflict", c.ID),
		zap.String("winner", res.Winner),
		zap.String("strategy", res.Strategy),
		zap.String("reason", res.Reason))
	r.bus.Publish(events.TopicConflict, events.ConflictResolvedEvent{
		ConflictID: c.ID,
		Winner:     res.Winner,
		Strategy:   res.Strategy,
		Timestamp:  res.ResolvedAt,
	})
	return res, nil
}

// AutoResolve resolves with the preferred strategy, defaulting to priority.
func (r *Resolver) AutoResolve(conflictID string, preferred string, rctx Context) (*Resolution, error) {
	if preferred == "" {
		preferred = "priority"
	}
	return r.ResolveConflict(conflictID, preferred, rctx)
}

// Get returns a conflict by id.
func (r *Resolver) Get(conflictID string) (*Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[conflictID]
	return c, ok
}

// Counts returns (total recorded, resolved).
func (r *Resolver) Counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolved := 0
	for _, c := range r.conflicts {
		if c.Resolved {
			resolved++
		}
	}
	return len(r.conflicts), resolved
}

// PruneResolved drops resolved conflicts past the retention window.
// Returns the pruned conflicts so callers can archive them.
func (r *Resolver) PruneResolved() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.retention)
	var pruned []*Conflict
	for id, c := range r.conflicts {
		if c.Resolved && c.Resolution != nil && c.Resolution.ResolvedAt.Before(cutoff) {
			pruned = append(pruned, c)
			delete(r.conflicts, id)
		}
	}
	return pruned
}
