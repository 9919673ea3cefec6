// Package stealing rebalances queued work between agents. A periodic cycle
// compares each agent's task count against the pool mean and moves
// unstarted tasks from overloaded donors to underloaded capable recipients.
package stealing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/agent"
	"github.com/swarmlet/coordinator/internal/events"
)

// Reassigner is the scheduler-side hook the coordinator steals through.
type Reassigner interface {
	// MovableTasks returns ids of the agent's tasks safe to move
	// (no reported progress, not terminal).
	MovableTasks(agentID string) []string
	// Reassign moves one task between agents, enforcing capability checks.
	Reassign(taskID, fromAgent, toAgent string) error
}

// Config tunes the steal cycle.
type Config struct {
	Interval  time.Duration // how often the periodic cycle runs
	Threshold float64       // donor cutoff as a multiple of the mean task count
	MaxBatch  int           // max tasks moved per cycle
}

// DefaultConfig returns the default stealing configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		Threshold: 1.5,
		MaxBatch:  3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Threshold <= 1 {
		c.Threshold = d.Threshold
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = d.MaxBatch
	}
	return c
}

// Coordinator tracks per-agent workload and redistributes tasks.
type Coordinator struct {
	mu        sync.Mutex
	bus       *events.Bus
	log       *zap.Logger
	cfg       Config
	workloads map[string]agent.Workload
}

// NewCoordinator creates a work-stealing coordinator.
func NewCoordinator(bus *events.Bus, log *zap.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		bus:       bus,
		log:       log,
		cfg:       cfg.withDefaults(),
		workloads: make(map[string]agent.Workload),
	}
}

// UpdateAgentWorkload refreshes one agent's workload from a periodic report.
func (c *Coordinator) UpdateAgentWorkload(w agent.Workload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.ReportedAt.IsZero() {
		w.ReportedAt = time.Now()
	}
	c.workloads[w.AgentID] = w
}

// RemoveAgent drops an agent's workload record, e.g. on agent loss.
func (c *Coordinator) RemoveAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workloads, agentID)
}

// Workloads returns a copy of the current workload map.
func (c *Coordinator) Workloads() map[string]agent.Workload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]agent.Workload, len(c.workloads))
	for k, v := range c.workloads {
		out[k] = v
	}
	return out
}

// FindBestAgent returns the least-loaded agent covering the required
// capabilities, excluding one id. Usable outside the periodic cycle, e.g.
// by the least-loaded scheduling strategy. Ties break by lexical agent id.
func (c *Coordinator) FindBestAgent(required []string, exclude string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := ""
	bestLoad := 0
	for id, w := range c.workloads {
		if id == exclude || !w.HasCapabilities(required) {
			continue
		}
		if best == "" || w.TaskCount < bestLoad || (w.TaskCount == bestLoad && id < best) {
			best = id
			bestLoad = w.TaskCount
		}
	}
	return best, best != ""
}

// StealCycle runs one rebalancing pass: agents above mean*threshold donate,
// the least-loaded capable agent below the mean receives. Returns the number
// of tasks moved, capped at MaxBatch.
func (c *Coordinator) StealCycle(r Reassigner) int {
	donors, recipients, mean := c.classify()
	if len(donors) == 0 || len(recipients) == 0 {
		return 0
	}

	moved := 0
	for _, donor := range donors {
		if moved >= c.cfg.MaxBatch {
			break
		}
		tasks := r.MovableTasks(donor.AgentID)
		for _, taskID := range tasks {
			if moved >= c.cfg.MaxBatch {
				break
			}
			target, ok := c.pickRecipient(recipients, donor.AgentID)
			if !ok {
				break
			}
			if err := r.Reassign(taskID, donor.AgentID, target); err != nil {
				// Capability mismatch or a task that started in the
				// meantime; try the next one.
				c.log.Debug("steal skipped",
					zap.String("task", taskID),
					zap.String("from", donor.AgentID),
					zap.String("to", target),
					zap.Error(err))
				continue
			}
			moved++
			c.adjust(donor.AgentID, -1)
			c.adjust(target, +1)
			c.bus.Publish(events.TopicTask, events.WorkStolenEvent{
				TaskID:    taskID,
				FromAgent: donor.AgentID,
				ToAgent:   target,
				Timestamp: time.Now(),
			})
		}
	}

	if moved > 0 {
		c.log.Info("steal cycle rebalanced tasks",
			zap.Int("moved", moved),
			zap.Float64("mean_load", mean))
	}
	return moved
}

// classify splits tracked agents into donors (above mean*threshold, most
// loaded first) and recipients (below mean, least loaded first).
func (c *Coordinator) classify() (donors, recipients []agent.Workload, mean float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.workloads) < 2 {
		return nil, nil, 0
	}

	total := 0
	for _, w := range c.workloads {
		total += w.TaskCount
	}
	mean = float64(total) / float64(len(c.workloads))

	for _, w := range c.workloads {
		if float64(w.TaskCount) > mean*c.cfg.Threshold {
			donors = append(donors, w)
		} else if float64(w.TaskCount) < mean {
			recipients = append(recipients, w)
		}
	}

	sort.Slice(donors, func(i, j int) bool {
		if donors[i].TaskCount != donors[j].TaskCount {
			return donors[i].TaskCount > donors[j].TaskCount
		}
		return donors[i].AgentID < donors[j].AgentID
	})
	sort.Slice(recipients, func(i, j int) bool {
		if recipients[i].TaskCount != recipients[j].TaskCount {
			return recipients[i].TaskCount < recipients[j].TaskCount
		}
		return recipients[i].AgentID < recipients[j].AgentID
	})
	return donors, recipients, mean
}

// pickRecipient returns the least-loaded recipient other than the donor,
// consulting live workload counts so repeated moves spread out.
func (c *Coordinator) pickRecipient(recipients []agent.Workload, donor string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := ""
	bestLoad := 0
	for _, r := range recipients {
		w, ok := c.workloads[r.AgentID]
		if !ok || r.AgentID == donor {
			continue
		}
		if best == "" || w.TaskCount < bestLoad || (w.TaskCount == bestLoad && r.AgentID < best) {
			best = r.AgentID
			bestLoad = w.TaskCount
		}
	}
	return best, best != ""
}

func (c *Coordinator) adjust(agentID string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workloads[agentID]
	if !ok {
		return
	}
	w.TaskCount += delta
	if w.TaskCount < 0 {
		w.TaskCount = 0
	}
	c.workloads[agentID] = w
}

// Run executes StealCycle on the configured interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, r Reassigner) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.StealCycle(r)
		}
	}
}
