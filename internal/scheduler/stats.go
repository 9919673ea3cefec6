package scheduler

import (
	"sync"
	"time"
)

// TaskStats aggregates per-task-type execution history. Updated on every
// completion and failure; drives the affinity strategy and scheduling
// metrics.
type TaskStats struct {
	Type        string
	Executions  int64
	Successes   int64
	AvgDuration time.Duration
	SuccessRate float64
	LastAgent   string // agent that last completed a task of this type
	LastRun     time.Time
}

type statsTracker struct {
	mu     sync.RWMutex
	byType map[string]*TaskStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{byType: make(map[string]*TaskStats)}
}

func (t *statsTracker) record(taskType, agentID string, duration time.Duration, success bool) {
	if taskType == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byType[taskType]
	if !ok {
		s = &TaskStats{Type: taskType}
		t.byType[taskType] = s
	}

	// Rolling average over all executions.
	total := s.AvgDuration*time.Duration(s.Executions) + duration
	s.Executions++
	s.AvgDuration = total / time.Duration(s.Executions)
	if success {
		s.Successes++
		s.LastAgent = agentID
		s.LastRun = time.Now()
	}
	s.SuccessRate = float64(s.Successes) / float64(s.Executions)
}

func (t *statsTracker) get(taskType string) (TaskStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byType[taskType]
	if !ok {
		return TaskStats{}, false
	}
	return *s, true
}

func (t *statsTracker) snapshot() map[string]TaskStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]TaskStats, len(t.byType))
	for k, v := range t.byType {
		out[k] = *v
	}
	return out
}
