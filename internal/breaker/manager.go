package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlet/coordinator/internal/events"
)

// Snapshot describes one breaker for aggregate metrics.
type Snapshot struct {
	Name   string
	State  State
	Counts Counts
}

// Manager lazily creates one named breaker per protected operation.
// Breakers are never destroyed except by explicit Reset.
type Manager struct {
	mu       sync.Mutex
	bus      *events.Bus
	log      *zap.Logger
	settings Settings
	breakers map[string]*Breaker
}

// NewManager creates a manager applying the same settings to every breaker
// it creates. State transitions are logged and published on the bus.
func NewManager(bus *events.Bus, log *zap.Logger, settings Settings) *Manager {
	return &Manager{
		bus:      bus,
		log:      log,
		settings: settings.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the given operation name, creating it on
// first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}

	b := New(name, m.settings)
	b.onStateChange = m.stateChanged
	m.breakers[name] = b
	return b
}

func (m *Manager) stateChanged(name string, from, to State, counts Counts) {
	m.log.Warn("circuit breaker state change",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", counts.ConsecutiveFailures))

	now := time.Now()
	switch to {
	case StateOpen:
		m.bus.Publish(events.TopicCircuit, events.CircuitOpenedEvent{
			Name:      name,
			Failures:  counts.ConsecutiveFailures,
			Timestamp: now,
		})
	case StateClosed:
		m.bus.Publish(events.TopicCircuit, events.CircuitClosedEvent{
			Name:      name,
			Timestamp: now,
		})
	}
}

// Snapshots returns the current state of every breaker, keyed by name.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Snapshot, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = Snapshot{Name: name, State: b.State(), Counts: b.Counts()}
	}
	return out
}

// OpenCount returns how many breakers are currently not closed.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, b := range m.breakers {
		if b.State() != StateClosed {
			n++
		}
	}
	return n
}

// ResetAll forces every breaker back to CLOSED.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
