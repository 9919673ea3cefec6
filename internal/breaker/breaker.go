package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen is returned when a call is rejected because the circuit is
	// open. Rejections are fast failures: the wrapped operation is never
	// invoked.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open probe limit is
	// already saturated by in-flight calls.
	ErrTooManyProbes = errors.New("circuit breaker half-open probe limit reached")
)

// Settings configures one breaker.
type Settings struct {
	FailureThreshold int           // consecutive failures that trip CLOSED -> OPEN
	SuccessThreshold int           // consecutive half-open successes to close
	Timeout          time.Duration // how long OPEN lasts before probing
	HalfOpenLimit    int           // max concurrent half-open probe calls
}

// DefaultSettings returns conservative defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenLimit:    3,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.HalfOpenLimit <= 0 {
		s.HalfOpenLimit = d.HalfOpenLimit
	}
	return s
}

// Counts is a snapshot of a breaker's counters.
type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailure          time.Time
	NextAttempt          time.Time
	InFlightProbes       int
}

// Breaker isolates a single named operation. CLOSED passes calls through
// and counts consecutive failures; OPEN rejects immediately until the
// timeout elapses; HALF_OPEN allows a bounded number of concurrent probes,
// closing after enough consecutive successes and reopening on any failure.
type Breaker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	nextAttempt time.Time
	probes      int

	// onStateChange is invoked outside the mutex after a transition.
	onStateChange func(name string, from, to State, counts Counts)
}

// New creates a breaker with the given name and settings.
func New(name string, settings Settings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
	}
}

// Name returns the protected operation name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn under the breaker policy. The underlying error is
// returned unchanged; short-circuited calls fail with ErrOpen (or
// ErrTooManyProbes) without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// allow decides whether a call may proceed, taking a probe slot in
// half-open state.
func (b *Breaker) allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if time.Now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrOpen
		}
		from := b.state
		b.state = StateHalfOpen
		b.successes = 0
		b.probes = 1
		b.notify(from, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.probes >= b.settings.HalfOpenLimit {
			b.mu.Unlock()
			return ErrTooManyProbes
		}
		b.probes++
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// record applies a call outcome. Context cancellation is not counted as a
// downstream failure.
func (b *Breaker) record(err error) {
	success := err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	b.mu.Lock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if success {
		switch b.state {
		case StateClosed:
			b.failures = 0
			b.mu.Unlock()
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				from := b.state
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
				b.probes = 0
				b.notify(from, StateClosed)
				return
			}
			b.mu.Unlock()
		default:
			b.mu.Unlock()
		}
		return
	}

	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.trip()
			return
		}
		b.mu.Unlock()
	case StateHalfOpen:
		// Any half-open failure reopens immediately and resets the timeout.
		b.trip()
	default:
		b.mu.Unlock()
	}
}

// trip moves to OPEN. Caller must hold b.mu; trip releases it via notify.
func (b *Breaker) trip() {
	from := b.state
	b.state = StateOpen
	b.successes = 0
	b.probes = 0
	b.nextAttempt = time.Now().Add(b.settings.Timeout)
	b.notify(from, StateOpen)
}

// notify releases the mutex and fires the state-change hook.
func (b *Breaker) notify(from, to State) {
	hook := b.onStateChange
	counts := b.countsLocked()
	b.mu.Unlock()
	if hook != nil && from != to {
		hook(b.name, from, to, counts)
	}
}

func (b *Breaker) countsLocked() Counts {
	return Counts{
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailure:          b.lastFailure,
		NextAttempt:          b.nextAttempt,
		InFlightProbes:       b.probes,
	}
}

// State returns the current state, applying the OPEN -> HALF_OPEN timeout
// transition if it is due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.nextAttempt) {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns a snapshot of the breaker's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countsLocked()
}

// Reset forces the breaker back to CLOSED and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.nextAttempt = time.Time{}
	b.notify(from, StateClosed)
}
