package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Message is a coordination request delivered to one agent.
type Message struct {
	ID      string
	Target  string // agent id
	Type    string
	Payload map[string]any
}

// Response is the agent's reply to a message.
type Response struct {
	MessageID string
	Payload   map[string]any
}

// Transport delivers messages to agents. Implementations wrap whatever the
// deployment uses to reach agents (in-process queues, HTTP, a broker).
type Transport interface {
	Send(ctx context.Context, msg Message) (Response, error)
}

// RetryConfig configures exponential backoff retry behavior for message
// delivery.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// MessageRouter sends messages to agents with per-agent circuit breakers and
// exponential backoff retry. A consistently unreachable agent trips its
// breaker so the coordinator stops burning retries on it.
type MessageRouter struct {
	mu        sync.Mutex
	transport Transport
	log       *zap.Logger
	retryCfg  RetryConfig
	timeout   time.Duration
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewMessageRouter creates a router over the given transport. timeout bounds
// each SendWithResponse call; zero or negative defaults to 30s.
func NewMessageRouter(transport Transport, log *zap.Logger, retryCfg RetryConfig, timeout time.Duration) *MessageRouter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MessageRouter{
		transport: transport,
		log:       log,
		retryCfg:  retryCfg,
		timeout:   timeout,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker for the target agent, creating it
// on first use.
func (r *MessageRouter) breakerFor(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 3, // test requests allowed in half-open state
		Interval:    0, // don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("agent message breaker state change",
				zap.String("agent", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Don't count caller cancellation as agent failure.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[agentID] = cb
	return cb
}

// Send delivers a message without waiting for a meaningful reply body.
func (r *MessageRouter) Send(ctx context.Context, msg Message) error {
	_, err := r.SendWithResponse(ctx, msg)
	return err
}

// SendWithResponse delivers a message and returns the agent's reply,
// retrying transient failures with exponential backoff under the target's
// circuit breaker. An open breaker or cancelled context stops retrying
// immediately.
func (r *MessageRouter) SendWithResponse(ctx context.Context, msg Message) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cb := r.breakerFor(msg.Target)

	var resp Response
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return r.transport.Send(ctx, msg)
		})
		if err != nil {
			// Circuit is open - don't retry.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(Response)
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = r.retryCfg.InitialInterval
	backoffPolicy.MaxInterval = r.retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = r.retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = r.retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = r.retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(backoffPolicy, ctx))
	if err != nil {
		r.log.Debug("message delivery failed",
			zap.String("message", msg.ID),
			zap.String("agent", msg.Target),
			zap.Error(err))
	}
	return resp, err
}
