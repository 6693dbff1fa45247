package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls the per-agent circuit breakers around task delivery.
type BreakerConfig struct {
	MaxRequests         uint32        `json:"max_requests"`         // Probes allowed while half-open
	OpenTimeout         time.Duration `json:"open_timeout"`         // Time spent open before probing
	ConsecutiveFailures uint32        `json:"consecutive_failures"` // Failures that trip the breaker
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerRegistry hands out one circuit breaker per agent ID.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
	logger   *slog.Logger
}

// NewBreakerRegistry creates a registry. A zero config uses DefaultBreakerConfig().
func NewBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if cfg == (BreakerConfig{}) {
		cfg = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for agentID, creating it on first use.
func (r *BreakerRegistry) Get(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "agent_id", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not the agent's fault
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[agentID] = cb
	return cb
}

// State returns the breaker state for agentID. Unknown agents report closed.
func (r *BreakerRegistry) State(agentID string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[agentID]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Forget drops the breaker for an unregistered agent.
func (r *BreakerRegistry) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, agentID)
}

// errRejected marks a false acknowledgement so the breaker counts it as a failure.
var errRejected = errors.New("agent rejected task")

// sendThroughBreaker delivers payload via ch, counting rejections and errors
// against the agent's breaker. Any failure is returned wrapped in ErrDeliveryFailed.
func sendThroughBreaker(ctx context.Context, cb *gobreaker.CircuitBreaker, ch Channel, agentID string, payload TaskPayload) error {
	_, err := cb.Execute(func() (interface{}, error) {
		ok, err := ch.SendTask(ctx, agentID, payload)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errRejected
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: agent %s: %w", ErrDeliveryFailed, agentID, err)
	}
	return nil
}
