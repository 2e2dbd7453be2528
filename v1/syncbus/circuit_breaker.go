package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic. Lockers only
// use the bus to shorten waits, so when a backend keeps failing it is better
// to stop publishing and let waiters fall back to polling than to pay a
// network timeout on every release.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus. The circuit opens after
// threshold consecutive failures and allows a single probe once timeout has
// elapsed.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a probe.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreakerBus) onFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if (cb.state == stateClosed && cb.failures >= cb.threshold) || cb.state == stateHalfOpen {
		if cb.state != stateOpen {
			slog.Warn("guard: bus circuit opened", "failures", cb.failures, "error", err)
		}
		cb.state = stateOpen
	}
}

func (cb *CircuitBreakerBus) guard(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.onFailure(err)
		return err
	}
	cb.onSuccess()
	return nil
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	return cb.guard(func() error { return cb.bus.Publish(ctx, topic) })
}

// Subscribe implements Bus.Subscribe with circuit breaker logic.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	var ch chan struct{}
	err := cb.guard(func() error {
		var err error
		ch, err = cb.bus.Subscribe(ctx, topic)
		return err
	})
	return ch, err
}

// Unsubscribe is passed through so open circuits never leak subscriptions.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
