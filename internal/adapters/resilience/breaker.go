package resilience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing backend for a cool-down period.
// Closed opens after threshold consecutive failures; Open lets one trial
// call through once the timeout has passed; the trial closes or reopens it.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{name: name, threshold: threshold, timeout: timeout}
}

// Execute runs fn unless the breaker is open. Context cancellation is not
// counted as a backend failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) <= cb.timeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trial = true
	case StateHalfOpen:
		if cb.trial {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trial = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false

	if err != nil && !errors.Is(err, context.Canceled) {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			if cb.state != StateOpen {
				log.Printf("[Breaker] %s opened after %d failures: %v", cb.name, cb.failures, err)
			}
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
		return err
	}
	if err == nil {
		if cb.state != StateClosed {
			log.Printf("[Breaker] %s closed", cb.name)
		}
		cb.failures = 0
		cb.state = StateClosed
	}
	return err
}

func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
