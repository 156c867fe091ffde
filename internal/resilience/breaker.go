package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when a call is rejected without being
// attempted.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker's current disposition.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // rejecting calls
	BreakerHalfOpen                     // probing for recovery
)

// Breaker protects a downstream speech provider from repeated failing
// calls. After maxFailures consecutive failures it opens for resetTimeout,
// then lets a single probe call through.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Call runs fn under breaker protection. While open, fn is not invoked and
// ErrBreakerOpen is returned.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := fn()
	b.Record(err == nil)
	return err
}

// Record feeds an externally observed outcome into the breaker, for
// callers that cannot wrap the work in Call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		b.state = BreakerClosed
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}
