package forwarder

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects exchanges.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a circuit breaker
type BreakerState int32

const (
	// BreakerClosed passes every exchange through
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects exchanges until the open timeout elapses
	BreakerOpen
	// BreakerHalfOpen lets probes through to test whether the upstream recovered
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive upstream failures. After failureThreshold
// failures it opens; after openTimeout it half-opens, and successThreshold
// consecutive successes close it again. Any half-open failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	now func() time.Time
}

// NewBreaker creates a closed breaker. Thresholds below one are raised to one.
func NewBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

// Allow reports whether an exchange may proceed, moving an expired open
// breaker to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return true
}

// Record feeds the outcome of an allowed exchange back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.successes++
			if b.successes >= b.successThreshold {
				b.state = BreakerClosed
			}
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
