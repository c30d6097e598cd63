package webhooks

import (
	"sync"
	"time"
)

// BreakerState is the state of a subscription's circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // deliveries flow
	BreakerOpen                         // endpoint failing, deliveries deferred
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-subscription circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts that
	// opens the circuit. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial request is allowed.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	state            BreakerState
	consecutiveFails int
	openedAt         time.Time
	probing          bool
}

// breakers tracks one circuit per subscription. An open circuit defers
// deliveries to a failing endpoint without spending their attempts.
type breakers struct {
	mu     sync.Mutex
	byID   map[string]*breaker
	config BreakerConfig
	now    func() time.Time
}

func newBreakers(config BreakerConfig, now func() time.Time) *breakers {
	return &breakers{byID: make(map[string]*breaker), config: config, now: now}
}

// allow reports whether a delivery to the subscription may be attempted.
// When it may not, the returned time is when the circuit will let a trial request
// through.
func (r *breakers) allow(subscriptionID string) (bool, time.Time) {
	if r.config.FailureThreshold <= 0 {
		return true, time.Time{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.getOrCreate(subscriptionID)

	switch cb.state {
	case BreakerOpen:
		reopen := cb.openedAt.Add(r.config.Cooldown)
		if r.now().Before(reopen) {
			return false, reopen
		}
		cb.state = BreakerHalfOpen
		cb.probing = true
		return true, time.Time{}
	case BreakerHalfOpen:
		if cb.probing {
			return false, r.now().Add(r.config.Cooldown)
		}
		cb.probing = true
		return true, time.Time{}
	}
	return true, time.Time{}
}

func (r *breakers) recordSuccess(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.getOrCreate(subscriptionID)
	cb.state = BreakerClosed
	cb.consecutiveFails = 0
	cb.probing = false
}

// recordFailure returns the state after the failure.
func (r *breakers) recordFailure(subscriptionID string) BreakerState {
	if r.config.FailureThreshold <= 0 {
		return BreakerClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.getOrCreate(subscriptionID)
	cb.consecutiveFails++
	cb.probing = false

	if cb.state == BreakerHalfOpen || cb.consecutiveFails >= r.config.FailureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = r.now()
	}
	return cb.state
}

func (r *breakers) state(subscriptionID string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.byID[subscriptionID]
	if !ok {
		return BreakerClosed
	}
	if cb.state == BreakerOpen && !r.now().Before(cb.openedAt.Add(r.config.Cooldown)) {
		return BreakerHalfOpen
	}
	return cb.state
}

func (r *breakers) forget(subscriptionID string) {
	r.mu.Lock()
	delete(r.byID, subscriptionID)
	r.mu.Unlock()
}

func (r *breakers) getOrCreate(subscriptionID string) *breaker {
	cb, ok := r.byID[subscriptionID]
	if !ok {
		cb = &breaker{state: BreakerClosed}
		r.byID[subscriptionID] = cb
	}
	return cb
}
