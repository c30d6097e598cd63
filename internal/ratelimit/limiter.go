// Package ratelimit provides per-workflow sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rendis/spiral/pkg/schema"
)

// Limiter keeps a rolling log of the last MaxExecutions admission timestamps.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

// NewLimiter creates a limiter for the policy. A nil clock uses time.Now.
func NewLimiter(policy schema.RateLimitPolicy, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		max:    policy.MaxExecutions,
		window: policy.Window(),
		stamps: make([]time.Time, 0, max(policy.MaxExecutions, 0)),
		now:    now,
	}
}

// Allow prunes timestamps older than the window, refuses when the pruned
// count already equals the maximum, and otherwise records the admission.
func (l *Limiter) Allow() bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep

	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Remaining returns how many admissions the current window still accepts.
func (l *Limiter) Remaining() int {
	if l.max <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return l.max - n
}

func (l *Limiter) matches(policy schema.RateLimitPolicy) bool {
	return l.max == policy.MaxExecutions && l.window == policy.Window()
}

// Registry holds one limiter per workflow id.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	now      func() time.Time
}

// NewRegistry creates an empty registry. A nil clock uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), now: now}
}

// Allow admits or refuses a trigger of workflowID under policy. A nil policy
// always admits. A policy change replaces the workflow's limiter.
func (r *Registry) Allow(workflowID string, policy *schema.RateLimitPolicy) bool {
	if policy == nil || policy.MaxExecutions <= 0 {
		return true
	}
	return r.limiter(workflowID, *policy).Allow()
}

func (r *Registry) limiter(workflowID string, policy schema.RateLimitPolicy) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[workflowID]
	if !ok || !l.matches(policy) {
		l = NewLimiter(policy, r.now)
		r.limiters[workflowID] = l
	}
	return l
}

// Forget drops the limiter of a deleted workflow.
func (r *Registry) Forget(workflowID string) {
	r.mu.Lock()
	delete(r.limiters, workflowID)
	r.mu.Unlock()
}
