package tools

import (
	"sync"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-target circuit breakers. A zero
// FailureThreshold disables breaking.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers tracks one circuit per tool target (scheme://host).
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns a TOOL_UNAVAILABLE error while the target's circuit is open.
func (r *Breakers) Allow(target string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeToolUnavailable,
			"circuit open for %q after %d consecutive failures", target, cb.failures).
			WithDetails(map[string]any{
				"target":             target,
				"state":              cb.state.String(),
				"cooldown_remaining": (r.config.Cooldown - r.now().Sub(cb.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeToolUnavailable, "circuit half-open for %q: probe in flight", target)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

func (r *Breakers) RecordSuccess(target string) {
	cb := r.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (r *Breakers) RecordFailure(target string) CircuitState {
	cb := r.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = r.now()
	if cb.state == CircuitHalfOpen || (r.config.FailureThreshold > 0 && cb.failures >= r.config.FailureThreshold) {
		cb.state = CircuitOpen
	}
	return cb.state
}

func (r *Breakers) State(target string) CircuitState {
	cb := r.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (r *Breakers) get(target string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = &breaker{}
		r.breakers[target] = cb
	}
	return cb
}
