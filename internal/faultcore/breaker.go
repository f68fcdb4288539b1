package faultcore

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/manifold/orchestrator/internal/models"
	"github.com/manifold/orchestrator/internal/telemetry"
)

// breakerTransitions is the OTel counter SPEC_FULL.md's "FaultCore records
// breaker state transitions as OTel counters" calls for. It is built lazily
// off whatever MeterProvider telemetry.Setup installed (a no-op one when
// telemetry is disabled), so CircuitBreaker never has to know whether
// metrics export is actually configured.
var breakerTransitions = sync.OnceValue(func() metric.Int64Counter {
	c, _ := telemetry.Meter("faultcore").Int64Counter(
		"faultcore_breaker_transitions_total",
		metric.WithDescription("circuit breaker state transitions, labeled by breaker name and new state"),
	)
	return c
})

// CircuitBreakerConfig mirrors the original system's defaults: open after 5
// consecutive failures, stay open 60s, close after 3 consecutive successes
// in half-open.
type CircuitBreakerConfig struct {
	FailureThreshold int
	TimeoutSeconds   float64
	SuccessThreshold int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		TimeoutSeconds:   60,
		SuccessThreshold: 3,
	}
}

// CircuitBreaker is a three-state guard around a named dependency. All
// mutations are serialized by mu; callers never see interleaved counter
// updates.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	mu     sync.Mutex
	state  models.BreakerState
	fails  int
	succs  int
	lastFailureAt  time.Time
	stateChangedAt time.Time
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:           name,
		cfg:            cfg,
		state:          models.BreakerClosed,
		stateChangedAt: time.Now(),
	}
}

// checkState returns an error if the breaker refuses to let a call
// through right now, transitioning Open->HalfOpen first if the timeout has
// elapsed.
func (b *CircuitBreaker) checkState() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == models.BreakerOpen {
		if time.Since(b.stateChangedAt) >= time.Duration(b.cfg.TimeoutSeconds*float64(time.Second)) {
			b.transitionTo(models.BreakerHalfOpen)
		} else {
			return CircuitOpen(b.name)
		}
	}
	return nil
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case models.BreakerClosed:
		b.fails = 0
	case models.BreakerHalfOpen:
		b.succs++
		if b.succs >= b.cfg.SuccessThreshold {
			b.transitionTo(models.BreakerClosed)
		}
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureAt = time.Now()
	switch b.state {
	case models.BreakerClosed:
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.transitionTo(models.BreakerOpen)
		}
	case models.BreakerHalfOpen:
		b.transitionTo(models.BreakerOpen)
	}
}

// transitionTo must be called with mu held.
func (b *CircuitBreaker) transitionTo(s models.BreakerState) {
	b.state = s
	b.stateChangedAt = time.Now()
	switch s {
	case models.BreakerClosed:
		b.fails = 0
		b.succs = 0
	case models.BreakerHalfOpen:
		b.succs = 0
	case models.BreakerOpen:
		b.succs = 0
	}
	breakerTransitions().Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(s)),
		),
	)
}

// Snapshot returns a read-only view, for health endpoints and tests.
func (b *CircuitBreaker) Snapshot() models.CircuitBreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CircuitBreakerSnapshot{
		Name:           b.name,
		State:          b.state,
		FailureCount:   b.fails,
		SuccessCount:   b.succs,
		LastFailureAt:  b.lastFailureAt,
		StateChangedAt: b.stateChangedAt,
	}
}

// Registry is the process-wide map of named breakers described in spec §5;
// Get is safe for concurrent use and lazily constructs breakers with cfg.
type Registry struct {
	cfg  CircuitBreakerConfig
	mu   sync.Mutex
	set  map[string]*CircuitBreaker
}

func NewRegistry(cfg CircuitBreakerConfig) *Registry {
	return &Registry{cfg: cfg, set: make(map[string]*CircuitBreaker)}
}

func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.set[name]
	if !ok {
		b = NewCircuitBreaker(name, r.cfg)
		r.set[name] = b
	}
	return b
}

func (r *Registry) Snapshots() []models.CircuitBreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.CircuitBreakerSnapshot, 0, len(r.set))
	for _, b := range r.set {
		out = append(out, b.Snapshot())
	}
	return out
}
