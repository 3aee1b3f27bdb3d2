package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

// cbState represents the operational state of a per-upstream circuit breaker.
//
//	cbClosed   normal operation; all requests pass through.
//	cbOpen     upstream is failing; requests skip it.
//	cbHalfOpen recovery probe; one request is let through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the defaults in providers/provider.go.
type CBConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

func (c CBConfig) withDefaults() CBConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = providers.CBErrorThreshold
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = providers.CBTimeWindow
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = providers.CBHalfOpenTimeout
	}
	return c
}

type upstreamCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker keeps one breaker per upstream name, created on first use.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*upstreamCB
	cfg      CBConfig
	now      func() time.Time

	// onChange is called outside the breaker lock after every state change.
	onChange func(upstream string, state cbState)
}

// NewCircuitBreaker creates a CircuitBreaker with the given thresholds.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*upstreamCB),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		onChange: func(string, cbState) {},
	}
}

// Allow reports whether the named upstream should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false until HalfOpenTimeout has elapsed; then one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(upstream string) bool {
	b := cb.get(upstream)

	b.mu.Lock()
	allowed, changed := true, false
	switch b.state {
	case cbOpen:
		if cb.now().Sub(b.openedAt) >= cb.cfg.HalfOpenTimeout {
			b.state = cbHalfOpen
			b.probeInflight = true
			changed = true
		} else {
			allowed = false
		}
	case cbHalfOpen:
		if b.probeInflight {
			allowed = false
		} else {
			b.probeInflight = true
		}
	}
	state := b.state
	b.mu.Unlock()

	if changed {
		cb.onChange(upstream, state)
	}
	return allowed
}

// RecordSuccess closes the breaker regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(upstream string) {
	b := cb.get(upstream)

	b.mu.Lock()
	prev := b.state
	b.state = cbClosed
	b.errorCount = 0
	b.probeInflight = false
	b.windowStart = cb.now()
	b.mu.Unlock()

	if prev != cbClosed {
		cb.onChange(upstream, cbClosed)
	}
}

// RecordFailure counts an error. Reaching ErrorThreshold within TimeWindow,
// or failing the half-open probe, opens the breaker.
func (cb *CircuitBreaker) RecordFailure(upstream string) {
	b := cb.get(upstream)
	now := cb.now()

	b.mu.Lock()
	prev := b.state
	if now.Sub(b.windowStart) > cb.cfg.TimeWindow {
		b.errorCount = 0
		b.windowStart = now
	}
	b.errorCount++
	b.probeInflight = false
	if prev == cbHalfOpen || b.errorCount >= cb.cfg.ErrorThreshold {
		b.state = cbOpen
		b.openedAt = now
	}
	state := b.state
	b.mu.Unlock()

	if state != prev {
		cb.onChange(upstream, state)
	}
}

// State returns the current state for upstream.
func (cb *CircuitBreaker) State(upstream string) cbState {
	b := cb.get(upstream)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (cb *CircuitBreaker) get(upstream string) *upstreamCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	b, ok := cb.breakers[upstream]
	if !ok {
		b = &upstreamCB{windowStart: cb.now()}
		cb.breakers[upstream] = b
	}
	return b
}
