// Package circuitbreaker guards outbound dependencies with per-key
// circuits. A circuit is closed while the dependency is healthy, opens
// after too many consecutive failures, and lets a single probe through
// once the cooldown elapses.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one circuit.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests rejected until cooldown
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskpay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// circuit holds the state for one key. retryAt is only meaningful while
// the circuit is open.
type circuit struct {
	state    State
	failures int
	retryAt  time.Time
}

// Breaker tracks an independent circuit per key.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	onTransition func(key string, from, to State)
}

// New returns a Breaker that opens a circuit after threshold consecutive
// failures and keeps it open for openDuration before admitting a probe.
// Non-positive arguments fall back to 5 failures and 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// OnTransition registers a callback fired on every state change. The
// callback runs on its own goroutine and must not call back into the
// Breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request for key may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and admits exactly one
// probe; further callers are rejected until the probe resolves.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		return true
	}
	if c.state == StateHalfOpen {
		return false
	}
	if time.Now().Before(c.retryAt) {
		return false
	}
	b.transition(c, key, StateHalfOpen)
	return true
}

// RecordSuccess clears the failure count for key and, if a probe was in
// flight, closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure for key. A failed probe reopens the
// circuit immediately; a closed circuit opens once the consecutive
// failure count reaches the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++
	switch {
	case c.state == StateHalfOpen:
		c.retryAt = time.Now().Add(b.openDuration)
		b.transition(c, key, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.retryAt = time.Now().Add(b.openDuration)
		b.transition(c, key, StateOpen)
	}
}

// State reports the circuit state for key. Keys never seen read as closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// transition must be called with b.mu held.
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		go b.onTransition(key, from, to)
	}
}
