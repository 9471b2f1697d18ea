// Package circuitbreaker guards calls to the chain node with a per-key
// closed/open/half-open breaker so a dead node fails fast.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen // a single probe is in flight
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "receiptescrow",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	openCircuits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "receiptescrow",
		Subsystem: "circuitbreaker",
		Name:      "open",
		Help:      "1 while the circuit for a key rejects calls.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, openCircuits)
}

// circuit is the state of one key. Guarded by Breaker.mu.
type circuit struct {
	key      string
	state    State
	failures int
	openedAt time.Time
}

func (c *circuit) moveTo(to State, now time.Time) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(c.key, c.state.String(), to.String()).Inc()
	if to == StateOpen {
		c.openedAt = now
		openCircuits.WithLabelValues(c.key).Set(1)
	} else {
		openCircuits.WithLabelValues(c.key).Set(0)
	}
	c.state = to
}

// Breaker trips a key open after threshold consecutive failures. Once
// cooldown has passed one probe is let through; its outcome closes or
// reopens the circuit.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments mean 5 failures and a
// 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// get returns key's circuit, creating a closed one. Caller holds b.mu.
func (b *Breaker) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{key: key}
		b.circuits[key] = c
	}
	return c
}

// Execute runs fn when key's circuit allows it. isFailure picks the errors
// that count against the circuit; nil counts them all. Errors it rejects
// prove the node answered and count as success.
func (b *Breaker) Execute(key string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call for key may go ahead. The first call after
// the cooldown becomes the half-open probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		now := b.now()
		if now.Sub(c.openedAt) < b.cooldown {
			return false
		}
		c.moveTo(StateHalfOpen, now)
		return true
	default:
		return false
	}
}

// RecordSuccess clears key's failure count and closes a probing circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	// a call admitted before the circuit tripped does not close it
	if c.state == StateHalfOpen {
		c.moveTo(StateClosed, b.now())
	}
}

// RecordFailure counts a failure for key. A failed probe reopens at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.moveTo(StateOpen, b.now())
	}
}

// State returns key's state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}
