// Package breaker implements a three-state circuit breaker keyed per
// logical operation. One breaker guards one operation key; breakers for
// different keys are independent.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/mcpherd/internal/faults"
	"github.com/loykin/mcpherd/internal/metrics"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before a probe is allowed
}

// DefaultConfig mirrors the settings used when none are configured.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

// Breaker guards a single operation key.
type Breaker struct {
	key string
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool // a half-open trial call is in flight

	now func() time.Time // test hook
}

// New returns a closed breaker for the given key.
func New(key string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Breaker{key: key, cfg: cfg, now: time.Now}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker. While open and inside the recovery
// window, fn is never invoked and faults.ErrCircuitOpen is returned.
// After the window one probe proceeds; its outcome decides the next
// state. Concurrent callers during a probe are rejected.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		metrics.IncBreakerRejected(b.key)
		return err
	}
	err := fn(ctx)
	b.settle(err)
	return err
}

// admit decides whether a call may proceed, transitioning Open→HalfOpen
// when the recovery window has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return faults.ErrCircuitOpen
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return faults.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// settle records the outcome of a permitted call.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
	if err == nil {
		b.failures = 0
		if b.state != Closed {
			b.transition(Closed)
		}
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.state == HalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != Open {
			b.transition(Open)
		}
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	metrics.IncBreakerTransition(b.key, from.String(), to.String())
	slog.Debug("circuit breaker transition", "key", b.key, "from", from.String(), "to", to.String())
}

// Registry hands out one breaker per operation key.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry builds a registry creating breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it closed on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.cfg)
		r.breakers[key] = b
	}
	return b
}
