// Package circuitbreaker guards the engine's upstream clients (market data,
// RPC, DEX router) against cascading failures: after enough consecutive
// errors the breaker opens and calls fail fast until a probe succeeds.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker is failing fast.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes one breaker.
type Config struct {
	Name string

	// FailureThreshold consecutive failures trip the breaker open.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// ProbeSuccesses consecutive successes in half-open close the breaker.
	ProbeSuccesses int
}

// DefaultConfig returns the tuning used by the upstream clients.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		ProbeSuccesses:   2,
	}
}

// Breaker is a single circuit breaker.
type Breaker struct {
	cfg    Config
	logger *log.Logger

	mu           sync.Mutex
	state        State
	failures     int
	probeHits    int
	openedAt     time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 2
	}
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// State returns the current state, promoting open to half-open when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.probeHits = 0
	}
	return b.state
}

// Do runs fn if the breaker allows it and records the outcome. Context errors
// count as failures: a hung upstream is as bad as an erroring one.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	if b.currentState() == StateOpen {
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.probeHits = 0
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			if b.state != StateOpen {
				b.logger.Printf("⛔ %s: tripped open after %d failure(s)", b.cfg.Name, b.failures)
			}
			b.state = StateOpen
			b.openedAt = time.Now()
		}
		return err
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.probeHits++
		if b.probeHits >= b.cfg.ProbeSuccesses {
			b.state = StateClosed
			b.logger.Printf("✅ %s: closed after successful probes", b.cfg.Name)
		}
	}
	return nil
}
