package client

import (
	"errors"
	"sync"
	"time"

	"github.com/reachstack/fabric/internal/observability"
)

var ErrCircuitOpen = errors.New("client: circuit open")

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
	}
}

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half_open"
)

// Breaker halts dispatch to an endpoint after consecutive failures and
// probes again after a cool-down window. One success closes it and
// resets the failure count.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	endpoint string
	state    breakerState
	failures int
	openedAt time.Time
	now      func() time.Time
}

func NewBreaker(endpoint string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		cfg:      cfg,
		endpoint: endpoint,
		state:    breakerClosed,
		now:      time.Now,
	}
}

// Allow reports whether a dispatch may proceed right now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.transition(breakerHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != breakerClosed {
		b.transition(breakerClosed)
	}
}

// RecordFailure counts one failure; at the threshold the circuit opens
// for the cool-down window. A half-open probe failure reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		if b.state != breakerOpen {
			b.transition(breakerOpen)
		}
	}
}

func (b *Breaker) transition(next breakerState) {
	b.state = next
	observability.RecordBreakerTransition(b.endpoint, string(next))
}
