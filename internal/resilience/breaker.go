// Package resilience protects session starts against a failing agent
// endpoint.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [Failover] puts one breaker in front of each configured speech-to-speech
// provider and connects to the first healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// Closed forwards every call.
	Closed BreakerState = iota

	// Open rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	Open

	// HalfOpen lets a single probe through. Success closes the breaker,
	// failure opens it again.
	HalfOpen
)

// String returns the lower-case state name.
func (s BreakerState) String() string {
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

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before a probe is
	// allowed. Default: 30s.
	ResetTimeout time.Duration

	// Ignore, if set, reports errors that say nothing about the endpoint's
	// health. They neither count as failures nor close the breaker.
	Ignore func(error) bool
}

// Breaker implements the circuit breaker pattern around connection attempts.
// Calls aborted by their own context do not count as failures: a user who
// terminates a pending start says nothing about the endpoint.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	ignore       func(error) bool
	now          func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a [Breaker]. Zero config fields take their defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		ignore:       cfg.Ignore,
		now:          time.Now,
	}
}

// Do runs fn unless the breaker is open. In the half-open state only one
// probe runs at a time; concurrent callers get [ErrCircuitOpen].
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.state = HalfOpen
		slog.Info("circuit breaker half-open", "name", b.name)
	}
	switch {
	case b.state == Open, b.state == HalfOpen && b.probing:
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	probe := b.state == HalfOpen
	b.probing = probe
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		if b.state != Closed {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state, b.failures = Closed, 0
	case ctx.Err() != nil, b.ignore != nil && b.ignore(err):
		// Cancelled by the caller or not the endpoint's fault. A probe
		// leaves the breaker half-open.
	case probe:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
	return err
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	slog.Warn("circuit breaker opened", "name", b.name, "failures", b.failures)
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports [HalfOpen].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.probing = Closed, 0, false
}
