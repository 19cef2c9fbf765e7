// Package circuitbreaker implements a simple three-state breaker
// (closed/open/half-open) guarding calls to a single flaky dependency so
// that one stuck org connection cannot cascade failures across
// concurrently running correlations sharing the same process.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker is open.
var ErrOpen = errors.New("circuitbreaker: breaker is open")

// State is the breaker's current state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures a Breaker.
type Config struct {
	Name         string
	MaxFailures  int64         // default 5
	ResetTimeout time.Duration // default 30s
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	State         State
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

// Breaker guards calls made through Execute, opening after MaxFailures
// consecutive failures and probing for recovery after ResetTimeout.
type Breaker struct {
	config Config

	mu            sync.Mutex
	state         State
	failures      int64
	successes     int64
	requests      int64
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryTime time.Time
}

// New builds a Breaker, applying documented defaults for zero fields.
func New(config Config) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &Breaker{config: config, state: StateClosed}
}

// Execute runs fn through the breaker, returning ErrOpen without calling
// fn if the breaker is currently open and hasn't reached its retry time.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.requests++
	if b.state == StateOpen {
		if time.Now().Before(b.nextRetryTime) {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.config.MaxFailures {
			b.state = StateOpen
			b.nextRetryTime = time.Now().Add(b.config.ResetTimeout)
		}
		return err
	}

	b.successes++
	b.lastSuccess = time.Now()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	return nil
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed, clearing the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.nextRetryTime = time.Time{}
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		Requests:      b.requests,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextRetryTime: b.nextRetryTime,
	}
}
