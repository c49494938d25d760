// Package breaker provides a process-local circuit breaker.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned without invoking the wrapped call while the breaker is open
// or while a half-open probe is already running.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the breaker state.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// Config contains breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     60 * time.Second,
	}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the clock used for reset timeouts.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithFailurePredicate sets the function deciding whether an error counts as a failure.
// By default every non-nil error counts.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateChange registers a callback invoked on every state transition.
// The callback runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// Breaker stops calls to a failing dependency after consecutive failures.
type Breaker struct {
	name          string
	cfg           Config
	clock         clock.Clock
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	probing     bool
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	b := &Breaker{
		name:      name,
		cfg:       cfg,
		clock:     clock.New(),
		isFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clock.Since(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the breaker admits the call and records its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	var change *transition
	defer func() {
		b.mu.Unlock()
		b.notify(change)
	}()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.clock.Since(b.lastFailure) < b.cfg.ResetTimeout {
			return false, ErrOpen
		}
		change = b.setState(StateHalfOpen)
	}

	if b.probing {
		return false, ErrOpen
	}
	b.probing = true
	return true, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	var change *transition
	defer func() {
		b.mu.Unlock()
		b.notify(change)
	}()

	if probe {
		b.probing = false
	}
	// A cancelled call tells nothing about the dependency.
	if errors.Is(err, context.Canceled) {
		return
	}
	failed := err != nil && b.isFailure(err)

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = b.clock.Now()
		if b.failures >= b.cfg.FailureThreshold {
			change = b.setState(StateOpen)
		}

	case StateHalfOpen:
		if !probe {
			return
		}
		if failed {
			b.lastFailure = b.clock.Now()
			change = b.setState(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			change = b.setState(StateClosed)
		}

	case StateOpen:
		if failed {
			b.lastFailure = b.clock.Now()
		}
	}
}

type transition struct {
	from, to State
}

func (b *Breaker) setState(to State) *transition {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if from == to {
		return nil
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(t *transition) {
	if t == nil || b.onStateChange == nil {
		return
	}
	b.onStateChange(b.name, t.from, t.to)
}
