package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpenState is returned while the breaker rejects calls
var ErrOpenState = errors.New("circuit breaker is open")

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	// StateClosed - calls pass through
	StateClosed BreakerState = iota
	// StateOpen - calls are rejected until the cool-down expires
	StateOpen
	// StateHalfOpen - one probe call is let through
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing again
	Cooldown time.Duration
}

// Breaker wraps a remote backend and stops calling it after repeated
// failures, so an unreachable store costs nothing until it recovers.
// A miss (ErrNotFound) is not a failure.
type Breaker struct {
	next   Backend
	config BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	expiry   time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker wraps next with a circuit breaker
func NewBreaker(next Backend, config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}

	return &Breaker{
		next:   next,
		config: config,
		logger: slog.Default().With("component", "storage.breaker", "location", next.Location()),
		now:    time.Now,
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState(b.now())
}

// Location implements Backend
func (b *Breaker) Location() string {
	return b.next.Location()
}

// Get implements Backend
func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.execute(func() error {
		var err error
		data, err = b.next.Get(ctx, key)
		return err
	})

	return data, err
}

// Put implements Backend
func (b *Breaker) Put(ctx context.Context, key string, blob []byte) error {
	return b.execute(func() error {
		return b.next.Put(ctx, key, blob)
	})
}

// Exists implements Backend
func (b *Breaker) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.execute(func() error {
		var err error
		ok, err = b.next.Exists(ctx, key)
		return err
	})

	return ok, err
}

// Delete implements Backend
func (b *Breaker) Delete(ctx context.Context, key string) error {
	return b.execute(func() error {
		return b.next.Delete(ctx, key)
	})
}

// Close implements Backend
func (b *Breaker) Close() error {
	return b.next.Close()
}

func (b *Breaker) execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.now()) {
	case StateOpen:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, b.next.Location(), ErrOpenState)
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, b.next.Location(), ErrOpenState)
		}
		b.probing = true
	}

	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)
	b.probing = false

	if err == nil || errors.Is(err, ErrNotFound) {
		b.failures = 0
		if state != StateClosed {
			b.setState(StateClosed, now)
		}
		return
	}

	b.failures++
	if state == StateHalfOpen || b.failures >= b.config.MaxFailures {
		b.setState(StateOpen, now)
	}
}

// currentState moves an expired open breaker to half-open
func (b *Breaker) currentState(now time.Time) BreakerState {
	if b.state == StateOpen && !now.Before(b.expiry) {
		b.setState(StateHalfOpen, now)
	}

	return b.state
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	switch state {
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	case StateClosed:
		b.failures = 0
	}

	b.logger.Info("remote storage breaker state changed", "from", prev.String(), "to", state.String())
}
