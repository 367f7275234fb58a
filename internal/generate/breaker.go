package generate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Breaker defaults shared by the CLI and server assembly.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// breakerState tracks whether calls flow, are blocked, or probe recovery
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker wraps a Client with a circuit breaker. Repeated provider failures
// open the circuit; while open, calls fail immediately with ErrUnavailable so
// sub-agents reach their deterministic fallbacks without waiting on a dead
// provider. After the cooldown one probe call decides whether the circuit
// closes again.
type Breaker struct {
	client    Client
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewBreaker wraps client. Threshold and cooldown fall back to the defaults
// when non-positive.
func NewBreaker(client Client, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{client: client, threshold: threshold, cooldown: cooldown}
}

// Complete delegates to the wrapped client while the circuit allows it.
// Context cancellations pass through without counting as provider failures.
func (b *Breaker) Complete(ctx context.Context, req Request) (*Result, error) {
	if !b.allow() {
		return nil, fmt.Errorf("%w: generation circuit open", ErrUnavailable)
	}

	result, err := b.client.Complete(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			b.recordFailure()
		}
		return nil, err
	}
	b.recordSuccess()
	return result, nil
}

// allow reports whether a call may proceed, moving an expired open circuit to
// half-open so a single probe goes through.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
	}
	return true
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.state = breakerClosed
	b.mu.Unlock()
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
