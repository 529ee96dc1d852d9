// Package coordinator keeps the two process instances cooperating: health
// probes over the peer link, failover, leased single-writer ownership and
// circuit breakers around the shared collaborators.
package coordinator

import (
	"sync"
	"time"

	"github.com/mworlabs/lotteryd/logger"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a per-downstream circuit breaker. Closed passes calls
// through and counts consecutive failures; once the threshold trips it
// opens and rejects immediately until the cooldown expires, then lets a
// single probe call through half-open.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time

	now func() time.Time
}

func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open after the cooldown, admitting exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return false
	}
	return false
}

// Success resets the breaker to closed.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != breakerClosed {
		logger.Log.Infof("breaker %s closed", b.name)
	}
	b.state = breakerClosed
	b.failures = 0
}

// Failure counts one failed call; the probe failing in half-open reopens
// immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.open()
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = breakerOpen
	b.openedAt = b.now()
	b.failures = 0
	logger.Log.Warnf("breaker %s opened for %s", b.name, b.cooldown)
}

// Do wraps one call with the breaker.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrBreakerOpen
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
