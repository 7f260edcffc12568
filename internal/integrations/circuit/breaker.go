// Package circuit provides the per-integration circuit breaker. It
// prevents a repeatedly failing enrichment source from being retried on
// every tick.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows operations normally.
	StateClosed State = iota
	// StateOpen blocks operations until the reopen timeout elapses.
	StateOpen
	// StateHalfOpen allows a single probe operation.
	StateHalfOpen
)

func (s State) String() string {
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

// Defaults: open after 3 consecutive failures, probe after 60s, close on
// one success. Held in memory only; a process restart resets every
// breaker.
const (
	DefaultFailureThreshold = 3
	DefaultReopenAfter      = 60 * time.Second
)

// Breaker is a three-state circuit breaker guarded by its own mutex.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	reopenAfter      time.Duration

	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// New builds a breaker with the default thresholds.
func New(name string) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		reopenAfter:      DefaultReopenAfter,
		state:            StateClosed,
	}
}

// Allow reports whether an operation may proceed, transitioning an
// expired open breaker to half-open for one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.reopenAfter {
			b.state = StateHalfOpen
			b.probeInFlight = true
			log.Info().Str("breaker", b.name).Msg("Circuit breaker half-open, probing")
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return true
}

// RecordSuccess closes the breaker after a single success.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.state = StateClosed
		log.Info().Str("breaker", b.name).Msg("Circuit breaker closed")
	}
}

// RecordFailure counts a failure, opening on the threshold or on any
// half-open probe failure.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.probeInFlight = false

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.open(err)
		}
	case StateHalfOpen:
		b.open(err)
	}
}

func (b *Breaker) open(err error) {
	b.state = StateOpen
	b.openedAt = time.Now()
	log.Warn().
		Str("breaker", b.name).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker opened")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
