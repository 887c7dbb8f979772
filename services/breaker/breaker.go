// Package breaker guards calls to the upstream provider with a circuit
// breaker. CLOSED passes requests through, OPEN short-circuits immediately,
// HALF_OPEN admits exactly one trial request after the cooldown.
package breaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"marketdata_backend/config"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned without contacting the provider while the circuit
// is open or a half-open trial is already in flight.
var ErrOpen = errors.New("provider unavailable: circuit open")

// Counts exposes breaker counters for the health endpoint.
type Counts struct {
	State               State   `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	WindowFailureRate   float64 `json:"window_failure_rate"`
	TotalCalls          int64   `json:"total_calls"`
	TotalShortCircuits  int64   `json:"total_short_circuits"`
}

// Breaker is safe for concurrent use. A burst of callers while OPEN all fail
// fast; only one trial is admitted when transitioning to HALF_OPEN.
type Breaker struct {
	mu  sync.Mutex
	cfg config.BreakerConfig

	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	// rolling window of call outcomes, true = failure
	window      []bool
	windowIdx   int
	windowCount int

	totalCalls         int64
	totalShortCircuits int64

	now func() time.Time
}

// New builds a breaker from config.
func New(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
		now:    time.Now,
	}
}

// Execute runs fn through the breaker with the configured per-call timeout.
// The timeout applies regardless of breaker state.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	callErr := fn(callCtx)
	b.record(callErr, trial)
	return callErr
}

// admit decides whether a call may proceed and whether it is the half-open
// trial. Holds the lock only for the check-or-transition step.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.totalShortCircuits++
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		log.Printf("Circuit breaker HALF_OPEN: admitting trial request")
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			b.totalShortCircuits++
			return false, ErrOpen
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

// record folds a call outcome into the breaker state.
func (b *Breaker) record(callErr error, trial bool) {
	failed := callErr != nil

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if failed {
			b.trip("trial request failed")
		} else {
			b.reset()
			log.Printf("Circuit breaker CLOSED: trial request succeeded")
		}
		return
	}

	if b.state != StateClosed {
		// A call admitted before the state changed; its outcome no longer
		// drives transitions.
		return
	}

	b.window[b.windowIdx] = failed
	b.windowIdx = (b.windowIdx + 1) % len(b.window)
	if b.windowCount < len(b.window) {
		b.windowCount++
	}

	if failed {
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip("consecutive failure threshold reached")
			return
		}
		if b.windowCount == len(b.window) && b.failureRateLocked() >= b.cfg.FailureRate {
			b.trip("rolling window failure rate exceeded")
		}
		return
	}
	b.consecutiveFailures = 0
}

// trip must be called with mu held.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.consecutiveFailures = 0
	log.Printf("Circuit breaker OPEN: %s", reason)
}

// reset must be called with mu held.
func (b *Breaker) reset() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.windowIdx = 0
	b.windowCount = 0
	for i := range b.window {
		b.window[i] = false
	}
}

func (b *Breaker) failureRateLocked() float64 {
	if b.windowCount == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.windowCount; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.windowCount)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns counters for observability.
func (b *Breaker) Stats() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		WindowFailureRate:   b.failureRateLocked(),
		TotalCalls:          b.totalCalls,
		TotalShortCircuits:  b.totalShortCircuits,
	}
}
