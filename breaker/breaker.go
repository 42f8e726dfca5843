// Package breaker implements a circuit breaker guarding a single fallible
// operation: the Writer's upsert. It is not a rate limiter, only a gate.
package breaker

import (
	"sync"
	"time"

	"candlestream/clock"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Decision is the outcome of an Allow call.
type Decision int

const (
	Proceed Decision = iota
	Reject
)

// Breaker is a circuit breaker guarding database calls from the Writer.
//
// CLOSED -> OPEN on the failure that brings consecutive failures to
// failureThreshold. OPEN -> HALF_OPEN once resetTimeout has elapsed since
// opened_at, admitting exactly one probe. HALF_OPEN -> CLOSED on success,
// HALF_OPEN -> OPEN on failure.
type Breaker struct {
	mu sync.Mutex

	clock clock.Clock

	state            State
	failureCount     int
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenTimeout  time.Duration
	openedAt         time.Time

	probeOutstanding bool
	probeStartedAt   time.Time
}

// New creates a Breaker. failureThreshold is F_max; resetTimeout is how
// long OPEN must hold before a probe is admitted. halfOpenTimeout bounds
// how long a probe may stay outstanding without reporting success or
// failure; if it elapses, the probe is treated as failed and the circuit
// re-opens rather than staying wedged in HALF_OPEN forever. A zero
// halfOpenTimeout disables this bound.
func New(failureThreshold int, resetTimeout, halfOpenTimeout time.Duration, c clock.Clock) *Breaker {
	if c == nil {
		c = clock.Real{}
	}
	return &Breaker{
		clock:            c,
		state:            Closed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenTimeout:  halfOpenTimeout,
	}
}

// Allow returns PROCEED or REJECT, performing the OPEN -> HALF_OPEN
// transition when the reset timeout has elapsed. Only one caller is
// admitted as the probe while HALF_OPEN is outstanding; a second Allow()
// call while a probe is in flight is rejected.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Proceed

	case Open:
		if b.clock.Now().Sub(b.openedAt) >= b.resetTimeout {
			b.state = HalfOpen
			b.probeOutstanding = true
			b.probeStartedAt = b.clock.Now()
			return Proceed
		}
		return Reject

	case HalfOpen:
		if b.probeOutstanding {
			if b.halfOpenTimeout > 0 && b.clock.Now().Sub(b.probeStartedAt) >= b.halfOpenTimeout {
				// The outstanding probe never reported; treat it as a
				// failed probe so the circuit re-opens instead of
				// wedging in HALF_OPEN indefinitely.
				b.state = Open
				b.openedAt = b.clock.Now()
				b.probeOutstanding = false
				return Reject
			}
			return Reject
		}
		b.probeOutstanding = true
		b.probeStartedAt = b.clock.Now()
		return Proceed

	default:
		return Reject
	}
}

// RecordSuccess clears the failure counter and, in HALF_OPEN, closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.state = Closed
	}
	b.probeOutstanding = false
}

// RecordFailure increments the failure counter and opens the circuit when
// the threshold is reached, or re-opens it if the HALF_OPEN probe failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeOutstanding = false

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
			b.openedAt = b.clock.Now()
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = b.clock.Now()
	}
}

// State returns a snapshot of the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
