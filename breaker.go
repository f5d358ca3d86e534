package rheia

import (
	"math"
	"sync"
	"time"
)

// BreakerState is the outcome of evaluating a CircuitBreaker at a point in
// time: closed (requests flow), half_open (one probe allowed after
// cooldown), or open (fail fast).
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// maxBackoff is the ceiling applied to the pre-connect delay.
const maxBackoff = 3000 * time.Millisecond

// CircuitBreaker tracks failure count and the timestamp of the most recent
// failure, gating connection attempts (state) and spacing them out
// (Backoff) so a down peer does not get hammered with reconnects.
type CircuitBreaker struct {
	mu           sync.Mutex
	fails        uint64
	lastFailedMs int64
	maxFails     uint64
	resetMs      int64
}

// NewCircuitBreaker returns a closed breaker with zeroed counters.
func NewCircuitBreaker(maxFails uint64, resetMs int64) *CircuitBreaker {
	return &CircuitBreaker{maxFails: maxFails, resetMs: resetMs}
}

// NewOpenCircuitBreaker returns a breaker initialized directly into the open
// state. Because lastFailedMs starts at the largest timestamp, State never
// moves it to half_open on its own: it stays open until ReportSuccess.
func NewOpenCircuitBreaker(maxFails uint64, resetMs int64) *CircuitBreaker {
	return &CircuitBreaker{
		fails:        math.MaxUint64,
		lastFailedMs: math.MaxInt64,
		maxFails:     maxFails,
		resetMs:      resetMs,
	}
}

// farPast is a lastFailedMs sentinel far enough in the past that t -
// farPast always exceeds any realistic resetMs, without risking overflow
// when State subtracts it from t.
const farPast = math.MinInt64 / 2

// NewHalfOpenCircuitBreaker returns a breaker initialized directly into the
// half_open state, letting the very first connection attempt through as a
// probe without waiting out a full reset window first.
func NewHalfOpenCircuitBreaker(maxFails uint64, resetMs int64) *CircuitBreaker {
	return &CircuitBreaker{
		fails:        math.MaxUint64,
		lastFailedMs: farPast,
		maxFails:     maxFails,
		resetMs:      resetMs,
	}
}

// ReportSuccess zeros both counters.
func (b *CircuitBreaker) ReportSuccess() {
	b.mu.Lock()
	b.fails = 0
	b.lastFailedMs = 0
	b.mu.Unlock()
}

// ReportFailure saturates-increments the failure count and records t as the
// most recent failure time. fails and lastFailedMs never move backwards.
func (b *CircuitBreaker) ReportFailure(t int64) {
	b.mu.Lock()
	if b.fails != math.MaxUint64 {
		b.fails++
	}
	if t > b.lastFailedMs {
		b.lastFailedMs = t
	}
	b.mu.Unlock()
}

// State evaluates the breaker at time t: closed while fails stays within
// maxFails, half_open once resetMs has elapsed since the last failure,
// otherwise open.
func (b *CircuitBreaker) State(t int64) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fails <= b.maxFails {
		return BreakerClosed
	}
	if t-b.lastFailedMs > b.resetMs {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

// HasFailures reports whether any failure has been recorded.
func (b *CircuitBreaker) HasFailures() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails > 0 && b.lastFailedMs > 0
}

// Backoff computes the pre-connect delay from the current failure count:
// min(3000ms, 10ms * 2^(fails-1)). Zero when no failures are recorded.
func (b *CircuitBreaker) Backoff() time.Duration {
	b.mu.Lock()
	fails := b.fails
	b.mu.Unlock()

	if fails == 0 {
		return 0
	}
	// Cap the exponent well before it could overflow a time.Duration;
	// maxBackoff is reached long before fails gets anywhere near this.
	exp := fails - 1
	if exp > 30 {
		exp = 30
	}
	d := 10 * time.Millisecond * time.Duration(uint64(1)<<exp)
	if d > maxBackoff || d < 0 {
		return maxBackoff
	}
	return d
}
