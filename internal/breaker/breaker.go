// Package breaker implements the per-worker circuit breaker state machine
// described in spec.md §3/§4.1: Closed counts failures in a sliding window
// and opens past failure_threshold; Open refuses calls until
// timeout_duration elapses, then moves to HalfOpen; HalfOpen closes again
// after success_threshold consecutive successes, or reopens on any
// failure.
//
// The circuit state and the open timestamp are atomically-updated fields,
// following the UpstreamHost.Fails/Unhealthy convention in the teacher's
// caddyhttp/proxy/upstream.go and proxy.go; the sliding failure window and
// the half-open success count sit behind a mutex.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is one of the three circuit states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the tunables from spec.md §6
// (circuit_breaker.{failure_threshold, success_threshold,
// timeout_duration_secs, window_duration_secs}).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	TimeoutDuration  time.Duration
	WindowDuration   time.Duration
}

// DefaultConfig matches the teacher's upstream.go defaults in spirit
// (MaxFails: 1, FailTimeout-style recovery window) scaled to the breaker's
// three-state model.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		TimeoutDuration:  30 * time.Second,
		WindowDuration:   60 * time.Second,
	}
}

// Breaker is one worker's circuit breaker. Zero value is not usable; use
// New.
type Breaker struct {
	cfg Config

	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos, valid while state == Open

	// mu guards the sliding failure window and the half-open trial
	// counters, which can't be expressed as independent atomics without
	// races between the window check and the state transition.
	mu             sync.Mutex
	failTimestamps []time.Time
	halfOpenOK     int
	now            func() time.Time
}

// New constructs a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg, now: time.Now}
	b.state.Store(int32(Closed))
	return b
}

// State returns the breaker's current state, resolving an expired Open
// timeout into HalfOpen as a side effect (matching spec.md §4.1: "now -
// opened_at >= timeout_duration (then state transitions to HalfOpen and
// returns true)").
func (b *Breaker) State() State {
	if State(b.state.Load()) == Open && b.timeoutElapsed() {
		b.transitionToHalfOpen()
	}
	return State(b.state.Load())
}

func (b *Breaker) timeoutElapsed() bool {
	opened := time.Unix(0, b.openedAt.Load())
	return b.now().Sub(opened) >= b.cfg.TimeoutDuration
}

func (b *Breaker) transitionToHalfOpen() {
	if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
		b.mu.Lock()
		b.halfOpenOK = 0
		b.mu.Unlock()
	}
}

// CanExecute reports whether a call should be allowed through: true in
// Closed, true in HalfOpen (trial requests are admitted), false in Open
// unless the timeout has elapsed (in which case it also performs the
// Open->HalfOpen transition and returns true).
func (b *Breaker) CanExecute() bool {
	return b.State() != Open
}

// RecordOutcome updates the breaker per spec.md §4.1. Only network errors
// and 5xx responses should ever be reported as failures; callers must not
// report 4xx as a failure (spec.md §3: "Client-level (4xx) responses do
// not count as failures").
func (b *Breaker) RecordOutcome(success bool) {
	switch State(b.state.Load()) {
	case HalfOpen:
		if success {
			b.mu.Lock()
			b.halfOpenOK++
			ok := b.halfOpenOK
			b.mu.Unlock()
			if ok >= b.cfg.SuccessThreshold {
				b.close()
			}
		} else {
			b.open()
		}
	case Open:
		// A stray outcome arriving while still Open (e.g. a retry that
		// raced the timeout transition) is ignored for success and
		// re-stamps the open time for failure, extending the cool-down.
		if !success {
			b.open()
		}
	default: // Closed
		if success {
			return
		}
		b.recordFailureClosed()
	}
}

func (b *Breaker) recordFailureClosed() {
	now := b.now()
	b.mu.Lock()
	windowStart := now.Add(-b.cfg.WindowDuration)
	kept := b.failTimestamps[:0]
	for _, t := range b.failTimestamps {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.failTimestamps = kept
	count := len(kept)
	b.mu.Unlock()

	if count >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt.Store(b.now().UnixNano())
	b.state.Store(int32(Open))
	b.mu.Lock()
	b.failTimestamps = nil
	b.halfOpenOK = 0
	b.mu.Unlock()
}

func (b *Breaker) close() {
	b.state.Store(int32(Closed))
	b.mu.Lock()
	b.failTimestamps = nil
	b.halfOpenOK = 0
	b.mu.Unlock()
}
