package health

import (
	"sync"
	"time"
)

type State int

const (
	Healthy State = iota
	Degraded
	Unavailable
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

type Config struct {
	// TripAfter consecutive failures move healthy to degraded.
	TripAfter int
	// Window is the sliding window the failure rate is computed over.
	Window time.Duration
	// FailureRate at or above which degraded becomes unavailable.
	FailureRate float64
	// Cooldown before an unavailable processor is probed again.
	Cooldown time.Duration
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker tracks one processor's health as an explicit state machine:
// healthy -> degraded on a run of consecutive failures, degraded ->
// unavailable on window failure rate, unavailable -> degraded
// (half-open) after the cooldown, and back to healthy on a half-open
// success.
type Breaker struct {
	mu sync.Mutex

	state       State
	consecutive int
	window      []outcome
	openedAt    time.Time
	halfOpen    bool

	cfg Config
	now func() time.Time
}

func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// NewBreakerWithClock exists so timed transitions are testable without
// sleeping.
func NewBreakerWithClock(cfg Config, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg, now: now}
}

// State reports the current state, applying the cooldown transition to
// half-open when due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call to this processor should go out right
// now. Unavailable suppresses calls until the cooldown elapses, at
// which point the breaker half-opens and lets probes through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state != Unavailable
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == Unavailable && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = Degraded
		b.halfOpen = true
		b.consecutive = 0
		b.window = nil
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	b.consecutive = 0
	b.observe(true)

	// A success while half-open is the probe succeeding; a success in
	// plain degraded also restores full confidence.
	if b.state == Degraded {
		b.state = Healthy
		b.halfOpen = false
		b.window = nil
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	b.consecutive++
	b.observe(false)

	switch b.state {
	case Healthy:
		if b.consecutive >= b.cfg.TripAfter {
			b.state = Degraded
		}
	case Degraded:
		if b.halfOpen {
			// Failed probe: reopen immediately.
			b.state = Unavailable
			b.openedAt = b.now()
			b.halfOpen = false
			return
		}
		if b.failureRate() >= b.cfg.FailureRate {
			b.state = Unavailable
			b.openedAt = b.now()
		}
	}
}

func (b *Breaker) observe(ok bool) {
	now := b.now()
	b.window = append(b.window, outcome{at: now, ok: ok})
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	b.window = b.window[i:]
}

func (b *Breaker) failureRate() float64 {
	if len(b.window) == 0 {
		return 0
	}
	var fails int
	for _, o := range b.window {
		if !o.ok {
			fails++
		}
	}
	return float64(fails) / float64(len(b.window))
}
