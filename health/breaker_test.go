package health

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	return Config{
		TripAfter:   3,
		Window:      30 * time.Second,
		FailureRate: 0.5,
		Cooldown:    10 * time.Second,
	}
}

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
	return NewBreakerWithClock(testConfig(), clock.now), clock
}

func TestStartsHealthy(t *testing.T) {
	b, _ := newTestBreaker()
	if b.State() != Healthy {
		t.Fatalf("expected healthy, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("healthy breaker should allow calls")
	}
}

func TestConsecutiveFailuresDegrade(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Healthy {
		t.Fatalf("two failures should not degrade, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Degraded {
		t.Fatalf("expected degraded after three consecutive failures, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("degraded breaker should still allow calls")
	}
}

func TestSuccessResetsConsecutiveRun(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Healthy {
		t.Fatalf("run was broken by a success, expected healthy, got %v", b.State())
	}
}

func TestFailureRateOpensBreaker(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != Degraded {
		t.Fatalf("expected degraded, got %v", b.State())
	}
	clock.advance(time.Second)
	b.RecordFailure()
	if b.State() != Unavailable {
		t.Fatalf("expected unavailable past failure rate, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("unavailable breaker must suppress calls")
	}
}

func TestCooldownHalfOpensThenRecovers(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Unavailable {
		t.Fatalf("expected unavailable, got %v", b.State())
	}

	clock.advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("cooldown not elapsed, calls must stay suppressed")
	}

	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("cooldown elapsed, probe should be allowed")
	}
	if b.State() != Degraded {
		t.Fatalf("expected half-open degraded, got %v", b.State())
	}

	b.RecordSuccess()
	if b.State() != Healthy {
		t.Fatalf("probe success should restore healthy, got %v", b.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.advance(11 * time.Second)
	if !b.Allow() {
		t.Fatal("expected half-open probe window")
	}
	b.RecordFailure()
	if b.State() != Unavailable {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}

	// A fresh cooldown applies from the failed probe.
	clock.advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("reopened breaker must wait out a new cooldown")
	}
	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("second cooldown elapsed, probe should be allowed again")
	}
}

func TestWindowPrunesOldOutcomes(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	// Push the old failures out of the window, then log successes so
	// the rate stays low.
	clock.advance(time.Minute)
	b.RecordSuccess()
	if b.State() != Healthy {
		t.Fatalf("expected healthy after recovery, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Healthy {
		t.Fatalf("a single recent failure should not degrade, got %v", b.State())
	}
}
