package client

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int, cooldown time.Duration) (*breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newBreaker(failures, successes, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	if err := b.allow(); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if b.current() != BreakerClosed {
		t.Errorf("state = %s, want closed", b.current())
	}
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	b.failure()
	b.failure()
	if b.current() != BreakerClosed {
		t.Fatal("should still be closed after 2 failures")
	}
	b.failure()
	if b.current() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.current())
	}
	if err := b.allow(); err != ErrCircuitOpen {
		t.Errorf("allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_successResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2, 1, time.Minute)
	b.failure()
	b.success()
	b.failure()
	if b.current() != BreakerClosed {
		t.Error("non-consecutive failures should not trip the breaker")
	}
}

func TestBreaker_halfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, 2, time.Minute)
	b.failure()

	clock.advance(30 * time.Second)
	if err := b.allow(); err == nil {
		t.Fatal("should reject during cooldown")
	}

	clock.advance(31 * time.Second)
	if b.current() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.current())
	}
	if err := b.allow(); err != nil {
		t.Fatalf("trial request should be allowed: %v", err)
	}

	b.success()
	if b.current() != BreakerHalfOpen {
		t.Fatal("one success is below the success threshold")
	}
	b.success()
	if b.current() != BreakerClosed {
		t.Errorf("state = %s, want closed", b.current())
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 1, time.Minute)
	b.failure()
	clock.advance(2 * time.Minute)
	_ = b.allow()

	b.failure()
	if b.current() != BreakerOpen {
		t.Errorf("state = %s, want open", b.current())
	}
}

func TestBreaker_defaults(t *testing.T) {
	b := newBreaker(0, 0, 0)
	if b.failureThreshold != 5 || b.successThreshold != 1 || b.cooldown != 30*time.Second {
		t.Errorf("defaults = %d/%d/%s", b.failureThreshold, b.successThreshold, b.cooldown)
	}
}

func TestBreakerState_String(t *testing.T) {
	for state, want := range map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
