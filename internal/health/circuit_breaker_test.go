package health

import (
	"testing"
	"time"
)

func newTestBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		BaseTimeout:      timeout,
		MaxTimeout:       10 * timeout,
	})
}

func TestBreakerOpensAfterExactlyNFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("breaker opened one failure early")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("breaker must open on the third consecutive failure")
	}
	if cb.Allow() {
		t.Fatalf("open breaker must reject immediately")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker")
	}
}

func TestHalfOpenProbeAfterBackoff(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatalf("breaker must stay open inside the backoff window")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("breaker must allow one probe after the backoff")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", cb.State())
	}
}

func TestOneProbeSuccessCloses(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected probe to be allowed")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("one probe success must close the breaker, state = %v", cb.State())
	}
}

func TestOneProbeFailureReopensWithLongerBackoff(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	_, _, _, firstBackoff := cb.Snapshot()

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected probe to be allowed")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("one probe failure must reopen the breaker")
	}
	_, _, _, secondBackoff := cb.Snapshot()
	if secondBackoff <= firstBackoff {
		t.Fatalf("backoff must grow after a failed probe: %v -> %v", firstBackoff, secondBackoff)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond)

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("attempt %d: delay %v shrank below %v", i, d, prev)
		}
		prev = d
	}
	// Far past the cap; jitter adds at most 25%.
	for i := 0; i < 10; i++ {
		if d := b.Next(); d > 100*time.Millisecond {
			t.Fatalf("delay %v exceeded cap plus jitter", d)
		}
	}

	b.Reset()
	if d := b.Next(); d > 13*time.Millisecond {
		t.Fatalf("reset did not restart the schedule, first delay %v", d)
	}
}
