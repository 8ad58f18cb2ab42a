package connectivity

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(100*time.Millisecond),
		WithBreakerHalfOpenMax(3),
		WithBreakerClock(clock),
	)

	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatal("expected open after 3 failures")
	}
	if cb.Allow() {
		t.Fatal("should not allow when open")
	}

	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open after reset timeout")
	}
	if !cb.Allow() {
		t.Fatal("should allow in half-open")
	}

	// Three successes are needed to close.
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected still half-open after 2 successes")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after 3 successes in half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(50*time.Millisecond),
		WithBreakerClock(clock),
	)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	now = now.Add(100 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(3))
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
	if cb.Failures() != 2 {
		t.Fatalf("failures = %d, want 2", cb.Failures())
	}
}

func TestBreakerSet_Allow(t *testing.T) {
	set := NewBreakerSet(WithBreakerThreshold(1))

	cb, err := set.Allow("kikuya.py")
	if err != nil {
		t.Fatalf("closed breaker refused: %v", err)
	}
	cb.RecordFailure()

	cb, err = set.Allow("kikuya.py")
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || cb != nil {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if open.Target != "kikuya.py" {
		t.Fatalf("target = %q", open.Target)
	}
	if _, err := set.Allow("naniwa.py"); err != nil {
		t.Fatalf("other target refused: %v", err)
	}
}

func TestBreakerSet(t *testing.T) {
	var transitions []string
	set := NewBreakerSet(WithBreakerThreshold(2))
	set.OnChange(func(target string, from, to BreakerState) {
		transitions = append(transitions, target+":"+from.String()+"->"+to.String())
	})

	a := set.Get("a.py")
	if set.Get("a.py") != a {
		t.Fatal("Get must return the same breaker for a target")
	}
	a.RecordFailure()
	a.RecordFailure()
	set.Get("b.py")

	if len(transitions) != 1 || transitions[0] != "a.py:closed->open" {
		t.Fatalf("transitions = %v", transitions)
	}

	snap := set.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	if snap[0].Target != "a.py" || snap[0].State != "open" || snap[0].Failures != 2 {
		t.Fatalf("snapshot[0] = %+v", snap[0])
	}
	if snap[1].Target != "b.py" || snap[1].State != "closed" {
		t.Fatalf("snapshot[1] = %+v", snap[1])
	}
}
