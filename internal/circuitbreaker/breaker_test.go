package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := New(3, 2, time.Minute)
	if !b.Allow("mint") {
		t.Fatal("new breaker should allow requests")
	}
	if b.State("mint") != StateClosed {
		t.Fatalf("expected closed, got %s", b.State("mint"))
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, 2, time.Minute)

	b.RecordFailure("mint")
	b.RecordFailure("mint")
	if b.State("mint") != StateClosed {
		t.Fatal("breaker opened before threshold")
	}

	b.RecordFailure("mint")
	if b.State("mint") != StateOpen {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}
	if b.Allow("mint") {
		t.Fatal("open breaker must short-circuit requests")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 2, time.Minute)

	b.RecordFailure("mint")
	b.RecordFailure("mint")
	b.RecordSuccess("mint")
	b.RecordFailure("mint")
	b.RecordFailure("mint")

	if b.State("mint") != StateClosed {
		t.Fatal("non-consecutive failures must not trip the breaker")
	}
}

func TestHalfOpenProbeFlow(t *testing.T) {
	b := New(2, 2, 10*time.Millisecond)

	b.RecordFailure("mint")
	b.RecordFailure("mint")
	if b.State("mint") != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("mint") {
		t.Fatal("expected probe allowed after cooldown")
	}
	if b.State("mint") != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State("mint"))
	}

	// One probe success is not enough when successThreshold is 2.
	b.RecordSuccess("mint")
	if b.State("mint") != StateHalfOpen {
		t.Fatal("breaker closed before successThreshold probes")
	}

	b.RecordSuccess("mint")
	if b.State("mint") != StateClosed {
		t.Fatal("breaker should close after 2 consecutive probe successes")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(1, 2, 10*time.Millisecond)

	b.RecordFailure("mint")
	time.Sleep(15 * time.Millisecond)
	if !b.Allow("mint") {
		t.Fatal("expected probe allowed")
	}

	b.RecordFailure("mint")
	if b.State("mint") != StateOpen {
		t.Fatal("failed probe must reopen the circuit")
	}
	if b.Allow("mint") {
		t.Fatal("reopened circuit must reject immediately")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(1, 1, time.Minute)

	b.RecordFailure("mint:transfer")
	if b.State("mint:transfer") != StateOpen {
		t.Fatal("expected transfer circuit open")
	}
	if !b.Allow("mint:spend_state") {
		t.Fatal("unrelated key must stay closed")
	}
}

func TestOnTransitionCallback(t *testing.T) {
	b := New(1, 1, time.Minute)

	ch := make(chan State, 1)
	b.OnTransition(func(key string, from, to State) {
		ch <- to
	})

	b.RecordFailure("mint")
	select {
	case to := <-ch:
		if to != StateOpen {
			t.Fatalf("expected transition to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback not fired")
	}
}
