package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (count was reset by success)", got)
	}
}

func TestBreaker_FailsFastWithoutInvokingOp(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.RecordFailure()

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	var open *ErrOpen
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want *ErrOpen", err)
	}
	if open.Name != "redis" {
		t.Fatalf("ErrOpen.Name = %q, want redis", open.Name)
	}
	if invoked {
		t.Fatal("wrapped operation must not run while the breaker is open")
	}
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	b.RecordFailure()

	time.Sleep(30 * time.Millisecond)

	// The next call must be allowed through as a trial.
	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if !invoked {
		t.Fatal("trial call should have run the operation")
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after successful trial = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	b.RecordFailure()

	time.Sleep(30 * time.Millisecond)

	boom := errors.New("boom")
	err := b.Execute(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped op error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed trial = %v, want open", got)
	}
}

func TestBreaker_RequiresConfiguredTrialSuccesses(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenSuccesses: 2})
	b.RecordFailure()

	time.Sleep(30 * time.Millisecond)

	b.State() // force open -> half-open
	b.RecordSuccess()
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after 1/2 trials = %v, want half_open", got)
	}
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2/2 trials = %v, want closed", got)
	}
}

func TestBreaker_SnapshotCountsCalls(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 10, RecoveryTimeout: time.Minute})

	b.Execute(context.Background(), func(context.Context) error { return nil })
	b.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	b.Execute(context.Background(), func(context.Context) error { return errors.New("x") })

	m := b.Snapshot()
	if m.TotalCalls != 3 {
		t.Fatalf("TotalCalls = %d, want 3", m.TotalCalls)
	}
	if m.SuccessfulCalls != 1 {
		t.Fatalf("SuccessfulCalls = %d, want 1", m.SuccessfulCalls)
	}
	if m.FailedCalls != 2 {
		t.Fatalf("FailedCalls = %d, want 2", m.FailedCalls)
	}
	if m.ConsecutiveFailures != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", m.ConsecutiveFailures)
	}
	if m.State != StateClosed {
		t.Fatalf("State = %v, want closed", m.State)
	}
}

func TestRegistry_ReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	a := r.Get("redis")
	b := r.Get("redis")
	if a != b {
		t.Fatal("Get should return the same breaker for the same name")
	}

	c := r.Get("pubsub")
	if a == c {
		t.Fatal("different names should get different breakers")
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot size = %d, want 2", len(snap))
	}
	if snap["redis"] != "closed" {
		t.Fatalf("snapshot state = %q, want closed", snap["redis"])
	}
}
