package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_ClosedUntilThreshold(t *testing.T) {
	b := newBreaker("test", Config{FailureThreshold: 3, ResetTimeout: time.Hour, HalfOpenMaxAttempts: 1})

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("expected underlying error, got %v", err)
		}
		if st, _ := b.Snapshot(); st != Closed {
			t.Fatalf("expected closed after %d failures, got %s", i+1, st)
		}
	}

	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if st, _ := b.Snapshot(); st != Open {
		t.Fatalf("expected open after reaching threshold, got %s", st)
	}
}

func TestBreaker_OpenRejectsFastUntilResetTimeout(t *testing.T) {
	b := newBreaker("test", Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond, HalfOpenMaxAttempts: 1})

	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if st, _ := b.Snapshot(); st != Open {
		t.Fatalf("expected open")
	}

	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while cooling down, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	err = b.Execute(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected half-open trial to proceed, got %v", err)
	}
	if st, _ := b.Snapshot(); st != Closed {
		t.Fatalf("expected closed after successful half-open trial, got %s", st)
	}
}

func TestBreaker_HalfOpenNeedsConsecutiveSuccesses(t *testing.T) {
	b := newBreaker("test", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxAttempts: 2})

	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	time.Sleep(15 * time.Millisecond)

	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	if st, _ := b.Snapshot(); st != HalfOpen {
		t.Fatalf("expected still half-open after one success of two required, got %s", st)
	}

	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	if st, _ := b.Snapshot(); st != Closed {
		t.Fatalf("expected closed after two consecutive successes, got %s", st)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newBreaker("test", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxAttempts: 3})

	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	time.Sleep(15 * time.Millisecond)

	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if st, _ := b.Snapshot(); st != Open {
		t.Fatalf("expected any half-open failure to reopen immediately, got %s", st)
	}
}

func TestBreaker_CancellationNotCountedAsFailure(t *testing.T) {
	b := newBreaker("test", Config{FailureThreshold: 1, ResetTimeout: time.Hour, HalfOpenMaxAttempts: 1})

	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled to propagate")
	}
	if st, _ := b.Snapshot(); st != Closed {
		t.Fatalf("expected cancellation to not trip the breaker, got %s", st)
	}
}

func TestRegistry_SharesNamedBreaker(t *testing.T) {
	r := NewRegistry()
	b1 := r.Get("adapter:email", Config{FailureThreshold: 1})
	b2 := r.Get("adapter:email", Config{FailureThreshold: 99})

	if b1 != b2 {
		t.Fatalf("expected same name to return the same breaker instance")
	}
}
