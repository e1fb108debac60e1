package execution

import "testing"

func TestNew_DefaultsToPending(t *testing.T) {
	e := New("publish", "org-1", "key-1")
	if e.Status != StatusPending {
		t.Fatalf("expected pending, got %s", e.Status)
	}
	if !e.IsActive() {
		t.Fatalf("expected pending to count as active")
	}
}

func TestTransitionTo_MonotonicForward(t *testing.T) {
	e := New("publish", "org-1", "key-1")

	if err := e.TransitionTo(StatusStarted); err != nil {
		t.Fatalf("pending->started should be allowed: %v", err)
	}
	if e.StartedAt == nil {
		t.Fatalf("expected StartedAt to be stamped")
	}

	if err := e.TransitionTo(StatusCompleted); err != nil {
		t.Fatalf("started->completed should be allowed: %v", err)
	}
	if e.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be stamped")
	}

	if err := e.TransitionTo(StatusPending); err == nil {
		t.Fatalf("expected completed->pending to be rejected")
	}
}

func TestTransitionTo_FailedToRetryingIsTheOnlyBackstep(t *testing.T) {
	e := New("publish", "org-1", "key-1")
	_ = e.TransitionTo(StatusStarted)
	_ = e.TransitionTo(StatusFailed)

	if err := e.TransitionTo(StatusRetrying); err != nil {
		t.Fatalf("failed->retrying must be allowed: %v", err)
	}

	e2 := New("publish", "org-1", "key-2")
	if err := e2.TransitionTo(StatusCompleted); err == nil {
		t.Fatalf("pending->completed should not be allowed without an intervening started")
	}
}

func TestIsActive_MatchesCapacityGateSubset(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   true,
		StatusStarted:   true,
		StatusRetrying:  true,
		StatusCompleted: false,
		StatusFailed:    false,
	}
	for status, want := range cases {
		e := New("publish", "org-1", "key")
		e.Status = status
		if got := e.IsActive(); got != want {
			t.Errorf("status %s: IsActive()=%v, want %v", status, got, want)
		}
	}
}

func TestNewAttempt_RejectsNonPositiveAttemptNumber(t *testing.T) {
	if _, err := NewAttempt("exec-1", 0, AttemptFailure, nil); err == nil {
		t.Fatalf("expected attempt_number=0 to be rejected")
	}
	a, err := NewAttempt("exec-1", 1, AttemptSuccess, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.AttemptNumber != 1 {
		t.Fatalf("expected attempt number 1, got %d", a.AttemptNumber)
	}
}
