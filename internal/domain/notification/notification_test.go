package notification

import (
	"errors"
	"testing"
)

func TestStateMachine_PendingSendingDelivered(t *testing.T) {
	n := New("org-1", "user-1", "email", "welcome", nil)

	if err := n.Start(); err != nil {
		t.Fatalf("pending->sending should be allowed: %v", err)
	}
	if n.Status != StatusSending {
		t.Fatalf("expected sending, got %s", n.Status)
	}

	if err := n.Succeed(); err != nil {
		t.Fatalf("sending->delivered should be allowed: %v", err)
	}
	if !n.Delivered() {
		t.Fatalf("expected Delivered() true once DeliveryCommittedAt is stamped")
	}
}

func TestStateMachine_RejectsPendingToDelivered(t *testing.T) {
	n := New("org-1", "user-1", "email", "welcome", nil)
	if err := n.Succeed(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pending->delivered to be rejected, got %v", err)
	}
}

func TestStateMachine_RejectsFailedToSendingDirectly(t *testing.T) {
	n := New("org-1", "user-1", "email", "welcome", nil)
	_ = n.Start()
	_ = n.Fail()

	if err := n.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected failed->sending to require an explicit repository-level reset to pending first, got %v", err)
	}
}

func TestClaim_RejectsSecondClaim(t *testing.T) {
	n := New("org-1", "user-1", "email", "welcome", nil)

	if err := n.Claim("token-1"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if err := n.Claim("token-2"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected second claim to fail, got %v", err)
	}
	if *n.DeliveryToken != "token-1" {
		t.Fatalf("expected original token to be preserved")
	}
}

func TestNewDLQ_TruncatesLongReason(t *testing.T) {
	long := make([]byte, maxDLQReasonLen+500)
	for i := range long {
		long[i] = 'x'
	}

	dlq := NewDLQ("notif-1", "email", string(long))
	if len(dlq.Reason) != maxDLQReasonLen {
		t.Fatalf("expected reason truncated to %d chars, got %d", maxDLQReasonLen, len(dlq.Reason))
	}
}

func TestNewPreference_DefaultsEnabledImmediate(t *testing.T) {
	p := NewPreference("user-1", "email")
	if !p.Enabled {
		t.Fatalf("expected new preferences to default to enabled")
	}
	if p.Frequency != FrequencyImmediate {
		t.Fatalf("expected default frequency immediate, got %s", p.Frequency)
	}
}
