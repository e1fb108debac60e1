package publish

import (
	"errors"
	"testing"
)

func TestMarkPublished_RejectsDoubleApply(t *testing.T) {
	intent := NewIntent("org-1")

	if err := intent.MarkPublished("ext-1"); err != nil {
		t.Fatalf("first MarkPublished should succeed: %v", err)
	}
	if intent.ExternalID == nil || *intent.ExternalID != "ext-1" {
		t.Fatalf("expected external id to be recorded")
	}

	if err := intent.MarkPublished("ext-2"); !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("expected ErrAlreadyPublished, got %v", err)
	}
	if *intent.ExternalID != "ext-1" {
		t.Fatalf("expected second MarkPublished to not overwrite the first external id")
	}
}

func TestNewSuccess_AndNewFailure(t *testing.T) {
	s := NewSuccess("intent-1", "ext-1", "https://example.test/ext-1", nil)
	if s.Status != ExecutionSuccess {
		t.Fatalf("expected success status")
	}
	if s.CompletedAt == nil {
		t.Fatalf("expected CompletedAt set")
	}

	f := NewFailure("intent-1", errors.New("adapter unreachable"))
	if f.Status != ExecutionFailed {
		t.Fatalf("expected failed status")
	}
	if f.Error == nil || *f.Error != "adapter unreachable" {
		t.Fatalf("expected error message recorded")
	}
}

func TestNewAttempt_RecordsSequence(t *testing.T) {
	a1 := NewAttempt("intent-1", 1, AttemptFailure, nil)
	a2 := NewAttempt("intent-1", 2, AttemptSuccess, nil)

	if a1.AttemptNum != 1 || a2.AttemptNum != 2 {
		t.Fatalf("expected attempt numbers to be recorded verbatim")
	}
	if a1.IntentID != a2.IntentID {
		t.Fatalf("expected both attempts scoped to the same intent")
	}
}
