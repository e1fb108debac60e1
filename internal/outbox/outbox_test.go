package outbox

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope_MarshalsPayloadAndStampsID(t *testing.T) {
	env, err := NewEnvelope("notification.sent", 1, map[string]string{"id": "n-1"}, Meta{Source: "dispatcher"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.ID == "" {
		t.Fatalf("expected a non-empty id")
	}
	if env.Name != "notification.sent" {
		t.Fatalf("expected name preserved")
	}
	if env.OccurredAt.IsZero() {
		t.Fatalf("expected OccurredAt to be stamped")
	}

	var decoded map[string]string
	if err := json.Unmarshal(env.Payload, &decoded); err != nil {
		t.Fatalf("expected payload to round-trip through JSON: %v", err)
	}
	if decoded["id"] != "n-1" {
		t.Fatalf("expected payload content preserved, got %v", decoded)
	}
}

func TestNewEnvelope_DistinctIDsAcrossCalls(t *testing.T) {
	a, _ := NewEnvelope("x", 1, map[string]int{}, Meta{Source: "test"})
	b, _ := NewEnvelope("x", 1, map[string]int{}, Meta{Source: "test"})
	if a.ID == b.ID {
		t.Fatalf("expected distinct envelope ids")
	}
}
