package lock

import "testing"

func TestRandomToken_Unique(t *testing.T) {
	a, err := randomToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := randomToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens across calls")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars (16 bytes), got %d", len(a))
	}
}

func TestKeyFor_Namespaced(t *testing.T) {
	if got := keyFor("publish:intent-1"); got != "lock:publish:intent-1" {
		t.Fatalf("unexpected key: %q", got)
	}
}
