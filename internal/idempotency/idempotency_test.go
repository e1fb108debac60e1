package idempotency

import "testing"

func TestDeterministicKey_PureFunction(t *testing.T) {
	a, err := DeterministicKey("publish", "intent-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := DeterministicKey("publish", "intent-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a != b {
		t.Fatalf("expected equal inputs to produce equal outputs, got %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDeterministicKey_DifferentOrderDifferentKey(t *testing.T) {
	a, _ := DeterministicKey("publish", "intent-123")
	b, _ := DeterministicKey("intent-123", "publish")

	if a == b {
		t.Fatalf("expected order to matter")
	}
}

func TestDeterministicKey_Validation(t *testing.T) {
	if _, err := DeterministicKey(); err != ErrPartCount {
		t.Fatalf("expected ErrPartCount for zero parts, got %v", err)
	}

	parts := make([]string, 11)
	for i := range parts {
		parts[i] = "x"
	}
	if _, err := DeterministicKey(parts...); err != ErrPartCount {
		t.Fatalf("expected ErrPartCount for 11 parts, got %v", err)
	}

	if _, err := DeterministicKey("ok", ""); err != ErrEmptyPart {
		t.Fatalf("expected ErrEmptyPart, got %v", err)
	}

	long := make([]byte, 1025)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := DeterministicKey(string(long)); err != ErrPartTooLong {
		t.Fatalf("expected ErrPartTooLong, got %v", err)
	}
}

func TestHashPayload_OrderIndependent(t *testing.T) {
	a, err := HashPayload(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := HashPayload(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a != b {
		t.Fatalf("expected map key order to not affect hash: %q vs %q", a, b)
	}
}

func TestHashPayload_DifferentValuesDifferentHash(t *testing.T) {
	a, _ := HashPayload(map[string]any{"a": 1})
	b, _ := HashPayload(map[string]any{"a": 2})

	if a == b {
		t.Fatalf("expected different values to produce different hashes")
	}
}

func TestHashPayload_CircularReference(t *testing.T) {
	type node struct {
		Name string
		Next *node
	}

	n := &node{Name: "self"}
	n.Next = n

	hash, err := HashPayload(n)
	if err != nil {
		t.Fatalf("expected circular payload to hash without error, got %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
}

func TestHashPayload_TooLarge(t *testing.T) {
	big := make([]byte, maxPayloadSize+1)
	for i := range big {
		big[i] = 'a'
	}

	_, err := HashPayload(map[string]any{"blob": string(big)})
	if err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestPayloadsEqual(t *testing.T) {
	h1, _ := HashPayload(map[string]any{"a": 1})
	h2, _ := HashPayload(map[string]any{"a": 1})
	h3, _ := HashPayload(map[string]any{"a": 2})

	if !PayloadsEqual(h1, h2) {
		t.Fatalf("expected equal hashes to compare equal")
	}
	if PayloadsEqual(h1, h3) {
		t.Fatalf("expected different hashes to compare unequal")
	}
}

func TestIsValidIdempotencyKey(t *testing.T) {
	key, _ := DeterministicKey("a", "b")

	if !IsValidIdempotencyKey(key, SHA256, Hex) {
		t.Fatalf("expected a real sha256 hex digest to validate")
	}
	if IsValidIdempotencyKey("not-hex!!", SHA256, Hex) {
		t.Fatalf("expected invalid characters to fail hex validation")
	}
	if IsValidIdempotencyKey("ab", SHA256, Hex) {
		t.Fatalf("expected wrong-length hex digest to fail validation")
	}
	if !IsValidIdempotencyKey("YWJjZA==", SHA256, Base64) {
		t.Fatalf("expected valid base64 characters to pass")
	}
	if !IsValidIdempotencyKey("YWJjZA", SHA256, Base64URL) {
		t.Fatalf("expected valid base64url characters to pass")
	}
	if IsValidIdempotencyKey("", SHA256, Hex) {
		t.Fatalf("expected empty key to be invalid")
	}
}
